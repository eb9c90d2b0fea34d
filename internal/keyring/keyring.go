package keyring

import (
	"crypto/rand"
	"math/big"
	"sort"

	apperrors "github.com/skyflock/skyflock/internal/errors"
)

// Keyring holds the operator-supplied system keys, addressed by slot ID.
// It is built once from configuration at startup and never mutated; slots
// the operator left empty are simply absent.
type Keyring struct {
	keys  map[int]string
	slots []int
}

func New(keys map[int]string) *Keyring {
	kr := &Keyring{keys: make(map[int]string, len(keys))}
	for id, key := range keys {
		if key == "" {
			continue
		}
		kr.keys[id] = key
		kr.slots = append(kr.slots, id)
	}
	sort.Ints(kr.slots)
	return kr
}

// Len returns the number of configured keys.
func (kr *Keyring) Len() int {
	return len(kr.slots)
}

// Get returns the key in the given slot. A record can reference a slot the
// operator has since emptied; that surfaces here, at decrypt time, as a
// MISSING_SYSTEM_KEY error rather than a startup crash.
func (kr *Keyring) Get(id int) (string, error) {
	key, ok := kr.keys[id]
	if !ok {
		return "", apperrors.MissingSystemKey(id)
	}
	return key, nil
}

// PickRandom selects a key uniformly among the configured slots. Slots with
// no key are never candidates.
func (kr *Keyring) PickRandom() (key string, id int, err error) {
	if len(kr.slots) == 0 {
		return "", 0, apperrors.MissingSystemKey(0)
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(kr.slots))))
	if err != nil {
		return "", 0, err
	}

	id = kr.slots[n.Int64()]
	return kr.keys[id], id, nil
}
