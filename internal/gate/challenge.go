package gate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/skyflock/skyflock/internal/model"
	"github.com/skyflock/skyflock/internal/redis"
)

// State is where a pending sensitive action sits in its authorization flow.
type State string

const (
	StateRequested    State = "requested"
	StateAwaitingKey  State = "awaiting_key"
	StateAwaitingTOTP State = "awaiting_totp"
	StateAuthorized   State = "authorized"
	StateExecuted     State = "executed"
)

// Challenge is the persisted state of one pending action between chat
// interactions. It never holds a key or a decrypted secret; only the
// question of what the caller still owes.
type Challenge struct {
	ID        string            `json:"id"`
	GuildID   string            `json:"guildId"`
	ActorDID  string            `json:"actorDid"`
	Action    model.ActionKind  `json:"action"`
	State     State             `json:"state"`
	NeedsKey  bool              `json:"needsKey"`
	NeedsTOTP bool              `json:"needsTotp"`
	Attempts  int               `json:"attempts"`
	Payload   map[string]string `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// ChallengeStore persists challenges for the lifetime of the surrounding
// chat interaction. An expired or missing challenge reads back as nil.
type ChallengeStore interface {
	Put(ctx context.Context, ch *Challenge) error
	Get(ctx context.Context, id string) (*Challenge, error)
	Delete(ctx context.Context, id string) error
}

// RedisChallengeStore is the production store. The TTL bounds how long a
// prompt may sit unanswered; expiry abandons the attempt with no stored
// state left behind.
type RedisChallengeStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisChallengeStore(client *redis.Client, ttl time.Duration) *RedisChallengeStore {
	return &RedisChallengeStore{client: client, ttl: ttl}
}

func (s *RedisChallengeStore) Put(ctx context.Context, ch *Challenge) error {
	raw, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redis.ChallengeKey(ch.ID), raw, s.ttl).Err()
}

func (s *RedisChallengeStore) Get(ctx context.Context, id string) (*Challenge, error) {
	raw, err := s.client.Get(ctx, redis.ChallengeKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ch Challenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *RedisChallengeStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, redis.ChallengeKey(id)).Err()
}

// MemoryChallengeStore backs package tests.
type MemoryChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]*Challenge
}

func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{challenges: make(map[string]*Challenge)}
}

func (s *MemoryChallengeStore) Put(ctx context.Context, ch *Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *ch
	s.challenges[ch.ID] = &c
	return nil
}

func (s *MemoryChallengeStore) Get(ctx context.Context, id string) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[id]
	if !ok {
		return nil, nil
	}
	c := *ch
	return &c, nil
}

func (s *MemoryChallengeStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, id)
	return nil
}
