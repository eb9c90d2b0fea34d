package vault

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/skyflock/skyflock/internal/crypto"
	apperrors "github.com/skyflock/skyflock/internal/errors"
	"github.com/skyflock/skyflock/internal/keyring"
	"github.com/skyflock/skyflock/internal/model"
	"github.com/skyflock/skyflock/internal/repository"
)

// Vault is the single point of truth for how a record's secrets are
// protected and how plaintext gets in and out. It owns no keys itself: the
// system keyring comes from configuration and group keys arrive with each
// call and are never retained.
type Vault struct {
	keyring  *keyring.Keyring
	sessions repository.SessionRepository
}

func New(kr *keyring.Keyring, sessions repository.SessionRepository) *Vault {
	return &Vault{keyring: kr, sessions: sessions}
}

// ResolveKey returns the key that currently protects the record. Under
// system custody a caller-supplied key is accepted and ignored (leftover
// prompt state is not worth rejecting); under group custody it is required.
func (v *Vault) ResolveKey(rec *model.SessionRecord, callerKey string) (string, error) {
	switch c := rec.Custody().(type) {
	case model.SystemProtected:
		return v.keyring.Get(c.KeyID)
	default:
		if callerKey == "" {
			return "", apperrors.MissingRequired("Decryption key")
		}
		return callerKey, nil
	}
}

// Restore decrypts the stored session blob and returns the serialized
// session. A cipher-level failure never escapes raw; it comes back as an
// INCORRECT_DECRYPTION_KEY error.
func (v *Vault) Restore(ctx context.Context, rec *model.SessionRecord, callerKey string) (string, error) {
	key, err := v.ResolveKey(rec, callerKey)
	if err != nil {
		return "", err
	}

	plaintext, err := crypto.Decrypt(rec.EncryptedSession, key)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return "", apperrors.IncorrectDecryptionKey()
		}
		return "", err
	}
	return plaintext, nil
}

// VerifyGroupKey reports whether the candidate key opens the record's
// session blob. Only meaningful under group custody.
func (v *Vault) VerifyGroupKey(rec *model.SessionRecord, candidate string) bool {
	if candidate == "" {
		return false
	}
	_, err := crypto.Decrypt(rec.EncryptedSession, candidate)
	return err == nil
}

// Persist encrypts a freshly obtained session under the chosen policy and
// upserts the record. The ciphertext is always produced from scratch.
func (v *Vault) Persist(ctx context.Context, guildID, actorDID, plaintext string, policy model.Policy, callerKey string) (*model.SessionRecord, error) {
	var key string
	var keyID *int

	switch policy {
	case model.PolicySystem:
		k, id, err := v.keyring.PickRandom()
		if err != nil {
			return nil, err
		}
		key, keyID = k, &id
	case model.PolicyGroup:
		if callerKey == "" {
			return nil, apperrors.MissingRequired("Decryption key")
		}
		key = callerKey
	default:
		return nil, apperrors.InvalidInput("policy", string(policy))
	}

	encrypted, err := crypto.Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}

	record, err := v.sessions.Upsert(ctx, model.UpsertSessionParams{
		GuildID:          guildID,
		ActorDID:         actorDID,
		EncryptedSession: encrypted,
		KeyID:            keyID,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("guildId", guildID).
		Str("actorDid", actorDID).
		Str("policy", string(policy)).
		Msg("session persisted")

	return record, nil
}

// Rotate moves a record to the target policy: the session blob and, when
// present, the TOTP secret are decrypted under the current key and
// re-encrypted under the target key, then written back in a single update.
// Nothing is written unless every decrypt and re-encrypt succeeded, so an
// interrupted rotation leaves the old key valid for both secrets.
//
// Moving into group custody clears the auto-repost channels: unattended
// actions need a key nobody but a human holds.
func (v *Vault) Rotate(ctx context.Context, rec *model.SessionRecord, target model.Policy, callerKey, newKey string) (*model.SessionRecord, error) {
	if !target.Valid() {
		return nil, apperrors.InvalidInput("policy", string(target))
	}

	session, err := v.Restore(ctx, rec, callerKey)
	if err != nil {
		return nil, err
	}

	var totpSecret string
	if rec.HasTOTP() {
		currentKey, err := v.ResolveKey(rec, callerKey)
		if err != nil {
			return nil, err
		}
		totpSecret, err = crypto.Decrypt(*rec.EncryptedTOTPSecret, currentKey)
		if err != nil {
			if errors.Is(err, crypto.ErrDecryptionFailed) {
				return nil, apperrors.IncorrectDecryptionKey()
			}
			return nil, err
		}
	}

	var nextKey string
	var nextKeyID *int
	switch target {
	case model.PolicySystem:
		k, id, err := v.keyring.PickRandom()
		if err != nil {
			return nil, err
		}
		nextKey, nextKeyID = k, &id
	case model.PolicyGroup:
		if newKey == "" {
			return nil, apperrors.MissingRequired("New decryption key")
		}
		nextKey = newKey
	}

	encryptedSession, err := crypto.Encrypt(session, nextKey)
	if err != nil {
		return nil, err
	}

	var encryptedTOTPSecret *string
	if totpSecret != "" {
		enc, err := crypto.Encrypt(totpSecret, nextKey)
		if err != nil {
			return nil, err
		}
		encryptedTOTPSecret = &enc
	}

	rows, err := v.sessions.UpdateEncryption(ctx, rec.GuildID, rec.ActorDID, model.UpdateEncryptionParams{
		EncryptedSession:    encryptedSession,
		KeyID:               nextKeyID,
		EncryptedTOTPSecret: encryptedTOTPSecret,
		ClearAutoChannels:   target == model.PolicyGroup,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if rows == 0 {
		// record vanished between load and write; benign race
		return nil, apperrors.NoAccess()
	}

	updated, err := v.sessions.FindByGuildAndActor(ctx, rec.GuildID, rec.ActorDID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if updated == nil {
		return nil, apperrors.NoAccess()
	}

	log.Info().
		Str("guildId", rec.GuildID).
		Str("actorDid", rec.ActorDID).
		Str("policy", string(target)).
		Bool("totpRotated", encryptedTOTPSecret != nil).
		Msg("session encryption rotated")

	return updated, nil
}

// EncryptWithRecordKey seals a value under the same key that currently
// protects the record's session. The MFA guard stores TOTP secrets through
// this so the two ciphertexts never diverge in custody.
func (v *Vault) EncryptWithRecordKey(rec *model.SessionRecord, callerKey, plaintext string) (string, error) {
	key, err := v.ResolveKey(rec, callerKey)
	if err != nil {
		return "", err
	}
	return crypto.Encrypt(plaintext, key)
}

// DecryptWithRecordKey is the counterpart of EncryptWithRecordKey.
func (v *Vault) DecryptWithRecordKey(rec *model.SessionRecord, callerKey, token string) (string, error) {
	key, err := v.ResolveKey(rec, callerKey)
	if err != nil {
		return "", err
	}
	plaintext, err := crypto.Decrypt(token, key)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return "", apperrors.IncorrectDecryptionKey()
		}
		return "", err
	}
	return plaintext, nil
}
