package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyflock/skyflock/internal/crypto"
	apperrors "github.com/skyflock/skyflock/internal/errors"
	"github.com/skyflock/skyflock/internal/keyring"
	"github.com/skyflock/skyflock/internal/model"
	"github.com/skyflock/skyflock/internal/repository"
)

const (
	testGuild = "guild-1"
	testActor = "did:plc:alice"
)

func newTestVault(t *testing.T, keys map[int]string) (*Vault, repository.SessionRepository) {
	t.Helper()
	repo := repository.NewMemorySessionRepository()
	return New(keyring.New(keys), repo), repo
}

func TestVaultRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("group custody with correct key", func(t *testing.T) {
		v, _ := newTestVault(t, nil)
		token, err := crypto.Encrypt(`{"did":"did:plc:alice"}`, "correct-horse")
		require.NoError(t, err)
		rec := &model.SessionRecord{GuildID: testGuild, ActorDID: testActor, EncryptedSession: token}

		plaintext, err := v.Restore(ctx, rec, "correct-horse")
		require.NoError(t, err)
		assert.Equal(t, `{"did":"did:plc:alice"}`, plaintext)
	})

	t.Run("group custody with wrong key fails with INCORRECT_DECRYPTION_KEY", func(t *testing.T) {
		v, _ := newTestVault(t, nil)
		token, err := crypto.Encrypt("session", "correct-horse")
		require.NoError(t, err)
		rec := &model.SessionRecord{GuildID: testGuild, ActorDID: testActor, EncryptedSession: token}

		_, err = v.Restore(ctx, rec, "wrong-guess")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeIncorrectDecryptionKey))
	})

	t.Run("group custody without key fails", func(t *testing.T) {
		v, _ := newTestVault(t, nil)
		rec := &model.SessionRecord{GuildID: testGuild, ActorDID: testActor, EncryptedSession: "x"}

		_, err := v.Restore(ctx, rec, "")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMissingRequired))
	})

	t.Run("system custody resolves the keyring transparently", func(t *testing.T) {
		v, _ := newTestVault(t, map[int]string{3: "system-key-three"})
		token, err := crypto.Encrypt("session", "system-key-three")
		require.NoError(t, err)
		keyID := 3
		rec := &model.SessionRecord{GuildID: testGuild, ActorDID: testActor, EncryptedSession: token, KeyID: &keyID}

		plaintext, err := v.Restore(ctx, rec, "")
		require.NoError(t, err)
		assert.Equal(t, "session", plaintext)
	})

	t.Run("system custody ignores a stray caller key", func(t *testing.T) {
		v, _ := newTestVault(t, map[int]string{1: "system-key-one"})
		token, err := crypto.Encrypt("session", "system-key-one")
		require.NoError(t, err)
		keyID := 1
		rec := &model.SessionRecord{GuildID: testGuild, ActorDID: testActor, EncryptedSession: token, KeyID: &keyID}

		plaintext, err := v.Restore(ctx, rec, "leftover UI state")
		require.NoError(t, err)
		assert.Equal(t, "session", plaintext)
	})

	t.Run("missing system key fails with MISSING_SYSTEM_KEY", func(t *testing.T) {
		v, _ := newTestVault(t, map[int]string{1: "one", 2: "two", 3: "three"})
		keyID := 7
		rec := &model.SessionRecord{GuildID: testGuild, ActorDID: testActor, EncryptedSession: "x", KeyID: &keyID}

		_, err := v.Restore(ctx, rec, "")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMissingSystemKey))
	})
}

func TestVaultPersist(t *testing.T) {
	ctx := context.Background()

	t.Run("system policy stores a key reference", func(t *testing.T) {
		v, _ := newTestVault(t, map[int]string{1: "one", 2: "two", 3: "three"})

		rec, err := v.Persist(ctx, testGuild, testActor, "session-json", model.PolicySystem, "")
		require.NoError(t, err)
		require.NotNil(t, rec.KeyID)
		assert.Contains(t, []int{1, 2, 3}, *rec.KeyID)

		plaintext, err := v.Restore(ctx, rec, "")
		require.NoError(t, err)
		assert.Equal(t, "session-json", plaintext)
	})

	t.Run("group policy stores no key reference", func(t *testing.T) {
		v, _ := newTestVault(t, map[int]string{1: "one"})

		rec, err := v.Persist(ctx, testGuild, testActor, "session-json", model.PolicyGroup, "hunter2-but-long")
		require.NoError(t, err)
		assert.Nil(t, rec.KeyID)

		plaintext, err := v.Restore(ctx, rec, "hunter2-but-long")
		require.NoError(t, err)
		assert.Equal(t, "session-json", plaintext)
	})

	t.Run("group policy requires a caller key", func(t *testing.T) {
		v, _ := newTestVault(t, nil)
		_, err := v.Persist(ctx, testGuild, testActor, "s", model.PolicyGroup, "")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMissingRequired))
	})

	t.Run("re-linking drops a TOTP secret sealed under the old key", func(t *testing.T) {
		v, repo := newTestVault(t, map[int]string{1: "system-one"})

		rec, err := v.Persist(ctx, testGuild, testActor, "old-session", model.PolicyGroup, "old-group-key")
		require.NoError(t, err)
		sealed, err := v.EncryptWithRecordKey(rec, "old-group-key", "JBSWY3DPEHPK3PXP")
		require.NoError(t, err)
		require.NoError(t, repo.SetTOTPSecret(ctx, testGuild, testActor, sealed))

		// a fresh link replaces the ciphertext under a new key; the old
		// secret would be unreadable under it, so it must not survive
		relinked, err := v.Persist(ctx, testGuild, testActor, "new-session", model.PolicySystem, "")
		require.NoError(t, err)
		assert.False(t, relinked.HasTOTP())

		plaintext, err := v.Restore(ctx, relinked, "")
		require.NoError(t, err)
		assert.Equal(t, "new-session", plaintext)
	})
}

func TestVaultRotate(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, v *Vault, withTOTP bool, policy model.Policy, groupKey string) *model.SessionRecord {
		t.Helper()
		rec, err := v.Persist(ctx, testGuild, testActor, "session-json", policy, groupKey)
		require.NoError(t, err)
		if withTOTP {
			enc, err := v.EncryptWithRecordKey(rec, groupKey, "JBSWY3DPEHPK3PXP")
			require.NoError(t, err)
			require.NoError(t, v.sessions.SetTOTPSecret(ctx, testGuild, testActor, enc))
			rec, err = v.sessions.FindByGuildAndActor(ctx, testGuild, testActor)
			require.NoError(t, err)
		}
		return rec
	}

	t.Run("system to group clears key reference and auto channels", func(t *testing.T) {
		v, repo := newTestVault(t, map[int]string{1: "one", 2: "two", 3: "three"})
		rec := seed(t, v, false, model.PolicySystem, "")
		require.NoError(t, repo.SetAutoRepostChannels(ctx, testGuild, testActor, []string{"chan-1", "chan-2"}))
		rec, err := repo.FindByGuildAndActor(ctx, testGuild, testActor)
		require.NoError(t, err)

		updated, err := v.Rotate(ctx, rec, model.PolicyGroup, "", "new-group-key")
		require.NoError(t, err)

		assert.Nil(t, updated.KeyID)
		assert.Empty(t, updated.AutoRepostChannelIDs)

		plaintext, err := v.Restore(ctx, updated, "new-group-key")
		require.NoError(t, err)
		assert.Equal(t, "session-json", plaintext)
	})

	t.Run("group to system does not restore auto channels", func(t *testing.T) {
		v, _ := newTestVault(t, map[int]string{1: "one"})
		rec := seed(t, v, false, model.PolicyGroup, "group-key")

		updated, err := v.Rotate(ctx, rec, model.PolicySystem, "group-key", "")
		require.NoError(t, err)

		require.NotNil(t, updated.KeyID)
		assert.Empty(t, updated.AutoRepostChannelIDs)

		plaintext, err := v.Restore(ctx, updated, "")
		require.NoError(t, err)
		assert.Equal(t, "session-json", plaintext)
	})

	t.Run("rotation re-encrypts the TOTP secret under the same key", func(t *testing.T) {
		v, _ := newTestVault(t, map[int]string{2: "system-two"})
		rec := seed(t, v, true, model.PolicySystem, "")

		updated, err := v.Rotate(ctx, rec, model.PolicyGroup, "", "new-group-key")
		require.NoError(t, err)
		require.NotNil(t, updated.EncryptedTOTPSecret)

		secret, err := v.DecryptWithRecordKey(updated, "new-group-key", *updated.EncryptedTOTPSecret)
		require.NoError(t, err)
		assert.Equal(t, "JBSWY3DPEHPK3PXP", secret)

		// the old system key no longer opens either ciphertext
		_, err = crypto.Decrypt(updated.EncryptedSession, "system-two")
		assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
		_, err = crypto.Decrypt(*updated.EncryptedTOTPSecret, "system-two")
		assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
	})

	t.Run("wrong current key leaves the record unchanged", func(t *testing.T) {
		v, repo := newTestVault(t, map[int]string{1: "one"})
		rec := seed(t, v, true, model.PolicyGroup, "old-group-key")

		_, err := v.Rotate(ctx, rec, model.PolicySystem, "wrong-guess", "")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeIncorrectDecryptionKey))

		after, err := repo.FindByGuildAndActor(ctx, testGuild, testActor)
		require.NoError(t, err)
		assert.Equal(t, rec.EncryptedSession, after.EncryptedSession)
		assert.Equal(t, rec.EncryptedTOTPSecret, after.EncryptedTOTPSecret)
		assert.Nil(t, after.KeyID)

		// old key still opens both secrets
		_, err = v.Restore(ctx, after, "old-group-key")
		assert.NoError(t, err)
	})

	t.Run("exactly one custody state after rotation", func(t *testing.T) {
		v, _ := newTestVault(t, map[int]string{1: "one"})
		rec := seed(t, v, false, model.PolicySystem, "")

		updated, err := v.Rotate(ctx, rec, model.PolicyGroup, "", "gk")
		require.NoError(t, err)
		_, isGroup := updated.Custody().(model.GroupProtected)
		assert.True(t, isGroup)

		updated, err = v.Rotate(ctx, updated, model.PolicySystem, "gk", "")
		require.NoError(t, err)
		_, isSystem := updated.Custody().(model.SystemProtected)
		assert.True(t, isSystem)
	})

	t.Run("record vanishing mid-rotation is NO_ACCESS", func(t *testing.T) {
		v, repo := newTestVault(t, map[int]string{1: "one"})
		rec := seed(t, v, false, model.PolicySystem, "")

		_, err := repo.Delete(ctx, testGuild, testActor)
		require.NoError(t, err)

		_, err = v.Rotate(ctx, rec, model.PolicyGroup, "", "gk")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNoAccess))
	})
}
