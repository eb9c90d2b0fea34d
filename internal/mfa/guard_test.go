package mfa

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/skyflock/skyflock/internal/errors"
	"github.com/skyflock/skyflock/internal/keyring"
	"github.com/skyflock/skyflock/internal/model"
	"github.com/skyflock/skyflock/internal/repository"
	"github.com/skyflock/skyflock/internal/vault"
)

const (
	testGuild = "guild-1"
	testActor = "did:plc:alice"
)

func newTestGuard(t *testing.T) (*Guard, *vault.Vault, repository.SessionRepository) {
	t.Helper()
	repo := repository.NewMemorySessionRepository()
	v := vault.New(keyring.New(map[int]string{3: "system-key-three"}), repo)
	return NewGuard(v, repo), v, repo
}

func seedSystemRecord(t *testing.T, v *vault.Vault) *model.SessionRecord {
	t.Helper()
	rec, err := v.Persist(context.Background(), testGuild, testActor, "session-json", model.PolicySystem, "")
	require.NoError(t, err)
	return rec
}

func code(t *testing.T, secret string) string {
	t.Helper()
	c, err := totp.GenerateCode(secret, time.Now().UTC())
	require.NoError(t, err)
	return c
}

func TestEnroll(t *testing.T) {
	t.Run("returns secret and provisioning URI without persisting", func(t *testing.T) {
		g, v, repo := newTestGuard(t)
		rec := seedSystemRecord(t, v)

		enrollment, err := g.Enroll(rec, "alice.example.com")
		require.NoError(t, err)
		assert.NotEmpty(t, enrollment.Secret)
		assert.Contains(t, enrollment.URI, "otpauth://totp/")
		assert.Contains(t, enrollment.URI, "Skyflock")

		after, err := repo.FindByGuildAndActor(context.Background(), testGuild, testActor)
		require.NoError(t, err)
		assert.False(t, after.HasTOTP())
	})

	t.Run("fails with MFA_CONFLICT when already enrolled", func(t *testing.T) {
		g, v, _ := newTestGuard(t)
		rec := seedSystemRecord(t, v)

		enrollment, err := g.Enroll(rec, "alice.example.com")
		require.NoError(t, err)
		rec, err = g.ConfirmEnrollment(context.Background(), rec, enrollment.Secret, code(t, enrollment.Secret), "")
		require.NoError(t, err)

		_, err = g.Enroll(rec, "alice.example.com")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMFAConflict))
	})
}

func TestConfirmEnrollment(t *testing.T) {
	ctx := context.Background()

	t.Run("stores the secret encrypted under the record key", func(t *testing.T) {
		g, v, _ := newTestGuard(t)
		rec := seedSystemRecord(t, v)

		enrollment, err := g.Enroll(rec, "alice.example.com")
		require.NoError(t, err)

		updated, err := g.ConfirmEnrollment(ctx, rec, enrollment.Secret, code(t, enrollment.Secret), "")
		require.NoError(t, err)
		require.True(t, updated.HasTOTP())

		secret, err := v.DecryptWithRecordKey(updated, "", *updated.EncryptedTOTPSecret)
		require.NoError(t, err)
		assert.Equal(t, enrollment.Secret, secret)
	})

	t.Run("rejects a wrong first code without persisting", func(t *testing.T) {
		g, v, repo := newTestGuard(t)
		rec := seedSystemRecord(t, v)

		enrollment, err := g.Enroll(rec, "alice.example.com")
		require.NoError(t, err)

		_, err = g.ConfirmEnrollment(ctx, rec, enrollment.Secret, "000000", "")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMFAIncorrectCode))

		after, err := repo.FindByGuildAndActor(ctx, testGuild, testActor)
		require.NoError(t, err)
		assert.False(t, after.HasTOTP())
	})
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	enrolled := func(t *testing.T) (*Guard, *vault.Vault, *model.SessionRecord, string) {
		g, v, _ := newTestGuard(t)
		rec := seedSystemRecord(t, v)
		enrollment, err := g.Enroll(rec, "alice.example.com")
		require.NoError(t, err)
		rec, err = g.ConfirmEnrollment(ctx, rec, enrollment.Secret, code(t, enrollment.Secret), "")
		require.NoError(t, err)
		return g, v, rec, enrollment.Secret
	}

	t.Run("valid code verifies", func(t *testing.T) {
		g, _, rec, secret := enrolled(t)

		ok, err := g.Verify(ctx, rec, code(t, secret), "")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("accepts the previous time step", func(t *testing.T) {
		g, _, rec, secret := enrolled(t)

		stale, err := totp.GenerateCode(secret, time.Now().UTC().Add(-30*time.Second))
		require.NoError(t, err)

		ok, err := g.Verify(ctx, rec, stale, "")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("rejects a two-step-old code", func(t *testing.T) {
		g, _, rec, secret := enrolled(t)

		fixed := time.Date(2026, 5, 4, 12, 0, 15, 0, time.UTC)
		restore := nowUTC
		nowUTC = func() time.Time { return fixed }
		defer func() { nowUTC = restore }()

		old, err := totp.GenerateCode(secret, fixed.Add(-90*time.Second))
		require.NoError(t, err)

		ok, err := g.Verify(ctx, rec, old, "")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("returns false when no secret is stored", func(t *testing.T) {
		g, v, _ := newTestGuard(t)
		rec := seedSystemRecord(t, v)

		ok, err := g.Verify(ctx, rec, "123456", "")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("wrong code verifies false", func(t *testing.T) {
		g, _, rec, _ := enrolled(t)

		ok, err := g.Verify(ctx, rec, "000000", "")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestDisable(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a currently valid code", func(t *testing.T) {
		g, v, _ := newTestGuard(t)
		rec := seedSystemRecord(t, v)
		enrollment, err := g.Enroll(rec, "alice.example.com")
		require.NoError(t, err)
		rec, err = g.ConfirmEnrollment(ctx, rec, enrollment.Secret, code(t, enrollment.Secret), "")
		require.NoError(t, err)

		_, err = g.Disable(ctx, rec, "000000", "")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMFAIncorrectCode))

		updated, err := g.Disable(ctx, rec, code(t, enrollment.Secret), "")
		require.NoError(t, err)
		assert.False(t, updated.HasTOTP())
	})

	t.Run("fails with MFA_NOT_ENABLED when nothing is stored", func(t *testing.T) {
		g, v, _ := newTestGuard(t)
		rec := seedSystemRecord(t, v)

		_, err := g.Disable(ctx, rec, "123456", "")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMFANotEnabled))
	})
}
