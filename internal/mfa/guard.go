package mfa

import (
	"context"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog/log"

	apperrors "github.com/skyflock/skyflock/internal/errors"
	"github.com/skyflock/skyflock/internal/model"
	"github.com/skyflock/skyflock/internal/repository"
	"github.com/skyflock/skyflock/internal/vault"
)

const issuer = "Skyflock"

// Guard manages the optional TOTP second factor bound to a session record.
// The TOTP seed is stored encrypted under whichever key currently protects
// the record's session, so rotating the session key rotates the seed with it.
type Guard struct {
	vault    *vault.Vault
	sessions repository.SessionRepository
}

func NewGuard(v *vault.Vault, sessions repository.SessionRepository) *Guard {
	return &Guard{vault: v, sessions: sessions}
}

// Enrollment is a freshly generated, not-yet-confirmed second factor. The
// secret is persisted only after ConfirmEnrollment sees a valid code for it.
type Enrollment struct {
	Secret string
	URI    string
}

// Enroll generates a fresh TOTP seed and a provisioning URI for display.
// Nothing is written; the caller stages the secret until confirmation.
func (g *Guard) Enroll(rec *model.SessionRecord, accountName string) (*Enrollment, error) {
	if rec.HasTOTP() {
		return nil, apperrors.MFAConflict()
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
	})
	if err != nil {
		return nil, err
	}

	return &Enrollment{Secret: key.Secret(), URI: key.URL()}, nil
}

// ConfirmEnrollment verifies the first code against the staged secret and
// only then encrypts and stores it. callerKey follows the same rules as
// session restore: required under group custody, ignored under system.
func (g *Guard) ConfirmEnrollment(ctx context.Context, rec *model.SessionRecord, secret, code, callerKey string) (*model.SessionRecord, error) {
	if rec.HasTOTP() {
		return nil, apperrors.MFAConflict()
	}
	if !validate(code, secret) {
		return nil, apperrors.MFAIncorrectCode()
	}

	// a wrong group key here would store the seed under a key the session
	// is not encrypted with, splitting the record's custody in two
	if rec.Custody().Policy() == model.PolicyGroup && !g.vault.VerifyGroupKey(rec, callerKey) {
		return nil, apperrors.IncorrectDecryptionKey()
	}

	encrypted, err := g.vault.EncryptWithRecordKey(rec, callerKey, secret)
	if err != nil {
		return nil, err
	}

	if err := g.sessions.SetTOTPSecret(ctx, rec.GuildID, rec.ActorDID, encrypted); err != nil {
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("guildId", rec.GuildID).
		Str("actorDid", rec.ActorDID).
		Msg("mfa enabled")

	updated, err := g.sessions.FindByGuildAndActor(ctx, rec.GuildID, rec.ActorDID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if updated == nil {
		return nil, apperrors.NoAccess()
	}
	return updated, nil
}

// Verify checks a submitted code against the record's stored seed. A record
// with no seed verifies false rather than erroring; MFA simply is not on for
// it. A seed that will not decrypt under the resolved key surfaces as an
// incorrect-key error, never as a bad code.
func (g *Guard) Verify(ctx context.Context, rec *model.SessionRecord, code, callerKey string) (bool, error) {
	if !rec.HasTOTP() {
		return false, nil
	}

	secret, err := g.vault.DecryptWithRecordKey(rec, callerKey, *rec.EncryptedTOTPSecret)
	if err != nil {
		return false, err
	}

	return validate(code, secret), nil
}

// Disable removes the second factor. It demands a currently valid code, so a
// stolen chat session alone cannot turn MFA off.
func (g *Guard) Disable(ctx context.Context, rec *model.SessionRecord, code, callerKey string) (*model.SessionRecord, error) {
	if !rec.HasTOTP() {
		return nil, apperrors.MFANotEnabled()
	}

	ok, err := g.Verify(ctx, rec, code, callerKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.MFAIncorrectCode()
	}

	if err := g.sessions.ClearTOTPSecret(ctx, rec.GuildID, rec.ActorDID); err != nil {
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("guildId", rec.GuildID).
		Str("actorDid", rec.ActorDID).
		Msg("mfa disabled")

	updated, err := g.sessions.FindByGuildAndActor(ctx, rec.GuildID, rec.ActorDID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if updated == nil {
		return nil, apperrors.NoAccess()
	}
	return updated, nil
}

// validate runs standard 30-second-step TOTP verification with the
// conventional one-step tolerance window on either side.
func validate(code, secret string) bool {
	if code == "" || secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, nowUTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
