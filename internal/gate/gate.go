package gate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skyflock/skyflock/internal/audit"
	apperrors "github.com/skyflock/skyflock/internal/errors"
	"github.com/skyflock/skyflock/internal/metrics"
	"github.com/skyflock/skyflock/internal/mfa"
	"github.com/skyflock/skyflock/internal/model"
	"github.com/skyflock/skyflock/internal/repository"
	"github.com/skyflock/skyflock/internal/sky"
	"github.com/skyflock/skyflock/internal/vault"
)

// Gate decides, for every sensitive action, whether the caller owes a group
// key and/or a TOTP code before any credential is decrypted. Key
// verification always precedes TOTP verification: a wrong key must never
// unlock a TOTP check against a secret it does not protect.
type Gate struct {
	sessions   repository.SessionRepository
	vault      *vault.Vault
	guard      *mfa.Guard
	challenges ChallengeStore
}

func New(sessions repository.SessionRepository, v *vault.Vault, guard *mfa.Guard, challenges ChallengeStore) *Gate {
	return &Gate{sessions: sessions, vault: v, guard: guard, challenges: challenges}
}

// Grant is a successfully authorized action: the record it concerns and its
// decrypted session, ready to hand to an action executor.
type Grant struct {
	Challenge *Challenge
	Record    *model.SessionRecord
	Session   *sky.SessionData
}

// Decision is the outcome of Begin: either an immediate grant (nothing was
// owed) or a challenge describing what to prompt for.
type Decision struct {
	Challenge *Challenge
	Grant     *Grant
}

// Begin loads the record for a requested action and classifies what the
// caller owes. The owed-key question is answered from the record's custody
// on every invocation, never cached: group keys are not stored anywhere.
func (g *Gate) Begin(ctx context.Context, guildID, actorDID string, action model.ActionKind, payload map[string]string) (*Decision, error) {
	rec, err := g.sessions.FindByGuildAndActor(ctx, guildID, actorDID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if rec == nil {
		return nil, apperrors.NoAccess()
	}

	ch := &Challenge{
		ID:        uuid.NewString(),
		GuildID:   guildID,
		ActorDID:  actorDID,
		Action:    action,
		State:     StateRequested,
		NeedsKey:  rec.Custody().Policy() == model.PolicyGroup,
		NeedsTOTP: rec.HasTOTP(),
		Payload:   payload,
		CreatedAt: time.Now(),
	}

	if !ch.NeedsKey && !ch.NeedsTOTP {
		session, err := g.restore(ctx, rec, "")
		if err != nil {
			return nil, err
		}
		ch.State = StateAuthorized
		if err := g.challenges.Put(ctx, ch); err != nil {
			return nil, err
		}
		return &Decision{Challenge: ch, Grant: &Grant{Challenge: ch, Record: rec, Session: session}}, nil
	}

	if ch.NeedsKey {
		ch.State = StateAwaitingKey
	} else {
		ch.State = StateAwaitingTOTP
	}
	if err := g.challenges.Put(ctx, ch); err != nil {
		return nil, err
	}
	return &Decision{Challenge: ch}, nil
}

// Submit resumes a challenge with the caller's secrets. On failure the
// challenge stays alive in its awaiting state so the same correct inputs
// succeed on retry; nothing in the session record is mutated either way.
func (g *Gate) Submit(ctx context.Context, challengeID, callerKey, totpCode string) (*Grant, error) {
	ch, err := g.challenges.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		// prompt outlived its window
		return nil, apperrors.NoAccess()
	}

	rec, err := g.sessions.FindByGuildAndActor(ctx, ch.GuildID, ch.ActorDID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if rec == nil {
		_ = g.challenges.Delete(ctx, ch.ID)
		return nil, apperrors.NoAccess()
	}

	// requirements are re-derived from the record as it is now, not as it
	// was when the prompt was rendered
	needsKey := rec.Custody().Policy() == model.PolicyGroup
	needsTOTP := rec.HasTOTP()

	if needsKey {
		if callerKey == "" {
			return nil, g.reject(ctx, ch, StateAwaitingKey, apperrors.MissingRequired("Decryption key"))
		}
		if !g.vault.VerifyGroupKey(rec, callerKey) {
			return nil, g.reject(ctx, ch, StateAwaitingKey, apperrors.IncorrectDecryptionKey())
		}
	}

	if needsTOTP {
		ok, err := g.guard.Verify(ctx, rec, totpCode, callerKey)
		if err != nil {
			return nil, g.reject(ctx, ch, StateAwaitingTOTP, err)
		}
		if !ok {
			return nil, g.reject(ctx, ch, StateAwaitingTOTP, apperrors.MFAIncorrectCode())
		}
	}

	session, err := g.restore(ctx, rec, callerKey)
	if err != nil {
		return nil, err
	}

	ch.State = StateAuthorized
	if err := g.challenges.Put(ctx, ch); err != nil {
		return nil, err
	}

	audit.Log(ctx, audit.Event{
		Type:     audit.EventAuthGrant,
		GuildID:  ch.GuildID,
		ActorDID: ch.ActorDID,
		Details:  map[string]interface{}{"action": string(ch.Action), "attempts": ch.Attempts},
	})

	return &Grant{Challenge: ch, Record: rec, Session: session}, nil
}

// Unattended authorizes an action with no human present. Only system-keyed
// records qualify; a group-keyed record cannot be decrypted without its
// operators, which is the point of that policy.
func (g *Gate) Unattended(ctx context.Context, guildID, actorDID string) (*Grant, error) {
	rec, err := g.sessions.FindByGuildAndActor(ctx, guildID, actorDID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if rec == nil {
		return nil, apperrors.NoAccess()
	}

	if rec.Custody().Policy() == model.PolicyGroup {
		return nil, apperrors.AutomationUnavailable()
	}

	session, err := g.restore(ctx, rec, "")
	if err != nil {
		return nil, err
	}
	return &Grant{Record: rec, Session: session}, nil
}

// Lookup returns a live challenge by ID, or (nil, nil) once it has expired.
func (g *Gate) Lookup(ctx context.Context, challengeID string) (*Challenge, error) {
	return g.challenges.Get(ctx, challengeID)
}

// Executed marks a granted challenge's action as completed and retires it.
func (g *Gate) Executed(ctx context.Context, ch *Challenge) {
	if ch == nil {
		return
	}
	ch.State = StateExecuted
	if err := g.challenges.Put(ctx, ch); err != nil {
		log.Warn().Err(err).Str("challengeId", ch.ID).Msg("failed to mark challenge executed")
	}
}

func (g *Gate) restore(ctx context.Context, rec *model.SessionRecord, callerKey string) (*sky.SessionData, error) {
	plaintext, err := g.vault.Restore(ctx, rec, callerKey)
	if err != nil {
		return nil, err
	}
	return sky.ParseSession(plaintext)
}

// reject records the failed attempt and parks the challenge back in the
// awaiting state the failure belongs to, so the caller retries without
// re-selecting the target account.
func (g *Gate) reject(ctx context.Context, ch *Challenge, back State, cause error) error {
	ch.State = back
	ch.Attempts++
	if err := g.challenges.Put(ctx, ch); err != nil {
		log.Warn().Err(err).Str("challengeId", ch.ID).Msg("failed to persist rejected challenge")
	}

	metrics.AuthRejections.WithLabelValues(string(apperrors.GetCode(cause))).Inc()
	audit.Log(ctx, audit.Event{
		Type:     audit.EventAuthReject,
		GuildID:  ch.GuildID,
		ActorDID: ch.ActorDID,
		Details: map[string]interface{}{
			"action":   string(ch.Action),
			"reason":   string(apperrors.GetCode(cause)),
			"attempts": ch.Attempts,
		},
	})

	return cause
}
