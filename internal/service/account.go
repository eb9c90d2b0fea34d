package service

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/skyflock/skyflock/internal/audit"
	"github.com/skyflock/skyflock/internal/database"
	apperrors "github.com/skyflock/skyflock/internal/errors"
	"github.com/skyflock/skyflock/internal/gate"
	"github.com/skyflock/skyflock/internal/model"
	"github.com/skyflock/skyflock/internal/repository"
	"github.com/skyflock/skyflock/internal/sky"
	"github.com/skyflock/skyflock/internal/vault"
)

// TxRunner abstracts transaction execution so services can be exercised
// against an in-memory repository.
type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

// AccountService manages the lifecycle of linked accounts: linking, listing,
// default selection, sign-out and whole-guild erasure.
type AccountService struct {
	db       TxRunner
	sessions repository.SessionRepository
	vault    *vault.Vault
	agent    sky.Agent
}

func NewAccountService(db TxRunner, sessions repository.SessionRepository, v *vault.Vault, agent sky.Agent) *AccountService {
	return &AccountService{db: db, sessions: sessions, vault: v, agent: agent}
}

// AccountInfo is a listing row. The handle is resolved best-effort; a
// network failure falls back to the DID.
type AccountInfo struct {
	ActorDID  string `json:"actorDid"`
	Handle    string `json:"handle"`
	Policy    string `json:"policy"`
	IsDefault bool   `json:"isDefault"`
	HasTOTP   bool   `json:"hasTotp"`
}

// Link signs in with an app password, encrypts the resulting session under
// the requested custody policy and stores it. The first account linked in a
// guild becomes the default.
func (s *AccountService) Link(ctx context.Context, guildID, identifier, password string, policy model.Policy, callerKey string) (*model.SessionRecord, error) {
	if !policy.Valid() {
		return nil, apperrors.InvalidInput("policy", "must be system or group")
	}
	if policy == model.PolicyGroup && callerKey == "" {
		return nil, apperrors.MissingRequired("Decryption key")
	}

	session, err := s.agent.Login(ctx, identifier, password)
	if err != nil {
		return nil, err
	}

	plaintext, err := session.Serialize()
	if err != nil {
		return nil, apperrors.Internal("Failed to serialize session")
	}

	rec, err := s.vault.Persist(ctx, guildID, session.DID, plaintext, policy, callerKey)
	if err != nil {
		return nil, err
	}

	existing, err := s.sessions.FindDefault(ctx, guildID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if existing == nil {
		if _, err := s.sessions.MarkDefault(ctx, guildID, session.DID); err != nil {
			return nil, apperrors.Database(err)
		}
		rec.IsDefault = true
	}

	audit.Log(ctx, audit.Event{
		Type:     audit.EventAccountLink,
		GuildID:  guildID,
		ActorDID: session.DID,
		Details:  map[string]interface{}{"policy": string(policy)},
	})

	return rec, nil
}

// Resolve picks the record an interaction targets: the named account, or the
// guild default when none is given.
func (s *AccountService) Resolve(ctx context.Context, guildID, actorDID string) (*model.SessionRecord, error) {
	var rec *model.SessionRecord
	var err error
	if actorDID != "" {
		rec, err = s.sessions.FindByGuildAndActor(ctx, guildID, actorDID)
	} else {
		rec, err = s.sessions.FindDefault(ctx, guildID)
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if rec == nil {
		return nil, apperrors.NoAccess()
	}
	return rec, nil
}

// List returns every linked account in the guild with its resolved handle.
func (s *AccountService) List(ctx context.Context, guildID string) ([]AccountInfo, error) {
	records, err := s.sessions.FindByGuild(ctx, guildID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	infos := make([]AccountInfo, 0, len(records))
	for _, rec := range records {
		handle, err := s.agent.ResolveDID(ctx, rec.ActorDID)
		if err != nil {
			log.Warn().Err(err).Str("actorDid", rec.ActorDID).Msg("failed to resolve handle")
			handle = rec.ActorDID
		}
		infos = append(infos, AccountInfo{
			ActorDID:  rec.ActorDID,
			Handle:    handle,
			Policy:    string(rec.Custody().Policy()),
			IsDefault: rec.IsDefault,
			HasTOTP:   rec.HasTOTP(),
		})
	}
	return infos, nil
}

// SetDefault makes the given account the guild's default. The clear and the
// set run in one transaction so at most one record holds the flag.
func (s *AccountService) SetDefault(ctx context.Context, guildID, actorDID string) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		repo := s.sessions.WithTx(tx)
		if err := repo.ClearDefault(ctx, guildID); err != nil {
			return apperrors.Database(err)
		}
		rows, err := repo.MarkDefault(ctx, guildID, actorDID)
		if err != nil {
			return apperrors.Database(err)
		}
		if rows == 0 {
			return apperrors.NoAccess()
		}
		return nil
	})
}

// SignOut revokes the session upstream and deletes the record. Revocation is
// best-effort: a dead token upstream must not strand the local record. If
// the deleted account was the default, the oldest remaining account is
// promoted.
func (s *AccountService) SignOut(ctx context.Context, grant *gate.Grant) error {
	rec := grant.Record

	if err := s.agent.SignOut(ctx, grant.Session); err != nil {
		log.Warn().Err(err).Str("actorDid", rec.ActorDID).Msg("upstream session revocation failed")
	}

	rows, err := s.sessions.Delete(ctx, rec.GuildID, rec.ActorDID)
	if err != nil {
		return apperrors.Database(err)
	}
	if rows == 0 {
		return apperrors.NoAccess()
	}

	if rec.IsDefault {
		remaining, err := s.sessions.FindByGuild(ctx, rec.GuildID)
		if err != nil {
			return apperrors.Database(err)
		}
		if len(remaining) > 0 {
			if _, err := s.sessions.MarkDefault(ctx, rec.GuildID, remaining[0].ActorDID); err != nil {
				return apperrors.Database(err)
			}
		}
	}

	audit.Log(ctx, audit.Event{
		Type:     audit.EventAccountSignout,
		GuildID:  rec.GuildID,
		ActorDID: rec.ActorDID,
	})
	return nil
}

// Forget erases every record the guild owns. Used when the bot is removed
// from a guild or on explicit operator request.
func (s *AccountService) Forget(ctx context.Context, guildID string) (int64, error) {
	rows, err := s.sessions.DeleteByGuild(ctx, guildID)
	if err != nil {
		return 0, apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{
		Type:    audit.EventGuildForget,
		GuildID: guildID,
		Details: map[string]interface{}{"records": rows},
	})
	return rows, nil
}
