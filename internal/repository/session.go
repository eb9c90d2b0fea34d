package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/skyflock/skyflock/internal/database"
	"github.com/skyflock/skyflock/internal/model"
)

// SessionRepository persists one record per (guild, linked account). All
// filters are exact matches on the (guild_id, actor_did) pair or on flags;
// Find* methods return (nil, nil) when no row matches.
type SessionRepository interface {
	FindByGuildAndActor(ctx context.Context, guildID, actorDID string) (*model.SessionRecord, error)
	FindByGuild(ctx context.Context, guildID string) ([]model.SessionRecord, error)
	FindDefault(ctx context.Context, guildID string) (*model.SessionRecord, error)
	FindByAutoRepostChannel(ctx context.Context, channelID string) ([]model.SessionRecord, error)
	Upsert(ctx context.Context, params model.UpsertSessionParams) (*model.SessionRecord, error)
	UpdateEncryption(ctx context.Context, guildID, actorDID string, params model.UpdateEncryptionParams) (int64, error)
	SetTOTPSecret(ctx context.Context, guildID, actorDID, encryptedSecret string) error
	ClearTOTPSecret(ctx context.Context, guildID, actorDID string) error
	ClearDefault(ctx context.Context, guildID string) error
	MarkDefault(ctx context.Context, guildID, actorDID string) (int64, error)
	SetAutoRepostChannels(ctx context.Context, guildID, actorDID string, channelIDs []string) error
	Delete(ctx context.Context, guildID, actorDID string) (int64, error)
	DeleteByGuild(ctx context.Context, guildID string) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

type sessionRepo struct {
	db database.DBTX
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByGuildAndActor(ctx context.Context, guildID, actorDID string) (*model.SessionRecord, error) {
	var record model.SessionRecord
	err := r.db.GetContext(ctx, &record, `
		SELECT * FROM sessions WHERE guild_id = $1 AND actor_did = $2
	`, guildID, actorDID)
	return HandleNotFound(&record, err)
}

func (r *sessionRepo) FindByGuild(ctx context.Context, guildID string) ([]model.SessionRecord, error) {
	var records []model.SessionRecord
	err := r.db.SelectContext(ctx, &records, `
		SELECT * FROM sessions WHERE guild_id = $1 ORDER BY created_at
	`, guildID)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *sessionRepo) FindDefault(ctx context.Context, guildID string) (*model.SessionRecord, error) {
	var record model.SessionRecord
	err := r.db.GetContext(ctx, &record, `
		SELECT * FROM sessions WHERE guild_id = $1 AND is_default = TRUE
	`, guildID)
	return HandleNotFound(&record, err)
}

func (r *sessionRepo) FindByAutoRepostChannel(ctx context.Context, channelID string) ([]model.SessionRecord, error) {
	// Only system-keyed records can act unattended; key_id IS NOT NULL is
	// redundant with rotation clearing the channel list, but it keeps a
	// half-migrated row from ever being picked up.
	var records []model.SessionRecord
	err := r.db.SelectContext(ctx, &records, `
		SELECT * FROM sessions
		WHERE $1 = ANY(auto_repost_channel_ids)
		AND key_id IS NOT NULL
	`, channelID)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Upsert inserts or replaces the encrypted session. A replace drops any
// stored TOTP secret: the new ciphertext is under a new key, and a secret
// sealed under the old one would be unreadable forever.
func (r *sessionRepo) Upsert(ctx context.Context, params model.UpsertSessionParams) (*model.SessionRecord, error) {
	var record model.SessionRecord
	err := r.db.GetContext(ctx, &record, `
		INSERT INTO sessions (guild_id, actor_did, encrypted_session, key_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (guild_id, actor_did) DO UPDATE SET
			encrypted_session = EXCLUDED.encrypted_session,
			key_id = EXCLUDED.key_id,
			encrypted_totp_secret = NULL,
			updated_at = NOW()
		RETURNING *
	`, params.GuildID, params.ActorDID, params.EncryptedSession, params.KeyID)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// UpdateEncryption rewrites every key-dependent field in one statement so
// the session blob and the TOTP secret can never disagree about which key
// protects them.
func (r *sessionRepo) UpdateEncryption(ctx context.Context, guildID, actorDID string, params model.UpdateEncryptionParams) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			encrypted_session = $3,
			key_id = $4,
			encrypted_totp_secret = $5,
			auto_repost_channel_ids = CASE WHEN $6 THEN '{}'::text[] ELSE auto_repost_channel_ids END,
			updated_at = NOW()
		WHERE guild_id = $1 AND actor_did = $2
	`, guildID, actorDID, params.EncryptedSession, params.KeyID, params.EncryptedTOTPSecret, params.ClearAutoChannels)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *sessionRepo) SetTOTPSecret(ctx context.Context, guildID, actorDID, encryptedSecret string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			encrypted_totp_secret = $3,
			updated_at = NOW()
		WHERE guild_id = $1 AND actor_did = $2
	`, guildID, actorDID, encryptedSecret)
	return err
}

func (r *sessionRepo) ClearTOTPSecret(ctx context.Context, guildID, actorDID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			encrypted_totp_secret = NULL,
			updated_at = NOW()
		WHERE guild_id = $1 AND actor_did = $2
	`, guildID, actorDID)
	return err
}

func (r *sessionRepo) ClearDefault(ctx context.Context, guildID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			is_default = FALSE,
			updated_at = NOW()
		WHERE guild_id = $1 AND is_default = TRUE
	`, guildID)
	return err
}

func (r *sessionRepo) MarkDefault(ctx context.Context, guildID, actorDID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			is_default = TRUE,
			updated_at = NOW()
		WHERE guild_id = $1 AND actor_did = $2
	`, guildID, actorDID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *sessionRepo) SetAutoRepostChannels(ctx context.Context, guildID, actorDID string, channelIDs []string) error {
	if channelIDs == nil {
		channelIDs = []string{}
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			auto_repost_channel_ids = $3,
			updated_at = NOW()
		WHERE guild_id = $1 AND actor_did = $2
	`, guildID, actorDID, pq.StringArray(channelIDs))
	return err
}

func (r *sessionRepo) Delete(ctx context.Context, guildID, actorDID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE guild_id = $1 AND actor_did = $2
	`, guildID, actorDID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *sessionRepo) DeleteByGuild(ctx context.Context, guildID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE guild_id = $1
	`, guildID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
