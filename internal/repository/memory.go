package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/skyflock/skyflock/internal/model"
)

// memorySessionRepo is an in-memory SessionRepository used by package tests
// across the module. Semantics mirror the Postgres implementation, including
// the single-statement behavior of UpdateEncryption.
type memorySessionRepo struct {
	mu      sync.Mutex
	records map[string]*model.SessionRecord
}

func NewMemorySessionRepository() SessionRepository {
	return &memorySessionRepo{records: make(map[string]*model.SessionRecord)}
}

func key(guildID, actorDID string) string {
	return guildID + "\x00" + actorDID
}

func clone(r *model.SessionRecord) *model.SessionRecord {
	c := *r
	if r.KeyID != nil {
		id := *r.KeyID
		c.KeyID = &id
	}
	if r.EncryptedTOTPSecret != nil {
		s := *r.EncryptedTOTPSecret
		c.EncryptedTOTPSecret = &s
	}
	c.AutoRepostChannelIDs = append([]string(nil), r.AutoRepostChannelIDs...)
	return &c
}

func (r *memorySessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return r
}

func (r *memorySessionRepo) FindByGuildAndActor(ctx context.Context, guildID, actorDID string) (*model.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key(guildID, actorDID)]
	if !ok {
		return nil, nil
	}
	return clone(rec), nil
}

func (r *memorySessionRepo) FindByGuild(ctx context.Context, guildID string) ([]model.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.SessionRecord
	for _, rec := range r.records {
		if rec.GuildID == guildID {
			out = append(out, *clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memorySessionRepo) FindDefault(ctx context.Context, guildID string) (*model.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.GuildID == guildID && rec.IsDefault {
			return clone(rec), nil
		}
	}
	return nil, nil
}

func (r *memorySessionRepo) FindByAutoRepostChannel(ctx context.Context, channelID string) ([]model.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.SessionRecord
	for _, rec := range r.records {
		if rec.KeyID == nil {
			continue
		}
		for _, id := range rec.AutoRepostChannelIDs {
			if id == channelID {
				out = append(out, *clone(rec))
				break
			}
		}
	}
	return out, nil
}

func (r *memorySessionRepo) Upsert(ctx context.Context, params model.UpsertSessionParams) (*model.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	k := key(params.GuildID, params.ActorDID)
	rec, ok := r.records[k]
	if !ok {
		rec = &model.SessionRecord{
			GuildID:   params.GuildID,
			ActorDID:  params.ActorDID,
			CreatedAt: now,
		}
		r.records[k] = rec
	}
	rec.EncryptedSession = params.EncryptedSession
	if params.KeyID != nil {
		id := *params.KeyID
		rec.KeyID = &id
	} else {
		rec.KeyID = nil
	}
	rec.EncryptedTOTPSecret = nil
	rec.UpdatedAt = now
	return clone(rec), nil
}

func (r *memorySessionRepo) UpdateEncryption(ctx context.Context, guildID, actorDID string, params model.UpdateEncryptionParams) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key(guildID, actorDID)]
	if !ok {
		return 0, nil
	}
	rec.EncryptedSession = params.EncryptedSession
	if params.KeyID != nil {
		id := *params.KeyID
		rec.KeyID = &id
	} else {
		rec.KeyID = nil
	}
	if params.EncryptedTOTPSecret != nil {
		s := *params.EncryptedTOTPSecret
		rec.EncryptedTOTPSecret = &s
	} else {
		rec.EncryptedTOTPSecret = nil
	}
	if params.ClearAutoChannels {
		rec.AutoRepostChannelIDs = nil
	}
	rec.UpdatedAt = time.Now()
	return 1, nil
}

func (r *memorySessionRepo) SetTOTPSecret(ctx context.Context, guildID, actorDID, encryptedSecret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key(guildID, actorDID)]; ok {
		s := encryptedSecret
		rec.EncryptedTOTPSecret = &s
		rec.UpdatedAt = time.Now()
	}
	return nil
}

func (r *memorySessionRepo) ClearTOTPSecret(ctx context.Context, guildID, actorDID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key(guildID, actorDID)]; ok {
		rec.EncryptedTOTPSecret = nil
		rec.UpdatedAt = time.Now()
	}
	return nil
}

func (r *memorySessionRepo) ClearDefault(ctx context.Context, guildID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.GuildID == guildID {
			rec.IsDefault = false
		}
	}
	return nil
}

func (r *memorySessionRepo) MarkDefault(ctx context.Context, guildID, actorDID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key(guildID, actorDID)]
	if !ok {
		return 0, nil
	}
	rec.IsDefault = true
	rec.UpdatedAt = time.Now()
	return 1, nil
}

func (r *memorySessionRepo) SetAutoRepostChannels(ctx context.Context, guildID, actorDID string, channelIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key(guildID, actorDID)]; ok {
		rec.AutoRepostChannelIDs = append([]string(nil), channelIDs...)
		rec.UpdatedAt = time.Now()
	}
	return nil
}

func (r *memorySessionRepo) Delete(ctx context.Context, guildID, actorDID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(guildID, actorDID)
	if _, ok := r.records[k]; !ok {
		return 0, nil
	}
	delete(r.records, k)
	return 1, nil
}

func (r *memorySessionRepo) DeleteByGuild(ctx context.Context, guildID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, rec := range r.records {
		if rec.GuildID == guildID {
			delete(r.records, k)
			n++
		}
	}
	return n, nil
}
