package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/skyflock/skyflock/internal/audit"
	apperrors "github.com/skyflock/skyflock/internal/errors"
	"github.com/skyflock/skyflock/internal/model"
	"github.com/skyflock/skyflock/internal/redis"
	"github.com/skyflock/skyflock/internal/repository"
)

// AutoRepostCandidate is one channel message waiting for the worker. It is
// queued by the interactions handler when a watched channel receives a post
// link and drained by the background worker.
type AutoRepostCandidate struct {
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
	URI       string `json:"uri"`
	CID       string `json:"cid"`
}

// AutomationService manages which channels trigger unattended reposts.
// Automation is a system-custody privilege: a group-keyed record cannot be
// decrypted without its operators present.
type AutomationService struct {
	sessions repository.SessionRepository
	rdb      *redis.Client
	queueTTL time.Duration
}

func NewAutomationService(sessions repository.SessionRepository, rdb *redis.Client, queueTTL time.Duration) *AutomationService {
	return &AutomationService{sessions: sessions, rdb: rdb, queueTTL: queueTTL}
}

// SetChannels replaces the account's watched channel list.
func (s *AutomationService) SetChannels(ctx context.Context, guildID, actorDID string, channelIDs []string) error {
	rec, err := s.sessions.FindByGuildAndActor(ctx, guildID, actorDID)
	if err != nil {
		return apperrors.Database(err)
	}
	if rec == nil {
		return apperrors.NoAccess()
	}
	if rec.Custody().Policy() == model.PolicyGroup {
		return apperrors.AutomationUnavailable()
	}

	if err := s.sessions.SetAutoRepostChannels(ctx, guildID, actorDID, channelIDs); err != nil {
		return apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{
		Type:     audit.EventAutoRepost,
		GuildID:  guildID,
		ActorDID: actorDID,
		Details:  map[string]interface{}{"channels": len(channelIDs)},
	})
	return nil
}

// Enqueue buffers a candidate for the worker. Each push refreshes the queue
// TTL, so a stalled worker leaves stale candidates to expire instead of
// reposting hours-old messages on restart.
func (s *AutomationService) Enqueue(ctx context.Context, candidate AutoRepostCandidate) error {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return err
	}
	if err := s.rdb.RPush(ctx, redis.AutoQueueKey, raw).Err(); err != nil {
		return err
	}
	if s.queueTTL > 0 {
		return s.rdb.Expire(ctx, redis.AutoQueueKey, s.queueTTL).Err()
	}
	return nil
}

// Dequeue pops the oldest candidate, returning (nil, nil) on an empty queue.
func (s *AutomationService) Dequeue(ctx context.Context) (*AutoRepostCandidate, error) {
	raw, err := s.rdb.LPop(ctx, redis.AutoQueueKey).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var candidate AutoRepostCandidate
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return nil, err
	}
	return &candidate, nil
}
