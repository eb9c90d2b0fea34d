package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skyflock/skyflock/internal/audit"
	apperrors "github.com/skyflock/skyflock/internal/errors"
	"github.com/skyflock/skyflock/internal/gate"
	"github.com/skyflock/skyflock/internal/metrics"
	"github.com/skyflock/skyflock/internal/repository"
	"github.com/skyflock/skyflock/internal/service"
	"github.com/skyflock/skyflock/internal/sky"
)

// AutoRepostWorker drains the queue of posts seen in watched channels and
// reposts them unattended. Only system-keyed records can qualify: the gate's
// Unattended path refuses group custody, and rotation to group custody
// clears the channel list anyway.
type AutoRepostWorker struct {
	automation *service.AutomationService
	sessions   repository.SessionRepository
	gate       *gate.Gate
	agent      sky.Agent
	interval   time.Duration
	done       chan struct{}
}

func NewAutoRepostWorker(
	automation *service.AutomationService,
	sessions repository.SessionRepository,
	g *gate.Gate,
	agent sky.Agent,
	interval time.Duration,
) *AutoRepostWorker {
	return &AutoRepostWorker{
		automation: automation,
		sessions:   sessions,
		gate:       g,
		agent:      agent,
		interval:   interval,
		done:       make(chan struct{}),
	}
}

func (w *AutoRepostWorker) Start() {
	go w.run()
	log.Info().Dur("interval", w.interval).Msg("auto-repost worker started")
}

func (w *AutoRepostWorker) Stop() {
	close(w.done)
	log.Info().Msg("auto-repost worker stopped")
}

func (w *AutoRepostWorker) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.drain()
		}
	}
}

func (w *AutoRepostWorker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for {
		candidate, err := w.automation.Dequeue(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to dequeue auto-repost candidate")
			return
		}
		if candidate == nil {
			return
		}
		w.process(ctx, candidate)
	}
}

func (w *AutoRepostWorker) process(ctx context.Context, candidate *service.AutoRepostCandidate) {
	records, err := w.sessions.FindByAutoRepostChannel(ctx, candidate.ChannelID)
	if err != nil {
		log.Error().Err(err).Str("channelId", candidate.ChannelID).Msg("failed to load auto-repost records")
		return
	}

	for _, rec := range records {
		if rec.GuildID != candidate.GuildID {
			continue
		}

		grant, err := w.gate.Unattended(ctx, rec.GuildID, rec.ActorDID)
		if err != nil {
			// a record rotated to group custody between enqueue and drain
			if apperrors.IsCode(err, apperrors.ErrCodeAutomationUnavailable) {
				log.Warn().Str("actorDid", rec.ActorDID).Msg("skipping auto-repost for group-keyed record")
				metrics.AutoReposts.WithLabelValues("skipped").Inc()
				continue
			}
			log.Error().Err(err).Str("actorDid", rec.ActorDID).Msg("unattended authorization failed")
			metrics.AutoReposts.WithLabelValues("error").Inc()
			continue
		}

		subject := sky.PostRef{URI: candidate.URI, CID: candidate.CID}
		if err := w.agent.Repost(ctx, grant.Session, subject); err != nil {
			log.Error().Err(err).Str("actorDid", rec.ActorDID).Str("uri", candidate.URI).Msg("auto-repost failed")
			metrics.AutoReposts.WithLabelValues("error").Inc()
			continue
		}

		metrics.AutoReposts.WithLabelValues("ok").Inc()
		audit.Log(ctx, audit.Event{
			Type:     audit.EventAutoRepost,
			GuildID:  rec.GuildID,
			ActorDID: rec.ActorDID,
			Details:  map[string]interface{}{"uri": candidate.URI},
		})
	}
}
