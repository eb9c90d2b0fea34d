package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventAccountLink   EventType = "account_link"
	EventAccountSignout EventType = "account_signout"
	EventPolicyRotate  EventType = "policy_rotate"
	EventMFAEnroll     EventType = "mfa_enroll"
	EventMFADisable    EventType = "mfa_disable"
	EventAuthGrant     EventType = "auth_grant"
	EventAuthReject    EventType = "auth_reject"
	EventGuildForget   EventType = "guild_forget"
	EventAutoRepost    EventType = "auto_repost"
	EventRateLimitExceed EventType = "rate_limit_exceeded"
)

type Event struct {
	Type     EventType
	GuildID  string
	ActorDID string
	IP       string
	Details  map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "security").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.GuildID != "" {
		logger = logger.With().Str("guild_id", event.GuildID).Logger()
	}
	if event.ActorDID != "" {
		logger = logger.With().Str("actor_did", event.ActorDID).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("security audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = getClientIP(r)
	Log(r.Context(), event)
}

func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
