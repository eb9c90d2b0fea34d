package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// SystemKeySlots is the number of SYSTEM_KEY_<n> environment slots the
// keyring reads at startup.
const SystemKeySlots = 3

// Auto-repost worker poll interval when the queue is empty
const AutoRepostPollInterval = 5 * time.Second

// How long a staged MFA enrollment may sit unconfirmed
const MFAEnrollmentTTL = 10 * time.Minute

// Default rate limiting
const DefaultRateLimitPerMin = 60
