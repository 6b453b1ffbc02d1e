package mailbox

import (
	"time"

	"github.com/eventspay/payverif/internal/pkg/env"
)

// Config carries every recognized mailbox and pipeline option. Defaults match
// a Gmail IMAP deployment.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// UseOAuth2 switches authentication to XOAUTH2 access tokens; falls back
	// to password auth when no token is available.
	UseOAuth2 bool

	ConnTimeout       time.Duration
	KeepAliveInterval time.Duration
	BackoffFloor      time.Duration
	BackoffCeil       time.Duration

	ProcessedTTL time.Duration
	// BusinessTTL bounds how long an unverified payment remains claimable.
	// Fixed, not externally tunable.
	BusinessTTL time.Duration

	SweepInterval time.Duration
	SweepLookback time.Duration

	// MaxPaymentAge is the staleness cutoff: older payments are recorded as
	// handled but never published for verification.
	MaxPaymentAge time.Duration

	WorkerCount int
}

// ConfigFromEnv assembles the configuration surface from the environment.
func ConfigFromEnv() Config {
	return Config{
		Host:     env.GetEnv("MAIL_HOST", "imap.gmail.com"),
		Port:     env.GetEnvInt("MAIL_PORT", 993),
		Username: env.GetEnv("MAIL_USERNAME", ""),
		Password: env.GetEnv("MAIL_PASSWORD", ""),

		UseOAuth2: env.GetEnvBool("MAIL_USE_OAUTH2", false),

		ConnTimeout:       env.GetEnvDuration("MAIL_CONN_TIMEOUT", 10*time.Second),
		KeepAliveInterval: env.GetEnvDuration("MAIL_KEEPALIVE_INTERVAL", 4*time.Minute),
		BackoffFloor:      env.GetEnvDuration("MAIL_BACKOFF_FLOOR", 2*time.Second),
		BackoffCeil:       env.GetEnvDuration("MAIL_BACKOFF_CEIL", 100*time.Second),

		ProcessedTTL: env.GetEnvDuration("PROCESSED_TTL", 24*time.Hour),
		BusinessTTL:  20 * time.Minute,

		SweepInterval: env.GetEnvDuration("SWEEP_INTERVAL", time.Hour),
		SweepLookback: env.GetEnvDuration("SWEEP_LOOKBACK", 60*time.Minute),

		MaxPaymentAge: env.GetEnvDuration("PAYMENT_MAX_AGE", 24*time.Hour),

		WorkerCount: env.GetEnvInt("MAIL_WORKER_COUNT", 6),
	}
}
