// Package config holds process-wide configuration as package-level vars
// computed once from environment variables. Values that must be
// hot-reloadable live in the Dynamic struct and are accessed through
// Current(), which is backed by an atomic.Pointer swapped by reload.go.
package config

import (
	"time"

	"github.com/relaymesh/gateway/common/env"
)

var (
	// DebugEnabled toggles verbose structured logging when DEBUG=true.
	DebugEnabled = env.Bool("DEBUG", false)

	// ServerPort is the HTTP listen port.
	ServerPort = env.String("PORT", "3000")

	// SQLDSN selects the database driver: empty => sqlite,
	// "postgres://..." => postgres, anything else => mysql.
	SQLDSN = env.String("SQL_DSN", "")

	// RedisConnString enables the optional distributed cache layer when set.
	RedisConnString = env.String("REDIS_CONN_STRING", "")

	// TokenKeyPrefix is prepended to access-token keys at serialization time.
	TokenKeyPrefix = env.String("TOKEN_KEY_PREFIX", "sk-")

	// ConfigFile is an optional YAML file layered on top of the env vars
	// above for the Dynamic fields below, hot-reloaded via fsnotify.
	ConfigFile = env.String("GATEWAY_CONFIG_FILE", "")

	// ShutdownTimeout bounds graceful drain of in-flight streams.
	ShutdownTimeout = env.Duration("SHUTDOWN_TIMEOUT", 30*time.Second)

	// InitialRootToken, if set, is the plaintext key assigned to the
	// bootstrap root access token created on first boot.
	InitialRootToken = env.String("INITIAL_ROOT_TOKEN", "")
)

// Dynamic is the subset of configuration that is hot-reloadable. It is
// loaded once from env vars as defaults and then, if ConfigFile is set,
// overlaid from YAML and kept current by reload.go.
type Dynamic struct {
	// MaxAttempts is the dispatcher's retry cap across accounts/providers.
	MaxAttempts int `yaml:"max_attempts"`

	// GlobalRPM / GlobalTPM gate all traffic irrespective of token or
	// account; 0 disables the layer.
	GlobalRPM int `yaml:"global_rpm"`
	GlobalTPM int `yaml:"global_tpm"`

	// DefaultUserRPM / DefaultUserTPM apply to tokens whose own limits are 0.
	DefaultUserRPM int `yaml:"default_user_rpm"`
	DefaultUserTPM int `yaml:"default_user_tpm"`

	// DegradeAfter / UnhealthyAfter / BanAfter are consecutive-failure
	// thresholds consumed by the health monitor.
	DegradeAfter   int `yaml:"degrade_after"`
	UnhealthyAfter int `yaml:"unhealthy_after"`
	BanAfter       int `yaml:"ban_after"`

	// RateLimitDegradeThreshold is the per-minute rate-limited-response
	// count that demotes an account to degraded.
	RateLimitDegradeThreshold int           `yaml:"rate_limit_degrade_threshold"`
	RateLimitCooldown         time.Duration `yaml:"rate_limit_cooldown"`

	AuthBanDuration    time.Duration `yaml:"auth_ban_duration"`
	FailureBanDuration time.Duration `yaml:"failure_ban_duration"`

	// AllowUnhealthyFallback permits selecting an unhealthy account when
	// it is the only candidate left.
	AllowUnhealthyFallback bool `yaml:"allow_unhealthy_fallback"`

	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	FirstByteTimeout      time.Duration `yaml:"first_byte_timeout"`
	BetweenChunksTimeout  time.Duration `yaml:"between_chunks_timeout"`

	// TokenEstimatorWeights are the per-character-class weights used by
	// the estimator when upstream omits counts.
	TokenEstimatorWeights TokenEstimatorWeights `yaml:"token_estimator_weights"`

	// KiroUsageRefreshInterval is the cadence for the device-flow
	// usage/limit background refresh.
	KiroUsageRefreshInterval time.Duration `yaml:"kiro_usage_refresh_interval"`
	// KiroUsageRefreshJitter bounds the random jitter added to each tick.
	KiroUsageRefreshJitter time.Duration `yaml:"kiro_usage_refresh_jitter"`

	// HealthSweepInterval is how often the background sweep re-evaluates
	// cooldowns and decays the sliding-window failure rate.
	HealthSweepInterval time.Duration `yaml:"health_sweep_interval"`

	// LogFlushInterval / LogQueueHighWater / LogQueueHardCap govern the
	// log sink's bounded batching queue.
	LogFlushInterval  time.Duration `yaml:"log_flush_interval"`
	LogQueueHighWater int           `yaml:"log_queue_high_water"`
	LogQueueHardCap   int           `yaml:"log_queue_hard_cap"`
}

// TokenEstimatorWeights assigns an approximate token weight per
// character class; snapshot-captured per request so authorize-time and
// commit-time estimates always agree.
type TokenEstimatorWeights struct {
	ASCIICharsPerToken float64 `yaml:"ascii_chars_per_token"`
	CJKCharsPerToken   float64 `yaml:"cjk_chars_per_token"`
	WhitespaceWeight   float64 `yaml:"whitespace_weight"`
	PerMessageOverhead float64 `yaml:"per_message_overhead"`
}

func defaultDynamic() Dynamic {
	return Dynamic{
		MaxAttempts:               env.Int("MAX_ATTEMPTS", 3),
		GlobalRPM:                 env.Int("GLOBAL_RPM", 0),
		GlobalTPM:                 env.Int("GLOBAL_TPM", 0),
		DefaultUserRPM:            env.Int("DEFAULT_USER_RPM", 60),
		DefaultUserTPM:            env.Int("DEFAULT_USER_TPM", 100000),
		DegradeAfter:              env.Int("DEGRADE_AFTER", 3),
		UnhealthyAfter:            env.Int("UNHEALTHY_AFTER", 6),
		BanAfter:                  env.Int("BAN_AFTER", 12),
		RateLimitDegradeThreshold: env.Int("RATE_LIMIT_DEGRADE_THRESHOLD", 5),
		RateLimitCooldown:         env.Duration("RATE_LIMIT_COOLDOWN", 60*time.Second),
		AuthBanDuration:           env.Duration("AUTH_BAN_DURATION", 30*time.Minute),
		FailureBanDuration:        env.Duration("FAILURE_BAN_DURATION", 5*time.Minute),
		AllowUnhealthyFallback:    env.Bool("ALLOW_UNHEALTHY_FALLBACK", false),
		ConnectTimeout:            env.Duration("CONNECT_TIMEOUT", 10*time.Second),
		FirstByteTimeout:          env.Duration("FIRST_BYTE_TIMEOUT", 60*time.Second),
		BetweenChunksTimeout:      env.Duration("BETWEEN_CHUNKS_TIMEOUT", 30*time.Second),
		TokenEstimatorWeights: TokenEstimatorWeights{
			ASCIICharsPerToken: env.Float64("ESTIMATOR_ASCII_CHARS_PER_TOKEN", 4.0),
			CJKCharsPerToken:   env.Float64("ESTIMATOR_CJK_CHARS_PER_TOKEN", 1.5),
			WhitespaceWeight:   env.Float64("ESTIMATOR_WHITESPACE_WEIGHT", 0.25),
			PerMessageOverhead: env.Float64("ESTIMATOR_PER_MESSAGE_OVERHEAD", 4.0),
		},
		KiroUsageRefreshInterval: env.Duration("KIRO_USAGE_REFRESH_INTERVAL", 5*time.Minute),
		KiroUsageRefreshJitter:   env.Duration("KIRO_USAGE_REFRESH_JITTER", 30*time.Second),
		HealthSweepInterval:      env.Duration("HEALTH_SWEEP_INTERVAL", 15*time.Second),
		LogFlushInterval:         env.Duration("LOG_FLUSH_INTERVAL", 2*time.Second),
		LogQueueHighWater:        env.Int("LOG_QUEUE_HIGH_WATER", 500),
		LogQueueHardCap:          env.Int("LOG_QUEUE_HARD_CAP", 5000),
	}
}
