// Package config loads the core's environment-driven configuration,
// following the same env.Parse + godotenv pattern the teacher's server
// variants use.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every environment-tunable knob of the session supervisor and
// protocol engine. Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Transport
	Addr               string `env:"WS_ADDR" envDefault:":8080"`
	MetricsAddr        string `env:"METRICS_ADDR" envDefault:":9090"`
	LegacyAliasEnabled bool   `env:"WS_LEGACY_ALIAS_ENABLED" envDefault:"false"`

	// Protocol timing and limits (spec.md §6 environment table)
	HeartbeatSec        int   `env:"WS_HEARTBEAT_SEC" envDefault:"5"`
	HeartbeatTimeoutSec int   `env:"WS_HEARTBEAT_TIMEOUT_SEC" envDefault:"15"`
	ResumeTTLSec        int   `env:"WS_RESUME_TTL" envDefault:"10"`
	ResumeMaxEvents     int   `env:"WS_RESUME_MAX_EVENTS" envDefault:"500"`
	MaxInFlight         int   `env:"WS_MAX_IN_FLIGHT" envDefault:"64"`
	MaxMsgBytes         int   `env:"WS_MAX_MSG_BYTES" envDefault:"131072"`
	ClientEventBuffer   int   `env:"CLIENT_EVENT_BUFFER" envDefault:"300"`
	SessionMaxCommits   int   `env:"SESSION_MAX_COMMITS" envDefault:"100"`
	SessionMaxSizeBytes int   `env:"SESSION_MAX_SIZE_BYTES" envDefault:"1048576"`
	SessionMaxAgeSec    int   `env:"SESSION_MAX_AGE_SECONDS" envDefault:"3600"`
	MaxCUDASessions     int64 `env:"MAX_CUDA_SESSIONS" envDefault:"1"`

	// Admission and drain, not individually named in the wire-facing
	// environment table but required by component design (§4.5.1, §4.6,
	// §4.7) for a complete implementation.
	MaxSessions     int `env:"SESSION_MAX_SESSIONS" envDefault:"1000"`
	DrainDeadlineMs int `env:"WS_DRAIN_DEADLINE_MS" envDefault:"2000"`
	StopDeadlineMs  int `env:"SESSION_STOP_DEADLINE_MS" envDefault:"5000"`
	ShutdownDeadlineMs int `env:"SESSION_SHUTDOWN_DEADLINE_MS" envDefault:"10000"`

	// Host safety valves, generalized from the teacher's ResourceGuard:
	// gate new-session admission only, never used to drop live sessions.
	CPURejectThreshold float64 `env:"WS_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	CPUPauseThreshold  float64 `env:"WS_CPU_PAUSE_THRESHOLD" envDefault:"90.0"`
	MaxGoroutines      int     `env:"WS_MAX_GOROUTINES" envDefault:"5000"`
	AdmissionRatePerSec int    `env:"WS_ADMISSION_RATE_PER_SEC" envDefault:"50"`

	// Worker pool for session-stop fan-out and NATS producer dispatch.
	WorkerPoolSize  int `env:"WS_WORKER_POOL_SIZE" envDefault:"0"`  // 0 = auto-calculate
	WorkerQueueSize int `env:"WS_WORKER_QUEUE_SIZE" envDefault:"0"` // 0 = auto-calculate

	// Optional NATS-backed producer bridge.
	NATSUrl             string        `env:"NATS_URL" envDefault:""`
	NATSStreamName      string        `env:"NATS_STREAM_NAME" envDefault:"LOQUILEX_EVENTS"`
	NATSConsumerName    string        `env:"NATS_CONSUMER_NAME" envDefault:"loquilex-core"`
	NATSConsumerAckWait time.Duration `env:"NATS_CONSUMER_ACK_WAIT" envDefault:"30s"`
	NATSStreamMaxAge    time.Duration `env:"NATS_STREAM_MAX_AGE" envDefault:"30s"`
	NATSStreamMaxMsgs   int64         `env:"NATS_STREAM_MAX_MSGS" envDefault:"100000"`
	NATSStreamMaxBytes  int64         `env:"NATS_STREAM_MAX_BYTES" envDefault:"52428800"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and the process
// environment. Priority: env vars > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = 8
	}
	if cfg.WorkerQueueSize == 0 {
		cfg.WorkerQueueSize = cfg.WorkerPoolSize * 100
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return cfg, nil
}

// Validate rejects configuration combinations that would make the protocol
// engine's contracts unsatisfiable.
func (c *Config) Validate() error {
	if c.HeartbeatSec <= 0 {
		return fmt.Errorf("WS_HEARTBEAT_SEC must be > 0, got %d", c.HeartbeatSec)
	}
	if c.HeartbeatTimeoutSec <= c.HeartbeatSec {
		return fmt.Errorf("WS_HEARTBEAT_TIMEOUT_SEC (%d) must exceed WS_HEARTBEAT_SEC (%d)", c.HeartbeatTimeoutSec, c.HeartbeatSec)
	}
	if c.ResumeTTLSec <= 0 {
		return fmt.Errorf("WS_RESUME_TTL must be > 0, got %d", c.ResumeTTLSec)
	}
	if c.ResumeMaxEvents <= 0 {
		return fmt.Errorf("WS_RESUME_MAX_EVENTS must be > 0, got %d", c.ResumeMaxEvents)
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("WS_MAX_IN_FLIGHT must be > 0, got %d", c.MaxInFlight)
	}
	if c.MaxMsgBytes <= 0 {
		return fmt.Errorf("WS_MAX_MSG_BYTES must be > 0, got %d", c.MaxMsgBytes)
	}
	if c.ClientEventBuffer <= 0 {
		return fmt.Errorf("CLIENT_EVENT_BUFFER must be > 0, got %d", c.ClientEventBuffer)
	}
	if c.SessionMaxCommits <= 0 {
		return fmt.Errorf("SESSION_MAX_COMMITS must be > 0, got %d", c.SessionMaxCommits)
	}
	if c.SessionMaxSizeBytes <= 0 {
		return fmt.Errorf("SESSION_MAX_SIZE_BYTES must be > 0, got %d", c.SessionMaxSizeBytes)
	}
	if c.SessionMaxAgeSec <= 0 {
		return fmt.Errorf("SESSION_MAX_AGE_SECONDS must be > 0, got %d", c.SessionMaxAgeSec)
	}
	if c.MaxCUDASessions < 0 {
		return fmt.Errorf("MAX_CUDA_SESSIONS must be >= 0, got %d", c.MaxCUDASessions)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("SESSION_MAX_SESSIONS must be > 0, got %d", c.MaxSessions)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("WS_CPU_PAUSE_THRESHOLD (%.1f) must be >= WS_CPU_REJECT_THRESHOLD (%.1f)", c.CPUPauseThreshold, c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got %q)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, console (got %q)", c.LogFormat)
	}

	return nil
}

// Heartbeat returns the heartbeat interval as a time.Duration.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSec) * time.Second
}

// HeartbeatTimeout returns the heartbeat liveness timeout as a time.Duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

// ResumeTTL returns the resume grace period as a time.Duration.
func (c *Config) ResumeTTL() time.Duration {
	return time.Duration(c.ResumeTTLSec) * time.Second
}

// SessionMaxAge returns the commit log age bound as a time.Duration.
func (c *Config) SessionMaxAge() time.Duration {
	return time.Duration(c.SessionMaxAgeSec) * time.Second
}

// LogConfig emits the loaded configuration as a single structured log
// line, mirroring the teacher's LogConfig pattern.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("metrics_addr", c.MetricsAddr).
		Bool("legacy_alias_enabled", c.LegacyAliasEnabled).
		Int("heartbeat_sec", c.HeartbeatSec).
		Int("heartbeat_timeout_sec", c.HeartbeatTimeoutSec).
		Int("resume_ttl_sec", c.ResumeTTLSec).
		Int("resume_max_events", c.ResumeMaxEvents).
		Int("max_in_flight", c.MaxInFlight).
		Int("max_msg_bytes", c.MaxMsgBytes).
		Int("client_event_buffer", c.ClientEventBuffer).
		Int("session_max_commits", c.SessionMaxCommits).
		Int("session_max_size_bytes", c.SessionMaxSizeBytes).
		Int("session_max_age_sec", c.SessionMaxAgeSec).
		Int64("max_cuda_sessions", c.MaxCUDASessions).
		Int("max_sessions", c.MaxSessions).
		Int("worker_pool_size", c.WorkerPoolSize).
		Int("worker_queue_size", c.WorkerQueueSize).
		Str("nats_url", c.NATSUrl).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
