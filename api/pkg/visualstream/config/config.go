// Package config holds the envconfig-driven configuration for the visual
// streaming subsystem, following the pattern in api/pkg/config.
package config

import "github.com/kelseyhightower/envconfig"

// VisualStreamConfig groups every tunable named or implied by the streaming
// subsystem's literal values (ring buffer sizes, TTLs, GC interval, queue
// depth) plus the optional cross-process fan-out and control-channel
// behavior flags.
type VisualStreamConfig struct {
	// PeerChannelURL enables cross-process log fan-out when set (spec's
	// REDIS_URL). The subsystem wires this to an embedded/external NATS
	// connection (see api/pkg/pubsub) rather than a Redis client, since
	// NATS, not Redis, is the teacher's pub/sub dependency.
	PeerChannelURL string `envconfig:"REDIS_URL"`

	// ControlChannelDebug includes raw keystrokes in control-channel logs
	// when true. Defaults to false to avoid leaking typed credentials.
	ControlChannelDebug bool `envconfig:"CONTROL_CHANNEL_DEBUG" default:"false"`

	// SessionEventBufferSize bounds the per-session DOM event ring buffer.
	SessionEventBufferSize int `envconfig:"VISUALSTREAM_SESSION_BUFFER_SIZE" default:"1000"`

	// LogHistorySize bounds the per-execution log ring buffer.
	LogHistorySize int `envconfig:"VISUALSTREAM_LOG_HISTORY_SIZE" default:"200"`

	// LogHistoryTTLSeconds is how long log history survives without a new publish.
	LogHistoryTTLSeconds int `envconfig:"VISUALSTREAM_LOG_HISTORY_TTL_SECONDS" default:"180"`

	// RunEventBufferSize bounds the per-run event ring buffer.
	RunEventBufferSize int `envconfig:"VISUALSTREAM_RUN_BUFFER_SIZE" default:"200"`

	// OutboundQueueSize bounds each WebSocket client's outbound send queue.
	OutboundQueueSize int `envconfig:"VISUALSTREAM_OUTBOUND_QUEUE_SIZE" default:"500"`

	// GCIntervalSeconds is how often the streamer manager sweeps idle sessions.
	GCIntervalSeconds int `envconfig:"VISUALSTREAM_GC_INTERVAL_SECONDS" default:"300"`

	// IdleSessionTimeoutSeconds is how long a session may go without an
	// event or a client before it is eligible for GC.
	IdleSessionTimeoutSeconds int `envconfig:"VISUALSTREAM_IDLE_SESSION_TIMEOUT_SECONDS" default:"300"`

	// InjectionTimeoutSeconds bounds how long the recorder waits for the
	// agent's first Meta+FullSnapshot pair.
	InjectionTimeoutSeconds int `envconfig:"VISUALSTREAM_INJECTION_TIMEOUT_SECONDS" default:"5"`

	// DefaultHistoryWindowSeconds is the trailing window used by
	// sequence_reset_request when the client omits history_window_seconds.
	DefaultHistoryWindowSeconds float64 `envconfig:"VISUALSTREAM_DEFAULT_HISTORY_WINDOW_SECONDS" default:"3.0"`

	// ProfileDirBase is the base directory under which per-session browser
	// profile directories are allocated.
	ProfileDirBase string `envconfig:"VISUALSTREAM_PROFILE_DIR_BASE" default:"/tmp/visualstream-profiles"`

	// ProfileDirMaxAgeSeconds is the age beyond which a sweep removes a
	// profile directory even if teardown was missed.
	ProfileDirMaxAgeSeconds int `envconfig:"VISUALSTREAM_PROFILE_DIR_MAX_AGE_SECONDS" default:"3600"`
}

// Load reads VisualStreamConfig from the environment, applying defaults.
func Load() (VisualStreamConfig, error) {
	var cfg VisualStreamConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return VisualStreamConfig{}, err
	}
	return cfg, nil
}
