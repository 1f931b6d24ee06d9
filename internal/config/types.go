package config

// Config is the on-disk configuration. JSON and YAML are both accepted;
// unknown keys are rejected. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m").
//
// Hot-reloadable: logging, forward, site, relay. Other sections are read at
// startup; changes are reported and need a restart.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Forward ForwardConfig `json:"forward"`
	Site    SiteConfig    `json:"site"`
	Relay   RelayConfig   `json:"relay"`

	// TaskEngine controls dispatch execution. Omitted means defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	// Storage defaults to the in-memory driver when omitted.
	Storage *StorageConfig `json:"storage,omitempty"`

	Events      EventsConfig      `json:"events,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Admin       AdminConfig       `json:"admin,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ForwardConfig holds the feature flags of the forwarding pipeline.
type ForwardConfig struct {
	Enabled       bool `json:"enabled"`
	SuperuserOnly bool `json:"superuser_only"`
	MarkViewed    bool `json:"mark_viewed"`
}

type SiteConfig struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	// StaticURL defaults to base_url + "/static/".
	StaticURL string `json:"static_url,omitempty"`
}

// RelayConfig points at the chat relay's gRPC endpoint.
//
// Defaults: host "localhost", port 50051,
// method "/discord_api.DiscordApi/SendDirectMessage", timeout "5s".
type RelayConfig struct {
	Host       string  `json:"host,omitempty"`
	Port       int     `json:"port,omitempty"`
	Method     string  `json:"method,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Enabled is a pointer so we can distinguish "omitted" (default true) from
// an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3 (-1 disables retries)
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`

	Claims ClaimsConfig `json:"claims,omitempty"`
}

// ClaimsConfig selects where in-flight dispatch claims live.
//
// Driver values:
//   - "" / "none": in-process only (a restart or a second replica may resend)
//   - "storage": the configured store (durable with sqlite/postgres)
//   - "redis": a shared Redis at redis_addr
type ClaimsConfig struct {
	Driver    string `json:"driver,omitempty"`
	TTL       string `json:"ttl,omitempty"`
	RedisAddr string `json:"redis_addr,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notifyfwd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type EventsConfig struct {
	NATS NATSConfig `json:"nats,omitempty"`
}

type NATSConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
	// Subject defaults to "notifications.created".
	Subject string `json:"subject,omitempty"`
}

// MaintenanceConfig holds cron specs for housekeeping jobs. An empty spec
// uses the default; "off" disables the job.
type MaintenanceConfig struct {
	PruneClaims string `json:"prune_claims,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// AdminConfig controls the operator HTTP server.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8089").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
