package config

// Config is the on-disk configuration. JSON and YAML are both accepted;
// YAML is converted to JSON before strict decoding, so unknown keys are
// rejected in either format.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Admin     AdminConfig     `json:"admin,omitempty"`
	Retention RetentionConfig `json:"retention,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ParseMode applies to every outgoing message ("HTML", "Markdown",
	// "MarkdownV2"). Defaults to HTML.
	ParseMode string `json:"parse_mode,omitempty"`
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

// StorageConfig selects the run/delivery store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./heraldbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// BroadcastConfig tunes the delivery engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 8
//   - max_sends_per_window: 25 per "1s" window
//   - retry_max: 3, retry_base: "500ms", retry_max_delay: "60s"
//   - send_timeout: "15s"
//   - queue_size: 16
type BroadcastConfig struct {
	Workers           int    `json:"workers,omitempty"`
	MaxSendsPerWindow int    `json:"max_sends_per_window,omitempty"`
	RateWindow        string `json:"rate_window,omitempty"`
	RetryMax          int    `json:"retry_max,omitempty"`
	RetryBase         string `json:"retry_base,omitempty"`
	RetryMaxDelay     string `json:"retry_max_delay,omitempty"`
	SendTimeout       string `json:"send_timeout,omitempty"`
	QueueSize         int    `json:"queue_size,omitempty"`
}

// AdminConfig controls the HTTP API used to trigger and inspect runs.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8686").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8686"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// RetentionConfig controls periodic pruning of finished run history.
type RetentionConfig struct {
	Enabled bool `json:"enabled"`
	// MaxAge is how long finished runs are kept. Default "720h" (30 days).
	MaxAge string `json:"max_age,omitempty"`
	// Schedule is a cron expression for the prune job. Default "@daily".
	Schedule string `json:"schedule,omitempty"`
}
