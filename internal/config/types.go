package config

import "encoding/json"

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Pool      PoolConfig      `json:"pool"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Outputs   []OutputConfig  `json:"outputs"`
	HTTP      HTTPConfig      `json:"http,omitempty"`
	Systemd   SystemdConfig   `json:"systemd,omitempty"`
	Modules   []ModuleConfig  `json:"modules"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile configures the rotated log file.
//
// Defaults: path "./hostwatch.log", max_size_mb 100, max_backups 5,
// max_age_days 0 (keep forever).
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// PoolConfig sizes the shared worker pool that runs module collections.
//
// Defaults (when fields are omitted/zero):
//   - min_threads: 1
//   - max_threads: max(min_threads, 2*NumCPU)
//   - max_idle_time: "5m"
//   - queue_capacity: 4096
type PoolConfig struct {
	MinThreads    int    `json:"min_threads,omitempty"`
	MaxThreads    int    `json:"max_threads,omitempty"`
	MaxIdleTime   string `json:"max_idle_time,omitempty"` // Go duration string
	QueueCapacity int    `json:"queue_capacity,omitempty"`
}

// SchedulerConfig controls throttling and dispatch.
//
// Defaults: execute_ratio 3, continue_exceed_count 3, jitter_factor 1.0,
// dispatch_timeout "1s", timezone Local.
type SchedulerConfig struct {
	ExecuteRatio        int     `json:"execute_ratio,omitempty"`
	ContinueExceedCount int     `json:"continue_exceed_count,omitempty"`
	JitterFactor        float64 `json:"jitter_factor,omitempty"`
	DispatchTimeout     string  `json:"dispatch_timeout,omitempty"`
	Timezone            string  `json:"timezone,omitempty"`
}

// OutputConfig declares one result channel.
//
// Example:
//
//	"outputs": [{ "name": "default", "driver": "sqlite", "path": "./hostwatch.db" }]
type OutputConfig struct {
	Name        string `json:"name"`
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Buffer      int    `json:"buffer,omitempty"`
	Status      bool   `json:"status,omitempty"`
}

// HTTPConfig controls the status/metrics HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// SystemdConfig controls sd_notify integration. Notifications are only sent
// when the process runs under systemd with NOTIFY_SOCKET set.
type SystemdConfig struct {
	Notify bool `json:"notify"`
}

// ModuleConfig is one scheduled module instance.
type ModuleConfig struct {
	MID      string `json:"mid"`
	Name     string `json:"name,omitempty"` // defaults to mid
	Type     string `json:"type"`
	Disabled bool   `json:"disabled,omitempty"`
	// Interval is a Go duration ("30s", "5m") or HH:MM ("01:30" = 90 minutes).
	Interval     string          `json:"interval"`
	Outputs      []string        `json:"outputs,omitempty"`
	ReportStatus bool            `json:"report_status,omitempty"`
	Windows      []WindowConfig  `json:"windows,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
}

// DisplayName is the configured name, or the mid.
func (m ModuleConfig) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.MID
}

// WindowConfig is a daily validity window. Empty days means every day.
type WindowConfig struct {
	Days []string `json:"days,omitempty"`
	From string   `json:"from"`
	To   string   `json:"to"`
}
