package config

// Config is the full process configuration.
//
// Durations are Go duration strings ("10s", "1m"). Every field can come from
// the optional config file; the fields that carry an env tag can also be set
// (and are overridden) by the environment.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Monitor  MonitorConfig  `json:"monitor"`
	Storage  StorageConfig  `json:"storage"`
	Notifier NotifierConfig `json:"notifier"`
	Router   RouterConfig   `json:"router"`
	Health   HealthConfig   `json:"health"`
	Report   ReportConfig   `json:"report"`
	Logging  LoggingConfig  `json:"logging"`
}

type TelegramConfig struct {
	Token string `json:"token" env:"BOT_TOKEN"`
	// Username is the bot's own username, used to strip "/cmd@bot" suffixes.
	Username    string `json:"username" env:"BOT_USERNAME"`
	PollTimeout string `json:"poll_timeout" env:"TELEGRAM_POLL_TIMEOUT"`
	// APIURL targets a self-hosted Bot API server.
	APIURL string `json:"api_url,omitempty" env:"TELEGRAM_API_URL"`
}

// MonitorConfig selects the watched source and the global broadcast.
type MonitorConfig struct {
	TargetUsername string `json:"target_username" env:"TARGET_CHANNEL_USERNAME"`
	// NotifyChatID receives alerts for Keywords; empty disables the broadcast.
	NotifyChatID string   `json:"notify_chat_id" env:"NOTIFY_CHAT_ID"`
	Keywords     []string `json:"keywords" env:"KEYWORDS" envSeparator:","`
}

// StorageConfig controls where subscriptions are persisted.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./subscriptions.json" }
type StorageConfig struct {
	Driver      string `json:"driver" env:"STORAGE_DRIVER"`
	Path        string `json:"path" env:"SUBSCRIPTIONS_FILE"`
	BusyTimeout string `json:"busy_timeout,omitempty" env:"STORAGE_BUSY_TIMEOUT"` // sqlite only
}

// NotifierConfig controls the async alert delivery pipeline.
type NotifierConfig struct {
	Workers     int    `json:"workers" env:"NOTIFIER_WORKERS"`
	QueueSize   int    `json:"queue_size" env:"NOTIFIER_QUEUE_SIZE"`
	RatePerSec  int    `json:"rate_per_sec" env:"NOTIFIER_RATE_PER_SEC"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// RouterConfig sizes the update dispatch pool.
type RouterConfig struct {
	Workers        int    `json:"workers"`
	QueueSize      int    `json:"queue_size"`
	CommandTimeout string `json:"command_timeout,omitempty"`
	// CommandsPerMinute is the per-chat command budget; negative disables it.
	CommandsPerMinute int `json:"commands_per_minute"`
}

type HealthConfig struct {
	Enabled       bool   `json:"enabled" env:"HEALTH_ENABLED"`
	Addr          string `json:"addr" env:"HEALTH_ADDR"`
	SystemdNotify bool   `json:"systemd_notify" env:"SYSTEMD_NOTIFY"`
}

// ReportConfig enables the periodic activity report when Schedule is set.
type ReportConfig struct {
	Schedule string `json:"schedule" env:"REPORT_SCHEDULE"`
	// ChatID defaults to monitor.notify_chat_id; empty logs the report instead.
	ChatID   string `json:"chat_id,omitempty" env:"REPORT_CHAT_ID"`
	Timezone string `json:"timezone,omitempty" env:"REPORT_TIMEZONE"`
}

type LoggingConfig struct {
	Level    string          `json:"level" env:"LOG_LEVEL"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool `json:"enabled"`
	// Setting LOG_FILE also enables the file sink.
	Path string `json:"path" env:"LOG_FILE"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     string `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			Username:    "bynarix_overseer_bot",
			PollTimeout: "10s",
		},
		Monitor: MonitorConfig{
			TargetUsername: "binaryx_platform_bot",
		},
		Storage: StorageConfig{
			Driver:      "file",
			Path:        "subscriptions.json",
			BusyTimeout: "5s",
		},
		Notifier: NotifierConfig{
			Workers:     2,
			QueueSize:   512,
			RatePerSec:  25,
			SendTimeout: "10s",
		},
		Router: RouterConfig{
			Workers:           4,
			QueueSize:         256,
			CommandTimeout:    "15s",
			CommandsPerMinute: 30,
		},
		Health: HealthConfig{
			Enabled:       true,
			Addr:          ":8000",
			SystemdNotify: true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Telegram: LoggingTelegram{
				MinLevel:   "error",
				RatePerSec: 1,
			},
		},
	}
}
