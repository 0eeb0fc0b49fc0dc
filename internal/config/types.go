package config

// Config is the whole process configuration. Durations are Go duration
// strings ("10s", "1m").
type Config struct {
	Telegram TelegramConfig  `json:"telegram"`
	Logging  LoggingConfig   `json:"logging"`
	Storage  StorageConfig   `json:"storage"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Events   EventsConfig    `json:"events,omitempty"`
	HTTP     HTTPConfig      `json:"http,omitempty"`

	// RequiredPlayers is the main roster capacity. Omitted means 18.
	RequiredPlayers *int `json:"required_players,omitempty"`
	// PollOptions are the answer labels. Omitted means ["Yes", "No"].
	PollOptions []string `json:"poll_options,omitempty"`
	// AffirmativeOption is the index of the "attending" label.
	AffirmativeOption int `json:"affirmative_option,omitempty"`
	// SchedulerTimezone must be UTC-equivalent; rules are UTC-only.
	SchedulerTimezone string `json:"scheduler_timezone,omitempty"`
	// LiveUpdateDelay debounces edits of the live roster message.
	LiveUpdateDelay string `json:"live_update_delay,omitempty"`

	Polls []PollConfig `json:"polls"`
}

type PollConfig struct {
	Name           string  `json:"name"`
	Message        string  `json:"message"`
	OpenDay        string  `json:"open_day"`
	OpenHourUTC    int     `json:"open_hour_utc"`
	OpenMinuteUTC  int     `json:"open_minute_utc"`
	CloseDay       string  `json:"close_day"`
	CloseHourUTC   int     `json:"close_hour_utc"`
	CloseMinuteUTC int     `json:"close_minute_utc"`
	Subs           []int64 `json:"subs,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// AdminUsernames may use /reload. Matched case-insensitively, "@" optional.
	AdminUsernames []string `json:"admin_usernames,omitempty"`
	// LogChatID receives WARN+ log lines when logging.telegram is enabled.
	LogChatID   int64  `json:"log_chat_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the poll instance store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/signupbot.db" }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// NotifierConfig controls subscriber direct messages.
//
// Defaults: workers 2, queue_size 256, rate_per_sec 20, retry_max 3,
// retry_base "500ms", retry_max_delay "10s", dedup_window "1h".
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	// DedupWindow suppresses identical messages to the same chat.
	DedupWindow string `json:"dedup_window,omitempty"`
}

// EventsConfig exports poll lifecycle events.
type EventsConfig struct {
	Kafka KafkaConfig `json:"kafka,omitempty"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty"`
}

// HTTPConfig controls the read-only status API.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	// Token is required as a bearer token when Addr is not loopback.
	Token string `json:"token,omitempty"`
}
