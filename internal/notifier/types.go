package notifier

import (
	"time"

	kit "signupbot/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Notification is one message to one chat. Channel groups related messages
// (usually the poll definition name) and is part of the dedup key.
type Notification struct {
	Channel string
	Target  kit.ChatTarget
	Text    string
	Options *kit.SendOptions
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	ChatID  int64     `json:"chat_id"`
	Err     string    `json:"err,omitempty"`
}

// Event is the payload of notify.* bus events.
type Event struct {
	Channel string    `json:"channel"`
	ChatID  int64     `json:"chat_id"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
