package scheduler

import (
	"context"
	"time"

	"signupbot/internal/registry"
	"signupbot/internal/roster"
	"signupbot/internal/storage"
)

type Kind string

const (
	KindOpen  Kind = "open"
	KindClose Kind = "close"
)

type State string

const (
	StateIdle   State = "idle"
	StateArmed  State = "armed"
	StateFiring State = "firing"
)

type Config struct {
	// LiveUpdateDelay debounces roster edits after responses. <=0 disables them.
	LiveUpdateDelay time.Duration
	// StoreRetries is how many extra attempts a firing makes on store errors.
	StoreRetries   int
	StoreRetryBase time.Duration
}

// Publisher is the outbound transport side of a firing.
type Publisher interface {
	PublishPoll(ctx context.Context, def registry.Definition) (storage.Handle, error)
	PublishRoster(ctx context.Context, def registry.Definition, h storage.Handle, split roster.Split, final bool) error
	NotifyOpened(ctx context.Context, def registry.Definition) error
	// AbandonPoll stops a published poll that could not be recorded.
	AbandonPoll(ctx context.Context, h storage.Handle) error
}

// ResponseEvent is one user's answer to a published poll.
type ResponseEvent struct {
	InstanceID string
	UserID     int64
	Name       string
	Option     int // storage.Withdrawn for a retraction
	At         time.Time
	UpdateID   int64
}

// LoopState is a point-in-time view of one (definition, kind) loop.
type LoopState struct {
	Poll      string    `json:"poll"`
	Kind      Kind      `json:"kind"`
	Rule      string    `json:"rule"`
	State     State     `json:"state"`
	Next      time.Time `json:"next,omitzero"`
	LastFired time.Time `json:"last_fired,omitzero"`
}
