// Package eventbus fans poll lifecycle events out to in-process subscribers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	PollOpened   = "poll.opened"
	PollClosed   = "poll.closed"
	PollResponse = "poll.response"
	PollSkipped  = "poll.skipped"
	NotifySent   = "notify.sent"
	NotifyFailed = "notify.failed"
	NotifyQueued = "notify.queued"
)

// Event is a small signal. Publish never blocks; slow subscribers drop.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Key  string    `json:"key,omitempty"` // partition key, usually the definition name
	Data any       `json:"data,omitempty"`
}

// PollEvent is the payload of the poll.* events.
type PollEvent struct {
	Definition string    `json:"definition"`
	InstanceID string    `json:"instance_id,omitempty"`
	At         time.Time `json:"at"`
	UserID     int64     `json:"user_id,omitempty"`
	Option     *int      `json:"option,omitempty"`
	Main       int       `json:"main,omitempty"`
	Waitlist   int       `json:"waitlist,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus without background goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under
			// the write lock cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
