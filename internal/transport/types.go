// Package transport defines the chat transport boundary: inbound updates
// and the outbound operations the bot performs.
package transport

import (
	"context"
	"errors"
	"time"
)

var ErrNotRunning = errors.New("transport not running")

type UpdateKind string

const (
	UpdateMessage    UpdateKind = "message"
	UpdatePollAnswer UpdateKind = "poll_answer"
)

type Update struct {
	ID         int64 // transport update id, monotonic per bot
	Kind       UpdateKind
	Message    *Message
	PollAnswer *PollAnswer
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	Text         string
	At           time.Time
}

// PollAnswer is a user's (re)vote. Empty Options means the vote was retracted.
type PollAnswer struct {
	PollID   string
	UserID   int64
	Username string
	Name     string
	Options  []int
	At       time.Time
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// PollRef identifies a published poll.
type PollRef struct {
	MessageRef
	PollID string
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error

	// SendPoll publishes a non-anonymous single-choice poll.
	SendPoll(ctx context.Context, to ChatTarget, question string, options []string) (PollRef, error)
	StopPoll(ctx context.Context, ref MessageRef) error
	Pin(ctx context.Context, ref MessageRef) error
}
