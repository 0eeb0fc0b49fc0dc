package storage

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("poll instance not found")
	ErrClosed   = errors.New("poll instance closed")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// StateBotEnabled holds "true" or "false"; unset means enabled.
const StateBotEnabled = "bot_enabled"

// Withdrawn marks a retracted answer.
const Withdrawn = -1

// Close reasons.
const (
	ReasonClosed     = "closed"
	ReasonSuperseded = "superseded"
)

// Handle identifies the transport-level messages of an instance.
type Handle struct {
	ChatID        int64  `json:"chat_id"`
	ThreadID      int    `json:"thread_id,omitempty"`
	PollMessageID int    `json:"poll_message_id"`
	InfoMessageID int    `json:"info_message_id,omitempty"`
	PollID        string `json:"poll_id,omitempty"`
}

// Response is one user's current answer.
type Response struct {
	UserID   int64     `json:"user_id"`
	Name     string    `json:"name,omitempty"`
	Option   int       `json:"option"`
	At       time.Time `json:"at"`
	UpdateID int64     `json:"update_id,omitempty"`
	Seq      uint64    `json:"seq"`
}

// Instance is one concrete occurrence of a recurring poll.
type Instance struct {
	ID               string     `json:"id"`
	Definition       string     `json:"definition"`
	OpenedAt         time.Time  `json:"opened_at"`
	ScheduledCloseAt time.Time  `json:"scheduled_close_at"`
	ClosedAt         time.Time  `json:"closed_at,omitzero"`
	CloseReason      string     `json:"close_reason,omitempty"`
	Handle           Handle     `json:"handle"`
	Responses        []Response `json:"responses"`
	NextSeq          uint64     `json:"next_seq"`
}

func NewInstanceID() string { return uuid.NewString() }

func (i *Instance) Closed() bool { return !i.ClosedAt.IsZero() }

func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Responses = slices.Clone(i.Responses)
	return &cp
}

// ResponseOf returns the stored answer of a user.
func (i *Instance) ResponseOf(userID int64) (Response, bool) {
	for _, r := range i.Responses {
		if r.UserID == userID {
			return r, true
		}
	}
	return Response{}, false
}

// applyResponse merges r into the log. It reports whether the log changed.
//
// A repeated answer is a no-op. An update older than the stored one is
// ignored. A changed answer moves the user to the end of the arrival order.
func applyResponse(inst *Instance, r Response) bool {
	idx := slices.IndexFunc(inst.Responses, func(x Response) bool { return x.UserID == r.UserID })
	if idx >= 0 {
		prev := inst.Responses[idx]
		if prev.Option == r.Option {
			return false
		}
		if r.At.Before(prev.At) {
			return false
		}
		if r.UpdateID != 0 && prev.UpdateID != 0 && r.UpdateID <= prev.UpdateID {
			return false
		}
		inst.Responses = slices.Delete(inst.Responses, idx, idx+1)
	} else if r.Option == Withdrawn {
		return false
	}
	inst.NextSeq++
	r.Seq = inst.NextSeq
	inst.Responses = append(inst.Responses, r)
	return true
}
