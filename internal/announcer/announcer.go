// Package announcer publishes polls, roster updates and subscriber
// notifications over the chat transport.
package announcer

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sync"

	"signupbot/internal/registry"
	"signupbot/internal/roster"
	"signupbot/internal/storage"
	kit "signupbot/internal/transport"
	logx "signupbot/pkg/logx"
)

// Transport is the outbound part of kit.Adapter.
type Transport interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
	SendPoll(ctx context.Context, to kit.ChatTarget, question string, options []string) (kit.PollRef, error)
	StopPoll(ctx context.Context, ref kit.MessageRef) error
	Pin(ctx context.Context, ref kit.MessageRef) error
}

// Broadcaster fans one text out to many chats.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel string, chats []int64, text string, opt *kit.SendOptions) (int, error)
}

var htmlOpts = &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}

type Announcer struct {
	tr    Transport
	notif Broadcaster
	log   logx.Logger

	mu     sync.Mutex
	target kit.ChatTarget
	last   map[kit.MessageRef]string // last text written to each info message
}

func New(tr Transport, notif Broadcaster, target kit.ChatTarget, log logx.Logger) *Announcer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Announcer{tr: tr, notif: notif, target: target, log: log, last: map[kit.MessageRef]string{}}
}

// SetTarget changes the group chat used for new polls.
func (a *Announcer) SetTarget(t kit.ChatTarget) {
	a.mu.Lock()
	a.target = t
	a.mu.Unlock()
}

func (a *Announcer) Target() kit.ChatTarget {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.target
}

// PublishPoll sends the poll and its info message, then pins the poll.
// Only a failed poll send is an error.
func (a *Announcer) PublishPoll(ctx context.Context, def registry.Definition) (storage.Handle, error) {
	to := a.Target()
	ref, err := a.tr.SendPoll(ctx, to, def.Message, def.Options)
	if err != nil {
		return storage.Handle{}, fmt.Errorf("send poll %s: %w", def.Name, err)
	}
	h := storage.Handle{ChatID: ref.ChatID, ThreadID: ref.ThreadID, PollMessageID: ref.MessageID, PollID: ref.PollID}

	text := roster.RenderProgress(roster.Split{Capacity: def.Capacity})
	info, err := a.tr.SendText(ctx, to, text, htmlOpts)
	if err != nil {
		a.log.Warn("info message failed", logx.String("poll", def.Name), logx.Err(err))
	} else {
		h.InfoMessageID = info.MessageID
		a.remember(infoRef(h), text)
	}
	if err := a.tr.Pin(ctx, ref.MessageRef); err != nil {
		a.log.Warn("pin failed", logx.String("poll", def.Name), logx.Err(err))
	}
	return h, nil
}

// PublishRoster edits the info message with the current split. A final
// publish stops the poll first. Unchanged text is not re-sent.
func (a *Announcer) PublishRoster(ctx context.Context, def registry.Definition, h storage.Handle, split roster.Split, final bool) error {
	if final && h.PollMessageID != 0 {
		if err := a.tr.StopPoll(ctx, pollRef(h)); err != nil {
			a.log.Warn("stop poll failed", logx.String("poll", def.Name), logx.Err(err))
		}
	}
	text := roster.RenderProgress(split)
	if final {
		text = roster.RenderFinal(split)
	}
	if h.InfoMessageID == 0 {
		if !final {
			return nil
		}
		// No info message to edit; post the final roster instead.
		_, err := a.tr.SendText(ctx, kit.ChatTarget{ChatID: h.ChatID, ThreadID: h.ThreadID}, text, htmlOpts)
		return err
	}
	ref := infoRef(h)
	if a.unchanged(ref, text) {
		if final {
			a.forget(ref)
		}
		return nil
	}
	if err := a.tr.EditText(ctx, ref, text, htmlOpts); err != nil {
		return fmt.Errorf("edit roster %s: %w", def.Name, err)
	}
	if final {
		a.forget(ref)
	} else {
		a.remember(ref, text)
	}
	return nil
}

// NotifyOpened messages every subscriber of def.
func (a *Announcer) NotifyOpened(ctx context.Context, def registry.Definition) error {
	if a.notif == nil || len(def.Subscribers) == 0 {
		return nil
	}
	text := fmt.Sprintf("🗳 <b>%s</b> is open.\n%s", html.EscapeString(def.Name), html.EscapeString(def.Message))
	n, err := a.notif.Broadcast(ctx, def.Name, def.Subscribers, text, htmlOpts)
	a.log.Debug("subscribers notified", logx.String("poll", def.Name), logx.Int("queued", n), logx.Int("total", len(def.Subscribers)))
	return err
}

const textAbandoned = "⚠️ This poll could not be recorded and was stopped. Answers to it will not count."

// AbandonPoll stops a poll whose instance was never stored and says so
// on its info message, or in a new message when there is none.
func (a *Announcer) AbandonPoll(ctx context.Context, h storage.Handle) error {
	var errs []error
	if h.PollMessageID != 0 {
		if err := a.tr.StopPoll(ctx, pollRef(h)); err != nil {
			errs = append(errs, fmt.Errorf("stop poll: %w", err))
		}
	}
	if h.InfoMessageID != 0 {
		ref := infoRef(h)
		a.forget(ref)
		if err := a.tr.EditText(ctx, ref, textAbandoned, htmlOpts); err != nil {
			errs = append(errs, fmt.Errorf("edit info: %w", err))
		}
		return errors.Join(errs...)
	}
	if _, err := a.tr.SendText(ctx, kit.ChatTarget{ChatID: h.ChatID, ThreadID: h.ThreadID}, textAbandoned, htmlOpts); err != nil {
		errs = append(errs, fmt.Errorf("send notice: %w", err))
	}
	return errors.Join(errs...)
}

func pollRef(h storage.Handle) kit.MessageRef {
	return kit.MessageRef{ChatID: h.ChatID, ThreadID: h.ThreadID, MessageID: h.PollMessageID}
}

func infoRef(h storage.Handle) kit.MessageRef {
	return kit.MessageRef{ChatID: h.ChatID, ThreadID: h.ThreadID, MessageID: h.InfoMessageID}
}

func (a *Announcer) unchanged(ref kit.MessageRef, text string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev, ok := a.last[ref]
	return ok && prev == text
}

func (a *Announcer) remember(ref kit.MessageRef, text string) {
	a.mu.Lock()
	a.last[ref] = text
	a.mu.Unlock()
}

func (a *Announcer) forget(ref kit.MessageRef) {
	a.mu.Lock()
	delete(a.last, ref)
	a.mu.Unlock()
}
