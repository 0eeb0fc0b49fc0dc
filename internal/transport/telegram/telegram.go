// Package telegram implements transport.Adapter on top of telebot.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "signupbot/internal/runtime/supervisor"
	kit "signupbot/internal/transport"
	logx "signupbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // chan<- kit.Update
	done    atomic.Value // <-chan struct{}, closed when the adapter stops
	dropped atomic.Uint64

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	// Synchronous handlers let a blocked forward hold back the poller
	// instead of piling up goroutines.
	b, err := tele.NewBot(tele.Settings{
		Token:       cfg.Token,
		Poller:      &tele.LongPoller{Timeout: cfg.PollTimeout, AllowedUpdates: []string{"message", "poll_answer"}},
		Synchronous: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	var nilDone <-chan struct{}
	a.done.Store(nilDone)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.forward(kit.Update{
			ID:   int64(c.Update().ID),
			Kind: kit.UpdateMessage,
			Message: &kit.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				ThreadID:     m.ThreadID,
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				Text:         m.Text,
				At:           m.Time().UTC(),
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnPollAnswer, func(c tele.Context) error {
		pa := c.PollAnswer()
		if pa == nil || pa.Sender == nil {
			return nil
		}
		a.forward(kit.Update{
			ID:   int64(c.Update().ID),
			Kind: kit.UpdatePollAnswer,
			PollAnswer: &kit.PollAnswer{
				PollID:   pa.PollID,
				UserID:   pa.Sender.ID,
				Username: pa.Sender.Username,
				Name:     displayName(pa.Sender),
				Options:  append([]int(nil), pa.Options...),
				At:       time.Now().UTC(),
			},
		})
		return nil
	})
}

func displayName(u *tele.User) string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" && u.Username != "" {
		name = "@" + u.Username
	}
	return name
}

// forward hands up to the consumer. Poll answers are sign-ups and wait for
// room until the adapter stops; a message that finds the channel full is
// dropped.
func (a *Adapter) forward(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	if up.Kind == kit.UpdatePollAnswer {
		done, _ := a.done.Load().(<-chan struct{})
		select {
		case out <- up:
		case <-done:
			a.dropped.Add(1)
		}
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.done.Store(sup.Context().Done())
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.dropped.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped", logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; restart it if it returns while still running.
	sup.GoRestart0("telebot.poll", func(context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// Keep shutdown snappy even if a getUpdates long-poll is still waiting.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt != nil {
		so.ParseMode = opt.ParseMode
		so.DisableWebPagePreview = opt.DisablePreview
		so.DisableNotification = opt.Silent
	}
	return so
}

func editable(ref kit.MessageRef) *tele.Message {
	return &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
}

func canceled(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

// SendText sends text, split into chunks below the Telegram limit. The
// returned ref points at the first chunk.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var parseMode string
	if opt != nil {
		parseMode = opt.ParseMode
	}
	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, chunk := range splitText(text, textLimit, parseMode) {
		if err := canceled(ctx); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, sendOptions(to, opt))
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// EditText replaces the message text. Overflow beyond one message is dropped
// with a trailing marker since an edit cannot grow into several messages.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if err := canceled(ctx); err != nil {
		return err
	}
	var parseMode string
	if opt != nil {
		parseMode = opt.ParseMode
	}
	chunks := splitText(text, textLimit, parseMode)
	body := chunks[0]
	if len(chunks) > 1 {
		body += "\n…"
	}
	_, err := a.bot.Edit(editable(ref), body, sendOptions(kit.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID}, opt))
	if errors.Is(err, tele.ErrSameMessageContent) {
		return nil
	}
	return err
}

func (a *Adapter) SendPoll(ctx context.Context, to kit.ChatTarget, question string, options []string) (kit.PollRef, error) {
	if err := canceled(ctx); err != nil {
		return kit.PollRef{}, err
	}
	if len(options) < 2 {
		return kit.PollRef{}, errors.New("poll needs at least 2 options")
	}
	poll := &tele.Poll{Type: tele.PollRegular, Question: question, Anonymous: false}
	poll.AddOptions(options...)
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, poll, &tele.SendOptions{ThreadID: to.ThreadID})
	if err != nil {
		return kit.PollRef{}, err
	}
	if msg.Poll == nil {
		return kit.PollRef{}, errors.New("telegram returned a poll message without a poll")
	}
	return kit.PollRef{
		MessageRef: kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID},
		PollID:     msg.Poll.ID,
	}, nil
}

func (a *Adapter) StopPoll(ctx context.Context, ref kit.MessageRef) error {
	if err := canceled(ctx); err != nil {
		return err
	}
	_, err := a.bot.StopPoll(editable(ref))
	return err
}

func (a *Adapter) Pin(ctx context.Context, ref kit.MessageRef) error {
	if err := canceled(ctx); err != nil {
		return err
	}
	return a.bot.Pin(editable(ref), tele.Silent)
}

// Username is the bot's own @handle without the "@".
func (a *Adapter) Username() string {
	if a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}
