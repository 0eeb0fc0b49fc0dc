package app

import (
	"context"
	"errors"
	"fmt"
	"html"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"signupbot/internal/registry"
	"signupbot/internal/roster"
	"signupbot/internal/scheduler"
	"signupbot/internal/storage"
	kit "signupbot/internal/transport"
	logx "signupbot/pkg/logx"
)

const (
	commandWorkers = 4
	commandTimeout = 15 * time.Second
)

type replier interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type pollDesk interface {
	HandlePollAnswer(ctx context.Context, up kit.Update) error
	Snapshot() []scheduler.LoopState
	Roster(ctx context.Context, name string) (*storage.Instance, roster.Split, error)
	Enabled(ctx context.Context) bool
	SetEnabled(ctx context.Context, on bool) (bool, error)
}

type definitionLister interface {
	All() []registry.Definition
}

// Commands routes inbound updates: poll answers go to the scheduler in
// arrival order, chat commands run on a small worker pool.
type Commands struct {
	log    logx.Logger
	out    replier
	desk   pollDesk
	defs   definitionLister
	reload func(ctx context.Context) (bool, error)

	mu      sync.RWMutex
	admins  map[string]struct{}
	botName string
}

func NewCommands(log logx.Logger, out replier, desk pollDesk, defs definitionLister, reload func(ctx context.Context) (bool, error), admins []string) *Commands {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Commands{log: log, out: out, desk: desk, defs: defs, reload: reload}
	c.SetAdmins(admins)
	return c
}

func normalizeUsername(u string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(u), "@"))
}

func (c *Commands) SetAdmins(list []string) {
	m := make(map[string]struct{}, len(list))
	for _, u := range list {
		if n := normalizeUsername(u); n != "" {
			m[n] = struct{}{}
		}
	}
	c.mu.Lock()
	c.admins = m
	c.mu.Unlock()
}

// SetBotName makes commands addressed to other bots ("/roster@other") ignored.
func (c *Commands) SetBotName(name string) {
	c.mu.Lock()
	c.botName = normalizeUsername(name)
	c.mu.Unlock()
}

func (c *Commands) isAdmin(username string) bool {
	n := normalizeUsername(username)
	if n == "" {
		return false
	}
	c.mu.RLock()
	_, ok := c.admins[n]
	c.mu.RUnlock()
	return ok
}

// parseCommand splits "/name@bot arg..." into the lower-cased name and args.
func parseCommand(text, botName string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		target := name[at+1:]
		name = name[:at]
		if botName != "" && !strings.EqualFold(target, botName) {
			return "", nil, false
		}
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

// DispatchLoop consumes updates until ctx is done or the channel closes.
func (c *Commands) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sem := make(chan struct{}, commandWorkers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			switch up.Kind {
			case kit.UpdatePollAnswer:
				c.handleAnswer(ctx, up)
			case kit.UpdateMessage:
				if up.Message == nil {
					continue
				}
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return nil
				}
				wg.Add(1)
				go func(m *kit.Message) {
					defer func() {
						<-sem
						wg.Done()
					}()
					c.handleMessage(ctx, m)
				}(up.Message)
			}
		}
	}
}

func (c *Commands) handleAnswer(ctx context.Context, up kit.Update) {
	err := c.desk.HandlePollAnswer(ctx, up)
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrUnknownPoll):
		c.log.Debug("answer for unknown poll ignored", logx.Int64("update_id", up.ID))
	default:
		c.log.Warn("poll answer failed", logx.Int64("update_id", up.ID), logx.Err(err))
	}
}

func (c *Commands) handleMessage(ctx context.Context, m *kit.Message) {
	c.mu.RLock()
	bot := c.botName
	c.mu.RUnlock()
	name, args, ok := parseCommand(m.Text, bot)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("command panic", logx.String("cmd", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	var reply string
	switch name {
	case "roster":
		reply = c.roster(ctx, args)
	case "next":
		reply = renderSchedule(c.desk.Snapshot())
		if !c.desk.Enabled(ctx) {
			reply += "\n\nBot is disabled; polls will not open until /start."
		}
	case "reload":
		reply = c.doReload(ctx, m.FromUsername)
	case "start":
		reply = c.setEnabled(ctx, m.FromUsername, true)
	case "stop":
		reply = c.setEnabled(ctx, m.FromUsername, false)
	case "help":
		reply = helpText
	default:
		return
	}
	c.log.Debug("command", logx.String("cmd", name), logx.Int64("chat_id", m.ChatID), logx.Int64("from", m.FromID))

	to := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	if _, err := c.out.SendText(ctx, to, reply, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		c.log.Warn("command reply failed", logx.String("cmd", name), logx.Err(err))
	}
}

const helpText = "<b>Commands</b>\n" +
	"/roster [name] - current sign-ups\n" +
	"/next - upcoming opens and closes\n" +
	"/reload - reload config (admins)\n" +
	"/start, /stop - resume or pause scheduled polls (admins)"

func (c *Commands) roster(ctx context.Context, args []string) string {
	var names []string
	if len(args) > 0 {
		names = args[:1]
	} else {
		for _, d := range c.defs.All() {
			names = append(names, d.Name)
		}
	}
	if len(names) == 0 {
		return "No polls configured."
	}

	parts := make([]string, 0, len(names))
	for _, name := range names {
		title := "<b>" + html.EscapeString(name) + "</b>\n"
		inst, split, err := c.desk.Roster(ctx, name)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			parts = append(parts, "Unknown poll "+html.EscapeString(name)+".")
		case errors.Is(err, storage.ErrNotFound):
			parts = append(parts, title+"No poll has been posted yet.")
		case err != nil:
			c.log.Warn("roster lookup failed", logx.String("poll", name), logx.Err(err))
			parts = append(parts, title+"Roster unavailable, try again later.")
		case inst.Closed():
			parts = append(parts, title+roster.RenderFinal(split))
		default:
			parts = append(parts, title+roster.RenderProgress(split))
		}
	}
	return strings.Join(parts, "\n\n")
}

func renderSchedule(loops []scheduler.LoopState) string {
	if len(loops) == 0 {
		return "Nothing scheduled."
	}
	var b strings.Builder
	b.WriteString("<b>Schedule</b> (UTC)")
	for _, ls := range loops {
		when := "-"
		if !ls.Next.IsZero() {
			when = ls.Next.UTC().Format("Mon 02 Jan 15:04")
		}
		fmt.Fprintf(&b, "\n%s %s: %s", html.EscapeString(ls.Poll), ls.Kind, when)
	}
	return b.String()
}

func (c *Commands) doReload(ctx context.Context, username string) string {
	if !c.isAdmin(username) {
		return "Only admins can reload the config."
	}
	if c.reload == nil {
		return "Reload is not available."
	}
	changed, err := c.reload(ctx)
	if err != nil {
		c.log.Warn("reload via command failed", logx.String("by", username), logx.Err(err))
		return "Reload failed: " + html.EscapeString(err.Error())
	}
	if !changed {
		return "Config unchanged."
	}
	c.log.Info("config reloaded via command", logx.String("by", username))
	return "Config reloaded."
}

// setEnabled flips the persisted bot switch. A non-admin /start is the
// usual first contact with a bot and gets the help text.
func (c *Commands) setEnabled(ctx context.Context, username string, on bool) string {
	if !c.isAdmin(username) {
		if on {
			return helpText
		}
		return "Only admins can stop the bot."
	}
	changed, err := c.desk.SetEnabled(ctx, on)
	switch {
	case err != nil:
		c.log.Warn("bot switch failed", logx.String("by", username), logx.Bool("enabled", on), logx.Err(err))
		return "Could not change the bot state, try again later."
	case !changed && on:
		return "Bot is already enabled."
	case !changed:
		return "Bot is already disabled."
	case on:
		c.log.Info("bot enabled via command", logx.String("by", username))
		return "Bot enabled. Polls will open on schedule."
	default:
		c.log.Info("bot disabled via command", logx.String("by", username))
		return "Bot disabled. Scheduled polls will not open; open polls still close."
	}
}
