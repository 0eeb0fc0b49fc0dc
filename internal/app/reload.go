package app

import (
	"context"
	"reflect"
	"slices"
	"strings"
	"time"

	"signupbot/internal/config"
	logx "signupbot/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = []string{"storage", "events", "http", "telegram.token", "live_update_delay"}

// changedSections names the top-level config sections that differ.
func changedSections(prev, next *config.Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var out []string
	add := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	add("telegram.token", prev.Telegram.Token, next.Telegram.Token)
	pt, nt := prev.Telegram, next.Telegram
	pt.Token, nt.Token = "", ""
	add("telegram", pt, nt)
	add("logging", prev.Logging, next.Logging)
	add("storage", prev.Storage, next.Storage)
	add("notifier", prev.Notifier, next.Notifier)
	add("events", prev.Events, next.Events)
	add("http", prev.HTTP, next.HTTP)
	add("live_update_delay", prev.LiveUpdateDelay, next.LiveUpdateDelay)
	add("polls", []any{prev.Polls, prev.Capacity(), prev.PollOptions, prev.AffirmativeOption},
		[]any{next.Polls, next.Capacity(), next.PollOptions, next.AffirmativeOption})
	return out
}

// reloadLoop applies committed config reloads until ctx is done.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, next)
			lastApplied = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections := changedSections(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(next))
	a.cmds.SetAdmins(next.Telegram.AdminUsernames)
	a.ann.SetTarget(groupTarget(next))

	if slices.Contains(sections, "notifier") {
		ncfg, err := mapNotifierConfig(next)
		if err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			wasEnabled := a.notif.Enabled()
			a.notif.Apply(ncfg)
			switch {
			case wasEnabled && !ncfg.Enabled:
				a.log.Info("notifier disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			case !wasEnabled && ncfg.Enabled:
				a.log.Info("notifier enabled via config")
				a.notif.Start(a.sup.Context())
			}
		}
	}

	if slices.Contains(sections, "polls") {
		defs, err := next.Definitions()
		if err == nil {
			err = a.reg.Replace(defs)
		}
		if err != nil {
			a.log.Warn("invalid poll definitions; keeping previous", logx.Err(err))
		} else {
			a.sched.Sync()
		}
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}
