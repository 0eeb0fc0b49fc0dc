package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signupbot/internal/eventbus"
	"signupbot/internal/registry"
	"signupbot/internal/roster"
	"signupbot/internal/storage"
	logx "signupbot/pkg/logx"
)

// Skip reasons carried by poll.skipped events.
const (
	SkipNoOpenInstance = "no_open_instance"
	SkipStore          = "store_error"
	SkipTransport      = "transport_error"
	SkipDisabled       = "disabled"
)

// splitOf is the roster of inst as published, subscribers marked.
func splitOf(def registry.Definition, inst *storage.Instance) roster.Split {
	return roster.ForInstance(inst, def.Capacity, def.Affirmative).MarkSubscribers(def.Subscribers)
}

func (s *Service) fire(ctx context.Context, def registry.Definition, kind Kind, at time.Time) {
	mu := s.defLock(def.Name)
	mu.Lock()
	defer mu.Unlock()
	switch kind {
	case KindOpen:
		s.fireOpen(ctx, def, at)
	case KindClose:
		s.fireClose(ctx, def, at)
	}
}

// fireOpen creates the instance of the occurrence at. A second firing for
// the same occurrence is a no-op. Failures skip this occurrence only.
// While the bot is disabled opens are skipped; closes still run.
func (s *Service) fireOpen(ctx context.Context, def registry.Definition, at time.Time) {
	log := s.log.With(logx.String("poll", def.Name), logx.String("kind", string(KindOpen)), logx.Time("at", at))

	if !s.Enabled(ctx) {
		log.Info("bot disabled; poll not opened")
		s.emit(eventbus.PollSkipped, eventbus.PollEvent{Definition: def.Name, At: at, Reason: SkipDisabled})
		return
	}

	var existing *storage.Instance
	err := s.withStoreRetry(ctx, func() (err error) {
		existing, err = s.store.Load(ctx, def.Name, at)
		return err
	})
	switch {
	case err == nil:
		if !existing.Closed() {
			s.index(existing)
		}
		log.Info("occurrence already opened", logx.String("instance", existing.ID))
		return
	case !errors.Is(err, storage.ErrNotFound):
		log.Error("store lookup failed; occurrence skipped", logx.Err(err))
		s.emit(eventbus.PollSkipped, eventbus.PollEvent{Definition: def.Name, At: at, Reason: SkipStore})
		return
	}

	var stale *storage.Instance
	err = s.withStoreRetry(ctx, func() (err error) {
		stale, err = s.store.FindOpen(ctx, def.Name)
		return err
	})
	switch {
	case err == nil:
		if err := s.finalize(ctx, def, stale, at, storage.ReasonSuperseded); err != nil {
			log.Error("closing stale instance failed; occurrence skipped", logx.String("instance", stale.ID), logx.Err(err))
			s.emit(eventbus.PollSkipped, eventbus.PollEvent{Definition: def.Name, At: at, Reason: SkipStore})
			return
		}
		log.Warn("stale instance superseded", logx.String("instance", stale.ID), logx.Time("opened_at", stale.OpenedAt))
	case !errors.Is(err, storage.ErrNotFound):
		log.Error("store lookup failed; occurrence skipped", logx.Err(err))
		s.emit(eventbus.PollSkipped, eventbus.PollEvent{Definition: def.Name, At: at, Reason: SkipStore})
		return
	}

	h, err := s.pub.PublishPoll(ctx, def)
	if err != nil {
		log.Error("publish failed; occurrence skipped", logx.Err(err))
		s.emit(eventbus.PollSkipped, eventbus.PollEvent{Definition: def.Name, At: at, Reason: SkipTransport})
		return
	}

	inst := &storage.Instance{
		Definition:       def.Name,
		OpenedAt:         at,
		ScheduledCloseAt: def.Close.Next(at),
		Handle:           h,
		Responses:        []storage.Response{},
	}
	if err := s.withStoreRetry(ctx, func() error { return s.store.Save(ctx, inst) }); err != nil {
		log.Error("save failed; withdrawing published poll", logx.Int("message_id", h.PollMessageID), logx.Err(err))
		if aerr := s.pub.AbandonPoll(ctx, h); aerr != nil {
			log.Warn("withdrawing untracked poll failed", logx.Int("message_id", h.PollMessageID), logx.Err(aerr))
		}
		s.emit(eventbus.PollSkipped, eventbus.PollEvent{Definition: def.Name, At: at, Reason: SkipStore})
		return
	}
	s.index(inst)

	if err := s.pub.NotifyOpened(ctx, def); err != nil {
		log.Warn("subscriber notification failed", logx.Err(err))
	}
	s.emit(eventbus.PollOpened, eventbus.PollEvent{Definition: def.Name, InstanceID: inst.ID, At: at})
	log.Info("poll opened", logx.String("instance", inst.ID), logx.Time("close_at", inst.ScheduledCloseAt))
}

// fireClose finalizes the open instance of def. Nothing open means the
// process missed the open; that close is skipped.
func (s *Service) fireClose(ctx context.Context, def registry.Definition, at time.Time) {
	log := s.log.With(logx.String("poll", def.Name), logx.String("kind", string(KindClose)), logx.Time("at", at))

	var inst *storage.Instance
	err := s.withStoreRetry(ctx, func() (err error) {
		inst, err = s.store.FindOpen(ctx, def.Name)
		return err
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Info("no open instance; close skipped")
		s.emit(eventbus.PollSkipped, eventbus.PollEvent{Definition: def.Name, At: at, Reason: SkipNoOpenInstance})
		return
	case err != nil:
		log.Error("store lookup failed; close skipped", logx.Err(err))
		s.emit(eventbus.PollSkipped, eventbus.PollEvent{Definition: def.Name, At: at, Reason: SkipStore})
		return
	}
	if err := s.finalize(ctx, def, inst, at, storage.ReasonClosed); err != nil {
		log.Error("close failed", logx.String("instance", inst.ID), logx.Err(err))
		s.emit(eventbus.PollSkipped, eventbus.PollEvent{Definition: def.Name, InstanceID: inst.ID, At: at, Reason: SkipStore})
		return
	}
	log.Info("poll closed", logx.String("instance", inst.ID))
}

// finalize freezes the response log first, so the published roster is
// exactly the stored final state. The caller holds the definition lock.
func (s *Service) finalize(ctx context.Context, def registry.Definition, inst *storage.Instance, at time.Time, reason string) error {
	var closed *storage.Instance
	err := s.withStoreRetry(ctx, func() (err error) {
		closed, err = s.store.MarkClosed(ctx, inst.ID, at, reason)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark closed: %w", err)
	}
	s.unindex(closed)
	s.cancelLive(closed.ID)

	split := splitOf(def, closed)
	if err := s.pub.PublishRoster(ctx, def, closed.Handle, split, true); err != nil {
		s.log.Warn("final roster publish failed", logx.String("poll", def.Name), logx.String("instance", closed.ID), logx.Err(err))
	}
	s.emit(eventbus.PollClosed, eventbus.PollEvent{
		Definition: def.Name,
		InstanceID: closed.ID,
		At:         closed.ClosedAt,
		Main:       len(split.Main),
		Waitlist:   len(split.Waitlist),
		Reason:     closed.CloseReason,
	})
	return nil
}

// reattach resumes tracking of unclosed instances after a restart and
// closes the ones whose scheduled close passed while the process was down.
func (s *Service) reattach(ctx context.Context) error {
	var open []*storage.Instance
	err := s.withStoreRetry(ctx, func() (err error) {
		open, err = s.store.ListOpen(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("list open instances: %w", err)
	}
	now := s.clock.Now()
	for _, inst := range open {
		log := s.log.With(logx.String("poll", inst.Definition), logx.String("instance", inst.ID))
		def, err := s.reg.Get(inst.Definition)
		if err != nil {
			log.Warn("open instance of unknown poll left untouched")
			continue
		}
		// The current rule decides; a reload may have moved the close.
		closeAt := def.Close.Next(inst.OpenedAt)
		if !closeAt.IsZero() && !now.Before(closeAt) {
			mu := s.defLock(def.Name)
			mu.Lock()
			err := s.finalize(ctx, def, inst, now, storage.ReasonClosed)
			mu.Unlock()
			if err != nil {
				log.Error("catch-up close failed", logx.Err(err))
				continue
			}
			log.Info("missed close caught up", logx.Time("close_at", closeAt))
			continue
		}
		s.index(inst)
		log.Info("instance re-attached", logx.Int("responses", len(inst.Responses)))
	}
	return nil
}
