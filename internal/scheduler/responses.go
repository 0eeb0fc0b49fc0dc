package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signupbot/internal/eventbus"
	"signupbot/internal/roster"
	"signupbot/internal/storage"
	kit "signupbot/internal/transport"
	logx "signupbot/pkg/logx"
)

var ErrUnknownPoll = errors.New("answer to an untracked poll")

func (s *Service) index(inst *storage.Instance) {
	if inst == nil || inst.Handle.PollID == "" {
		return
	}
	s.imu.Lock()
	s.byPoll[inst.Handle.PollID] = inst.ID
	s.imu.Unlock()
}

func (s *Service) unindex(inst *storage.Instance) {
	if inst == nil || inst.Handle.PollID == "" {
		return
	}
	s.imu.Lock()
	delete(s.byPoll, inst.Handle.PollID)
	s.imu.Unlock()
}

// InstanceForPoll resolves a transport poll id to an open instance id.
func (s *Service) InstanceForPoll(pollID string) (string, bool) {
	s.imu.RLock()
	defer s.imu.RUnlock()
	id, ok := s.byPoll[pollID]
	return id, ok
}

// HandlePollAnswer turns a transport poll answer into a response. An empty
// option list is a retraction.
func (s *Service) HandlePollAnswer(ctx context.Context, up kit.Update) error {
	pa := up.PollAnswer
	if pa == nil {
		return errors.New("update carries no poll answer")
	}
	id, ok := s.InstanceForPoll(pa.PollID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPoll, pa.PollID)
	}
	opt := storage.Withdrawn
	if len(pa.Options) > 0 {
		opt = pa.Options[0]
	}
	name := pa.Name
	if name == "" && pa.Username != "" {
		name = "@" + pa.Username
	}
	return s.OnResponse(ctx, ResponseEvent{
		InstanceID: id,
		UserID:     pa.UserID,
		Name:       name,
		Option:     opt,
		At:         pa.At,
		UpdateID:   up.ID,
	})
}

// OnResponse merges one answer into the instance log. It is safe for
// concurrent use, and re-delivery of the same update changes nothing.
func (s *Service) OnResponse(ctx context.Context, ev ResponseEvent) error {
	inst, changed, err := s.store.AppendResponse(ctx, ev.InstanceID, storage.Response{
		UserID:   ev.UserID,
		Name:     ev.Name,
		Option:   ev.Option,
		At:       ev.At,
		UpdateID: ev.UpdateID,
	})
	if err != nil {
		return fmt.Errorf("append response to %s: %w", ev.InstanceID, err)
	}
	if !changed {
		return nil
	}
	opt := ev.Option
	s.emit(eventbus.PollResponse, eventbus.PollEvent{Definition: inst.Definition, InstanceID: inst.ID, At: ev.At, UserID: ev.UserID, Option: &opt})
	s.scheduleLive(inst.Definition, inst.ID)
	return nil
}

// scheduleLive arms one debounced roster edit per instance.
func (s *Service) scheduleLive(definition, id string) {
	delay := s.cfg.LiveUpdateDelay
	if delay <= 0 {
		return
	}
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return
	}
	ctx := sup.Context()

	s.lmu.Lock()
	defer s.lmu.Unlock()
	if _, ok := s.pending[id]; ok {
		return
	}
	s.pending[id] = time.AfterFunc(delay, func() {
		s.lmu.Lock()
		delete(s.pending, id)
		s.lmu.Unlock()
		s.refreshRoster(ctx, definition, id)
	})
}

func (s *Service) cancelLive(id string) {
	s.lmu.Lock()
	if t, ok := s.pending[id]; ok {
		t.Stop()
		delete(s.pending, id)
	}
	s.lmu.Unlock()
}

// refreshRoster runs under the definition lock so it never lands after
// the final roster.
func (s *Service) refreshRoster(ctx context.Context, definition, id string) {
	if ctx.Err() != nil {
		return
	}
	mu := s.defLock(definition)
	mu.Lock()
	defer mu.Unlock()

	log := s.log.With(logx.String("poll", definition), logx.String("instance", id))
	inst, err := s.store.Get(ctx, id)
	if err != nil {
		log.Warn("live roster: load failed", logx.Err(err))
		return
	}
	if inst.Closed() {
		return
	}
	def, err := s.reg.Get(definition)
	if err != nil {
		return
	}
	split := splitOf(def, inst)
	if err := s.pub.PublishRoster(ctx, def, inst.Handle, split, false); err != nil {
		log.Warn("live roster publish failed", logx.Err(err))
	}
}

// Roster computes the on-demand split for the open instance of name, or
// for its most recent instance when none is open.
func (s *Service) Roster(ctx context.Context, name string) (*storage.Instance, roster.Split, error) {
	def, err := s.reg.Get(name)
	if err != nil {
		return nil, roster.Split{}, err
	}
	inst, err := s.store.FindOpen(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		inst, err = s.store.Load(ctx, name, time.Time{})
	}
	if err != nil {
		return nil, roster.Split{}, err
	}
	return inst, splitOf(def, inst), nil
}
