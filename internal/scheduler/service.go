package scheduler

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"signupbot/internal/eventbus"
	"signupbot/internal/recurrence"
	"signupbot/internal/registry"
	rtsup "signupbot/internal/runtime/supervisor"
	"signupbot/internal/storage"
	logx "signupbot/pkg/logx"
)

// maxNap bounds a single sleep so wall clock jumps are noticed.
const maxNap = time.Hour

type Option func(*Service)

func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

type loopKey struct {
	poll string
	kind Kind
}

type loop struct {
	rule   recurrence.Rule
	cancel context.CancelFunc
	state  LoopState
}

type Service struct {
	cfg   Config
	reg   *registry.Registry
	store storage.Store
	pub   Publisher
	bus   eventbus.Bus
	log   logx.Logger
	clock Clock

	mu    sync.Mutex
	sup   *rtsup.Supervisor
	loops map[loopKey]*loop

	dmu      sync.Mutex
	defLocks map[string]*sync.Mutex

	imu    sync.RWMutex
	byPoll map[string]string // transport poll id -> instance id

	lmu     sync.Mutex
	pending map[string]*time.Timer // instance id -> debounced roster edit
}

func New(cfg Config, reg *registry.Registry, store storage.Store, pub Publisher, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.StoreRetries < 0 {
		cfg.StoreRetries = 0
	}
	if cfg.StoreRetryBase <= 0 {
		cfg.StoreRetryBase = 500 * time.Millisecond
	}
	s := &Service{
		cfg:      cfg,
		reg:      reg,
		store:    store,
		pub:      pub,
		bus:      bus,
		log:      log,
		clock:    realClock{},
		loops:    map[loopKey]*loop{},
		defLocks: map[string]*sync.Mutex{},
		byPoll:   map[string]string{},
		pending:  map[string]*time.Timer{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start re-attaches unclosed instances, finalizes the ones whose close
// already passed, then arms every loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	runCtx := s.sup.Context()
	s.mu.Unlock()

	if err := s.reattach(runCtx); err != nil {
		return err
	}
	s.Sync()
	s.log.Info("scheduler started", logx.Int("polls", s.reg.Len()))
	return nil
}

// Stop cancels every loop and waits for in-flight firings.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.loops = map[loopKey]*loop{}
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	s.lmu.Lock()
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
	s.lmu.Unlock()

	err := sup.Stop(ctx)
	s.log.Info("scheduler stopped")
	return err
}

// Sync reconciles running loops with the registry: loops of removed
// definitions stop, new definitions get loops, changed rules re-arm.
func (s *Service) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		return
	}
	want := map[loopKey]recurrence.Rule{}
	for _, d := range s.reg.All() {
		want[loopKey{d.Name, KindOpen}] = d.Open
		want[loopKey{d.Name, KindClose}] = d.Close
	}
	for k, l := range s.loops {
		if rule, ok := want[k]; !ok || rule != l.rule {
			l.cancel()
			delete(s.loops, k)
			s.log.Info("loop stopped", logx.String("poll", k.poll), logx.String("kind", string(k.kind)))
		}
	}
	for k, rule := range want {
		if _, ok := s.loops[k]; ok {
			continue
		}
		s.startLoopLocked(k, rule)
	}
}

func (s *Service) startLoopLocked(k loopKey, rule recurrence.Rule) {
	ctx, cancel := context.WithCancel(s.sup.Context())
	l := &loop{rule: rule, cancel: cancel, state: LoopState{Poll: k.poll, Kind: k.kind, Rule: rule.String(), State: StateIdle}}
	s.loops[k] = l
	s.sup.GoRestart0(k.poll+"."+string(k.kind), func(context.Context) {
		s.runLoop(ctx, k, l)
	})
}

// runLoop is the perpetual Armed -> Firing -> Armed cycle of one event kind.
func (s *Service) runLoop(ctx context.Context, k loopKey, l *loop) {
	log := s.log.With(logx.String("poll", k.poll), logx.String("kind", string(k.kind)), logx.String("rule", l.rule.String()))
	var last time.Time
	for ctx.Err() == nil {
		from := s.clock.Now()
		if last.After(from) {
			from = last
		}
		next := l.rule.Next(from)
		if next.IsZero() {
			log.Error("rule has no next occurrence; loop stopped")
			s.setState(l, StateIdle, time.Time{}, last)
			return
		}
		s.setState(l, StateArmed, next, last)
		log.Debug("armed", logx.Time("next", next))

		for now := s.clock.Now(); now.Before(next); now = s.clock.Now() {
			if err := s.clock.Sleep(ctx, min(next.Sub(now), maxNap)); err != nil {
				s.setState(l, StateIdle, time.Time{}, last)
				return
			}
		}

		def, err := s.reg.Get(k.poll)
		if err != nil {
			log.Info("definition removed; loop stopped")
			s.setState(l, StateIdle, time.Time{}, last)
			return
		}
		s.setState(l, StateFiring, next, last)
		s.fire(ctx, def, k.kind, next)
		last = next
	}
	s.setState(l, StateIdle, time.Time{}, last)
}

func (s *Service) setState(l *loop, st State, next, last time.Time) {
	s.mu.Lock()
	l.state.State = st
	l.state.Next = next
	l.state.LastFired = last
	s.mu.Unlock()
}

// Snapshot lists every loop ordered by next instant.
func (s *Service) Snapshot() []LoopState {
	s.mu.Lock()
	out := make([]LoopState, 0, len(s.loops))
	for _, l := range s.loops {
		out = append(out, l.state)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b LoopState) int {
		return cmp.Or(a.Next.Compare(b.Next), strings.Compare(a.Poll, b.Poll), strings.Compare(string(a.Kind), string(b.Kind)))
	})
	return out
}

func (s *Service) defLock(name string) *sync.Mutex {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	mu := s.defLocks[name]
	if mu == nil {
		mu = &sync.Mutex{}
		s.defLocks[name] = mu
	}
	return mu
}

// withStoreRetry retries fn on store errors other than NotFound and ErrClosed.
func (s *Service) withStoreRetry(ctx context.Context, fn func() error) error {
	delay := s.cfg.StoreRetryBase
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrClosed) || attempt >= s.cfg.StoreRetries {
			return err
		}
		s.log.Warn("store operation failed; retrying", logx.Int("attempt", attempt+1), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		delay *= 2
	}
}

func (s *Service) emit(typ string, ev eventbus.PollEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Key: ev.Definition, Data: ev})
}

// Tasks reports the supervised loop goroutines. Nil when stopped.
func (s *Service) Tasks() []rtsup.TaskStats {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Snapshot()
}
