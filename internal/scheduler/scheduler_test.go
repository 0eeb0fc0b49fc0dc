package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"signupbot/internal/eventbus"
	"signupbot/internal/recurrence"
	"signupbot/internal/registry"
	"signupbot/internal/roster"
	"signupbot/internal/storage"
	kit "signupbot/internal/transport"
	logx "signupbot/pkg/logx"
)

type fakeClock struct {
	mu       sync.Mutex
	now      time.Time
	sleepers map[*sleeper]struct{}
}

type sleeper struct {
	until time.Time
	ch    chan struct{}
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now, sleepers: map[*sleeper]struct{}{}}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		return ctx.Err()
	}
	sl := &sleeper{until: c.now.Add(d), ch: make(chan struct{})}
	c.sleepers[sl] = struct{}{}
	c.mu.Unlock()
	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.sleepers, sl)
		c.mu.Unlock()
		return ctx.Err()
	case <-sl.ch:
		return nil
	}
}

// Set moves the clock and wakes every sleeper that is due.
func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
	for sl := range c.sleepers {
		if !sl.until.After(t) {
			close(sl.ch)
			delete(c.sleepers, sl)
		}
	}
}

func (c *fakeClock) Sleepers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleepers)
}

type fakePublisher struct {
	mu        sync.Mutex
	failPoll  bool
	polls     int
	live      []roster.Split
	finals    []roster.Split
	notified  []string
	abandoned []storage.Handle
}

func (p *fakePublisher) PublishPoll(_ context.Context, def registry.Definition) (storage.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPoll {
		return storage.Handle{}, errors.New("chat not found")
	}
	p.polls++
	return storage.Handle{ChatID: -1, PollMessageID: p.polls, InfoMessageID: 100 + p.polls, PollID: fmt.Sprintf("%s-%d", def.Name, p.polls)}, nil
}

func (p *fakePublisher) PublishRoster(_ context.Context, _ registry.Definition, _ storage.Handle, split roster.Split, final bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if final {
		p.finals = append(p.finals, split)
	} else {
		p.live = append(p.live, split)
	}
	return nil
}

func (p *fakePublisher) NotifyOpened(_ context.Context, def registry.Definition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notified = append(p.notified, def.Name)
	return nil
}

func (p *fakePublisher) AbandonPoll(_ context.Context, h storage.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abandoned = append(p.abandoned, h)
	return nil
}

func (p *fakePublisher) counts() (polls, live, finals int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls, len(p.live), len(p.finals)
}

func (p *fakePublisher) lastFinal() roster.Split {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finals[len(p.finals)-1]
}

var (
	monday    = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	tuesday15 = time.Date(2024, 5, 7, 15, 0, 0, 0, time.UTC)
	wed12     = time.Date(2024, 5, 8, 12, 0, 0, 0, time.UTC)
)

func trainingDef(name string) registry.Definition {
	return registry.Definition{
		Name:        name,
		Message:     "Training on Wednesday?",
		Options:     []string{"Yes", "No"},
		Affirmative: 0,
		Capacity:    2,
		Open:        recurrence.Rule{Day: recurrence.Day(time.Tuesday), Hour: 15},
		Close:       recurrence.Rule{Day: recurrence.Day(time.Wednesday), Hour: 12},
		Subscribers: []int64{42},
	}
}

type harness struct {
	svc   *Service
	reg   *registry.Registry
	store storage.Store
	pub   *fakePublisher
	clock *fakeClock
	bus   *eventbus.MemBus
}

func newHarness(t *testing.T, now time.Time, cfg Config, store storage.Store, defs ...registry.Definition) *harness {
	t.Helper()
	if len(defs) == 0 {
		defs = []registry.Definition{trainingDef("training")}
	}
	reg, err := registry.Load(defs)
	if err != nil {
		t.Fatalf("registry.Load: %v", err)
	}
	if store == nil {
		store, err = storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
		if err != nil {
			t.Fatalf("storage.Open: %v", err)
		}
	}
	h := &harness{reg: reg, store: store, pub: &fakePublisher{}, clock: newFakeClock(now), bus: eventbus.New()}
	h.svc = New(cfg, reg, store, h.pub, logx.Nop(), h.bus, WithClock(h.clock))
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.svc.Stop(ctx)
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitEvent(t *testing.T, events <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func loopState(h *harness, poll string, kind Kind) LoopState {
	for _, ls := range h.svc.Snapshot() {
		if ls.Poll == poll && ls.Kind == kind {
			return ls
		}
	}
	return LoopState{}
}

func respond(t *testing.T, h *harness, id string, user int64, option int, at time.Time) {
	t.Helper()
	err := h.svc.OnResponse(context.Background(), ResponseEvent{InstanceID: id, UserID: user, Name: fmt.Sprintf("u%d", user), Option: option, At: at})
	if err != nil {
		t.Fatalf("OnResponse(%d): %v", user, err)
	}
}

func userIDs(entries []roster.Entry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.UserID)
	}
	return out
}

func TestOpenThenCloseLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, monday, Config{}, nil)
	h.start(t)
	waitFor(t, "both loops armed", func() bool { return h.clock.Sleepers() == 2 })

	if got := loopState(h, "training", KindOpen); got.State != StateArmed || !got.Next.Equal(tuesday15) {
		t.Fatalf("open loop = %+v, want armed for %v", got, tuesday15)
	}

	h.clock.Set(tuesday15)
	var inst *storage.Instance
	waitFor(t, "instance saved", func() bool {
		var err error
		inst, err = h.store.FindOpen(context.Background(), "training")
		return err == nil
	})
	if !inst.OpenedAt.Equal(tuesday15) || !inst.ScheduledCloseAt.Equal(wed12) {
		t.Fatalf("instance window = %v..%v", inst.OpenedAt, inst.ScheduledCloseAt)
	}
	waitFor(t, "subscribers notified", func() bool {
		h.pub.mu.Lock()
		defer h.pub.mu.Unlock()
		return len(h.pub.notified) == 1
	})

	t1 := tuesday15.Add(time.Minute)
	respond(t, h, inst.ID, 1, 0, t1)
	respond(t, h, inst.ID, 2, 0, t1.Add(time.Second))
	respond(t, h, inst.ID, 3, 0, t1.Add(2*time.Second))
	respond(t, h, inst.ID, 4, 1, t1.Add(3*time.Second))

	h.clock.Set(wed12)
	waitFor(t, "final roster", func() bool { _, _, finals := h.pub.counts(); return finals == 1 })
	final := h.pub.lastFinal()
	if got := userIDs(final.Main); !slices.Equal(got, []int64{1, 2}) {
		t.Fatalf("main = %v, want [1 2]", got)
	}
	if got := userIDs(final.Waitlist); !slices.Equal(got, []int64{3}) {
		t.Fatalf("waitlist = %v, want [3]", got)
	}
	closed, err := h.store.Get(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !closed.Closed() || closed.CloseReason != storage.ReasonClosed {
		t.Fatalf("instance not closed: %+v", closed)
	}

	nextWeek := tuesday15.AddDate(0, 0, 7)
	waitFor(t, "open re-armed a week ahead", func() bool {
		ls := loopState(h, "training", KindOpen)
		return ls.State == StateArmed && ls.Next.Equal(nextWeek)
	})
	if _, ok := h.svc.InstanceForPoll(inst.Handle.PollID); ok {
		t.Fatal("closed instance still indexed")
	}
}

func TestCloseWithoutOpenIsSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, tuesday15.Add(time.Hour), Config{}, nil)
	events, unsub := h.bus.Subscribe(32)
	defer unsub()
	h.start(t)
	waitFor(t, "loops armed", func() bool { return h.clock.Sleepers() == 2 })

	h.clock.Set(wed12)
	e := waitEvent(t, events, eventbus.PollSkipped)
	if pe := e.Data.(eventbus.PollEvent); pe.Reason != SkipNoOpenInstance {
		t.Fatalf("skip reason = %q, want %q", pe.Reason, SkipNoOpenInstance)
	}
	if _, _, finals := h.pub.counts(); finals != 0 {
		t.Fatalf("finals = %d, want 0", finals)
	}
	waitFor(t, "close re-armed", func() bool {
		ls := loopState(h, "training", KindClose)
		return ls.State == StateArmed && ls.Next.Equal(wed12.AddDate(0, 0, 7))
	})
}

func TestPublishFailureStillRearms(t *testing.T) {
	t.Parallel()
	h := newHarness(t, monday, Config{}, nil)
	h.pub.failPoll = true
	events, unsub := h.bus.Subscribe(32)
	defer unsub()
	h.start(t)
	waitFor(t, "loops armed", func() bool { return h.clock.Sleepers() == 2 })

	h.clock.Set(tuesday15)
	e := waitEvent(t, events, eventbus.PollSkipped)
	if pe := e.Data.(eventbus.PollEvent); pe.Reason != SkipTransport {
		t.Fatalf("skip reason = %q, want %q", pe.Reason, SkipTransport)
	}
	waitFor(t, "open re-armed", func() bool {
		ls := loopState(h, "training", KindOpen)
		return ls.State == StateArmed && ls.Next.Equal(tuesday15.AddDate(0, 0, 7))
	})
	if list, _ := h.store.List(context.Background(), "training"); len(list) != 0 {
		t.Fatalf("instances = %d, want 0", len(list))
	}
}

func TestRestartReattachesWithoutDuplicate(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	ctx := context.Background()

	first := newHarness(t, tuesday15, Config{}, store)
	first.svc.fire(ctx, trainingDef("training"), KindOpen, tuesday15)
	inst, err := store.FindOpen(ctx, "training")
	if err != nil {
		t.Fatalf("FindOpen: %v", err)
	}
	respond(t, first, inst.ID, 7, 0, tuesday15.Add(time.Minute))

	second := newHarness(t, tuesday15.Add(2*time.Hour), Config{}, store)
	second.start(t)
	if id, ok := second.svc.InstanceForPoll(inst.Handle.PollID); !ok || id != inst.ID {
		t.Fatalf("InstanceForPoll = %q, %v; want %q", id, ok, inst.ID)
	}

	// Re-firing the same occurrence must not publish a second poll.
	second.svc.fire(ctx, trainingDef("training"), KindOpen, tuesday15)
	if polls, _, _ := second.pub.counts(); polls != 0 {
		t.Fatalf("polls after re-fire = %d, want 0", polls)
	}
	list, err := store.List(ctx, "training")
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %d, %v; want one instance", len(list), err)
	}
	if len(list[0].Responses) != 1 || list[0].Handle != inst.Handle {
		t.Fatalf("reattached instance = %+v", list[0])
	}
}

func TestStartCatchesUpMissedClose(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	ctx := context.Background()
	inst := &storage.Instance{Definition: "training", OpenedAt: tuesday15, ScheduledCloseAt: wed12, Handle: storage.Handle{PollID: "p"}}
	if err := store.Save(ctx, inst); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, _, err := store.AppendResponse(ctx, inst.ID, storage.Response{UserID: 1, Option: 0, At: tuesday15.Add(time.Minute)}); err != nil {
		t.Fatalf("AppendResponse: %v", err)
	}

	h := newHarness(t, wed12.Add(20*time.Hour), Config{}, store)
	h.start(t)
	if _, _, finals := h.pub.counts(); finals != 1 {
		t.Fatalf("finals = %d, want 1", finals)
	}
	if got := userIDs(h.pub.lastFinal().Main); !slices.Equal(got, []int64{1}) {
		t.Fatalf("main = %v, want [1]", got)
	}
	got, err := store.Get(ctx, inst.ID)
	if err != nil || !got.Closed() {
		t.Fatalf("instance closed = %v, err = %v", got != nil && got.Closed(), err)
	}
	if _, ok := h.svc.InstanceForPoll("p"); ok {
		t.Fatal("caught-up instance still indexed")
	}
}

func TestOpenSupersedesStaleInstance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, tuesday15, Config{}, nil)
	ctx := context.Background()
	lastWeek := tuesday15.AddDate(0, 0, -7)
	stale := &storage.Instance{Definition: "training", OpenedAt: lastWeek, ScheduledCloseAt: wed12.AddDate(0, 0, -7)}
	if err := h.store.Save(ctx, stale); err != nil {
		t.Fatalf("Save: %v", err)
	}

	h.svc.fire(ctx, trainingDef("training"), KindOpen, tuesday15)

	old, err := h.store.Get(ctx, stale.ID)
	if err != nil || old.CloseReason != storage.ReasonSuperseded {
		t.Fatalf("stale instance = %+v, err = %v; want superseded", old, err)
	}
	cur, err := h.store.FindOpen(ctx, "training")
	if err != nil || !cur.OpenedAt.Equal(tuesday15) {
		t.Fatalf("FindOpen = %+v, %v", cur, err)
	}
	if polls, _, finals := h.pub.counts(); polls != 1 || finals != 1 {
		t.Fatalf("polls = %d finals = %d, want 1 and 1", polls, finals)
	}
}

func TestWithdrawalPromotesAndAnswersMap(t *testing.T) {
	t.Parallel()
	h := newHarness(t, tuesday15, Config{}, nil)
	ctx := context.Background()
	h.svc.fire(ctx, trainingDef("training"), KindOpen, tuesday15)
	inst, err := h.store.FindOpen(ctx, "training")
	if err != nil {
		t.Fatalf("FindOpen: %v", err)
	}

	answer := func(id int64, user int64, options ...int) error {
		return h.svc.HandlePollAnswer(ctx, kit.Update{
			ID:         id,
			Kind:       kit.UpdatePollAnswer,
			PollAnswer: &kit.PollAnswer{PollID: inst.Handle.PollID, UserID: user, Name: fmt.Sprintf("u%d", user), Options: options, At: tuesday15.Add(time.Duration(id) * time.Second)},
		})
	}
	for i, user := range []int64{1, 2, 3} {
		if err := answer(int64(i+1), user, 0); err != nil {
			t.Fatalf("answer: %v", err)
		}
	}
	if err := answer(4, 1); err != nil {
		t.Fatalf("retraction: %v", err)
	}

	_, split, err := h.svc.Roster(ctx, "training")
	if err != nil {
		t.Fatalf("Roster: %v", err)
	}
	if got := userIDs(split.Main); !slices.Equal(got, []int64{2, 3}) {
		t.Fatalf("main = %v, want [2 3]", got)
	}
	if len(split.Waitlist) != 0 {
		t.Fatalf("waitlist = %v, want empty", userIDs(split.Waitlist))
	}

	err = h.svc.HandlePollAnswer(ctx, kit.Update{ID: 9, PollAnswer: &kit.PollAnswer{PollID: "nope", UserID: 5, Options: []int{0}}})
	if !errors.Is(err, ErrUnknownPoll) {
		t.Fatalf("unknown poll err = %v, want ErrUnknownPoll", err)
	}
}

func TestLiveRosterIsDebounced(t *testing.T) {
	t.Parallel()
	h := newHarness(t, monday, Config{LiveUpdateDelay: 20 * time.Millisecond}, nil)
	h.start(t)
	ctx := context.Background()
	h.svc.fire(ctx, trainingDef("training"), KindOpen, tuesday15)
	inst, err := h.store.FindOpen(ctx, "training")
	if err != nil {
		t.Fatalf("FindOpen: %v", err)
	}
	for user := int64(1); user <= 3; user++ {
		respond(t, h, inst.ID, user, 0, tuesday15.Add(time.Duration(user)*time.Second))
	}
	waitFor(t, "live roster edit", func() bool { _, live, _ := h.pub.counts(); return live >= 1 })
	time.Sleep(60 * time.Millisecond)
	if _, live, _ := h.pub.counts(); live != 1 {
		t.Fatalf("live edits = %d, want 1", live)
	}
	h.pub.mu.Lock()
	got := h.pub.live[0]
	h.pub.mu.Unlock()
	if len(got.Main) != 2 || len(got.Waitlist) != 1 {
		t.Fatalf("live split = %+v", got)
	}
}

func TestSyncStopsRemovedDefinitions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, monday, Config{}, nil, trainingDef("training"), trainingDef("match"))
	h.start(t)
	waitFor(t, "four loops armed", func() bool { return h.clock.Sleepers() == 4 })
	if n := len(h.svc.Snapshot()); n != 4 {
		t.Fatalf("loops = %d, want 4", n)
	}

	if err := h.reg.Replace([]registry.Definition{trainingDef("training")}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	h.svc.Sync()
	waitFor(t, "removed loops gone", func() bool { return h.clock.Sleepers() == 2 })
	for _, ls := range h.svc.Snapshot() {
		if ls.Poll == "match" {
			t.Fatalf("loop of removed poll still present: %+v", ls)
		}
	}
}

func TestDisabledBotSkipsOpensButKeepsArming(t *testing.T) {
	t.Parallel()
	h := newHarness(t, monday, Config{}, nil)
	ctx := context.Background()
	if !h.svc.Enabled(ctx) {
		t.Fatal("Enabled with no stored switch = false, want true")
	}
	if changed, err := h.svc.SetEnabled(ctx, false); err != nil || !changed {
		t.Fatalf("SetEnabled(false) = %v, %v; want changed", changed, err)
	}
	if changed, err := h.svc.SetEnabled(ctx, false); err != nil || changed {
		t.Fatalf("second SetEnabled(false) = %v, %v; want unchanged", changed, err)
	}

	events, unsub := h.bus.Subscribe(32)
	defer unsub()
	h.start(t)
	waitFor(t, "loops armed", func() bool { return h.clock.Sleepers() == 2 })

	h.clock.Set(tuesday15)
	e := waitEvent(t, events, eventbus.PollSkipped)
	if pe := e.Data.(eventbus.PollEvent); pe.Reason != SkipDisabled {
		t.Fatalf("skip reason = %q, want %q", pe.Reason, SkipDisabled)
	}
	waitFor(t, "open re-armed", func() bool {
		ls := loopState(h, "training", KindOpen)
		return ls.State == StateArmed && ls.Next.Equal(tuesday15.AddDate(0, 0, 7))
	})
	if polls, _, _ := h.pub.counts(); polls != 0 {
		t.Fatalf("polls while disabled = %d, want 0", polls)
	}

	if _, err := h.svc.SetEnabled(ctx, true); err != nil {
		t.Fatalf("SetEnabled(true): %v", err)
	}
	h.svc.fire(ctx, trainingDef("training"), KindOpen, tuesday15)
	if polls, _, _ := h.pub.counts(); polls != 1 {
		t.Fatalf("polls after enabling = %d, want 1", polls)
	}
}

func TestDisabledBotStillCloses(t *testing.T) {
	t.Parallel()
	h := newHarness(t, tuesday15, Config{}, nil)
	ctx := context.Background()
	h.svc.fire(ctx, trainingDef("training"), KindOpen, tuesday15)
	if _, err := h.svc.SetEnabled(ctx, false); err != nil {
		t.Fatalf("SetEnabled(false): %v", err)
	}

	h.svc.fire(ctx, trainingDef("training"), KindClose, wed12)
	if _, _, finals := h.pub.counts(); finals != 1 {
		t.Fatalf("finals = %d, want 1", finals)
	}
	if _, err := h.store.FindOpen(ctx, "training"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("FindOpen after close err = %v, want ErrNotFound", err)
	}
}

// failingSaves is a store whose Save always fails.
type failingSaves struct {
	storage.Store
}

func (failingSaves) Save(context.Context, *storage.Instance) error {
	return errors.New("disk full")
}

func TestSaveFailureWithdrawsPublishedPoll(t *testing.T) {
	t.Parallel()
	mem, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	h := newHarness(t, tuesday15, Config{}, failingSaves{mem})
	events, unsub := h.bus.Subscribe(32)
	defer unsub()

	h.svc.fire(context.Background(), trainingDef("training"), KindOpen, tuesday15)

	e := waitEvent(t, events, eventbus.PollSkipped)
	if pe := e.Data.(eventbus.PollEvent); pe.Reason != SkipStore {
		t.Fatalf("skip reason = %q, want %q", pe.Reason, SkipStore)
	}
	h.pub.mu.Lock()
	abandoned := slices.Clone(h.pub.abandoned)
	notified := len(h.pub.notified)
	h.pub.mu.Unlock()
	if len(abandoned) != 1 || abandoned[0].PollMessageID != 1 {
		t.Fatalf("abandoned = %+v, want the published poll", abandoned)
	}
	if notified != 0 {
		t.Fatalf("notified = %d, want 0 for an untracked poll", notified)
	}
	if _, ok := h.svc.InstanceForPoll(abandoned[0].PollID); ok {
		t.Fatal("untracked poll is indexed")
	}
}

func TestReattachUsesCurrentCloseRule(t *testing.T) {
	t.Parallel()
	thursday := recurrence.Rule{Day: recurrence.Day(time.Thursday), Hour: 12}
	friday := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name        string
		storedClose time.Time
		rule        recurrence.Rule
		closed      bool
	}{
		{name: "close moved later", storedClose: wed12, rule: thursday, closed: false},
		{name: "close moved earlier", storedClose: friday, rule: trainingDef("training").Close, closed: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
			if err != nil {
				t.Fatalf("storage.Open: %v", err)
			}
			ctx := context.Background()
			inst := &storage.Instance{Definition: "training", OpenedAt: tuesday15, ScheduledCloseAt: tt.storedClose, Handle: storage.Handle{PollID: "p"}}
			if err := store.Save(ctx, inst); err != nil {
				t.Fatalf("Save: %v", err)
			}
			if _, _, err := store.AppendResponse(ctx, inst.ID, storage.Response{UserID: 42, Name: "sub", Option: 0, At: tuesday15.Add(time.Minute)}); err != nil {
				t.Fatalf("AppendResponse: %v", err)
			}

			def := trainingDef("training")
			def.Close = tt.rule
			h := newHarness(t, wed12.Add(2*time.Hour), Config{}, store, def)
			h.start(t)

			_, _, finals := h.pub.counts()
			if got := finals == 1; got != tt.closed {
				t.Fatalf("caught up = %v, want %v", got, tt.closed)
			}
			if _, ok := h.svc.InstanceForPoll("p"); ok == tt.closed {
				t.Fatalf("indexed = %v, want %v", ok, !tt.closed)
			}
			if tt.closed {
				if main := h.pub.lastFinal().Main; len(main) != 1 || !main[0].Subscriber {
					t.Fatalf("final main = %+v, want subscriber 42 marked", main)
				}
			}
		})
	}
}
