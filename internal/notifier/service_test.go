package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"signupbot/internal/eventbus"
	kit "signupbot/internal/transport"
	logx "signupbot/pkg/logx"
)

type fakeSender struct {
	mu       sync.Mutex
	failures int // fail this many calls first
	calls    int
	sent     []int64
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, _ string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return kit.MessageRef{}, errors.New("flood wait")
	}
	f.sent = append(f.sent, to.ChatID)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.calls}, nil
}

func (f *fakeSender) counts() (calls int, sent []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]int64(nil), f.sent...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     16,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func drain(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestBroadcastDeliversToEveryChat(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	s := New(testConfig(), fs, logx.Nop(), nil)
	s.Start(context.Background())

	n, err := s.Broadcast(context.Background(), "training", []int64{1, 2, 3}, "poll is open", nil)
	if err != nil || n != 3 {
		t.Fatalf("Broadcast = %d, %v; want 3, nil", n, err)
	}
	drain(t, s)
	if _, sent := fs.counts(); len(sent) != 3 {
		t.Fatalf("sent = %v, want 3 chats", sent)
	}
	if h := s.History(); len(h) != 3 || h[0].Channel != "training" {
		t.Fatalf("History = %+v", h)
	}
}

func TestDuplicateInsideWindowIsSuppressed(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	s := New(testConfig(), fs, logx.Nop(), nil)
	s.Start(context.Background())
	n := Notification{Channel: "training", Target: kit.ChatTarget{ChatID: 7}, Text: "open"}
	for range 3 {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatalf("Notify err = %v", err)
		}
	}
	drain(t, s)
	if _, sent := fs.counts(); len(sent) != 1 {
		t.Fatalf("sent = %v, want exactly one", sent)
	}
}

func TestRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{failures: 2}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := New(testConfig(), fs, logx.Nop(), bus)
	s.Start(context.Background())
	if err := s.Notify(context.Background(), Notification{Channel: "c", Target: kit.ChatTarget{ChatID: 9}, Text: "hi"}); err != nil {
		t.Fatalf("Notify err = %v", err)
	}
	drain(t, s)
	calls, sent := fs.counts()
	if calls != 3 || len(sent) != 1 {
		t.Fatalf("calls = %d sent = %v, want 3 calls and 1 delivery", calls, sent)
	}
	var sawSent bool
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.NotifySent {
			sawSent = true
		}
	}
	if !sawSent {
		t.Fatal("no notify.sent event")
	}
}

func TestGivesUpAfterRetryMax(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{failures: 10}
	s := New(testConfig(), fs, logx.Nop(), nil)
	s.Start(context.Background())
	_ = s.Notify(context.Background(), Notification{Channel: "c", Target: kit.ChatTarget{ChatID: 9}, Text: "hi"})
	drain(t, s)
	if calls, _ := fs.counts(); calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	h := s.History()
	if len(h) != 1 || h[0].Err == "" {
		t.Fatalf("History = %+v, want one failed item", h)
	}
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, &fakeSender{}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Notify err = %v, want ErrDisabled", err)
	}

	s = New(testConfig(), &fakeSender{}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started Notify err = %v, want ErrStopped", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 69 * time.Millisecond, 130 * time.Millisecond},
		{2, 139 * time.Millisecond, 260 * time.Millisecond},
		{10, 699 * time.Millisecond, time.Second},
	}
	for _, tt := range tests {
		for range 20 {
			if d := retryDelay(cfg, tt.attempt); d < tt.min || d > tt.max {
				t.Fatalf("retryDelay(%d) = %v, want in [%v, %v]", tt.attempt, d, tt.min, tt.max)
			}
		}
	}
}
