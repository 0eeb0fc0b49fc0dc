package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	logx "signupbot/pkg/logx"
)

var t0 = time.Date(2024, time.May, 7, 15, 0, 0, 0, time.UTC)

func openDriver(t *testing.T, driver string) Store {
	t.Helper()
	cfg := Config{Driver: driver}
	switch driver {
	case "file":
		cfg.Path = filepath.Join(t.TempDir(), "polls.json")
	case "sqlite":
		cfg.Path = filepath.Join(t.TempDir(), "polls.db")
		cfg.BusyTimeout = time.Second
	case "redis":
		cfg.Redis = RedisConfig{Addr: os.Getenv("REDIS_ADDR"), KeyPrefix: "signupbot-test:" + uuid.NewString() + ":"}
		t.Cleanup(func() { dropRedisPrefix(t, cfg.Redis.Addr, cfg.Redis.KeyPrefix) })
	}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s) error: %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newInstance(def string, openedAt time.Time) *Instance {
	return &Instance{
		Definition:       def,
		OpenedAt:         openedAt,
		ScheduledCloseAt: openedAt.Add(21 * time.Hour),
		Handle:           Handle{ChatID: -100, PollMessageID: 10, InfoMessageID: 11, PollID: "p-" + openedAt.Format("0102")},
	}
}

// dropRedisPrefix removes every key a redis-backed test wrote.
func dropRedisPrefix(t *testing.T, addr, prefix string) {
	t.Helper()
	c := redis.NewClient(&redis.Options{Addr: addr})
	defer c.Close()
	ctx := context.Background()
	iter := c.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		_ = c.Del(ctx, iter.Val()).Err()
	}
	if err := iter.Err(); err != nil {
		t.Logf("redis cleanup: %v", err)
	}
}

// forEachDriver runs fn against every driver. Redis joins the set when
// REDIS_ADDR points at a reachable server.
func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	drivers := []string{"memory", "file", "sqlite"}
	if os.Getenv("REDIS_ADDR") != "" {
		drivers = append(drivers, "redis")
	}
	for _, d := range drivers {
		d := d
		t.Run(d, func(t *testing.T) {
			t.Parallel()
			fn(t, openDriver(t, d))
		})
	}
}

func TestSaveLoadFindOpen(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		older := newInstance("wed", t0.Add(-7*24*time.Hour))
		newer := newInstance("wed", t0)
		other := newInstance("sat", t0)
		for _, inst := range []*Instance{older, newer, other} {
			if err := st.Save(ctx, inst); err != nil {
				t.Fatalf("Save error: %v", err)
			}
			if inst.ID == "" {
				t.Fatal("Save did not assign an ID")
			}
		}

		latest, err := st.Load(ctx, "wed", time.Time{})
		if err != nil {
			t.Fatalf("Load latest error: %v", err)
		}
		if latest.ID != newer.ID {
			t.Fatalf("Load latest = %s, want %s", latest.ID, newer.ID)
		}
		exact, err := st.Load(ctx, "wed", older.OpenedAt)
		if err != nil || exact.ID != older.ID {
			t.Fatalf("Load exact = %v, %v; want %s", exact, err, older.ID)
		}
		if _, err := st.Load(ctx, "wed", t0.Add(time.Minute)); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Load missing err = %v, want ErrNotFound", err)
		}
		if _, err := st.Load(ctx, "nope", time.Time{}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Load unknown err = %v, want ErrNotFound", err)
		}

		open, err := st.FindOpen(ctx, "wed")
		if err != nil || open.ID != newer.ID {
			t.Fatalf("FindOpen = %v, %v; want %s", open, err, newer.ID)
		}
		if open.Handle != newer.Handle {
			t.Fatalf("Handle = %+v, want %+v", open.Handle, newer.Handle)
		}

		if _, err := st.MarkClosed(ctx, newer.ID, t0.Add(21*time.Hour), ""); err != nil {
			t.Fatalf("MarkClosed error: %v", err)
		}
		open, err = st.FindOpen(ctx, "wed")
		if err != nil || open.ID != older.ID {
			t.Fatalf("FindOpen after close = %v, %v; want %s", open, err, older.ID)
		}
		all, err := st.ListOpen(ctx)
		if err != nil {
			t.Fatalf("ListOpen error: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("ListOpen len = %d, want 2", len(all))
		}
		if _, err := st.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get missing err = %v, want ErrNotFound", err)
		}
	})
}

func TestAppendResponseMergeRules(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		inst := newInstance("wed", t0)
		if err := st.Save(ctx, inst); err != nil {
			t.Fatalf("Save error: %v", err)
		}
		steps := []struct {
			name    string
			r       Response
			changed bool
		}{
			{"first answer", Response{UserID: 1, Option: 0, At: t0.Add(time.Minute), UpdateID: 100}, true},
			{"second user", Response{UserID: 2, Option: 0, At: t0.Add(2 * time.Minute), UpdateID: 101}, true},
			{"redelivery", Response{UserID: 1, Option: 0, At: t0.Add(time.Minute), UpdateID: 100}, false},
			{"stale by time", Response{UserID: 2, Option: 1, At: t0.Add(time.Minute), UpdateID: 99}, false},
			{"withdraw", Response{UserID: 1, Option: Withdrawn, At: t0.Add(3 * time.Minute), UpdateID: 102}, true},
			{"withdraw unknown user", Response{UserID: 9, Option: Withdrawn, At: t0.Add(3 * time.Minute)}, false},
			{"re-affirm", Response{UserID: 1, Option: 0, At: t0.Add(4 * time.Minute), UpdateID: 103}, true},
		}
		for _, s := range steps {
			_, changed, err := st.AppendResponse(ctx, inst.ID, s.r)
			if err != nil {
				t.Fatalf("%s: AppendResponse error: %v", s.name, err)
			}
			if changed != s.changed {
				t.Fatalf("%s: changed = %v, want %v", s.name, changed, s.changed)
			}
		}
		got, err := st.Get(ctx, inst.ID)
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if len(got.Responses) != 2 {
			t.Fatalf("responses = %+v, want 2 entries", got.Responses)
		}
		if got.Responses[0].UserID != 2 || got.Responses[1].UserID != 1 {
			t.Fatalf("order = [%d %d], want [2 1]", got.Responses[0].UserID, got.Responses[1].UserID)
		}
		if got.Responses[1].Seq <= got.Responses[0].Seq {
			t.Fatalf("seq not increasing: %+v", got.Responses)
		}

		if _, err := st.MarkClosed(ctx, inst.ID, t0.Add(time.Hour), ReasonClosed); err != nil {
			t.Fatalf("MarkClosed error: %v", err)
		}
		if _, _, err := st.AppendResponse(ctx, inst.ID, Response{UserID: 3, Option: 0}); !errors.Is(err, ErrClosed) {
			t.Fatalf("AppendResponse on closed err = %v, want ErrClosed", err)
		}
		again, err := st.MarkClosed(ctx, inst.ID, t0.Add(2*time.Hour), ReasonSuperseded)
		if err != nil {
			t.Fatalf("second MarkClosed error: %v", err)
		}
		if !again.ClosedAt.Equal(t0.Add(time.Hour)) || again.CloseReason != ReasonClosed {
			t.Fatalf("second MarkClosed changed record: %+v", again)
		}
	})
}

func TestConcurrentAppendsKeepEveryUser(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		inst := newInstance("wed", t0)
		if err := st.Save(ctx, inst); err != nil {
			t.Fatalf("Save error: %v", err)
		}
		const users = 40
		var wg sync.WaitGroup
		errs := make(chan error, users)
		for u := 1; u <= users; u++ {
			wg.Add(1)
			go func(u int) {
				defer wg.Done()
				_, _, err := st.AppendResponse(ctx, inst.ID, Response{UserID: int64(u), Name: fmt.Sprint("u", u), Option: 0, At: t0.Add(time.Duration(u) * time.Second)})
				if err != nil {
					errs <- err
				}
			}(u)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("AppendResponse error: %v", err)
		}
		got, err := st.Get(ctx, inst.ID)
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if len(got.Responses) != users {
			t.Fatalf("responses = %d, want %d", len(got.Responses), users)
		}
		if got.NextSeq != users {
			t.Fatalf("NextSeq = %d, want %d", got.NextSeq, users)
		}
	})
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if _, err := st.GetState(ctx, StateBotEnabled); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetState(unset) err = %v, want ErrNotFound", err)
		}
		for _, v := range []string{"false", "true"} {
			if err := st.SetState(ctx, StateBotEnabled, v); err != nil {
				t.Fatalf("SetState(%s) error: %v", v, err)
			}
			got, err := st.GetState(ctx, StateBotEnabled)
			if err != nil || got != v {
				t.Fatalf("GetState = %q, %v; want %q", got, err, v)
			}
		}
		if err := st.SetState(ctx, "", "x"); err == nil {
			t.Fatal("SetState with empty key succeeded")
		}
	})
}

func TestFileStoreKeepsStateAcrossReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "polls.json")}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := st.SetState(ctx, StateBotEnabled, "false"); err != nil {
		t.Fatalf("SetState error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer st2.Close()
	if got, err := st2.GetState(ctx, StateBotEnabled); err != nil || got != "false" {
		t.Fatalf("GetState after reopen = %q, %v; want false", got, err)
	}
}

func TestFileStoreReattachAfterReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state", "polls.json")}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	inst := newInstance("wed", t0)
	if err := st.Save(ctx, inst); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if _, _, err := st.AppendResponse(ctx, inst.ID, Response{UserID: 7, Name: "Ann", Option: 0, At: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("AppendResponse error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer st2.Close()
	open, err := st2.FindOpen(ctx, "wed")
	if err != nil {
		t.Fatalf("FindOpen after reopen error: %v", err)
	}
	if open.ID != inst.ID || open.Handle != inst.Handle {
		t.Fatalf("reattached %+v, want id %s handle %+v", open, inst.ID, inst.Handle)
	}
	if r, ok := open.ResponseOf(7); !ok || r.Name != "Ann" {
		t.Fatalf("response log lost after reopen: %+v", open.Responses)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "tape"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty driver")
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for redis without addr")
	}
}
