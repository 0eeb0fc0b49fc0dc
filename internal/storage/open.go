package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	logx "signupbot/pkg/logx"
)

// Store is the poll instance persistence API used by the scheduler.
type Store interface {
	// Save inserts or replaces a whole record. An empty ID is assigned.
	Save(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	// Load returns the instance of definition opened at openedAt, or the
	// most recent one when openedAt is zero.
	Load(ctx context.Context, definition string, openedAt time.Time) (*Instance, error)
	// FindOpen returns the most recent unclosed instance of definition.
	FindOpen(ctx context.Context, definition string) (*Instance, error)
	List(ctx context.Context, definition string) ([]*Instance, error)
	ListOpen(ctx context.Context) ([]*Instance, error)
	// AppendResponse merges one answer into the instance log atomically.
	// The bool reports whether the log changed.
	AppendResponse(ctx context.Context, id string, r Response) (*Instance, bool, error)
	MarkClosed(ctx context.Context, id string, at time.Time, reason string) (*Instance, error)
	// GetState reads a small process setting such as StateBotEnabled.
	// Unset keys return ErrNotFound.
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
	Close() error
}

// driver is the physical layer. update must run fn and persist the result
// atomically with respect to other updates of the same id.
type driver interface {
	put(ctx context.Context, inst *Instance) error
	get(ctx context.Context, id string) (*Instance, error)
	list(ctx context.Context, definition string) ([]*Instance, error)
	listOpen(ctx context.Context) ([]*Instance, error)
	update(ctx context.Context, id string, fn func(*Instance) (bool, error)) (*Instance, error)
	getState(ctx context.Context, key string) (string, bool, error)
	putState(ctx context.Context, key, value string) error
	close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var (
		d   driver
		err error
	)
	switch name := strings.ToLower(strings.TrimSpace(cfg.Driver)); name {
	case "memory":
		d = newMemoryDriver()
	case "file":
		d, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		d, err = openSQLite(cfg, log)
	case "redis":
		d, err = openRedis(cfg, log)
	case "":
		return nil, errors.New("storage driver is required")
	default:
		return nil, errors.New("unknown storage driver: " + name)
	}
	if err != nil {
		return nil, err
	}
	return &store{d: d, log: log}, nil
}

type store struct {
	d   driver
	log logx.Logger
}

func (s *store) Save(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return errors.New("nil instance")
	}
	if strings.TrimSpace(inst.Definition) == "" {
		return errors.New("instance definition is required")
	}
	if inst.ID == "" {
		inst.ID = NewInstanceID()
	}
	return s.d.put(ctx, inst.Clone())
}

func (s *store) Get(ctx context.Context, id string) (*Instance, error) {
	return s.d.get(ctx, id)
}

func (s *store) List(ctx context.Context, definition string) ([]*Instance, error) {
	out, err := s.d.list(ctx, definition)
	if err != nil {
		return nil, err
	}
	sortByOpened(out)
	return out, nil
}

func (s *store) ListOpen(ctx context.Context) ([]*Instance, error) {
	out, err := s.d.listOpen(ctx)
	if err != nil {
		return nil, err
	}
	sortByOpened(out)
	return out, nil
}

func (s *store) Load(ctx context.Context, definition string, openedAt time.Time) (*Instance, error) {
	all, err := s.List(ctx, definition)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, definition)
	}
	if openedAt.IsZero() {
		return all[len(all)-1], nil
	}
	for _, inst := range all {
		if inst.OpenedAt.Equal(openedAt) {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("%w: %s opened at %s", ErrNotFound, definition, openedAt.UTC().Format(time.RFC3339))
}

func (s *store) FindOpen(ctx context.Context, definition string) (*Instance, error) {
	open, err := s.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(open) - 1; i >= 0; i-- {
		if open[i].Definition == definition {
			return open[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no open instance of %s", ErrNotFound, definition)
}

func (s *store) AppendResponse(ctx context.Context, id string, r Response) (*Instance, bool, error) {
	if r.Option < Withdrawn {
		return nil, false, fmt.Errorf("invalid option index %d", r.Option)
	}
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	var changed bool
	inst, err := s.d.update(ctx, id, func(inst *Instance) (bool, error) {
		if inst.Closed() {
			return false, ErrClosed
		}
		changed = applyResponse(inst, r)
		return changed, nil
	})
	if err != nil {
		return nil, false, err
	}
	return inst, changed, nil
}

func (s *store) MarkClosed(ctx context.Context, id string, at time.Time, reason string) (*Instance, error) {
	if reason == "" {
		reason = ReasonClosed
	}
	return s.d.update(ctx, id, func(inst *Instance) (bool, error) {
		if inst.Closed() {
			return false, nil
		}
		inst.ClosedAt = at.UTC()
		inst.CloseReason = reason
		return true, nil
	})
}

func (s *store) GetState(ctx context.Context, key string) (string, error) {
	v, ok, err := s.d.getState(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: state %s", ErrNotFound, key)
	}
	return v, nil
}

func (s *store) SetState(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("state key is required")
	}
	return s.d.putState(ctx, key, value)
}

func (s *store) Close() error { return s.d.close() }

func sortByOpened(list []*Instance) {
	slices.SortStableFunc(list, func(a, b *Instance) int {
		if c := a.OpenedAt.Compare(b.OpenedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
