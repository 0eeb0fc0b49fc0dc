package storage

import (
	"context"
	"fmt"
	"sync"
)

type memoryDriver struct {
	mu    sync.Mutex
	byID  map[string]*Instance
	state map[string]string
}

func newMemoryDriver() *memoryDriver {
	return &memoryDriver{byID: map[string]*Instance{}, state: map[string]string{}}
}

func (m *memoryDriver) put(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	m.byID[inst.ID] = inst.Clone()
	m.mu.Unlock()
	return nil
}

func (m *memoryDriver) get(_ context.Context, id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst.Clone(), nil
}

func (m *memoryDriver) list(_ context.Context, definition string) ([]*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterInstances(m.byID, func(i *Instance) bool { return i.Definition == definition }), nil
}

func (m *memoryDriver) listOpen(_ context.Context) ([]*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterInstances(m.byID, func(i *Instance) bool { return !i.Closed() }), nil
}

func (m *memoryDriver) update(_ context.Context, id string, fn func(*Instance) (bool, error)) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cur.Clone()
	changed, err := fn(next)
	if err != nil {
		return nil, err
	}
	if changed {
		m.byID[id] = next
	}
	return next.Clone(), nil
}

func (m *memoryDriver) getState(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.state[key]
	return v, ok, nil
}

func (m *memoryDriver) putState(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.state[key] = value
	m.mu.Unlock()
	return nil
}

func (m *memoryDriver) close() error { return nil }

func filterInstances(all map[string]*Instance, keep func(*Instance) bool) []*Instance {
	out := make([]*Instance, 0, len(all))
	for _, inst := range all {
		if keep(inst) {
			out = append(out, inst.Clone())
		}
	}
	return out
}
