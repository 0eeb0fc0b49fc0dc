// Package registry holds the configured recurring poll definitions.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"signupbot/internal/recurrence"
)

var ErrNotFound = errors.New("poll definition not found")

// Definition is one configured recurring poll. Immutable once loaded.
type Definition struct {
	Name        string
	Message     string
	Options     []string
	Affirmative int // index into Options counted as attending
	Capacity    int
	Open        recurrence.Rule
	Close       recurrence.Rule
	Subscribers []int64
}

func (d Definition) clone() Definition {
	d.Options = slices.Clone(d.Options)
	d.Subscribers = slices.Clone(d.Subscribers)
	return d
}

// ValidationError lists every problem found in a set of definitions.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid poll definitions: " + strings.Join(e.Problems, "; ")
}

// windowRef anchors the open/close window check; any instant works since rules are periodic.
var windowRef = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Validate checks names, options, capacity, rules and the open/close window.
func Validate(defs []Definition) error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	seen := make(map[string]struct{}, len(defs))
	for i, d := range defs {
		label := fmt.Sprintf("polls[%d]", i)
		name := strings.TrimSpace(d.Name)
		if name == "" {
			add("%s: name required", label)
		} else {
			label = fmt.Sprintf("polls[%d] %q", i, name)
			if _, dup := seen[name]; dup {
				add("%s: duplicate name", label)
			}
			seen[name] = struct{}{}
		}
		if len(d.Options) < 2 {
			add("%s: at least 2 options required, got %d", label, len(d.Options))
		}
		for j, o := range d.Options {
			if strings.TrimSpace(o) == "" {
				add("%s: option %d is empty", label, j)
			}
		}
		if d.Affirmative < 0 || d.Affirmative >= len(d.Options) {
			add("%s: affirmative option %d out of range", label, d.Affirmative)
		}
		if d.Capacity <= 0 {
			add("%s: capacity must be positive, got %d", label, d.Capacity)
		}
		openErr := d.Open.Validate()
		if openErr != nil {
			add("%s: open rule: %v", label, openErr)
		}
		closeErr := d.Close.Validate()
		if closeErr != nil {
			add("%s: close rule: %v", label, closeErr)
		}
		if openErr == nil && closeErr == nil {
			if err := CheckWindow(d.Open, d.Close); err != nil {
				add("%s: %v", label, err)
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// CheckWindow requires every close that follows an open to land before the next open.
func CheckWindow(open, close recurrence.Rule) error {
	o := open.Next(windowRef)
	for range int(7 * 24 * time.Hour / open.Period()) {
		c := close.Next(o)
		next := open.Next(o)
		if !c.Before(next) {
			return fmt.Errorf("close %v does not fall between open %v and the following open", close, open)
		}
		o = next
	}
	return nil
}

type Registry struct {
	mu    sync.RWMutex
	defs  map[string]Definition
	order []string
}

// Load validates defs and builds a registry.
func Load(defs []Definition) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(defs); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps the whole definition set. On validation failure the registry is unchanged.
func (r *Registry) Replace(defs []Definition) error {
	if err := Validate(defs); err != nil {
		return err
	}
	m := make(map[string]Definition, len(defs))
	order := make([]string, 0, len(defs))
	for _, d := range defs {
		d = d.clone()
		d.Name = strings.TrimSpace(d.Name)
		m[d.Name] = d
		order = append(order, d.Name)
	}
	r.mu.Lock()
	r.defs = m
	r.order = order
	r.mu.Unlock()
	return nil
}

// All returns definitions in configuration order.
func (r *Registry) All() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.defs[n].clone())
	}
	return out
}

func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return d.clone(), nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
