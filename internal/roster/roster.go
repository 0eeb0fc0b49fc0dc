// Package roster turns a poll instance's response log into a main roster
// and a waitlist.
//
// The split is recomputed from the full log every time, so a withdrawal
// from the main roster promotes the earliest waitlisted respondent without
// any promotion bookkeeping.
package roster

import (
	"cmp"
	"slices"
	"time"

	"signupbot/internal/storage"
)

// Entry is one affirmative respondent.
type Entry struct {
	UserID     int64     `json:"user_id"`
	Name       string    `json:"name"`
	At         time.Time `json:"at"`
	Subscriber bool      `json:"subscriber,omitempty"`
}

// Split is the derived roster. Both lists are in arrival order.
type Split struct {
	Main     []Entry `json:"main"`
	Waitlist []Entry `json:"waitlist"`
	Capacity int     `json:"capacity"`
}

func (s Split) Total() int { return len(s.Main) + len(s.Waitlist) }

// Full reports whether the main roster reached capacity.
func (s Split) Full() bool { return s.Capacity > 0 && len(s.Main) >= s.Capacity }

// MarkSubscribers flags the entries whose user is in ids. The lists are
// copied; s is left unchanged.
func (s Split) MarkSubscribers(ids []int64) Split {
	if len(ids) == 0 {
		return s
	}
	mark := func(in []Entry) []Entry {
		out := slices.Clone(in)
		for i := range out {
			out[i].Subscriber = slices.Contains(ids, out[i].UserID)
		}
		return out
	}
	s.Main = mark(s.Main)
	s.Waitlist = mark(s.Waitlist)
	return s
}

// Compute splits affirmative responses by arrival order, which is
// (timestamp, log sequence). Responses with any other option are excluded.
func Compute(responses []storage.Response, capacity, affirmative int) Split {
	ordered := slices.Clone(responses)
	slices.SortStableFunc(ordered, func(a, b storage.Response) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})

	split := Split{Capacity: capacity, Main: []Entry{}, Waitlist: []Entry{}}
	for _, r := range ordered {
		if r.Option != affirmative {
			continue
		}
		e := Entry{UserID: r.UserID, Name: r.Name, At: r.At}
		if len(split.Main) < capacity {
			split.Main = append(split.Main, e)
		} else {
			split.Waitlist = append(split.Waitlist, e)
		}
	}
	return split
}

// ForInstance computes the split of an instance.
func ForInstance(inst *storage.Instance, capacity, affirmative int) Split {
	if inst == nil {
		return Split{Capacity: capacity, Main: []Entry{}, Waitlist: []Entry{}}
	}
	return Compute(inst.Responses, capacity, affirmative)
}
