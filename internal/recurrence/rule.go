package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Day is a weekday constraint. AnyDay matches every day.
type Day int

const AnyDay Day = -1

var dayNames = map[string]Day{
	"sun": Day(time.Sunday), "sunday": Day(time.Sunday),
	"mon": Day(time.Monday), "monday": Day(time.Monday),
	"tue": Day(time.Tuesday), "tuesday": Day(time.Tuesday),
	"wed": Day(time.Wednesday), "wednesday": Day(time.Wednesday),
	"thu": Day(time.Thursday), "thursday": Day(time.Thursday),
	"fri": Day(time.Friday), "friday": Day(time.Friday),
	"sat": Day(time.Saturday), "saturday": Day(time.Saturday),
	"*": AnyDay,
}

// ParseDay accepts short or long English weekday names (any case) and "*".
func ParseDay(raw string) (Day, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, errors.New("day required")
	}
	d, ok := dayNames[s]
	if !ok {
		return 0, fmt.Errorf("unknown day %q (want mon..sun or *)", raw)
	}
	return d, nil
}

func (d Day) String() string {
	if d == AnyDay {
		return "*"
	}
	if d < 0 || d > 6 {
		return fmt.Sprintf("day(%d)", int(d))
	}
	return strings.ToLower(time.Weekday(d).String()[:3])
}

// Rule is a weekly point in time, expressed in UTC.
type Rule struct {
	Day    Day
	Hour   int
	Minute int
}

func (r Rule) String() string {
	return fmt.Sprintf("%s %02d:%02d UTC", r.Day, r.Hour, r.Minute)
}

func (r Rule) Validate() error {
	var errs []error
	if r.Day != AnyDay && (r.Day < 0 || r.Day > 6) {
		errs = append(errs, fmt.Errorf("day %d out of range", int(r.Day)))
	}
	if r.Hour < 0 || r.Hour > 23 {
		errs = append(errs, fmt.Errorf("hour %d out of range [0,23]", r.Hour))
	}
	if r.Minute < 0 || r.Minute > 59 {
		errs = append(errs, fmt.Errorf("minute %d out of range [0,59]", r.Minute))
	}
	return errors.Join(errs...)
}

// Period is the distance between two consecutive occurrences.
func (r Rule) Period() time.Duration {
	if r.Day == AnyDay {
		return 24 * time.Hour
	}
	return 7 * 24 * time.Hour
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule compiles the rule into a cron schedule evaluated in UTC.
func (r Rule) Schedule() (cron.Schedule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	dow := "*"
	if r.Day != AnyDay {
		dow = fmt.Sprintf("%d", int(r.Day))
	}
	return parser.Parse(fmt.Sprintf("CRON_TZ=UTC %d %d * * %s", r.Minute, r.Hour, dow))
}

// Next returns the earliest occurrence strictly after now, in UTC.
// It returns the zero time for an invalid rule.
func (r Rule) Next(now time.Time) time.Time {
	sched, err := r.Schedule()
	if err != nil {
		return time.Time{}
	}
	return sched.Next(now).UTC()
}
