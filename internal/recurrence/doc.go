// Package recurrence evaluates weekly UTC recurrence rules.
//
// A rule is (weekday-or-wildcard, hour, minute). Evaluation is delegated to a
// robfig/cron schedule pinned to UTC, so calendar arithmetic never drifts
// across month or year boundaries.
package recurrence
