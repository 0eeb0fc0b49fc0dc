package config

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"signupbot/internal/recurrence"
	"signupbot/internal/registry"
)

// Error carries every problem found in a configuration.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	if len(e.Problems) == 1 {
		return "invalid config: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid config (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Validate checks the whole configuration and reports all problems at once.
// Call ApplyDefaults first.
func Validate(c *Config) error {
	if c == nil {
		return &Error{Problems: []string{"config is nil"}}
	}
	var problems []string
	add := func(err error) {
		if err != nil {
			problems = append(problems, err.Error())
		}
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token is required (or set %s)", TokenEnv))
	}
	if c.Telegram.ChatID == 0 {
		add(errors.New("telegram.chat_id is required"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout)
	add(err)
	_, err = ParseDurationField("live_update_delay", c.LiveUpdateDelay)
	add(err)
	add(checkUTC(c.SchedulerTimezone))
	add(validateStorage(c.Storage))
	if n := c.Notifier; n != nil {
		_, err = ParseDurationField("notifier.retry_base", n.RetryBase)
		add(err)
		_, err = ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
		add(err)
		_, err = ParseDurationField("notifier.dedup_window", n.DedupWindow)
		add(err)
	}
	if k := c.Events.Kafka; k.Enabled {
		if len(k.Brokers) == 0 {
			add(errors.New("events.kafka.brokers is required when kafka is enabled"))
		}
		if strings.TrimSpace(k.Topic) == "" {
			add(errors.New("events.kafka.topic is required when kafka is enabled"))
		}
	}

	if c.HTTP.Enabled && strings.TrimSpace(c.HTTP.Token) == "" && !IsLoopbackAddr(c.HTTP.Addr) {
		add(fmt.Errorf("http.token is required when http.addr %q is not loopback", c.HTTP.Addr))
	}

	defs, defProblems := c.definitions()
	problems = append(problems, defProblems...)
	if len(defProblems) == 0 {
		var ve *registry.ValidationError
		if err := registry.Validate(defs); errors.As(err, &ve) {
			problems = append(problems, ve.Problems...)
		} else {
			add(err)
		}
	}

	if len(problems) > 0 {
		return &Error{Problems: problems}
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "memory":
		return nil
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("storage.path is required when storage.driver=%s", s.Driver)
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		return err
	case "redis":
		if strings.TrimSpace(s.Redis.Addr) == "" {
			return errors.New("storage.redis.addr is required when storage.driver=redis")
		}
		return nil
	default:
		return fmt.Errorf("unknown storage.driver: %q", s.Driver)
	}
}

// IsLoopbackAddr reports whether a host:port binds only to loopback.
// An empty host means every interface.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// checkUTC accepts any zone whose offset is zero year-round.
func checkUTC(name string) error {
	n := strings.TrimSpace(name)
	if n == "" || strings.EqualFold(n, "UTC") || strings.EqualFold(n, "Z") {
		return nil
	}
	loc, err := time.LoadLocation(n)
	if err != nil {
		return fmt.Errorf("scheduler_timezone: %w", err)
	}
	for _, m := range []time.Month{time.January, time.April, time.July, time.October} {
		if _, off := time.Date(2024, m, 1, 12, 0, 0, 0, loc).Zone(); off != 0 {
			return fmt.Errorf("scheduler_timezone %q is not UTC-equivalent; recurrence rules are UTC-only", n)
		}
	}
	return nil
}

// Definitions maps the poll list into registry definitions.
func (c *Config) Definitions() ([]registry.Definition, error) {
	defs, problems := c.definitions()
	if len(problems) > 0 {
		return nil, &Error{Problems: problems}
	}
	return defs, nil
}

func (c *Config) definitions() ([]registry.Definition, []string) {
	var problems []string
	defs := make([]registry.Definition, 0, len(c.Polls))
	for i, p := range c.Polls {
		openDay, err := recurrence.ParseDay(p.OpenDay)
		if err != nil {
			problems = append(problems, fmt.Sprintf("polls[%d].open_day: %v", i, err))
		}
		closeDay, err := recurrence.ParseDay(p.CloseDay)
		if err != nil {
			problems = append(problems, fmt.Sprintf("polls[%d].close_day: %v", i, err))
		}
		defs = append(defs, registry.Definition{
			Name:        strings.TrimSpace(p.Name),
			Message:     p.Message,
			Options:     slices.Clone(c.PollOptions),
			Affirmative: c.AffirmativeOption,
			Capacity:    c.Capacity(),
			Open:        recurrence.Rule{Day: openDay, Hour: p.OpenHourUTC, Minute: p.OpenMinuteUTC},
			Close:       recurrence.Rule{Day: closeDay, Hour: p.CloseHourUTC, Minute: p.CloseMinuteUTC},
			Subscribers: slices.Clone(p.Subs),
		})
	}
	return defs, problems
}
