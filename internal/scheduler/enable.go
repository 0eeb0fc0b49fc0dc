package scheduler

import (
	"context"
	"errors"
	"strconv"

	"signupbot/internal/storage"
	logx "signupbot/pkg/logx"
)

// Enabled reports the persisted bot switch. Unset means enabled, and so
// does a store error, so a flaky store never silently stops the schedule.
func (s *Service) Enabled(ctx context.Context) bool {
	var v string
	err := s.withStoreRetry(ctx, func() (err error) {
		v, err = s.store.GetState(ctx, storage.StateBotEnabled)
		return err
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return true
	case err != nil:
		s.log.Warn("read bot switch failed; assuming enabled", logx.Err(err))
		return true
	}
	on, err := strconv.ParseBool(v)
	if err != nil {
		s.log.Warn("bad bot switch value; assuming enabled", logx.String("value", v))
		return true
	}
	return on
}

// SetEnabled persists the bot switch. changed is false when it already
// had that value.
func (s *Service) SetEnabled(ctx context.Context, on bool) (changed bool, err error) {
	if s.Enabled(ctx) == on {
		return false, nil
	}
	err = s.withStoreRetry(ctx, func() error {
		return s.store.SetState(ctx, storage.StateBotEnabled, strconv.FormatBool(on))
	})
	if err != nil {
		return false, err
	}
	s.log.Info("bot switch changed", logx.Bool("enabled", on))
	return true, nil
}
