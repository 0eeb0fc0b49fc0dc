package config

import (
	"os"
	"slices"
	"strings"
)

const (
	DefaultRequiredPlayers = 18
	DefaultLiveUpdateDelay = "10s"
	DefaultStoragePath     = "./data/signupbot.json"
	DefaultHTTPAddr        = "127.0.0.1:8080"

	// TokenEnv overrides telegram.token when set.
	TokenEnv = "TELEGRAM_BOT_TOKEN"
)

var DefaultPollOptions = []string{"Yes", "No"}

// ApplyDefaults fills omitted fields in place.
func (c *Config) ApplyDefaults() {
	if c.RequiredPlayers == nil {
		n := DefaultRequiredPlayers
		c.RequiredPlayers = &n
	}
	if len(c.PollOptions) == 0 {
		c.PollOptions = slices.Clone(DefaultPollOptions)
	}
	if strings.TrimSpace(c.SchedulerTimezone) == "" {
		c.SchedulerTimezone = "UTC"
	}
	if strings.TrimSpace(c.LiveUpdateDelay) == "" {
		c.LiveUpdateDelay = DefaultLiveUpdateDelay
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "file"
		if strings.TrimSpace(c.Storage.Path) == "" {
			c.Storage.Path = DefaultStoragePath
		}
	}
	if c.HTTP.Enabled && strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if tok := strings.TrimSpace(os.Getenv(TokenEnv)); tok != "" {
		c.Telegram.Token = tok
	}
}

// Capacity returns the configured main roster size.
func (c *Config) Capacity() int {
	if c.RequiredPlayers == nil {
		return DefaultRequiredPlayers
	}
	return *c.RequiredPlayers
}
