package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Durations holds every duration field of Config, parsed.
type Durations struct {
	PollTimeout        time.Duration
	StorageBusyTimeout time.Duration
	SendTimeout        time.Duration
	CommandTimeout     time.Duration
}

// Durations parses the duration strings. Empty fields stay zero so that the
// consuming component applies its own default.
func (c *Config) Durations() (Durations, error) {
	var (
		d    Durations
		errs []error
	)
	set := func(dst *time.Duration, path, raw string) {
		v, err := parseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	set(&d.PollTimeout, "telegram.poll_timeout", c.Telegram.PollTimeout)
	set(&d.StorageBusyTimeout, "storage.busy_timeout", c.Storage.BusyTimeout)
	set(&d.SendTimeout, "notifier.send_timeout", c.Notifier.SendTimeout)
	set(&d.CommandTimeout, "router.command_timeout", c.Router.CommandTimeout)
	return d, errors.Join(errs...)
}

func parseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
