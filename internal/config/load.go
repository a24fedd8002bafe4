package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v9"
	"github.com/robfig/cron/v3"
)

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Load builds the configuration: defaults, then the optional file at path
// (JSON, or YAML by extension), then environment overrides. The result is
// normalized and validated.
func Load(path string) (*Config, error) {
	cfg, err := parse(path, os.Environ())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(path string, environ []string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decodeStrict(path, b, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg, environ); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// decodeStrict decodes JSON (or YAML coerced to JSON) into cfg, rejecting
// unknown fields and trailing data.
func decodeStrict(path string, data []byte, cfg *Config) error {
	jb, _, err := coerceToJSONBytes(path, data)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(jb)) == 0 || string(bytes.TrimSpace(jb)) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("invalid config: trailing data")
		}
		return err
	}
	return nil
}

func applyEnv(cfg *Config, environ []string) error {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	logFileSet := false
	err := env.ParseWithOptions(cfg, env.Options{
		Environment: vars,
		OnSet: func(tag string, value any, isDefault bool) {
			if tag == "LOG_FILE" && !isDefault {
				logFileSet = true
			}
		},
	})
	if err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	if logFileSet && strings.TrimSpace(cfg.Logging.File.Path) != "" {
		cfg.Logging.File.Enabled = true
	}
	return nil
}

func (c *Config) normalize() {
	c.Telegram.Token = strings.TrimSpace(c.Telegram.Token)
	c.Telegram.Username = strings.TrimPrefix(strings.TrimSpace(c.Telegram.Username), "@")
	c.Monitor.TargetUsername = strings.TrimPrefix(strings.TrimSpace(c.Monitor.TargetUsername), "@")
	c.Monitor.NotifyChatID = strings.TrimSpace(c.Monitor.NotifyChatID)
	c.Monitor.Keywords = normalizeKeywords(c.Monitor.Keywords)
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Storage.Path = strings.TrimSpace(c.Storage.Path)
	c.Report.Schedule = strings.TrimSpace(c.Report.Schedule)
	c.Report.ChatID = strings.TrimSpace(c.Report.ChatID)
	if c.Report.ChatID == "" {
		c.Report.ChatID = c.Monitor.NotifyChatID
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

// normalizeKeywords trims, lowercases and dedupes keywords, keeping first-seen order.
func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required (BOT_TOKEN)"))
	}
	if c.Monitor.TargetUsername == "" {
		errs = append(errs, errors.New("monitor.target_username is required"))
	}
	switch c.Storage.Driver {
	case "", "file", "json", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if _, err := c.Durations(); err != nil {
		errs = append(errs, err)
	}
	for name, v := range map[string]int{
		"notifier.workers":              c.Notifier.Workers,
		"notifier.queue_size":           c.Notifier.QueueSize,
		"notifier.rate_per_sec":         c.Notifier.RatePerSec,
		"router.workers":                c.Router.Workers,
		"router.queue_size":             c.Router.QueueSize,
		"logging.telegram.rate_per_sec": c.Logging.Telegram.RatePerSec,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", name))
		}
	}
	if c.Report.Schedule != "" {
		if _, err := scheduleParser.Parse(c.Report.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("report.schedule: %w", err))
		}
	}
	if c.Logging.Telegram.Enabled {
		if _, err := strconv.ParseInt(strings.TrimSpace(c.Logging.Telegram.ChatID), 10, 64); err != nil && !strings.HasPrefix(strings.TrimSpace(c.Logging.Telegram.ChatID), "@") {
			errs = append(errs, errors.New("logging.telegram.chat_id must be a chat id or @channel"))
		}
	}
	return errors.Join(errs...)
}
