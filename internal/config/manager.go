package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "overseer/pkg/logx"
)

// ConfigManager holds the live configuration. With a config file it also
// watches the file and publishes every valid, changed version to subscribers.
type ConfigManager struct {
	path     string
	debounce time.Duration
	log      logx.Logger

	mu  sync.RWMutex
	cfg *Config

	// subsMu also orders sends against close in Unsubscribe.
	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path:     strings.TrimSpace(path),
		debounce: 250 * time.Millisecond,
		log:      logx.Nop(),
		subs:     map[chan *Config]struct{}{},
	}
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// Path returns the config file path ("" when running from env only).
func (m *ConfigManager) Path() string { return m.path }

// Parse reads the file and environment and validates the result without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	cfg, err := parse(m.path, os.Environ())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses and commits the configuration.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives each reloaded config. A slow
// subscriber only ever sees the newest version.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				// full: discard the oldest pending version and retry
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// reload re-reads the file and publishes it when it is valid and differs
// from the committed config.
func (m *ConfigManager) reload() {
	next, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	sections := ChangedSections(m.Get(), next)
	if len(sections) == 0 {
		m.log.Debug("config file touched without changes", logx.String("path", m.path))
		return
	}
	m.log.Info("config changed", logx.Strings("sections", sections), logx.Strings("restart_required", RestartRequired(sections)))
	m.Commit(next)
	m.publish(next)
}

// Watch follows the config file until ctx is done; it returns nil at once
// without a file. The parent directory is watched so editors that replace the
// file are seen. A broken watcher is recreated with backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	const base, ceiling = 250 * time.Millisecond, 5 * time.Second
	wait := base

	for {
		w, err := newDirWatcher(dir)
		if err != nil {
			m.log.Warn("config watch init failed", logx.String("dir", dir), logx.Err(err))
		} else {
			wait = base
			m.log.Debug("config watcher started", logx.String("path", m.path))
			broken := m.follow(ctx, w, name)
			_ = w.Close()
			if !broken {
				return nil
			}
			m.log.Warn("config watcher broke; restarting", logx.String("dir", dir))
		}

		delay := wait + rand.N(wait/2+1)
		wait = min(wait*2, ceiling)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func newDirWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// follow consumes watcher events, reloading once a burst of events for the
// file has been quiet for the debounce period. It reports whether the watcher
// broke (as opposed to ctx ending).
func (m *ConfigManager) follow(ctx context.Context, w *fsnotify.Watcher, name string) bool {
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-settle.C:
			m.reload()
		case ev, ok := <-w.Events:
			if !ok {
				return true
			}
			if filepath.Base(ev.Name) == name {
				settle.Reset(m.debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				settle.Reset(m.debounce)
				continue
			}
			if err != nil {
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
