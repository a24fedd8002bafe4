package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCorrupt is returned by LoadSubscriptions when persisted state exists but cannot be parsed.
	ErrCorrupt = errors.New("persisted subscriptions are corrupt")
	ErrClosed  = errors.New("storage closed")
)

// Subscriptions maps subscriber identity to its keywords.
type Subscriptions = map[string][]string

// Store is the persistence API used by the subscription registry.
//
// LoadSubscriptions returns an empty map (not an error) when nothing has been
// persisted yet. SaveSubscriptions replaces the full persisted state.
type Store interface {
	LoadSubscriptions(ctx context.Context) (Subscriptions, error)
	SaveSubscriptions(ctx context.Context, subs Subscriptions) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "file": JSON document at Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means driver default
}
