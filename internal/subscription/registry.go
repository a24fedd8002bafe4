// Package subscription holds the per-subscriber keyword registry.
//
// State is published as an immutable copy-on-write map, so readers
// (KeywordsFor, Snapshot) never take a lock and never observe a half-applied
// mutation. Writers are serialized by a single mutex that is also held across
// the synchronous persistence call.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"overseer/internal/storage"
	logx "overseer/pkg/logx"
)

// ErrPersist wraps a failed write of the registry to storage. The in-memory
// mutation that triggered it is kept; callers should treat it as a warning.
var ErrPersist = errors.New("subscriptions not persisted")

// Snapshot is an independent copy of the registry: subscriber -> sorted keywords.
type Snapshot map[string][]string

type keywordSet map[string]struct{}

type state map[string]keywordSet

// Stats summarizes registry size.
type Stats struct {
	Subscribers int
	Keywords    int
}

type Registry struct {
	log   logx.Logger
	store storage.Store

	writeMu sync.Mutex
	cur     atomic.Pointer[state]
	dirty   bool // last persist failed; guarded by writeMu

	persistTimeout time.Duration
}

// New builds a registry and loads persisted state from store. A missing or
// unreadable state is logged and the registry starts empty; New never fails
// because of persisted data.
func New(ctx context.Context, store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{log: log, store: store, persistTimeout: 10 * time.Second}
	empty := state{}
	r.cur.Store(&empty)
	r.load(ctx)
	return r
}

func (r *Registry) load(ctx context.Context) {
	if r.store == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := r.store.LoadSubscriptions(ctx)
	if err != nil {
		r.log.Warn("failed to load subscriptions; starting empty", logx.Err(err))
		return
	}

	st := make(state, len(data))
	for id, kws := range data {
		if strings.TrimSpace(id) == "" {
			continue
		}
		set := normalize(kws)
		if len(set) == 0 {
			continue
		}
		st[id] = set
	}
	r.cur.Store(&st)
	r.log.Info("loaded subscriptions", logx.Int("subscribers", len(st)))
}

// NormalizeKeyword trims and lowercases one keyword. Empty means "discard".
func NormalizeKeyword(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

func normalize(keywords []string) keywordSet {
	set := make(keywordSet, len(keywords))
	for _, k := range keywords {
		if v := NormalizeKeyword(k); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func (r *Registry) state() state { return *r.cur.Load() }

// Subscribe unions keywords into id's set and returns how many were new.
// Storage is rewritten before returning; a storage failure is returned
// wrapped in ErrPersist but the keywords stay subscribed.
func (r *Registry) Subscribe(id string, keywords []string) (int, error) {
	add := normalize(keywords)
	if id == "" || len(add) == 0 {
		return 0, nil
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := r.state()
	cur := old[id]
	merged := make(keywordSet, len(cur)+len(add))
	for k := range cur {
		merged[k] = struct{}{}
	}
	added := 0
	for k := range add {
		if _, ok := merged[k]; !ok {
			merged[k] = struct{}{}
			added++
		}
	}
	if added == 0 {
		return 0, r.resyncLocked()
	}

	r.publishLocked(old, id, merged)
	return added, r.persistLocked("subscribe", id)
}

// Unsubscribe removes keywords from id's set and returns how many were
// actually present. The entry disappears when its last keyword goes.
func (r *Registry) Unsubscribe(id string, keywords []string) (int, error) {
	del := normalize(keywords)
	if id == "" || len(del) == 0 {
		return 0, nil
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := r.state()
	cur, ok := old[id]
	if !ok {
		return 0, r.resyncLocked()
	}
	remaining := make(keywordSet, len(cur))
	removed := 0
	for k := range cur {
		if _, drop := del[k]; drop {
			removed++
			continue
		}
		remaining[k] = struct{}{}
	}
	if removed == 0 {
		return 0, r.resyncLocked()
	}

	r.publishLocked(old, id, remaining)
	return removed, r.persistLocked("unsubscribe", id)
}

// Clear deletes id's entry. Clearing an unknown subscriber succeeds.
func (r *Registry) Clear(id string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := r.state()
	if _, ok := old[id]; !ok {
		return r.resyncLocked()
	}
	r.publishLocked(old, id, nil)
	return r.persistLocked("clear", id)
}

// publishLocked swaps in a new state where id maps to set (nil/empty deletes).
// Unchanged keyword sets are shared; they are never mutated after publication.
func (r *Registry) publishLocked(old state, id string, set keywordSet) {
	next := make(state, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	if len(set) == 0 {
		delete(next, id)
	} else {
		next[id] = set
	}
	r.cur.Store(&next)
}

func (r *Registry) persistLocked(op, id string) error {
	if r.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.persistTimeout)
	defer cancel()

	if err := r.store.SaveSubscriptions(ctx, storage.Subscriptions(r.Snapshot())); err != nil {
		r.dirty = true
		r.log.Warn("failed to persist subscriptions", logx.String("op", op), logx.String("subscriber", id), logx.Err(err))
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if r.dirty {
		r.log.Info("subscriptions back in sync with storage")
	}
	r.dirty = false
	return nil
}

// resyncLocked rewrites storage after a no-op mutation only when an earlier
// write failed, so memory and disk converge on the next command.
func (r *Registry) resyncLocked() error {
	if !r.dirty {
		return nil
	}
	return r.persistLocked("resync", "")
}

// KeywordsFor returns a sorted copy of id's keywords (empty, never nil).
func (r *Registry) KeywordsFor(id string) []string {
	return sortedKeys(r.state()[id])
}

// Snapshot returns a deep copy of the whole registry at one instant.
func (r *Registry) Snapshot() Snapshot {
	st := r.state()
	out := make(Snapshot, len(st))
	for id, set := range st {
		out[id] = sortedKeys(set)
	}
	return out
}

func (r *Registry) Len() int { return len(r.state()) }

func (r *Registry) Stats() Stats {
	st := r.state()
	s := Stats{Subscribers: len(st)}
	for _, set := range st {
		s.Keywords += len(set)
	}
	return s
}

func sortedKeys(set keywordSet) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
