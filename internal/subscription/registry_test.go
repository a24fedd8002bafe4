package subscription

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"overseer/internal/storage"
	logx "overseer/pkg/logx"
)

// memStore is an in-memory storage.Store with an injectable save error.
type memStore struct {
	mu      sync.Mutex
	data    storage.Subscriptions
	loadErr error
	saveErr error
	saves   int
}

func (m *memStore) LoadSubscriptions(context.Context) (storage.Subscriptions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := storage.Subscriptions{}
	for k, v := range m.data {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}

func (m *memStore) SaveSubscriptions(_ context.Context, subs storage.Subscriptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.data = subs
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) setSaveErr(err error) {
	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
}

func (m *memStore) snapshot() storage.Subscriptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

func newTestRegistry(t *testing.T, st storage.Store) *Registry {
	t.Helper()
	return New(context.Background(), st, logx.Nop())
}

func TestSubscribeUnionAndNormalize(t *testing.T) {
	st := &memStore{}
	r := newTestRegistry(t, st)

	n, err := r.Subscribe("42", []string{" Airdrop ", "CLAIM", "", "  ", "airdrop"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if n != 2 {
		t.Fatalf("added = %d, want 2", n)
	}

	n, err = r.Subscribe("42", []string{"claim", "Bonus"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if n != 1 {
		t.Fatalf("added = %d, want 1 (claim already present)", n)
	}

	want := []string{"airdrop", "bonus", "claim"}
	if got := r.KeywordsFor("42"); !reflect.DeepEqual(got, want) {
		t.Fatalf("KeywordsFor = %v, want %v", got, want)
	}
	if got := st.snapshot()["42"]; !reflect.DeepEqual(got, want) {
		t.Fatalf("persisted = %v, want %v", got, want)
	}
}

func TestSubscribeRepeatAddsNothing(t *testing.T) {
	r := newTestRegistry(t, &memStore{})
	kws := []string{"airdrop", "claim", "bonus"}
	if n, _ := r.Subscribe("1", kws); n != 3 {
		t.Fatalf("first subscribe added %d, want 3", n)
	}
	if n, _ := r.Subscribe("1", kws); n != 0 {
		t.Fatalf("repeat subscribe added %d, want 0", n)
	}
}

func TestSubscribeThenUnsubscribeRemovesEntry(t *testing.T) {
	st := &memStore{}
	r := newTestRegistry(t, st)
	kws := []string{"Airdrop", "claim"}

	if _, err := r.Subscribe("7", kws); err != nil {
		t.Fatal(err)
	}
	n, err := r.Unsubscribe("7", kws)
	if err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if n != 2 {
		t.Fatalf("removed = %d, want 2", n)
	}
	if got := r.KeywordsFor("7"); len(got) != 0 {
		t.Fatalf("KeywordsFor = %v, want empty", got)
	}
	if _, ok := r.Snapshot()["7"]; ok {
		t.Fatal("entry still present in snapshot")
	}
	if _, ok := st.snapshot()["7"]; ok {
		t.Fatal("entry still present in storage")
	}
}

func TestUnsubscribeNoops(t *testing.T) {
	st := &memStore{}
	r := newTestRegistry(t, st)

	if n, err := r.Unsubscribe("missing", []string{"x"}); n != 0 || err != nil {
		t.Fatalf("unknown subscriber: got %d, %v", n, err)
	}
	_, _ = r.Subscribe("1", []string{"a"})
	saves := st.saves
	if n, err := r.Unsubscribe("1", []string{"b"}); n != 0 || err != nil {
		t.Fatalf("absent keyword: got %d, %v", n, err)
	}
	if st.saves != saves {
		t.Fatalf("no-op unsubscribe rewrote storage")
	}
	if got := r.KeywordsFor("1"); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("KeywordsFor = %v", got)
	}
}

func TestUnsubscribePartial(t *testing.T) {
	r := newTestRegistry(t, &memStore{})
	_, _ = r.Subscribe("1", []string{"a", "b", "c"})
	if n, _ := r.Unsubscribe("1", []string{"A", "z"}); n != 1 {
		t.Fatalf("removed = %d, want 1", n)
	}
	if got := r.KeywordsFor("1"); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("KeywordsFor = %v", got)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	st := &memStore{}
	r := newTestRegistry(t, st)
	_, _ = r.Subscribe("1", []string{"a"})
	_, _ = r.Subscribe("2", []string{"b"})

	if err := r.Clear("1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := r.Clear("1"); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
	if err := r.Clear("nobody"); err != nil {
		t.Fatalf("Clear unknown: %v", err)
	}
	want := Snapshot{"2": {"b"}}
	if got := r.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Snapshot = %v, want %v", got, want)
	}
}

func TestReadsDoNotAliasState(t *testing.T) {
	r := newTestRegistry(t, &memStore{})
	_, _ = r.Subscribe("1", []string{"a", "b"})

	kws := r.KeywordsFor("1")
	kws[0] = "mutated"
	snap := r.Snapshot()
	snap["1"][1] = "mutated"
	snap["2"] = []string{"injected"}

	want := Snapshot{"1": {"a", "b"}}
	if got := r.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("registry mutated through a read: %v", got)
	}
	if got := r.KeywordsFor("missing"); got == nil || len(got) != 0 {
		t.Fatalf("KeywordsFor(missing) = %#v, want empty non-nil", got)
	}
}

func TestSnapshotIsPointInTime(t *testing.T) {
	r := newTestRegistry(t, &memStore{})
	_, _ = r.Subscribe("1", []string{"a"})
	snap := r.Snapshot()
	_, _ = r.Subscribe("1", []string{"b"})
	_, _ = r.Subscribe("2", []string{"c"})

	if !reflect.DeepEqual(snap, Snapshot{"1": {"a"}}) {
		t.Fatalf("snapshot changed after later mutations: %v", snap)
	}
}

func TestPersistFailureKeepsMutation(t *testing.T) {
	st := &memStore{}
	r := newTestRegistry(t, st)
	st.setSaveErr(errors.New("disk full"))

	n, err := r.Subscribe("1", []string{"a"})
	if n != 1 {
		t.Fatalf("added = %d, want 1", n)
	}
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
	if got := r.KeywordsFor("1"); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("mutation rolled back: %v", got)
	}

	// A later no-op command converges storage once the disk recovers.
	st.setSaveErr(nil)
	if n, err := r.Subscribe("1", []string{"a"}); n != 0 || err != nil {
		t.Fatalf("resync subscribe: %d, %v", n, err)
	}
	if got := st.snapshot(); !reflect.DeepEqual(got, storage.Subscriptions{"1": {"a"}}) {
		t.Fatalf("storage not resynced: %v", got)
	}
}

func TestLoadFailureStartsEmpty(t *testing.T) {
	r := newTestRegistry(t, &memStore{loadErr: storage.ErrCorrupt})
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
	if n, err := r.Subscribe("1", []string{"a"}); n != 1 || err != nil {
		t.Fatalf("Subscribe after failed load: %d, %v", n, err)
	}
}

func TestLoadNormalizesPersistedState(t *testing.T) {
	st := &memStore{data: storage.Subscriptions{
		"1":     {"Airdrop ", "airdrop", ""},
		"empty": {},
		"":      {"orphan"},
	}}
	r := newTestRegistry(t, st)
	want := Snapshot{"1": {"airdrop"}}
	if got := r.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Snapshot = %v, want %v", got, want)
	}
	if s := r.Stats(); s.Subscribers != 1 || s.Keywords != 1 {
		t.Fatalf("Stats = %+v", s)
	}
}

func TestDeletedStateFileBetweenRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "subscriptions.json")
	open := func() *Registry {
		st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("storage.Open: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		return newTestRegistry(t, st)
	}

	first := open()
	if _, err := first.Subscribe("1", []string{"airdrop"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove state: %v", err)
	}

	second := open()
	if second.Len() != 0 {
		t.Fatalf("expected empty registry after state deletion, got %v", second.Snapshot())
	}
	if n, err := second.Subscribe("2", []string{"claim"}); n != 1 || err != nil {
		t.Fatalf("Subscribe: %d, %v", n, err)
	}
	third := open()
	if got := third.KeywordsFor("2"); !reflect.DeepEqual(got, []string{"claim"}) {
		t.Fatalf("state not persisted across runs: %v", got)
	}
}

func TestConcurrentMutationsAndReads(t *testing.T) {
	r := newTestRegistry(t, &memStore{})
	ids := []string{"1", "2", "3", "4"}

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _ = r.Subscribe(id, []string{"a", "b"})
				_, _ = r.Unsubscribe(id, []string{"a"})
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				for sid, kws := range r.Snapshot() {
					if len(kws) == 0 {
						t.Errorf("snapshot contains empty entry %q", sid)
						return
					}
				}
				_ = r.KeywordsFor(id)
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		if got := r.KeywordsFor(id); !reflect.DeepEqual(got, []string{"b"}) {
			t.Fatalf("KeywordsFor(%s) = %v, want [b]", id, got)
		}
	}
}
