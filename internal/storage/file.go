package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "overseer/pkg/logx"
)

// fileStore keeps the registry in one pretty-printed JSON object:
//
//	{
//	  "-1001234": ["airdrop", "claim"]
//	}
//
// Writes go to <path>.tmp and are renamed over <path>, so a crash mid-write
// never leaves a truncated document behind. The file is safe to hand-edit
// while the process is stopped.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := filepath.Clean(strings.TrimSpace(cfg.Path))
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path}, nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *fileStore) LoadSubscriptions(ctx context.Context) (Subscriptions, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Subscriptions{}, ensureParentDir(s.path)
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return Subscriptions{}, nil
	}

	var out Subscriptions
	if err := json.Unmarshal(b, &out); err != nil {
		s.quarantineLocked()
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	if out == nil {
		out = Subscriptions{}
	}
	return out, nil
}

// quarantineLocked moves an unparseable document aside so the next save
// does not overwrite whatever the operator was editing.
func (s *fileStore) quarantineLocked() {
	dst := s.path + ".corrupt"
	if err := os.Rename(s.path, dst); err != nil {
		s.log.Warn("could not move corrupt subscriptions file aside", logx.String("path", s.path), logx.Err(err))
		return
	}
	s.log.Warn("corrupt subscriptions file moved aside", logx.String("path", s.path), logx.String("moved_to", dst))
}

func (s *fileStore) SaveSubscriptions(ctx context.Context, subs Subscriptions) error {
	_ = ctx
	b, err := marshalSubscriptions(subs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := ensureParentDir(s.path); err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// marshalSubscriptions renders a stable document: keys are sorted by
// encoding/json, keywords are sorted here.
func marshalSubscriptions(subs Subscriptions) ([]byte, error) {
	norm := make(map[string][]string, len(subs))
	for id, kws := range subs {
		cp := append([]string(nil), kws...)
		sort.Strings(cp)
		norm[id] = cp
	}
	b, err := json.MarshalIndent(norm, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
