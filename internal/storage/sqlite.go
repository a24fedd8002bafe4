package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"sync/atomic"

	_ "modernc.org/sqlite"

	logx "overseer/pkg/logx"
)

//go:embed migrations.sql
var schemaV1 string

// schema is applied in order; PRAGMA user_version records how far a database got.
var schema = []string{schemaV1}

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	closed atomic.Bool
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if err := ensureParentDir(cfg.Path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", sqliteDSN(cfg))
	if err != nil {
		return nil, err
	}
	// one connection: the pragmas in the DSN apply per connection and SQLite
	// serializes writers anyway
	db.SetMaxOpenConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite %s: %w", cfg.Path, err)
	}
	return st, nil
}

func sqliteDSN(cfg Config) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	if ms := cfg.BusyTimeout.Milliseconds(); ms > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", ms))
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return err
	}
	if version > len(schema) {
		return fmt.Errorf("database schema version %d is newer than this build (%d)", version, len(schema))
	}
	for i := version; i < len(schema); i++ {
		if _, err := s.db.ExecContext(ctx, schema[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return err
		}
		s.log.Info("sqlite schema migrated", logx.Int("version", i+1))
	}
	return nil
}

func (s *sqliteStore) LoadSubscriptions(ctx context.Context) (Subscriptions, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return loadRows(ctx, s.db)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadRows(ctx context.Context, q querier) (Subscriptions, error) {
	rows, err := q.QueryContext(ctx, `SELECT subscriber_id, keyword FROM subscriptions ORDER BY subscriber_id, keyword`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := Subscriptions{}
	for rows.Next() {
		var id, kw string
		if err := rows.Scan(&id, &kw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		out[id] = append(out[id], kw)
	}
	return out, rows.Err()
}

type row struct{ id, kw string }

func rowSet(subs Subscriptions) map[row]struct{} {
	set := make(map[row]struct{})
	for id, kws := range subs {
		for _, kw := range kws {
			set[row{id, kw}] = struct{}{}
		}
	}
	return set
}

// SaveSubscriptions makes the table equal to subs, touching only the rows
// that differ.
func (s *sqliteStore) SaveSubscriptions(ctx context.Context, subs Subscriptions) error {
	if s.closed.Load() {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := loadRows(ctx, tx)
	if err != nil {
		return err
	}
	have, want := rowSet(current), rowSet(subs)

	var added, removed int
	for r := range have {
		if _, ok := want[r]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE subscriber_id = ? AND keyword = ?`, r.id, r.kw); err != nil {
			return err
		}
		removed++
	}
	for r := range want {
		if _, ok := have[r]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO subscriptions(subscriber_id, keyword) VALUES(?, ?)`, r.id, r.kw); err != nil {
			return err
		}
		added++
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Debug("subscriptions saved", logx.Int("added", added), logx.Int("removed", removed))
	return nil
}

func (s *sqliteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
