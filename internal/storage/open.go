package storage

import (
	"fmt"
	"strings"

	logx "overseer/pkg/logx"
)

type opener func(Config, logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"json":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the store selected by cfg.Driver ("file" when empty).
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Path = strings.TrimSpace(cfg.Path)
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage.path is required")
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" {
		name = "file"
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q", name)
	}
	st, err := open(cfg, log.With(logx.String("store", name)))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", name), logx.String("path", cfg.Path))
	return st, nil
}
