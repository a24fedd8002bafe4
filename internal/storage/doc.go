// Package storage persists the subscription registry.
//
// Two drivers are available:
//   - "file": a single human-readable JSON document, rewritten atomically
//   - "sqlite": a SQLite database (modernc.org/sqlite, no cgo)
package storage
