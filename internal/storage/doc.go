// Package storage persists task run history.
//
// Schedules themselves are never stored; they come from configuration on
// every start. Two backends exist:
//   - "file": append-only JSON Lines, compacted when a retention is set
//   - "sqlite": a single SQLite file (modernc.org/sqlite, no cgo)
package storage
