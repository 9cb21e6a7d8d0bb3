// Package storage provides the key-value persistence layer used by userscriptd.
//
// Scripts, schedules, armed alarms and history snapshots are stored as JSON
// values under string keys. No transactionality across keys is assumed.
//
// Drivers:
//   - "memory": in-process map (tests, ephemeral runs)
//   - "file":   snapshot + append-only journal
//   - "sqlite": SQLite database file (modernc.org/sqlite, cgo-free)
package storage
