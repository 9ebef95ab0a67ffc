// Package storage is the dedup store: the durable record of every entry that
// passed classification, and the only state that survives across poll cycles.
//
// Drivers:
//   - "memory": process-local, for tests and dry runs
//   - "file": JSON Lines journal + snapshot, fsynced on every write
//   - "sqlite": modernc.org/sqlite with embedded migrations
//   - "postgres": jackc/pgx pool
//
// Admission is atomic per id. Re-admitting a known id is a no-op that reports
// false, never an error.
package storage
