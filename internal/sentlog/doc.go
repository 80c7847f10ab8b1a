// Package sentlog persists the append-only log of delivered images.
//
// The log is the bot's dedup memory: a record's delivery URL is its identity,
// and appending a URL the store already knows is a silent no-op. Two drivers
// are available:
//   - "file": a human-readable JSON array, rewritten atomically off the
//     posting path (matches the format earlier deployments used)
//   - "sqlite": a WAL-mode SQLite database
//
// Both drivers keep the full record sequence in memory; the driver only
// decides how state is loaded at startup and made durable afterwards.
package sentlog
