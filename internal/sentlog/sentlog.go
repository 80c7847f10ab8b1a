package sentlog

import (
	"context"
	"errors"
	"strings"
	"time"

	"boorubot/internal/booru"
	"boorubot/pkg/logx"
)

// MaxRecent bounds Recent() payloads regardless of the caller-supplied limit.
const MaxRecent = 200

var ErrClosed = errors.New("sentlog: store closed")

// Store is the dedup log API used by the poster and the web layer.
type Store interface {
	// KnownURLs returns a point-in-time snapshot of known identity URLs,
	// safe to read concurrently with an in-progress Append.
	KnownURLs() map[string]struct{}

	// Append records a delivered image. Appending an already-known URL has
	// no effect and returns nil. The in-memory update is synchronous;
	// durability may lag but completes before Close returns.
	Append(ctx context.Context, rec booru.ImageRecord) error

	// Recent returns up to limit records, most recent first.
	// The limit is clamped to MaxRecent.
	Recent(limit int) []booru.ImageRecord

	Len() int
	Close() error
}

// Config selects and configures the persistence driver.
//
// Driver values:
//   - "" or "file": JSON array file (default)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open loads the configured store. Unreadable or malformed persisted state
// degrades to an empty store; only an unusable backing file (e.g. an
// unwritable sqlite path) is an error.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file", "json":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("sentlog: unknown driver: " + cfg.Driver)
	}
}

func clampRecent(limit int) int {
	if limit <= 0 {
		return 0
	}
	if limit > MaxRecent {
		return MaxRecent
	}
	return limit
}
