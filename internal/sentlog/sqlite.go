package sentlog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"boorubot/internal/booru"
	"boorubot/internal/metrics"
	"boorubot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore mirrors the in-memory sequence into a sqlite table. Inserts are
// synchronous (they are cheap next to the delivery round-trip) but insert
// failures are logged, not propagated, keeping the same at-least-delivered
// semantics as the file driver.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	mu      sync.Mutex
	records []booru.ImageRecord
	known   map[string]struct{}
	closed  bool
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sentlog: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &sqliteStore{db: db, log: log, known: map[string]struct{}{}}

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.load(context.Background()); err != nil {
		// Same tolerant-load semantics as the file driver.
		s.log.Warn("sent log load failed; starting empty", logx.Err(err))
		s.records = nil
		s.known = map[string]struct{}{}
	}
	metrics.SentRecords.Set(float64(len(s.records)))
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url, author, source, tags, posted_at FROM sent_images ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var rec booru.ImageRecord
		var author, source, tags, postedAt sql.NullString
		if err := rows.Scan(&rec.URL, &author, &source, &tags, &postedAt); err != nil {
			s.log.Warn("sent log row skipped", logx.Err(err))
			continue
		}
		rec.Author = author.String
		rec.Source = source.String
		rec.PostedAt = postedAt.String
		rec.Tags = []string{}
		if tags.Valid && tags.String != "" {
			_ = json.Unmarshal([]byte(tags.String), &rec.Tags)
		}
		if rec.URL == "" {
			continue
		}
		if _, dup := s.known[rec.URL]; dup {
			continue
		}
		s.known[rec.URL] = struct{}{}
		s.records = append(s.records, rec)
	}
	return rows.Err()
}

func (s *sqliteStore) KnownURLs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string]struct{}, len(s.known))
	for k := range s.known {
		snap[k] = struct{}{}
	}
	return snap
}

func (s *sqliteStore) Append(ctx context.Context, rec booru.ImageRecord) error {
	if rec.URL == "" {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, dup := s.known[rec.URL]; dup {
		s.mu.Unlock()
		return nil
	}
	s.known[rec.URL] = struct{}{}
	s.records = append(s.records, rec)
	n := len(s.records)
	s.mu.Unlock()

	metrics.SentRecords.Set(float64(n))

	tags, _ := json.Marshal(rec.Tags)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_images(url, author, source, tags, posted_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(url) DO NOTHING`,
		rec.URL, nullStr(rec.Author), nullStr(rec.Source), string(tags), rec.PostedAt)
	if err != nil {
		s.log.Error("sent log insert failed", logx.String("url", rec.URL), logx.Err(err))
	}
	return nil
}

func (s *sqliteStore) Recent(limit int) []booru.ImageRecord {
	limit = clampRecent(limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]booru.ImageRecord, 0, limit)
	for i := len(s.records) - 1; i >= len(s.records)-limit; i-- {
		out = append(out, s.records[i])
	}
	return out
}

func (s *sqliteStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
