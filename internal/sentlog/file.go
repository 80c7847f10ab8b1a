package sentlog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"boorubot/internal/booru"
	"boorubot/internal/metrics"
	"boorubot/pkg/logx"
)

// fileStore keeps the record sequence in memory and mirrors it to a JSON
// array file. Rewrites happen on a single background goroutine so Append
// never blocks the posting path on disk I/O; Close flushes pending writes.
type fileStore struct {
	path string
	log  logx.Logger

	mu      sync.Mutex
	records []booru.ImageRecord
	known   map[string]struct{}
	closed  bool

	kick chan struct{} // capacity 1; coalesces persist requests
	done chan struct{}
	wg   sync.WaitGroup
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		path = "./sent_images.json"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		path:  path,
		log:   log,
		known: map[string]struct{}{},
		kick:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	s.load()
	metrics.SentRecords.Set(float64(len(s.records)))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.persistLoop()
	}()
	return s, nil
}

// load reads the persisted array. Malformed entries are skipped one by one;
// a malformed file degrades to an empty store.
func (s *fileStore) load() {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("sent log unreadable; starting empty", logx.String("path", s.path), logx.Err(err))
		}
		return
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		s.log.Warn("sent log malformed; starting empty", logx.String("path", s.path), logx.Err(err))
		return
	}

	skipped := 0
	for _, item := range raw {
		var rec booru.ImageRecord
		if err := json.Unmarshal(item, &rec); err != nil || rec.URL == "" {
			skipped++
			continue
		}
		if _, dup := s.known[rec.URL]; dup {
			continue
		}
		s.known[rec.URL] = struct{}{}
		s.records = append(s.records, rec)
	}
	if skipped > 0 {
		s.log.Warn("sent log entries skipped", logx.Int("skipped", skipped))
	}
	s.log.Debug("sent log loaded", logx.Int("records", len(s.records)))
}

func (s *fileStore) KnownURLs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string]struct{}, len(s.known))
	for k := range s.known {
		snap[k] = struct{}{}
	}
	return snap
}

func (s *fileStore) Append(ctx context.Context, rec booru.ImageRecord) error {
	_ = ctx
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

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

func (s *fileStore) Recent(limit int) []booru.ImageRecord {
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

func (s *fileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return nil
}

func (s *fileStore) persistLoop() {
	for {
		select {
		case <-s.kick:
			s.persist()
		case <-s.done:
			// Final flush covers any append racing with shutdown.
			select {
			case <-s.kick:
				s.persist()
			default:
			}
			return
		}
	}
}

// persist rewrites the whole file atomically (tmp + rename). Errors are
// logged, never propagated: the in-memory append already happened and the
// record counts as sent.
func (s *fileStore) persist() {
	s.mu.Lock()
	snap := make([]booru.ImageRecord, len(s.records))
	copy(snap, s.records)
	s.mu.Unlock()

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		s.log.Error("sent log marshal failed", logx.Err(err))
		return
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		s.log.Error("sent log write failed", logx.String("path", tmp), logx.Err(err))
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Error("sent log rename failed", logx.String("path", s.path), logx.Err(err))
	}
}
