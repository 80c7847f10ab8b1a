package settings

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"boorubot/pkg/logx"
)

// Defaults seeds a fresh store before anything is loaded from disk.
type Defaults struct {
	IntervalMinutes int
	FilterID        *int
}

// Update is a partial settings change. Nil fields leave the current value in
// place; each field validates independently, so one bad field never blocks
// the others.
type Update struct {
	TagsRaw         *string
	IntervalMinutes *int
	FilterID        *int
	ClearFilter     bool
}

// Store owns the current settings snapshot, persists changes, and exposes a
// change signal the scheduler waits on.
type Store struct {
	path string
	log  logx.Logger

	mu  sync.Mutex
	cur Settings
	rng *rand.Rand

	changed chan struct{} // capacity 1; coalescing
}

func NewStore(path string, def Defaults, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	interval := def.IntervalMinutes
	if interval < 1 {
		interval = 60
	}
	return &Store{
		path: path,
		log:  log,
		cur: Settings{
			TagGroups:       cloneGroups(DefaultTagGroups),
			IntervalMinutes: interval,
			FilterID:        def.FilterID,
		},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		changed: make(chan struct{}, 1),
	}
}

// Load reads the persisted snapshot. A missing file writes the defaults; an
// unparseable file logs, keeps the in-memory defaults, and rewrites the file
// so it self-heals. The returned error is a persist failure only, which
// matters at bootstrap (an unwritable store is fatal at startup).
func (s *Store) Load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("settings unreadable; using defaults", logx.String("path", s.path), logx.Err(err))
		}
		return s.persist()
	}

	var raw rawSettings
	if err := json.Unmarshal(b, &raw); err != nil {
		s.log.Warn("settings malformed; using defaults", logx.String("path", s.path), logx.Err(err))
		return s.persist()
	}

	s.mu.Lock()
	if groups := normalizeTags(raw.Tags); len(groups) > 0 {
		s.cur.TagGroups = groups
	}
	var interval int
	if err := json.Unmarshal(raw.IntervalMinutes, &interval); err == nil && interval >= 1 {
		s.cur.IntervalMinutes = interval
	}
	if len(raw.FilterID) > 0 {
		var fid *int
		if err := json.Unmarshal(raw.FilterID, &fid); err == nil {
			s.cur.FilterID = fid
		}
	}
	s.mu.Unlock()

	// Write back so normalization fixes stay on disk.
	return s.persist()
}

// Current returns an immutable snapshot.
func (s *Store) Current() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.Clone()
}

// Apply validates and applies a partial update, persists the result
// synchronously, signals the change, and returns the new snapshot. A persist
// failure is returned alongside the (already applied) snapshot.
func (s *Store) Apply(u Update) (Settings, error) {
	s.mu.Lock()
	if u.TagsRaw != nil {
		if groups := ParseTagLines(*u.TagsRaw); len(groups) > 0 {
			s.cur.TagGroups = groups
		}
		// Zero parsed groups leaves the existing configuration untouched:
		// an operator can never wipe the tag list with bad input.
	}
	if u.IntervalMinutes != nil && *u.IntervalMinutes >= 1 {
		s.cur.IntervalMinutes = *u.IntervalMinutes
	}
	if u.ClearFilter {
		s.cur.FilterID = nil
	} else if u.FilterID != nil {
		v := *u.FilterID
		s.cur.FilterID = &v
	}
	snap := s.cur.Clone()
	s.mu.Unlock()

	err := s.persist()
	s.notify()
	return snap, err
}

// Changed exposes the coalescing change signal. The scheduler's wait loop
// selects on it to recompute the next due time immediately.
func (s *Store) Changed() <-chan struct{} { return s.changed }

// Notify signals a change without modifying settings (used by "post now"-
// adjacent surfaces that alter scheduling indirectly).
func (s *Store) Notify() { s.notify() }

func (s *Store) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// PickRandomGroup selects one tag group uniformly. An empty configuration
// returns nil, which callers treat as "nothing to search for".
func (s *Store) PickRandomGroup() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cur.TagGroups) == 0 {
		return nil
	}
	g := s.cur.TagGroups[s.rng.Intn(len(s.cur.TagGroups))]
	return append([]string(nil), g...)
}

func (s *Store) persist() error {
	s.mu.Lock()
	snap := s.cur.Clone()
	s.mu.Unlock()

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
