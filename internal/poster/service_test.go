package poster

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"boorubot/internal/booru"
	"boorubot/internal/hub"
	"boorubot/internal/sentlog"
	"boorubot/internal/settings"
	"boorubot/pkg/logx"
)

type fakeFetcher struct {
	mu      sync.Mutex
	rec     *booru.ImageRecord
	queries []booru.Query
}

func (f *fakeFetcher) FetchFresh(ctx context.Context, q booru.Query) (*booru.ImageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.rec == nil {
		return nil, nil
	}
	cp := *f.rec
	return &cp, nil
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *fakeFetcher) lastQuery() booru.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (f *fakeSender) SendImage(ctx context.Context, rec *booru.ImageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, rec.URL)
	return nil
}

func (f *fakeSender) sentURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fixture struct {
	svc    *Service
	fetch  *fakeFetcher
	sender *fakeSender
	sent   sentlog.Store
	st     *settings.Store
	hub    *hub.Hub
	events <-chan hub.Event
	unsub  func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	sent, err := sentlog.Open(sentlog.Config{Path: filepath.Join(dir, "sent.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sent log: %v", err)
	}
	t.Cleanup(func() { _ = sent.Close() })

	st := settings.NewStore(filepath.Join(dir, "settings.json"), settings.Defaults{IntervalMinutes: 60}, logx.Nop())
	if err := st.Load(); err != nil {
		t.Fatalf("load settings: %v", err)
	}

	fetch := &fakeFetcher{rec: &booru.ImageRecord{
		URL:      "https://cdn/pic.png",
		Author:   "artist",
		Tags:     []string{"safe"},
		PostedAt: "2026-08-30T12:00:00Z",
	}}
	sender := &fakeSender{}
	h := hub.New()
	events, unsub := h.Subscribe(32)
	t.Cleanup(unsub)

	svc := New(Config{}, fetch, sender, sent, st, h, logx.Nop())
	return &fixture{svc: svc, fetch: fetch, sender: sender, sent: sent, st: st, hub: h, events: events, unsub: unsub}
}

func (f *fixture) drainEvents() []hub.Event {
	var out []hub.Event
	for {
		select {
		case e := <-f.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func hasEvent(events []hub.Event, name string) bool {
	for _, e := range events {
		if e.Event == name {
			return true
		}
	}
	return false
}

func TestPostSuccessAppendsAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	f.svc.post(context.Background(), []string{"safe"})

	if got := f.sender.sentURLs(); len(got) != 1 || got[0] != "https://cdn/pic.png" {
		t.Fatalf("sent = %v", got)
	}
	if _, ok := f.sent.KnownURLs()["https://cdn/pic.png"]; !ok {
		t.Fatal("delivered image not recorded in sent log")
	}
	events := f.drainEvents()
	if !hasEvent(events, hub.EventNewImage) {
		t.Fatalf("no new_image event in %v", events)
	}
	if !hasEvent(events, hub.EventToast) {
		t.Fatalf("no toast event in %v", events)
	}
}

func TestPostDeliveryFailureNotAppended(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("telegram down")

	f.svc.post(context.Background(), []string{"safe"})

	if got := f.sent.Len(); got != 0 {
		t.Fatalf("sent log has %d records after failed delivery, want 0", got)
	}
	events := f.drainEvents()
	if hasEvent(events, hub.EventNewImage) {
		t.Fatal("new_image broadcast despite failed delivery")
	}
	if !hasEvent(events, hub.EventToast) {
		t.Fatal("expected an error toast")
	}
}

func TestPostNoFreshImage(t *testing.T) {
	f := newFixture(t)
	f.fetch.rec = nil

	f.svc.post(context.Background(), []string{"safe"})

	if got := f.sent.Len(); got != 0 {
		t.Fatalf("sent log has %d records, want 0", got)
	}
	if got := f.sender.sentURLs(); len(got) != 0 {
		t.Fatalf("sender called with %v", got)
	}
	events := f.drainEvents()
	if !hasEvent(events, hub.EventToast) {
		t.Fatal("expected a warning toast")
	}
}

func TestPostPassesExclusionsAndFilter(t *testing.T) {
	f := newFixture(t)
	if err := f.sent.Append(context.Background(), booru.ImageRecord{URL: "https://cdn/old.png"}); err != nil {
		t.Fatalf("seed sent log: %v", err)
	}
	id := 7
	if _, err := f.st.Apply(settings.Update{FilterID: &id}); err != nil {
		t.Fatalf("apply filter: %v", err)
	}

	f.svc.post(context.Background(), []string{"safe"})

	q := f.fetch.lastQuery()
	if _, ok := q.Exclude["https://cdn/old.png"]; !ok {
		t.Fatalf("exclusion set missing known URL: %v", q.Exclude)
	}
	if q.FilterID == nil || *q.FilterID != 7 {
		t.Fatalf("filter = %v, want 7", q.FilterID)
	}
}

func TestPostRandomGroupWhenNoOverride(t *testing.T) {
	f := newFixture(t)
	raw := "safe forest"
	if _, err := f.st.Apply(settings.Update{TagsRaw: &raw}); err != nil {
		t.Fatalf("apply tags: %v", err)
	}

	f.svc.post(context.Background(), nil)

	q := f.fetch.lastQuery()
	if len(q.Tags) != 2 || q.Tags[0] != "safe" || q.Tags[1] != "forest" {
		t.Fatalf("tags = %v, want the configured group", q.Tags)
	}
}

func TestStartPostsImmediately(t *testing.T) {
	f := newFixture(t)
	f.svc.tick = time.Hour // keep the cadence out of the way

	ctx := context.Background()
	f.svc.Start(ctx)
	defer f.svc.Stop(ctx)

	waitFor(t, func() bool { return f.fetch.calls() >= 1 })
	if got := f.sender.sentURLs(); len(got) != 1 {
		t.Fatalf("sent = %v, want one startup post", got)
	}
}

func TestPostNowEnqueues(t *testing.T) {
	f := newFixture(t)
	f.svc.tick = time.Hour

	ctx := context.Background()
	f.svc.Start(ctx)
	defer f.svc.Stop(ctx)

	waitFor(t, func() bool { return f.fetch.calls() >= 1 })
	before := f.fetch.calls()

	f.svc.PostNow([]string{"safe", "override"})
	waitFor(t, func() bool { return f.fetch.calls() > before })

	q := f.fetch.lastQuery()
	if len(q.Tags) != 2 || q.Tags[1] != "override" {
		t.Fatalf("tags = %v, want the override group", q.Tags)
	}
}

func TestCadenceFiresAndReschedules(t *testing.T) {
	f := newFixture(t)
	f.svc.tick = time.Millisecond // one "minute" is one millisecond

	interval := 2
	if _, err := f.st.Apply(settings.Update{IntervalMinutes: &interval}); err != nil {
		t.Fatalf("apply interval: %v", err)
	}
	// Drain the change signal so the loop starts with a clean slate.
	select {
	case <-f.st.Changed():
	default:
	}

	ctx := context.Background()
	f.svc.Start(ctx)
	defer f.svc.Stop(ctx)

	// Startup post plus at least one cadence-due post.
	waitFor(t, func() bool { return f.fetch.calls() >= 2 })
}

func TestSettingsChangeRecomputesNextRun(t *testing.T) {
	f := newFixture(t)
	f.svc.tick = time.Minute

	ctx := context.Background()
	f.svc.Start(ctx)
	defer f.svc.Stop(ctx)

	waitFor(t, func() bool { return !f.svc.NextRun().IsZero() })
	first := f.svc.NextRun()

	interval := 5
	if _, err := f.st.Apply(settings.Update{IntervalMinutes: &interval}); err != nil {
		t.Fatalf("apply interval: %v", err)
	}

	// The cadence wait aborts and recomputes from the new interval, pulling
	// the due time well before the original 60-minute horizon.
	waitFor(t, func() bool {
		nr := f.svc.NextRun()
		return !nr.Equal(first) && nr.Before(first)
	})
}

func TestStopIsCleanAndIdempotent(t *testing.T) {
	f := newFixture(t)
	f.svc.tick = time.Hour

	ctx := context.Background()
	f.svc.Start(ctx)
	waitFor(t, func() bool { return f.fetch.calls() >= 1 })

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	f.svc.Stop(stopCtx)
	f.svc.Stop(stopCtx)

	// After stop, PostNow drops silently.
	f.svc.PostNow(nil)
	time.Sleep(20 * time.Millisecond)
	if got := f.fetch.calls(); got != 1 {
		t.Fatalf("fetch calls after stop = %d, want 1", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
