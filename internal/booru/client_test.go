package booru

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"boorubot/pkg/logx"
)

func fastConfig(searchURL string) Config {
	return Config{
		SearchURL:   searchURL,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}
}

const pageJSON = `{"images": [
	{"representations": {"large": "https://cdn/l1", "medium": "https://cdn/m1"}, "uploader": "one", "view_url": "https://site/1", "tags": ["safe"]},
	{"representations": {"large": "https://cdn/l2"}, "uploader": "two", "view_url": "https://site/2", "tags": ["safe", "cute"]}
]}`

func TestFetchFreshPicksNonExcluded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "safe cute" {
			t.Errorf("q = %q, want %q", got, "safe cute")
		}
		w.Write([]byte(pageJSON))
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL), logx.Nop())
	rec, err := c.FetchFresh(context.Background(), Query{
		Tags:    []string{"safe", "cute"},
		Exclude: map[string]struct{}{"https://cdn/l1": {}},
	})
	if err != nil {
		t.Fatalf("FetchFresh: %v", err)
	}
	if rec == nil || rec.URL != "https://cdn/l2" {
		t.Fatalf("rec = %+v, want the non-excluded candidate", rec)
	}
	if rec.Author != "two" || rec.Source != "https://site/2" {
		t.Fatalf("metadata mismatch: %+v", rec)
	}
	if rec.PostedAt == "" {
		t.Fatal("PostedAt not set")
	}
}

func TestFetchFreshAllExcluded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(pageJSON))
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL), logx.Nop())
	rec, err := c.FetchFresh(context.Background(), Query{
		Tags: []string{"safe"},
		Exclude: map[string]struct{}{
			"https://cdn/l1": {},
			"https://cdn/l2": {},
		},
	})
	if err != nil {
		t.Fatalf("FetchFresh: %v", err)
	}
	if rec != nil {
		t.Fatalf("rec = %+v, want nil when everything is excluded", rec)
	}
}

func TestFetchFreshRetriesTransient(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(pageJSON))
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL), logx.Nop())
	rec, err := c.FetchFresh(context.Background(), Query{Tags: []string{"safe"}})
	if err != nil {
		t.Fatalf("FetchFresh: %v", err)
	}
	if rec == nil {
		t.Fatal("rec = nil, want recovery after transient failures")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestFetchFreshExhaustionIsNoResult(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL), logx.Nop())
	rec, err := c.FetchFresh(context.Background(), Query{Tags: []string{"safe"}})
	if err != nil {
		t.Fatalf("FetchFresh: %v", err)
	}
	if rec != nil {
		t.Fatalf("rec = %+v, want nil after exhaustion", rec)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want attempt budget of 3", got)
	}
}

func TestFetchFreshNonRetryableStatus(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL), logx.Nop())
	rec, err := c.FetchFresh(context.Background(), Query{Tags: []string{"safe"}})
	if err != nil {
		t.Fatalf("FetchFresh: %v", err)
	}
	if rec != nil {
		t.Fatalf("rec = %+v, want nil on a client error", rec)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want no retries on 4xx", got)
	}
}

func TestFetchFreshMalformedBody(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("{truncated"))
	}))
	defer srv.Close()

	c := New(fastConfig(srv.URL), logx.Nop())
	rec, err := c.FetchFresh(context.Background(), Query{Tags: []string{"safe"}})
	if err != nil {
		t.Fatalf("FetchFresh: %v", err)
	}
	if rec != nil {
		t.Fatalf("rec = %+v, want nil for malformed payload", rec)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want no retries on malformed body", got)
	}
}

func TestFetchFreshContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.BackoffBase = time.Minute
	c := New(cfg, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.FetchFresh(ctx, Query{Tags: []string{"safe"}})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSearchURLParams(t *testing.T) {
	c := New(Config{SearchURL: "https://example.org/search", Token: "secret", PerPage: 25}, logx.Nop())
	fid := 2
	got, err := c.searchURL(c.cfg, Query{Tags: []string{"safe", "cute"}, FilterID: &fid})
	if err != nil {
		t.Fatalf("searchURL: %v", err)
	}
	want := "https://example.org/search?filter_id=2&key=secret&page=1&per_page=25&q=safe+cute"
	if got != want {
		t.Fatalf("url = %q, want %q", got, want)
	}
}

func TestRepresentationPreference(t *testing.T) {
	cases := []struct {
		name string
		reps map[string]string
		want string
	}{
		{"large preferred", map[string]string{"large": "L", "full": "F", "medium": "M"}, "L"},
		{"full fallback", map[string]string{"full": "F", "medium": "M"}, "F"},
		{"medium fallback", map[string]string{"medium": "M"}, "M"},
		{"nothing usable", map[string]string{"thumb": "T"}, ""},
		{"no representations", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			img := searchImage{Representations: tc.reps}
			if got := img.deliveryURL(); got != tc.want {
				t.Fatalf("deliveryURL = %q, want %q", got, tc.want)
			}
		})
	}
}
