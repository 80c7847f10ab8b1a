// Package booru talks to a Derpibooru-style image search API and turns its
// paginated, relevance-ranked output into a single "fresh image" answer.
package booru

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"boorubot/internal/metrics"
	"boorubot/pkg/logx"
)

type Config struct {
	SearchURL string
	Token     string

	PerPage     int           // default 50
	MaxAttempts int           // default 6
	BackoffBase time.Duration // default 1s
	BackoffMax  time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.PerPage <= 0 {
		c.PerPage = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 6
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// Query is one logical search request.
type Query struct {
	Tags     []string
	FilterID *int
	// Exclude holds delivery URLs that must not be returned again.
	// Treated as a point-in-time snapshot owned by the caller.
	Exclude map[string]struct{}
}

type Client struct {
	mu  sync.Mutex
	cfg Config

	http *http.Client
	log  logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	now func() time.Time
}

func New(cfg Config, log logx.Logger) *Client {
	return &Client{
		cfg:  cfg.withDefaults(),
		http: &http.Client{Timeout: 20 * time.Second},
		log:  log,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		now:  time.Now,
	}
}

// Apply swaps the remote endpoint/token at runtime (config hot reload).
func (c *Client) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

// FetchFresh runs one logical search and returns the first shuffled candidate
// whose delivery URL is not excluded, or (nil, nil) when the page holds no
// fresh image. Transient remote failures (429/5xx/transport errors) are
// retried with exponential backoff; exhausting the attempt budget degrades to
// (nil, nil) rather than an error. The only error returned is a cancelled or
// expired context.
func (c *Client) FetchFresh(ctx context.Context, q Query) (*ImageRecord, error) {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	reqURL, err := c.searchURL(cfg, q)
	if err != nil {
		c.log.Error("invalid search url", logx.String("url", cfg.SearchURL), logx.Err(err))
		return nil, nil
	}

	backoff := cfg.BackoffBase
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			metrics.FetchRetries.Inc()
		}

		rec, retry := c.tryOnce(ctx, reqURL, q.Exclude)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retry {
			return rec, nil
		}

		if attempt == cfg.MaxAttempts {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		backoff *= 2
		if backoff > cfg.BackoffMax {
			backoff = cfg.BackoffMax
		}
	}

	c.log.Warn("search retries exhausted", logx.Strs("tags", q.Tags), logx.Int("attempts", cfg.MaxAttempts))
	return nil, nil
}

// tryOnce performs a single HTTP attempt. retry=true means the failure was
// transient and the caller should back off and try again.
func (c *Client) tryOnce(ctx context.Context, reqURL string, exclude map[string]struct{}) (rec *ImageRecord, retry bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		c.log.Error("building search request", logx.Err(err))
		return nil, false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("search request failed", logx.Err(err))
		return nil, true
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		// handled below
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		c.log.Warn("search got transient status", logx.Int("status", resp.StatusCode))
		return nil, true
	default:
		c.log.Warn("search got non-retryable status", logx.Int("status", resp.StatusCode))
		return nil, false
	}

	var payload searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&payload); err != nil {
		c.log.Warn("search response malformed", logx.Err(err))
		return nil, false
	}

	return c.pickFresh(payload.Images, exclude), false
}

// pickFresh shuffles the page and scans for the first non-excluded candidate.
// The API's natural ordering is a relevance ranking, not a selection proxy,
// so the shuffle happens before the first-match scan.
func (c *Client) pickFresh(images []searchImage, exclude map[string]struct{}) *ImageRecord {
	c.rngMu.Lock()
	c.rng.Shuffle(len(images), func(i, j int) {
		images[i], images[j] = images[j], images[i]
	})
	c.rngMu.Unlock()

	for _, img := range images {
		u := img.deliveryURL()
		if u == "" {
			continue
		}
		if _, seen := exclude[u]; seen {
			continue
		}
		tags := img.Tags
		if tags == nil {
			tags = []string{}
		}
		return &ImageRecord{
			URL:      u,
			Author:   img.Uploader,
			Source:   img.ViewURL,
			Tags:     tags,
			PostedAt: c.now().UTC().Format(time.RFC3339),
		}
	}
	return nil
}

func (c *Client) searchURL(cfg Config, q Query) (string, error) {
	u, err := url.Parse(cfg.SearchURL)
	if err != nil {
		return "", err
	}
	vals := url.Values{}
	vals.Set("q", strings.Join(q.Tags, " "))
	vals.Set("per_page", strconv.Itoa(cfg.PerPage))
	vals.Set("page", "1")
	if cfg.Token != "" {
		vals.Set("key", cfg.Token)
	}
	if q.FilterID != nil {
		vals.Set("filter_id", strconv.Itoa(*q.FilterID))
	}
	u.RawQuery = vals.Encode()
	return u.String(), nil
}
