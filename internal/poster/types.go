package poster

import (
	"context"
	"time"

	"boorubot/internal/booru"
)

type Config struct {
	QueueSize int // default 16
}

// Fetcher resolves one fresh image for a tag group, or (nil, nil) when the
// remote has nothing new to offer.
type Fetcher interface {
	FetchFresh(ctx context.Context, q booru.Query) (*booru.ImageRecord, error)
}

// Sender delivers a fetched image downstream.
type Sender interface {
	SendImage(ctx context.Context, rec *booru.ImageRecord) error
}

// job is one queued post attempt. Nil tags means "pick a random group from
// the current settings when the job runs", so an explicit trigger enqueued
// before a settings change still posts with the freshest configuration.
type job struct {
	tags []string
}

// StatusPayload is broadcast on every wait cycle.
type StatusPayload struct {
	NextRunAt       string `json:"next_run_at"`
	IntervalMinutes int    `json:"interval_minutes"`
}

func statusPayload(next time.Time, interval int) StatusPayload {
	return StatusPayload{
		NextRunAt:       next.UTC().Format(time.RFC3339),
		IntervalMinutes: interval,
	}
}
