package poster

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"boorubot/internal/booru"
	"boorubot/internal/hub"
	"boorubot/internal/metrics"
	"boorubot/internal/sentlog"
	"boorubot/internal/settings"
	"boorubot/pkg/logx"
)

type Service struct {
	cfg Config
	log logx.Logger

	fetch    Fetcher
	sender   Sender
	sent     sentlog.Store
	settings *settings.Store
	hub      *hub.Hub

	mu        sync.Mutex
	queue     chan *job
	stopCh    chan struct{}
	runCancel context.CancelFunc
	stopDone  chan struct{}
	wg        sync.WaitGroup

	nextMu  sync.Mutex
	nextRun time.Time

	// tick is the cadence unit (a minute); shortened in tests.
	tick time.Duration
	now  func() time.Time
}

func New(cfg Config, fetch Fetcher, sender Sender, sent sentlog.Store, st *settings.Store, h *hub.Hub, log logx.Logger) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		fetch:    fetch,
		sender:   sender,
		sent:     sent,
		settings: st,
		hub:      h,
		tick:     time.Minute,
		now:      time.Now,
	}
}

// Start launches the cadence loop and the worker, then enqueues one
// unconditional initial post.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.queue = make(chan *job, s.cfg.QueueSize)
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	// Local captures prevent races if fields are nilled during Stop().
	stopCh := s.stopCh
	queue := s.queue

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in cadence loop", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		s.cadenceLoop(runCtx, stopCh, queue)
	}()
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in post worker", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		s.worker(runCtx, stopCh, queue)
	}()
	s.mu.Unlock()

	s.PostNow(nil)
	s.log.Info("poster started", logx.Int("queue_cap", s.cfg.QueueSize))
}

// Stop wakes both loops and waits for them to finish. In-flight network
// calls are allowed to complete or time out; nothing is forcibly aborted
// beyond the run context cancellation.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	queue := s.queue
	s.runCancel = nil
	s.mu.Unlock()

	// Closed stop channel doubles as the worker's wake-up sentinel: it wins
	// the select even when the queue still holds jobs.
	close(stopCh)
	if cancel != nil {
		cancel()
	}
	// Best-effort sentinel in case the worker is mid-receive on the queue.
	select {
	case queue <- nil:
	default:
	}

	go func() {
		s.wg.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("poster stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// PostNow enqueues an immediate post attempt without disturbing the cadence
// cycle. A nil tag group means "random pick at execution time". Repeated
// calls each enqueue one job; jobs are never coalesced.
func (s *Service) PostNow(tags []string) {
	s.mu.Lock()
	q := s.queue
	stopCh := s.stopCh
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("poster not running; dropping job")
		return
	}
	select {
	case <-stopCh:
		s.log.Debug("poster stopping; dropping job")
	case q <- &job{tags: tags}:
	default:
		s.log.Warn("post queue full; dropping job", logx.Int("queue_cap", cap(q)))
	}
}

// NextRun reports the currently scheduled due time (zero before the first
// cycle). It is recomputed every cycle and not persisted.
func (s *Service) NextRun() time.Time {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	return s.nextRun
}

func (s *Service) setNextRun(t time.Time) {
	s.nextMu.Lock()
	s.nextRun = t
	s.nextMu.Unlock()
}

// cadenceLoop computes the next due time from the settings snapshot at the
// moment each wait begins, then blocks until the wait elapses or a settings
// change aborts it. A change restarts the wait with a fresh due time, which
// is how a live cadence edit takes effect without waiting out the old
// interval.
func (s *Service) cadenceLoop(ctx context.Context, stopCh <-chan struct{}, queue chan<- *job) {
	changed := s.settings.Changed()
	for {
		snap := s.settings.Current()
		interval := snap.IntervalMinutes
		if interval < 1 {
			interval = 1
		}
		next := s.now().Add(time.Duration(interval) * s.tick)
		s.setNextRun(next)
		s.hub.Publish(hub.EventStatus, statusPayload(next, interval))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-changed:
			// Abort the wait without posting; recompute from new settings.
			timer.Stop()
			continue
		case <-timer.C:
			select {
			case queue <- &job{}:
			default:
				s.log.Warn("post queue full; skipping due post", logx.Int("queue_cap", cap(queue)))
			}
		}
	}
}

// worker drains the queue one job at a time, strict FIFO.
func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan *job) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			if j == nil {
				return
			}
			s.post(ctx, j.tags)
		}
	}
}

func (s *Service) post(ctx context.Context, tags []string) {
	chosen := tags
	if len(chosen) == 0 {
		chosen = s.settings.PickRandomGroup()
	}
	if len(chosen) == 0 {
		s.log.Warn("no tag groups configured; skipping post")
		s.hub.Publish(hub.EventToast, hub.Toast{Type: "warn", Message: "No tag groups configured"})
		return
	}

	snap := s.settings.Current()
	rec, err := s.fetch.FetchFresh(ctx, booru.Query{
		Tags:     chosen,
		FilterID: snap.FilterID,
		Exclude:  s.sent.KnownURLs(),
	})
	if err != nil {
		// Only context cancellation reaches here; shutdown is in progress.
		s.log.Debug("fetch aborted", logx.Err(err))
		return
	}
	if rec == nil {
		metrics.PostsTotal.WithLabelValues(metrics.OutcomeEmpty).Inc()
		s.log.Info("no fresh images", logx.Strs("tags", chosen))
		s.hub.Publish(hub.EventToast, hub.Toast{
			Type:    "warn",
			Message: fmt.Sprintf("No fresh images for: %s", strings.Join(chosen, ", ")),
		})
		return
	}

	if err := s.sender.SendImage(ctx, rec); err != nil {
		metrics.PostsTotal.WithLabelValues(metrics.OutcomeDeliveryError).Inc()
		s.log.Error("delivery failed", logx.String("url", rec.URL), logx.Err(err))
		// Not appended to the sent log: the image stays eligible for a
		// future cycle.
		s.hub.Publish(hub.EventToast, hub.Toast{Type: "error", Message: fmt.Sprintf("Delivery failed: %v", err)})
		return
	}

	if err := s.sent.Append(ctx, *rec); err != nil {
		s.log.Error("sent log append failed", logx.String("url", rec.URL), logx.Err(err))
	}
	metrics.PostsTotal.WithLabelValues(metrics.OutcomeSent).Inc()
	s.log.Info("image posted", logx.String("url", rec.URL), logx.Strs("tags", chosen))
	s.hub.Publish(hub.EventNewImage, map[string]any{"record": rec})
	s.hub.Publish(hub.EventToast, hub.Toast{Type: "ok", Message: "Image posted"})
}
