// Package syncer drives periodic synchronization of calendar feed
// subscriptions: fetch, parse, reconcile, then record the outcome on the
// subscription.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/mo"

	"github.com/example/calsync/codec"
	"github.com/example/calsync/fetch"
	"github.com/example/calsync/model"
	"github.com/example/calsync/reconcile"
	"github.com/example/calsync/storage"
)

// ErrSyncInFlight is returned when a forced sync hits a subscription whose
// cycle is still running. At most one cycle per subscription is ever in
// flight.
var ErrSyncInFlight = errors.New("sync already in flight for subscription")

// Clock supplies the current time; tests inject a fixed one.
type Clock func() time.Time

// Config holds scheduler tuning.
type Config struct {
	// CronSpec is the periodic tick that scans for due subscriptions.
	CronSpec string
	// CycleTimeout bounds one whole cycle (fetch + parse + reconcile)
	// so a hanging remote cannot stall the scheduler.
	CycleTimeout time.Duration
}

// DefaultConfig ticks every five minutes and allows a minute per cycle.
var DefaultConfig = Config{
	CronSpec:     "*/5 * * * *",
	CycleTimeout: time.Minute,
}

// Scheduler owns the background sync loop. It is an explicit component
// with Start/Stop lifecycle and injected clock, fetcher and store; nothing
// here runs at package load.
type Scheduler struct {
	store      storage.Store
	fetcher    *fetch.Fetcher
	reconciler *reconcile.Reconciler
	parser     *codec.Parser
	clock      Clock
	logger     *slog.Logger
	cfg        Config

	cron *cron.Cron

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a Scheduler. Nil clock defaults to time.Now, nil logger
// discards output and zero config fields get DefaultConfig values.
func New(store storage.Store, fetcher *fetch.Fetcher, reconciler *reconcile.Reconciler, clock Clock, logger *slog.Logger, cfg Config) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.CronSpec == "" {
		cfg.CronSpec = DefaultConfig.CronSpec
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = DefaultConfig.CycleTimeout
	}
	return &Scheduler{
		store:      store,
		fetcher:    fetcher,
		reconciler: reconciler,
		parser:     codec.NewParser(logger),
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
		inFlight:   make(map[string]struct{}),
	}
}

// Start begins the periodic tick.
func (s *Scheduler) Start() error {
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.CronSpec, func() {
		s.RunDue(context.Background())
	}); err != nil {
		return fmt.Errorf("register sync tick: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("sync scheduler started", "cron", s.cfg.CronSpec)
	return nil
}

// Stop halts the tick and waits for running cycles to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.logger.Info("sync scheduler stopped")
}

// RunDue scans auto-sync subscriptions and syncs every due one.
// Subscriptions sync concurrently with each other; each cycle is
// internally sequential. Returns how many cycles were attempted.
func (s *Scheduler) RunDue(ctx context.Context) int {
	subs, err := s.store.ListSubscriptions(ctx)
	if err != nil {
		s.logger.Error("listing subscriptions failed", "err", err)
		return 0
	}

	now := s.clock()
	var wg sync.WaitGroup
	attempted := 0
	for _, sub := range subs {
		if !sub.Due(now) {
			continue
		}
		if !s.acquire(sub.ID) {
			// Still fetching or reconciling from a previous tick.
			continue
		}
		attempted++
		wg.Add(1)
		go func(sub model.Subscription) {
			defer wg.Done()
			defer s.release(sub.ID)
			if _, err := s.syncOne(ctx, sub); err != nil {
				s.logger.Warn("scheduled sync failed", "subscription_id", sub.ID, "err", err)
			}
		}(sub)
	}
	wg.Wait()
	return attempted
}

// SyncNow forces one cycle for a subscription, bypassing the due-check but
// still respecting the single-in-flight rule.
func (s *Scheduler) SyncNow(ctx context.Context, subscriptionID string) (reconcile.Result, error) {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return reconcile.Result{}, err
	}
	if !s.acquire(sub.ID) {
		return reconcile.Result{}, ErrSyncInFlight
	}
	defer s.release(sub.ID)
	return s.syncOne(ctx, *sub)
}

func (s *Scheduler) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// syncOne runs one cycle: fetch, parse, reconcile, record outcome. Every
// terminal path writes lastSyncAt and either clears or sets lastSyncError;
// failures never touch event data.
func (s *Scheduler) syncOne(ctx context.Context, sub model.Subscription) (reconcile.Result, error) {
	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	fetched, err := s.fetcher.Fetch(cycleCtx, sub.URL, sub.ETag, sub.LastModified)
	if err != nil {
		if cycleCtx.Err() != nil {
			err = fmt.Errorf("%w: cycle timed out after %s", fetch.ErrFeedUnreachable, s.cfg.CycleTimeout)
		}
		s.recordFailure(ctx, sub, err)
		return reconcile.Result{}, err
	}

	if fetched.NotModified {
		// Same as a successful zero-change sync: bump lastSyncAt,
		// clear any previous error, keep validators and event data.
		s.recordSuccess(ctx, sub, sub.ETag, sub.LastModified)
		s.logger.Debug("feed unchanged", "subscription_id", sub.ID)
		return reconcile.Result{}, nil
	}

	candidates, err := s.parser.Parse(string(fetched.Body))
	if err != nil {
		s.recordFailure(ctx, sub, err)
		return reconcile.Result{}, err
	}

	stored, err := s.store.ListEventsBySubscription(cycleCtx, sub.ID)
	if err != nil {
		s.recordFailure(ctx, sub, err)
		return reconcile.Result{}, err
	}
	previous := make(map[string]model.Event, len(stored))
	for _, e := range stored {
		previous[e.SourceUID] = e
	}

	result := s.reconciler.Reconcile(cycleCtx, sub.ID, sub.OwnerID, previous, candidates)

	s.recordSuccess(ctx, sub, fetched.ETag, fetched.LastModified)
	s.logger.Info("subscription synced",
		"subscription_id", sub.ID,
		"added", result.Added, "updated", result.Updated, "deleted", result.Deleted,
		"row_failures", len(result.Errors))
	return result, nil
}

func (s *Scheduler) recordSuccess(ctx context.Context, sub model.Subscription, etag, lastModified mo.Option[string]) {
	now := s.clock()
	sub.LastSyncAt = &now
	sub.LastSyncError = ""
	sub.ETag = etag
	sub.LastModified = lastModified
	s.writeStatus(ctx, sub)
}

func (s *Scheduler) recordFailure(ctx context.Context, sub model.Subscription, cause error) {
	now := s.clock()
	sub.LastSyncAt = &now
	sub.LastSyncError = truncate(cause.Error(), 200)
	s.writeStatus(ctx, sub)
}

// writeStatus persists sync metadata even when the cycle context already
// expired; the outcome must still be recorded.
func (s *Scheduler) writeStatus(ctx context.Context, sub model.Subscription) {
	if err := s.store.UpdateSubscription(context.WithoutCancel(ctx), &sub); err != nil {
		s.logger.Error("recording sync status failed", "subscription_id", sub.ID, "err", err)
	}
}

func truncate(msg string, max int) string {
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
