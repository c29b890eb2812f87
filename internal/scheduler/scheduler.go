// Package scheduler drives the periodic refresh cycles: per source it walks
// Idle -> Fetching -> Reconciling, and hands every cycle's change events to
// the notifier in one batch once all sources finished.
package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"aniwatch/internal/catalog"
	"aniwatch/internal/reconcile"
	"aniwatch/internal/source"
	"aniwatch/pkg/logx"
)

type Config struct {
	// Schedule between successful cycles; RetryDelay after a cycle in which
	// any source failed.
	Schedule   Schedule
	RetryDelay time.Duration

	// Full-refresh knobs: page size, safety cap on the page count.
	PageLimit int
	MaxPages  int

	// IncrementalLimit bounds the per-cycle window: the first N items of the
	// ranked "ongoing" listing.
	IncrementalLimit int

	PageTimeout  time.Duration
	PageRetryMax int

	// FetchConcurrency caps parallel page fetches per source.
	FetchConcurrency int
}

func (c *Config) withDefaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Hour
	}
	if c.PageLimit <= 0 {
		c.PageLimit = 50
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 20
	}
	if c.IncrementalLimit <= 0 {
		c.IncrementalLimit = 100
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 15 * time.Second
	}
	if c.PageRetryMax < 0 {
		c.PageRetryMax = 0
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 4
	}
}

// Dispatcher receives a cycle's change events for fan-out.
type Dispatcher interface {
	Dispatch(ctx context.Context, events []catalog.ChangeEvent)
}

// Store is the slice of the repository the scheduler needs.
type Store interface {
	CountBySourceStatus(ctx context.Context, source catalog.Source, status string) (int, error)
}

type Service struct {
	cfg      Config
	sources  source.Registry
	rec      *reconcile.Reconciler
	store    Store
	notifier Dispatcher
	clock    Clock
	log      logx.Logger

	// boot dedupes concurrent full refreshes per source: a second trigger
	// while one is in flight observes the in-flight result.
	boot singleflight.Group
}

func New(cfg Config, sources source.Registry, rec *reconcile.Reconciler, store Store, notifier Dispatcher, clock Clock, log logx.Logger) *Service {
	cfg.withDefaults()
	if clock == nil {
		clock = RealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		sources:  sources,
		rec:      rec,
		store:    store,
		notifier: notifier,
		clock:    clock,
		log:      log,
	}
}

// Run loops refresh cycles until ctx is cancelled. Errors inside a cycle are
// never fatal: a failed source shortens the next delay to RetryDelay and the
// loop goes on. The stop signal is honored between sources and between
// cycles; an in-flight source finishes its work first.
func (s *Service) Run(ctx context.Context) error {
	for {
		healthy := s.cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay := s.cfg.Schedule.Next(s.clock.Now())
		if !healthy && s.cfg.RetryDelay < delay {
			delay = s.cfg.RetryDelay
		}
		s.log.Debug("cycle complete; sleeping", logx.Duration("delay", delay), logx.Bool("healthy", healthy))

		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(delay):
		}
	}
}

// cycle refreshes every registered source once and dispatches the combined
// events afterwards, so one slow source cannot starve another's
// notifications. Returns false when any source failed.
func (s *Service) cycle(ctx context.Context) bool {
	start := s.clock.Now()
	healthy := true

	var all []catalog.ChangeEvent
	for _, src := range s.sources.Sources() {
		if ctx.Err() != nil {
			break
		}
		events, err := s.refreshSource(ctx, src)
		if err != nil {
			healthy = false
			s.log.Warn("source refresh failed; skipping until next cycle",
				logx.String("source", string(src)), logx.Err(err))
			continue
		}
		all = append(all, events...)
	}

	if len(all) > 0 && ctx.Err() == nil {
		s.notifier.Dispatch(ctx, all)
	}
	s.log.Info("refresh cycle finished",
		logx.Int("events", len(all)),
		logx.Bool("healthy", healthy),
		logx.Duration("took", s.clock.Now().Sub(start)))
	return healthy
}

// refreshSource picks the refresh mode: a source with nothing stored gets the
// full bootstrap pull, anything else the cheap incremental window.
func (s *Service) refreshSource(ctx context.Context, src catalog.Source) ([]catalog.ChangeEvent, error) {
	count, err := s.store.CountBySourceStatus(ctx, src, catalog.StatusOngoing)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		// Bootstrap dispatches its own events (see Bootstrap); nothing to
		// batch into this cycle.
		_, err := s.Bootstrap(ctx, src)
		return nil, err
	}
	return s.incremental(ctx, src)
}

// ForceRefresh runs a full refresh for one source on user demand. Returns the
// number of records processed.
func (s *Service) ForceRefresh(ctx context.Context, src catalog.Source) (int, error) {
	return s.Bootstrap(ctx, src)
}
