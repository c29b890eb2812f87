package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"aniwatch/internal/catalog"
	"aniwatch/internal/source"
	"aniwatch/pkg/logx"
)

type refreshResult struct {
	events    []catalog.ChangeEvent
	processed int
}

// Bootstrap pulls a source's entire ongoing listing and returns the number of
// records processed. Concurrent calls for the same source are deduplicated:
// at most one fetch sequence is in flight, and later callers wait for and
// share its outcome.
//
// Events found during a bootstrap are dispatched by the flight owner inside
// the flight, so they reach subscribers exactly once no matter how many
// triggers coincided. That means bootstrap events leave immediately instead of
// being batched with the rest of a cycle's events: deferring them past the
// flight would leave joiners unable to tell whether the owner already
// delivered.
func (s *Service) Bootstrap(ctx context.Context, src catalog.Source) (int, error) {
	v, err, _ := s.boot.Do(string(src), func() (any, error) {
		return s.fullRefresh(ctx, src)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *Service) fullRefresh(ctx context.Context, src catalog.Source) (int, error) {
	ad, ok := s.sources.Get(src)
	if !ok {
		return 0, fmt.Errorf("no adapter for source %q", src)
	}

	total, err := ad.FetchCount(ctx, catalog.StatusOngoing)
	if err != nil {
		return 0, fmt.Errorf("fetch count: %w", err)
	}
	// Page count must come from the size the provider actually serves, not
	// the configured limit; providers cap page sizes below it.
	pages := total/ad.PageSize(s.cfg.PageLimit) + 1
	if pages > s.cfg.MaxPages {
		pages = s.cfg.MaxPages
	}
	s.log.Info("full refresh started",
		logx.String("source", string(src)), logx.Int("total", total), logx.Int("pages", pages))

	res, err := s.refreshPages(ctx, src, ad, pages)
	if len(res.events) > 0 && ctx.Err() == nil {
		s.notifier.Dispatch(ctx, res.events)
	}
	return res.processed, err
}

// incremental re-fetches only the head of the ranked ongoing listing. Episode
// and status changes surface among currently-airing titles, which cluster
// there, so the bounded window is sufficient between bootstraps.
func (s *Service) incremental(ctx context.Context, src catalog.Source) ([]catalog.ChangeEvent, error) {
	ad, ok := s.sources.Get(src)
	if !ok {
		return nil, fmt.Errorf("no adapter for source %q", src)
	}
	size := ad.PageSize(s.cfg.PageLimit)
	pages := (s.cfg.IncrementalLimit + size - 1) / size
	if pages < 1 {
		pages = 1
	}
	res, err := s.refreshPages(ctx, src, ad, pages)
	return res.events, err
}

// refreshPages fetches the given number of pages concurrently, then
// reconciles them in page order. A page that keeps failing contributes zero
// records; the rest of the batch still reconciles.
func (s *Service) refreshPages(ctx context.Context, src catalog.Source, ad source.Adapter, pages int) (refreshResult, error) {
	fetched := make([][]catalog.Record, pages)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FetchConcurrency)
	for i := 0; i < pages; i++ {
		g.Go(func() error {
			recs, err := s.fetchPage(gctx, ad, i+1)
			if err != nil {
				s.log.Warn("page fetch failed; page contributes no records",
					logx.String("source", string(src)), logx.Int("page", i+1), logx.Err(err))
				return nil
			}
			fetched[i] = recs
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return refreshResult{}, err
	}

	var res refreshResult
	for _, recs := range fetched {
		if len(recs) == 0 {
			continue
		}
		events, err := s.rec.Batch(ctx, src, recs)
		res.events = append(res.events, events...)
		res.processed += len(recs)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// fetchPage fetches one page with a bounded per-attempt timeout and a small
// exponential backoff for transient provider errors.
func (s *Service) fetchPage(ctx context.Context, ad source.Adapter, page int) ([]catalog.Record, error) {
	backoff := retry.WithMaxRetries(uint64(s.cfg.PageRetryMax), retry.NewExponential(500*time.Millisecond))
	var recs []catalog.Record
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.PageTimeout)
		defer cancel()
		p, err := ad.FetchPage(pctx, catalog.StatusOngoing, s.cfg.PageLimit, page)
		if err != nil {
			return retry.RetryableError(err)
		}
		recs = p.Records
		return nil
	})
	return recs, err
}
