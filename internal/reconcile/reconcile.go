// Package reconcile merges freshly fetched catalog records into the store and
// detects the changes subscribers care about.
package reconcile

import (
	"context"
	"sync"

	"aniwatch/internal/catalog"
	"aniwatch/internal/enrich"
	"aniwatch/pkg/logx"
)

// Store is the slice of the repository the reconciler needs.
type Store interface {
	Upsert(ctx context.Context, rec catalog.Record) (prev *catalog.Item, cur catalog.Item, err error)
	SetMirrorURL(ctx context.Context, id int64, url string) error
}

// Reconciler turns a batch of fetched records for one source into zero or
// more change events while writing the authoritative state.
//
// Batches for the same source are serialized so two refresh passes can never
// interleave their read-modify-write on the same item; different sources
// never share items and run fully in parallel.
type Reconciler struct {
	store  Store
	enrich enrich.Resolver
	log    logx.Logger

	muGuard sync.Mutex
	mus     map[catalog.Source]*sync.Mutex
}

func New(store Store, resolver enrich.Resolver, log logx.Logger) *Reconciler {
	if resolver == nil {
		resolver = enrich.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{
		store:  store,
		enrich: resolver,
		log:    log,
		mus:    map[catalog.Source]*sync.Mutex{},
	}
}

// Batch reconciles records in arrival order and returns the change events the
// batch produced. Replaying an identical batch yields no further events.
//
// Per-record store failures are logged and skipped so one bad row cannot sink
// the rest of the batch; only context cancellation aborts early.
func (r *Reconciler) Batch(ctx context.Context, source catalog.Source, records []catalog.Record) ([]catalog.ChangeEvent, error) {
	mu := r.sourceMu(source)
	mu.Lock()
	defer mu.Unlock()

	var events []catalog.ChangeEvent
	created, updated, failed := 0, 0, 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		if rec.Title == "" || rec.Source != source {
			r.log.Warn("skipping malformed record",
				logx.String("source", string(source)), logx.String("source_id", rec.SourceID))
			continue
		}

		prev, cur, err := r.store.Upsert(ctx, rec)
		if err != nil {
			failed++
			r.log.Error("upsert failed",
				logx.String("source", string(source)), logx.String("title", rec.Title), logx.Err(err))
			continue
		}
		if prev == nil {
			// First sighting is not a change.
			created++
			r.attachMirror(ctx, cur)
			continue
		}
		evs := diff(*prev, cur)
		if len(evs) > 0 || prev.UpdatedAt != cur.UpdatedAt {
			updated++
		}
		events = append(events, evs...)
	}

	r.log.Info("batch reconciled",
		logx.String("source", string(source)),
		logx.Int("records", len(records)),
		logx.Int("created", created),
		logx.Int("updated", updated),
		logx.Int("failed", failed),
		logx.Int("events", len(events)))
	return events, nil
}

// diff derives the notification-worthy transitions from the row state before
// and after an upsert.
func diff(prev catalog.Item, cur catalog.Item) []catalog.ChangeEvent {
	var events []catalog.ChangeEvent

	if cur.EpisodesAired != nil && !intEq(prev.EpisodesAired, cur.EpisodesAired) {
		old := 0
		if prev.EpisodesAired != nil {
			old = *prev.EpisodesAired
		}
		events = append(events, catalog.ChangeEvent{
			Item:        cur,
			Kind:        catalog.EventEpisodesAdvanced,
			OldEpisodes: old,
			NewEpisodes: *cur.EpisodesAired,
		})
	}

	if prev.Status != cur.Status &&
		prev.Status == catalog.StatusOngoing && catalog.TerminalStatus(cur.Status) {
		events = append(events, catalog.ChangeEvent{
			Item:      cur,
			Kind:      catalog.EventStatusChanged,
			OldStatus: prev.Status,
			NewStatus: cur.Status,
		})
	}

	return events
}

// attachMirror resolves a mirror link for a newly created item. Best-effort:
// any failure just leaves the column empty.
func (r *Reconciler) attachMirror(ctx context.Context, it catalog.Item) {
	if it.MirrorURL != nil && *it.MirrorURL != "" {
		return
	}
	link := r.enrich.ResolveLink(ctx, it.Title)
	if link == "" {
		return
	}
	if err := r.store.SetMirrorURL(ctx, it.ID, link); err != nil {
		r.log.Warn("storing mirror link failed", logx.Int64("item", it.ID), logx.Err(err))
	}
}

func (r *Reconciler) sourceMu(source catalog.Source) *sync.Mutex {
	r.muGuard.Lock()
	defer r.muGuard.Unlock()
	mu, ok := r.mus[source]
	if !ok {
		mu = &sync.Mutex{}
		r.mus[source] = mu
	}
	return mu
}

func intEq(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
