package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aniwatch/internal/catalog"
	"aniwatch/pkg/logx"
)

// memStore mimics the repository's upsert contract in memory: create on
// miss, apply only present-and-different fields on hit, bump UpdatedAt once
// per effective change.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	items   map[string]*catalog.Item // keyed by source|source_id
	mirrors map[int64]string

	failTitles map[string]bool
	upserts    int
}

func newMemStore() *memStore {
	return &memStore{
		items:      map[string]*catalog.Item{},
		mirrors:    map[int64]string{},
		failTitles: map[string]bool{},
	}
}

func (m *memStore) key(rec catalog.Record) string {
	return string(rec.Source) + "|" + rec.SourceID
}

func (m *memStore) Upsert(ctx context.Context, rec catalog.Record) (*catalog.Item, catalog.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.failTitles[rec.Title] {
		return nil, catalog.Item{}, errors.New("boom")
	}

	if it, ok := m.items[m.key(rec)]; ok {
		prev := *it
		changed := false
		if rec.EpisodesAired != nil && (it.EpisodesAired == nil || *it.EpisodesAired != *rec.EpisodesAired) {
			v := *rec.EpisodesAired
			it.EpisodesAired = &v
			changed = true
		}
		if rec.Status != nil && *rec.Status != "" && *rec.Status != it.Status {
			it.Status = *rec.Status
			changed = true
		}
		if changed {
			it.UpdatedAt = it.UpdatedAt.Add(time.Second)
		}
		return &prev, *it, nil
	}

	m.nextID++
	status := catalog.StatusOngoing
	if rec.Status != nil && *rec.Status != "" {
		status = *rec.Status
	}
	sid := rec.SourceID
	it := &catalog.Item{
		ID:            m.nextID,
		Title:         rec.Title,
		Source:        rec.Source,
		SourceID:      &sid,
		Status:        status,
		Episodes:      rec.Episodes,
		EpisodesAired: rec.EpisodesAired,
		CreatedAt:     time.Unix(0, 0),
		UpdatedAt:     time.Unix(0, 0),
	}
	m.items[m.key(rec)] = it
	return nil, *it, nil
}

func (m *memStore) SetMirrorURL(ctx context.Context, id int64, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirrors[id] = url
	return nil
}

type fixedResolver struct {
	link  string
	calls int
}

func (f *fixedResolver) ResolveLink(ctx context.Context, title string) string {
	f.calls++
	return f.link
}

func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }

func ongoingRec(id, title string, aired int) catalog.Record {
	return catalog.Record{
		Source:        catalog.SourceShikimori,
		SourceID:      id,
		Title:         title,
		Status:        strp(catalog.StatusOngoing),
		Episodes:      intp(12),
		EpisodesAired: intp(aired),
	}
}

func TestBatchCreateEmitsNoEvents(t *testing.T) {
	store := newMemStore()
	r := New(store, nil, logx.Nop())

	events, err := r.Batch(context.Background(), catalog.SourceShikimori,
		[]catalog.Record{ongoingRec("1", "A", 1), ongoingRec("2", "B", 2)})
	require.NoError(t, err)
	assert.Empty(t, events, "first sighting is not a change")
	assert.Len(t, store.items, 2)
}

func TestBatchEmitsEpisodeAdvance(t *testing.T) {
	store := newMemStore()
	r := New(store, nil, logx.Nop())
	ctx := context.Background()

	_, err := r.Batch(ctx, catalog.SourceShikimori, []catalog.Record{ongoingRec("1", "A", 3)})
	require.NoError(t, err)

	events, err := r.Batch(ctx, catalog.SourceShikimori, []catalog.Record{ongoingRec("1", "A", 5)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, catalog.EventEpisodesAdvanced, events[0].Kind)
	assert.Equal(t, 3, events[0].OldEpisodes)
	assert.Equal(t, 5, events[0].NewEpisodes)
	assert.Equal(t, "A", events[0].Item.Title)
}

func TestBatchEmitsFinishEvent(t *testing.T) {
	store := newMemStore()
	r := New(store, nil, logx.Nop())
	ctx := context.Background()

	_, err := r.Batch(ctx, catalog.SourceShikimori, []catalog.Record{ongoingRec("1", "A", 12)})
	require.NoError(t, err)

	done := ongoingRec("1", "A", 12)
	done.Status = strp(catalog.StatusReleased)
	events, err := r.Batch(ctx, catalog.SourceShikimori, []catalog.Record{done})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, catalog.EventStatusChanged, events[0].Kind)
	assert.Equal(t, catalog.StatusOngoing, events[0].OldStatus)
	assert.Equal(t, catalog.StatusReleased, events[0].NewStatus)
}

func TestBatchIdempotent(t *testing.T) {
	store := newMemStore()
	r := New(store, nil, logx.Nop())
	ctx := context.Background()

	recs := []catalog.Record{ongoingRec("1", "A", 3), ongoingRec("2", "B", 8)}
	_, err := r.Batch(ctx, catalog.SourceShikimori, recs)
	require.NoError(t, err)

	events, err := r.Batch(ctx, catalog.SourceShikimori, recs)
	require.NoError(t, err)
	assert.Empty(t, events, "replaying an identical batch yields nothing")
}

func TestBatchSkipsMalformedRecords(t *testing.T) {
	store := newMemStore()
	r := New(store, nil, logx.Nop())

	wrongSource := ongoingRec("9", "C", 1)
	wrongSource.Source = catalog.SourceMAL

	events, err := r.Batch(context.Background(), catalog.SourceShikimori, []catalog.Record{
		{Source: catalog.SourceShikimori, Title: ""},
		wrongSource,
		ongoingRec("1", "A", 1),
	})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, 1, store.upserts, "malformed records never reach the store")
}

func TestBatchIsolatesUpsertFailures(t *testing.T) {
	store := newMemStore()
	r := New(store, nil, logx.Nop())
	ctx := context.Background()

	_, err := r.Batch(ctx, catalog.SourceShikimori, []catalog.Record{ongoingRec("2", "B", 3)})
	require.NoError(t, err)

	store.failTitles["A"] = true
	events, err := r.Batch(ctx, catalog.SourceShikimori, []catalog.Record{
		ongoingRec("1", "A", 1),
		ongoingRec("2", "B", 4),
	})
	require.NoError(t, err, "one bad row must not sink the batch")
	require.Len(t, events, 1)
	assert.Equal(t, "B", events[0].Item.Title)
}

func TestBatchStopsOnCancel(t *testing.T) {
	store := newMemStore()
	r := New(store, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Batch(ctx, catalog.SourceShikimori, []catalog.Record{ongoingRec("1", "A", 1)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.upserts)
}

func TestBatchAttachesMirrorOnCreate(t *testing.T) {
	store := newMemStore()
	res := &fixedResolver{link: "https://animego.me/anime/a"}
	r := New(store, res, logx.Nop())
	ctx := context.Background()

	_, err := r.Batch(ctx, catalog.SourceShikimori, []catalog.Record{ongoingRec("1", "A", 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.calls)
	assert.Equal(t, "https://animego.me/anime/a", store.mirrors[1])

	// Updates never re-resolve.
	_, err = r.Batch(ctx, catalog.SourceShikimori, []catalog.Record{ongoingRec("1", "A", 2)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.calls)
}
