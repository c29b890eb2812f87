package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aniwatch/internal/catalog"
	"aniwatch/internal/reconcile"
	"aniwatch/internal/source"
	"aniwatch/pkg/logx"
)

type memStore struct {
	mu     sync.Mutex
	nextID int64
	items  map[string]*catalog.Item
}

func newMemStore() *memStore {
	return &memStore{items: map[string]*catalog.Item{}}
}

func (m *memStore) CountBySourceStatus(ctx context.Context, src catalog.Source, status string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.items {
		if it.Source == src && it.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *memStore) Upsert(ctx context.Context, rec catalog.Record) (*catalog.Item, catalog.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(rec.Source) + "|" + rec.SourceID
	if it, ok := m.items[key]; ok {
		prev := *it
		if rec.EpisodesAired != nil && (it.EpisodesAired == nil || *it.EpisodesAired != *rec.EpisodesAired) {
			v := *rec.EpisodesAired
			it.EpisodesAired = &v
			it.UpdatedAt = it.UpdatedAt.Add(time.Second)
		}
		if rec.Status != nil && *rec.Status != "" && *rec.Status != it.Status {
			it.Status = *rec.Status
			it.UpdatedAt = it.UpdatedAt.Add(time.Second)
		}
		return &prev, *it, nil
	}
	m.nextID++
	status := catalog.StatusOngoing
	if rec.Status != nil && *rec.Status != "" {
		status = *rec.Status
	}
	it := &catalog.Item{
		ID:            m.nextID,
		Title:         rec.Title,
		Source:        rec.Source,
		Status:        status,
		EpisodesAired: rec.EpisodesAired,
	}
	m.items[key] = it
	return nil, *it, nil
}

func (m *memStore) SetMirrorURL(ctx context.Context, id int64, url string) error { return nil }

type fakeAdapter struct {
	src catalog.Source

	// maxLimit mimics a provider that caps page sizes below the requested
	// limit; zero means the provider serves whatever is asked.
	maxLimit int

	mu         sync.Mutex
	total      int
	countErr   error
	pages      map[int][]catalog.Record
	failPages  map[int]bool
	countCalls int
	pageCalls  []int

	countStarted chan struct{}
	countGate    chan struct{}
}

func (f *fakeAdapter) Source() catalog.Source { return f.src }

func (f *fakeAdapter) PageSize(limit int) int {
	if f.maxLimit > 0 && limit > f.maxLimit {
		return f.maxLimit
	}
	return limit
}

func (f *fakeAdapter) FetchCount(ctx context.Context, status string) (int, error) {
	f.mu.Lock()
	f.countCalls++
	started, gate := f.countStarted, f.countGate
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return f.total, f.countErr
}

func (f *fakeAdapter) FetchPage(ctx context.Context, status string, limit, page int) (catalog.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls = append(f.pageCalls, page)
	if f.failPages[page] {
		return catalog.Page{}, errors.New("provider hiccup")
	}
	return catalog.Page{Records: f.pages[page]}, nil
}

type captureDispatcher struct {
	mu      sync.Mutex
	batches [][]catalog.ChangeEvent
}

func (d *captureDispatcher) Dispatch(ctx context.Context, events []catalog.ChangeEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, events)
}

func (d *captureDispatcher) all() []catalog.ChangeEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []catalog.ChangeEvent
	for _, b := range d.batches {
		out = append(out, b...)
	}
	return out
}

type fakeClock struct {
	now    time.Time
	delays chan time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.delays <- d
	return make(chan time.Time) // never fires; tests cancel the context
}

func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }

func recs(src catalog.Source, from, n int) []catalog.Record {
	out := make([]catalog.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, catalog.Record{
			Source:        src,
			SourceID:      "id-" + string(rune('a'+from+i)),
			Title:         "Title " + string(rune('a'+from+i)),
			Status:        strp(catalog.StatusOngoing),
			EpisodesAired: intp(1),
		})
	}
	return out
}

func newTestService(t *testing.T, cfg Config, ad *fakeAdapter, store *memStore, disp Dispatcher, clock Clock) *Service {
	t.Helper()
	rec := reconcile.New(store, nil, logx.Nop())
	return New(cfg, source.NewRegistry(ad), rec, store, disp, clock, logx.Nop())
}

func TestBootstrapWalksAllPages(t *testing.T) {
	ad := &fakeAdapter{
		src:   catalog.SourceShikimori,
		total: 7,
		pages: map[int][]catalog.Record{
			1: recs(catalog.SourceShikimori, 0, 3),
			2: recs(catalog.SourceShikimori, 3, 3),
			3: recs(catalog.SourceShikimori, 6, 1),
		},
	}
	store := newMemStore()
	disp := &captureDispatcher{}
	svc := newTestService(t, Config{PageLimit: 3, MaxPages: 20}, ad, store, disp, nil)

	processed, err := svc.Bootstrap(context.Background(), catalog.SourceShikimori)
	require.NoError(t, err)
	assert.Equal(t, 7, processed)

	count, err := store.CountBySourceStatus(context.Background(), catalog.SourceShikimori, catalog.StatusOngoing)
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	assert.ElementsMatch(t, []int{1, 2, 3}, ad.pageCalls)
	assert.Empty(t, disp.all(), "creations alone notify nobody")
}

func TestBootstrapCapsPageCount(t *testing.T) {
	ad := &fakeAdapter{src: catalog.SourceShikimori, total: 1000, pages: map[int][]catalog.Record{}}
	store := newMemStore()
	svc := newTestService(t, Config{PageLimit: 50, MaxPages: 2}, ad, store, &captureDispatcher{}, nil)

	_, err := svc.Bootstrap(context.Background(), catalog.SourceShikimori)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2}, ad.pageCalls)
}

func TestBootstrapHonorsProviderPageSize(t *testing.T) {
	// The provider serves 25 per page no matter what is asked, so 100
	// records span four pages. Deriving the page count from the configured
	// limit of 50 would stop after page 3 and lose a quarter of the listing.
	ad := &fakeAdapter{
		src:      catalog.SourceMAL,
		maxLimit: 25,
		total:    100,
		pages: map[int][]catalog.Record{
			1: recs(catalog.SourceMAL, 0, 25),
			2: recs(catalog.SourceMAL, 25, 25),
			3: recs(catalog.SourceMAL, 50, 25),
			4: recs(catalog.SourceMAL, 75, 25),
		},
	}
	store := newMemStore()
	svc := newTestService(t, Config{PageLimit: 50, MaxPages: 20}, ad, store, &captureDispatcher{}, nil)

	processed, err := svc.Bootstrap(context.Background(), catalog.SourceMAL)
	require.NoError(t, err)
	assert.Equal(t, 100, processed)

	count, err := store.CountBySourceStatus(context.Background(), catalog.SourceMAL, catalog.StatusOngoing)
	require.NoError(t, err)
	assert.Equal(t, 100, count)
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5}, ad.pageCalls)
}

func TestBootstrapFailedPageContributesNothing(t *testing.T) {
	ad := &fakeAdapter{
		src:   catalog.SourceShikimori,
		total: 7,
		pages: map[int][]catalog.Record{
			1: recs(catalog.SourceShikimori, 0, 3),
			3: recs(catalog.SourceShikimori, 6, 1),
		},
		failPages: map[int]bool{2: true},
	}
	store := newMemStore()
	svc := newTestService(t, Config{PageLimit: 3, MaxPages: 20}, ad, store, &captureDispatcher{}, nil)

	processed, err := svc.Bootstrap(context.Background(), catalog.SourceShikimori)
	require.NoError(t, err, "a bad page degrades the pull, it does not fail it")
	assert.Equal(t, 4, processed)
}

func TestBootstrapDeduplicatesConcurrentCalls(t *testing.T) {
	ad := &fakeAdapter{
		src:          catalog.SourceShikimori,
		total:        2,
		pages:        map[int][]catalog.Record{1: recs(catalog.SourceShikimori, 0, 2)},
		countStarted: make(chan struct{}, 2),
		countGate:    make(chan struct{}),
	}
	store := newMemStore()
	svc := newTestService(t, Config{PageLimit: 50, MaxPages: 20}, ad, store, &captureDispatcher{}, nil)

	type result struct {
		n   int
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			n, err := svc.ForceRefresh(context.Background(), catalog.SourceShikimori)
			results <- result{n, err}
		}()
	}

	// First flight is inside FetchCount; give the second caller time to join
	// it, then release.
	<-ad.countStarted
	time.Sleep(50 * time.Millisecond)
	close(ad.countGate)

	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, 2, r.n)
	}
	assert.Equal(t, 1, ad.countCalls, "second trigger must share the in-flight fetch")
}

func TestCycleUsesIncrementalWindowWhenPopulated(t *testing.T) {
	store := newMemStore()
	seed := catalog.Record{
		Source:        catalog.SourceShikimori,
		SourceID:      "id-a",
		Title:         "Title a",
		Status:        strp(catalog.StatusOngoing),
		EpisodesAired: intp(3),
	}
	_, _, err := store.Upsert(context.Background(), seed)
	require.NoError(t, err)

	bumped := seed
	bumped.EpisodesAired = intp(5)
	ad := &fakeAdapter{
		src:   catalog.SourceShikimori,
		pages: map[int][]catalog.Record{1: {bumped}},
	}
	disp := &captureDispatcher{}
	clock := &fakeClock{now: time.Unix(0, 0)}
	svc := newTestService(t, Config{PageLimit: 50, MaxPages: 20, IncrementalLimit: 100}, ad, store, disp, clock)

	healthy := svc.cycle(context.Background())
	assert.True(t, healthy)
	assert.Equal(t, 0, ad.countCalls, "populated source skips the total count")
	assert.ElementsMatch(t, []int{1, 2}, ad.pageCalls, "100-item window at 50 per page is two pages")

	events := disp.all()
	require.Len(t, events, 1)
	assert.Equal(t, catalog.EventEpisodesAdvanced, events[0].Kind)
	assert.Equal(t, 3, events[0].OldEpisodes)
	assert.Equal(t, 5, events[0].NewEpisodes)
}

func TestCycleIncrementalWindowUsesProviderPageSize(t *testing.T) {
	store := newMemStore()
	_, _, err := store.Upsert(context.Background(), catalog.Record{
		Source:   catalog.SourceMAL,
		SourceID: "id-a",
		Title:    "Title a",
		Status:   strp(catalog.StatusOngoing),
	})
	require.NoError(t, err)

	ad := &fakeAdapter{src: catalog.SourceMAL, maxLimit: 25, pages: map[int][]catalog.Record{}}
	clock := &fakeClock{now: time.Unix(0, 0)}
	svc := newTestService(t, Config{PageLimit: 50, MaxPages: 20, IncrementalLimit: 100}, ad, store, &captureDispatcher{}, clock)

	healthy := svc.cycle(context.Background())
	assert.True(t, healthy)
	assert.ElementsMatch(t, []int{1, 2, 3, 4}, ad.pageCalls,
		"a 100-item window at 25 per page is four pages, not two")
}

func TestRunShortensDelayAfterFailure(t *testing.T) {
	schedule, err := ParseSchedule("12h")
	require.NoError(t, err)

	ad := &fakeAdapter{src: catalog.SourceShikimori, countErr: errors.New("down")}
	clock := &fakeClock{now: time.Unix(0, 0), delays: make(chan time.Duration, 1)}
	svc := newTestService(t, Config{
		Schedule:   schedule,
		RetryDelay: time.Hour,
		PageLimit:  50,
	}, ad, newMemStore(), &captureDispatcher{}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	assert.Equal(t, time.Hour, <-clock.delays)
	cancel()
	require.NoError(t, <-done)
}

func TestRunKeepsScheduleWhenHealthy(t *testing.T) {
	schedule, err := ParseSchedule("12h")
	require.NoError(t, err)

	// Empty catalog and an empty listing: bootstrap succeeds with zero pages
	// of content.
	ad := &fakeAdapter{src: catalog.SourceShikimori, total: 0, pages: map[int][]catalog.Record{}}
	clock := &fakeClock{now: time.Unix(0, 0), delays: make(chan time.Duration, 1)}
	svc := newTestService(t, Config{
		Schedule:   schedule,
		RetryDelay: time.Hour,
		PageLimit:  50,
	}, ad, newMemStore(), &captureDispatcher{}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	assert.Equal(t, 12*time.Hour, <-clock.delays)
	cancel()
	require.NoError(t, <-done)
}
