package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aniwatch/pkg/logx"
)

const searchPage = `<html><body>
  <div class="results">
    <a href="/news/123">Фрирен got a second season</a>
    <a href="/anime/frieren-beyond-journeys-end-52991">Фрирен — Провожающая в последний путь</a>
    <a href="/anime/other-show-1">Another Show</a>
  </div>
</body></html>`

func newResolver(t *testing.T, baseURL string) *AnimeGO {
	t.Helper()
	a, err := NewAnimeGO(AnimeGOConfig{BaseURL: baseURL}, logx.Nop())
	require.NoError(t, err)
	return a
}

func TestResolveLinkFindsMatchingAnchor(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/search/anime", r.URL.Path)
		assert.Equal(t, "Фрирен", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(searchPage))
	}))
	defer srv.Close()

	a := newResolver(t, srv.URL)
	link := a.ResolveLink(context.Background(), "Фрирен")
	assert.Equal(t, srv.URL+"/anime/frieren-beyond-journeys-end-52991", link,
		"only /anime/ anchors whose text contains the title qualify")

	// Second resolution is a cache hit.
	assert.Equal(t, link, a.ResolveLink(context.Background(), "фрирен"))
	assert.Equal(t, int64(1), hits.Load())
}

func TestResolveLinkNoMatch(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`<html><body><a href="/anime/x">Unrelated</a></body></html>`))
	}))
	defer srv.Close()

	a := newResolver(t, srv.URL)
	assert.Empty(t, a.ResolveLink(context.Background(), "Фрирен"))

	// Misses are memoized too.
	assert.Empty(t, a.ResolveLink(context.Background(), "Фрирен"))
	assert.Equal(t, int64(1), hits.Load())
}

func TestResolveLinkServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := newResolver(t, srv.URL)
	assert.Empty(t, a.ResolveLink(context.Background(), "Фрирен"), "failures resolve to nothing, never an error")
}

func TestResolveLinkEmptyTitle(t *testing.T) {
	a := newResolver(t, "http://127.0.0.1:1")
	assert.Empty(t, a.ResolveLink(context.Background(), "   "))
}
