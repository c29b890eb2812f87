// Package source defines the catalog provider contract and its
// implementations. Adapters fetch one page of a provider listing and
// normalize it into catalog records; everything downstream is
// provider-agnostic.
package source

import (
	"context"
	"net/http"
	"time"

	"aniwatch/internal/catalog"
)

// Adapter is one external catalog provider.
//
// FetchPage returns one page of normalized records plus whatever pagination
// metadata the provider exposes in the page body (zero when it exposes none).
// FetchCount returns the provider's reported total for the given status.
// PageSize reports how many records the provider will actually serve for a
// requested limit; providers cap page sizes, and callers must derive page
// counts from the capped value rather than the requested one.
type Adapter interface {
	Source() catalog.Source
	FetchPage(ctx context.Context, status string, limit, page int) (catalog.Page, error)
	FetchCount(ctx context.Context, status string) (int, error)
	PageSize(limit int) int
}

// Registry maps each known source to its adapter. Selection goes through this
// table; no string-keyed branching anywhere else.
type Registry map[catalog.Source]Adapter

func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Source()] = a
	}
	return r
}

func (r Registry) Get(s catalog.Source) (Adapter, bool) {
	a, ok := r[s]
	return a, ok
}

// Sources lists the registered sources in the catalog's stable order.
func (r Registry) Sources() []catalog.Source {
	out := make([]catalog.Source, 0, len(r))
	for _, s := range catalog.Sources() {
		if _, ok := r[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func defaultClient() *http.Client {
	return &http.Client{Timeout: 20 * time.Second}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// parseDate handles the YYYY-MM-DD dates both providers use; empty or
// malformed input yields nil.
func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil
	}
	return &t
}
