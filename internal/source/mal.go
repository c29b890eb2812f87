package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"aniwatch/internal/catalog"
	"aniwatch/pkg/logx"
)

const (
	jikanBaseURL = "https://api.jikan.moe"

	// The seasons endpoint rejects larger page sizes.
	malMaxLimit = 25
)

type MALConfig struct {
	BaseURL string
	Client  *http.Client
}

// MAL adapts MyAnimeList through the Jikan API. The /seasons/now listing only
// carries currently-airing shows, so the status argument selects nothing
// here; it exists to satisfy the provider contract.
type MAL struct {
	cfg MALConfig
	log logx.Logger
}

func NewMAL(cfg MALConfig, log logx.Logger) *MAL {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = jikanBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = defaultClient()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &MAL{cfg: cfg, log: log.With(logx.String("source", string(catalog.SourceMAL)))}
}

func (m *MAL) Source() catalog.Source { return catalog.SourceMAL }

type jikanResponse struct {
	Data []struct {
		MalID    int64    `json:"mal_id"`
		Title    string   `json:"title"`
		TitleJP  string   `json:"title_japanese"`
		URL      string   `json:"url"`
		Type     string   `json:"type"`
		Status   string   `json:"status"`
		Episodes *int     `json:"episodes"`
		Score    *float64 `json:"score"`
		Images   struct {
			JPG struct {
				ImageURL string `json:"image_url"`
			} `json:"jpg"`
		} `json:"images"`
		Synopsis string `json:"synopsis"`
	} `json:"data"`
	Pagination struct {
		LastVisiblePage int `json:"last_visible_page"`
		Items           struct {
			Total   int `json:"total"`
			PerPage int `json:"per_page"`
		} `json:"items"`
	} `json:"pagination"`
}

// PageSize caps the requested limit at what the seasons endpoint serves.
func (m *MAL) PageSize(limit int) int {
	if limit <= 0 || limit > malMaxLimit {
		return malMaxLimit
	}
	return limit
}

func (m *MAL) FetchPage(ctx context.Context, status string, limit, page int) (catalog.Page, error) {
	limit = m.PageSize(limit)
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("page", strconv.Itoa(page))

	var body jikanResponse
	if err := m.get(ctx, "/v4/seasons/now?"+q.Encode(), &body); err != nil {
		return catalog.Page{}, err
	}

	records := make([]catalog.Record, 0, len(body.Data))
	for _, a := range body.Data {
		if a.MalID == 0 || a.Title == "" {
			m.log.Debug("skipping malformed record", logx.Int64("id", a.MalID))
			continue
		}
		recURL := a.URL
		if !strings.HasPrefix(recURL, "http://") && !strings.HasPrefix(recURL, "https://") {
			recURL = fmt.Sprintf("https://myanimelist.net/anime/%d", a.MalID)
		}
		rec := catalog.Record{
			Source:        catalog.SourceMAL,
			SourceID:      strconv.FormatInt(a.MalID, 10),
			Title:         a.Title,
			JapaneseTitle: strPtr(a.TitleJP),
			URL:           strPtr(recURL),
			Kind:          strPtr(strings.ToUpper(a.Type)),
			Status:        strPtr(normalizeMALStatus(a.Status)),
			Episodes:      a.Episodes,
			Score:         a.Score,
			ImageURL:      strPtr(a.Images.JPG.ImageURL),
			Description:   strPtr(a.Synopsis),
		}
		records = append(records, rec)
	}

	return catalog.Page{
		Records:    records,
		TotalPages: body.Pagination.LastVisiblePage,
		TotalCount: body.Pagination.Items.Total,
	}, nil
}

// FetchCount fetches a minimal page for the pagination totals.
func (m *MAL) FetchCount(ctx context.Context, status string) (int, error) {
	page, err := m.FetchPage(ctx, status, 1, 1)
	if err != nil {
		return 0, err
	}
	return page.TotalCount, nil
}

func (m *MAL) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := m.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("mal: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mal: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("mal: decode: %w", err)
	}
	return nil
}

// Jikan reports "Currently Airing" / "Finished Airing"; map the two that carry
// reconciliation meaning and pass anything else through lowercased.
func normalizeMALStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "currently airing":
		return catalog.StatusOngoing
	case "finished airing":
		return catalog.StatusReleased
	case "not yet aired":
		return catalog.StatusAnnounced
	default:
		return strings.ToLower(strings.TrimSpace(raw))
	}
}
