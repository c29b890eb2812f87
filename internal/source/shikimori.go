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
	shikimoriBaseURL = "https://shikimori.one"

	// The animes endpoint silently truncates larger page sizes.
	shikiMaxLimit = 50
)

// Release kinds worth tracking; the listing also carries music videos and
// other fluff.
var shikimoriKinds = map[string]struct{}{
	"TV": {}, "OVA": {}, "ONA": {}, "MOVIE": {}, "SPECIAL": {},
}

type ShikimoriConfig struct {
	BaseURL   string
	UserAgent string
	Client    *http.Client
}

// Shikimori adapts the shikimori.one JSON API. Listings are requested in
// ranked order so currently-airing titles cluster near the head, which is what
// makes the incremental refresh window sufficient.
type Shikimori struct {
	cfg ShikimoriConfig
	log logx.Logger
}

func NewShikimori(cfg ShikimoriConfig, log logx.Logger) *Shikimori {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = shikimoriBaseURL
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "aniwatch/1.0"
	}
	if cfg.Client == nil {
		cfg.Client = defaultClient()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Shikimori{cfg: cfg, log: log.With(logx.String("source", string(catalog.SourceShikimori)))}
}

func (s *Shikimori) Source() catalog.Source { return catalog.SourceShikimori }

type shikiAnime struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	Russian       string   `json:"russian"`
	Japanese      string   `json:"japanese"`
	Synonyms      []string `json:"synonyms"`
	Kind          string   `json:"kind"`
	Score         string   `json:"score"`
	Status        string   `json:"status"`
	Episodes      *int     `json:"episodes"`
	EpisodesAired *int     `json:"episodes_aired"`
	AiredOn       string   `json:"aired_on"`
	ReleasedOn    string   `json:"released_on"`
	URL           string   `json:"url"`
	Image         struct {
		Original string `json:"original"`
	} `json:"image"`
	Genres []struct {
		Name    string `json:"name"`
		Russian string `json:"russian"`
	} `json:"genres"`
	Duration    *int   `json:"duration"`
	Description string `json:"description"`
}

// PageSize caps the requested limit at what the animes endpoint serves.
func (s *Shikimori) PageSize(limit int) int {
	if limit <= 0 || limit > shikiMaxLimit {
		return shikiMaxLimit
	}
	return limit
}

func (s *Shikimori) FetchPage(ctx context.Context, status string, limit, page int) (catalog.Page, error) {
	q := url.Values{}
	q.Set("status", status)
	q.Set("limit", strconv.Itoa(s.PageSize(limit)))
	q.Set("order", "ranked")
	q.Set("page", strconv.Itoa(page))

	var body []shikiAnime
	if _, err := s.get(ctx, "/api/animes?"+q.Encode(), &body); err != nil {
		return catalog.Page{}, err
	}

	records := make([]catalog.Record, 0, len(body))
	for _, a := range body {
		kind := strings.ToUpper(a.Kind)
		if _, ok := shikimoriKinds[kind]; !ok {
			continue
		}
		title := a.Russian
		if title == "" {
			title = a.Name
		}
		if title == "" || a.ID == 0 {
			s.log.Debug("skipping malformed record", logx.Int64("id", a.ID))
			continue
		}
		rec := catalog.Record{
			Source:        catalog.SourceShikimori,
			SourceID:      strconv.FormatInt(a.ID, 10),
			Title:         title,
			EnglishTitle:  strPtr(a.Name),
			JapaneseTitle: strPtr(a.Japanese),
			Synonyms:      strPtr(strings.Join(a.Synonyms, ", ")),
			URL:           strPtr(s.absURL(a.URL)),
			Kind:          strPtr(kind),
			Status:        strPtr(a.Status),
			Episodes:      a.Episodes,
			EpisodesAired: a.EpisodesAired,
			AiredOn:       parseDate(a.AiredOn),
			ReleasedOn:    parseDate(a.ReleasedOn),
			ImageURL:      strPtr(s.absURL(a.Image.Original)),
			Description:   strPtr(a.Description),
		}
		if score, err := strconv.ParseFloat(a.Score, 64); err == nil && score > 0 {
			rec.Score = &score
		}
		if len(a.Genres) > 0 {
			names := make([]string, 0, len(a.Genres))
			for _, g := range a.Genres {
				if g.Russian != "" {
					names = append(names, g.Russian)
				} else {
					names = append(names, g.Name)
				}
			}
			rec.Genres = strPtr(strings.Join(names, ", "))
		}
		if a.Duration != nil {
			rec.Duration = strPtr(strconv.Itoa(*a.Duration))
		}
		records = append(records, rec)
	}

	// The list body carries no totals; FetchCount reads them from headers.
	return catalog.Page{Records: records}, nil
}

// FetchCount asks for a single record and reads the X-Total-Count header.
func (s *Shikimori) FetchCount(ctx context.Context, status string) (int, error) {
	q := url.Values{}
	q.Set("status", status)
	q.Set("limit", "1")
	q.Set("order", "ranked")

	var body []shikiAnime
	resp, err := s.get(ctx, "/api/animes?"+q.Encode(), &body)
	if err != nil {
		return 0, err
	}
	total, err := strconv.Atoi(resp.Header.Get("X-Total-Count"))
	if err != nil {
		return 0, fmt.Errorf("shikimori: missing X-Total-Count: %w", err)
	}
	return total, nil
}

func (s *Shikimori) get(ctx context.Context, path string, out any) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("shikimori: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("shikimori: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("shikimori: decode: %w", err)
	}
	return resp, nil
}

func (s *Shikimori) absURL(path string) string {
	if path == "" || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return s.cfg.BaseURL + path
}
