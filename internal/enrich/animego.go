// Package enrich resolves mirror-site links for catalog items.
//
// The lookup scrapes an unrelated site and is therefore unreliable by nature:
// every failure mode (network, markup drift, no match) yields an empty result
// and never an error. Core correctness must not depend on this package.
package enrich

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/html"

	"aniwatch/pkg/logx"
)

// Resolver finds a mirror link for a release title. An empty string means no
// link could be resolved.
type Resolver interface {
	ResolveLink(ctx context.Context, title string) string
}

// Nop resolves nothing. Used when enrichment is disabled.
type Nop struct{}

func (Nop) ResolveLink(context.Context, string) string { return "" }

type AnimeGOConfig struct {
	BaseURL   string
	Timeout   time.Duration
	CacheSize int
}

// AnimeGO searches animego.me and returns the first result anchor whose text
// contains the requested title. Results (including misses) are memoized so a
// full refresh does not hammer the search endpoint with repeat titles.
type AnimeGO struct {
	cfg    AnimeGOConfig
	log    logx.Logger
	client *http.Client
	cache  *lru.Cache[string, string]
}

func NewAnimeGO(cfg AnimeGOConfig, log logx.Logger) (*AnimeGO, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://animego.me"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cache, err := lru.New[string, string](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &AnimeGO{
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
	}, nil
}

func (a *AnimeGO) ResolveLink(ctx context.Context, title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return ""
	}
	key := strings.ToLower(title)
	if link, ok := a.cache.Get(key); ok {
		return link
	}

	link := a.lookup(ctx, title)
	a.cache.Add(key, link)
	return link
}

func (a *AnimeGO) lookup(ctx context.Context, title string) string {
	searchURL := a.cfg.BaseURL + "/search/anime?q=" + url.QueryEscape(title)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return ""
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.log.Debug("mirror search failed", logx.String("title", title), logx.Err(err))
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		a.log.Debug("mirror search non-200", logx.String("title", title), logx.Int("status", resp.StatusCode))
		return ""
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		a.log.Debug("mirror search parse failed", logx.String("title", title), logx.Err(err))
		return ""
	}

	want := strings.ToLower(title)
	var found string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			href := attr(n, "href")
			if strings.HasPrefix(href, "/anime/") &&
				strings.Contains(strings.ToLower(nodeText(n)), want) {
				found = a.cfg.BaseURL + href
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if found != "" {
		a.log.Debug("mirror link resolved", logx.String("title", title), logx.String("url", found))
	}
	return found
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}
