package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/connect3/backend/internal/metrics"
	"github.com/connect3/backend/pkg/config"
	"github.com/connect3/backend/pkg/logger"
	"github.com/connect3/backend/pkg/utils"
)

const (
	defaultSerpURL = "https://serpapi.com/search"
	defaultHTMLURL = "https://html.duckduckgo.com/html/"
	maxPageBytes   = 2 << 20
	maxContentLen  = 5000
	excerptLen     = 1200
)

// Cache stores JSON-encodable search results.
type Cache interface {
	GetJSON(ctx context.Context, key string, out interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type Client struct {
	serpAPIKey      string
	serpURL         string
	htmlURL         string
	maxResults      int
	officialDomains []string
	cache           Cache
	cacheTTL        time.Duration
	httpClient      *http.Client
}

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Content string `json:"content"`
}

type Option func(*Client)

func WithCache(cache Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithEndpoints overrides the SerpAPI and HTML search endpoints.
func WithEndpoints(serpURL, htmlURL string) Option {
	return func(c *Client) {
		if serpURL != "" {
			c.serpURL = serpURL
		}
		if htmlURL != "" {
			c.htmlURL = htmlURL
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(cfg config.WebConfig, opts ...Option) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}

	c := &Client{
		serpAPIKey:      cfg.SerpAPIKey,
		serpURL:         defaultSerpURL,
		htmlURL:         defaultHTMLURL,
		maxResults:      maxResults,
		officialDomains: cfg.OfficialDomains,
		cacheTTL:        time.Duration(cfg.CacheTTLSec) * time.Second,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search returns results from official sources only. The institution name,
// when given, is appended to the query.
func (c *Client) Search(ctx context.Context, query, institution string) ([]SearchResult, error) {
	q := strings.TrimSpace(query)
	if institution != "" {
		q = q + " " + institution
	}

	key := "web:" + utils.CacheKey(q)
	if c.cache != nil {
		var cached []SearchResult
		hit, err := c.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			logger.Warn("Web cache read failed", zap.Error(err))
		}
		if hit {
			metrics.CacheHits.WithLabelValues("web").Inc()
			return cached, nil
		}
		metrics.CacheMisses.WithLabelValues("web").Inc()
	}

	logger.Info("Performing web search", zap.String("query", q))

	var (
		results []SearchResult
		err     error
	)
	if c.serpAPIKey != "" {
		results, err = c.searchWithSerpAPI(ctx, q)
	} else {
		results, err = c.searchWithHTML(ctx, q)
	}
	if err != nil {
		return nil, err
	}

	c.fillContent(ctx, results, query)

	if c.cache != nil && c.cacheTTL > 0 && len(results) > 0 {
		if err := c.cache.SetJSON(ctx, key, results, c.cacheTTL); err != nil {
			logger.Warn("Web cache write failed", zap.Error(err))
		}
	}

	logger.Info("Web search completed", zap.Int("results", len(results)))
	return results, nil
}

func (c *Client) siteQuery(query string) string {
	if len(c.officialDomains) == 0 {
		return query
	}
	sites := make([]string, 0, len(c.officialDomains))
	for _, d := range c.officialDomains {
		sites = append(sites, "site:"+strings.TrimPrefix(d, "."))
	}
	return fmt.Sprintf("%s (%s)", query, strings.Join(sites, " OR "))
}

func (c *Client) searchWithSerpAPI(ctx context.Context, query string) ([]SearchResult, error) {
	params := url.Values{}
	params.Add("q", c.siteQuery(query))
	params.Add("api_key", c.serpAPIKey)
	params.Add("num", strconv.Itoa(c.maxResults*2))

	body, err := c.get(ctx, c.serpURL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var searchResp struct {
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
	}
	if err := json.NewDecoder(body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	results := make([]SearchResult, 0, c.maxResults)
	for _, r := range searchResp.OrganicResults {
		if len(results) >= c.maxResults {
			break
		}
		if !IsOfficial(r.Link, c.officialDomains) {
			continue
		}
		results = append(results, SearchResult{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return results, nil
}

func (c *Client) searchWithHTML(ctx context.Context, query string) ([]SearchResult, error) {
	body, err := c.get(ctx, c.htmlURL+"?q="+url.QueryEscape(c.siteQuery(query)))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	results := make([]SearchResult, 0, c.maxResults)
	doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if len(results) >= c.maxResults {
			return false
		}
		a := s.Find("a.result__a").First()
		title := strings.TrimSpace(a.Text())
		link := resolveRedirect(a.AttrOr("href", ""))
		if title == "" || !IsOfficial(link, c.officialDomains) {
			return true
		}
		results = append(results, SearchResult{
			Title:   title,
			URL:     link,
			Snippet: strings.TrimSpace(s.Find(".result__snippet").Text()),
		})
		return true
	})
	return results, nil
}

// resolveRedirect unwraps result links of the form /l/?uddg=<target>.
func resolveRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

func (c *Client) fillContent(ctx context.Context, results []SearchResult, query string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range results {
		i := i
		g.Go(func() error {
			content, err := c.scrapeContent(gctx, results[i].URL)
			if err != nil || content == "" {
				logger.Warn("Failed to scrape content", zap.String("url", results[i].URL), zap.Error(err))
				results[i].Content = results[i].Snippet
				return nil
			}
			results[i].Content = Excerpt(content, query, excerptLen)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Client) scrapeContent(ctx context.Context, urlStr string) (string, error) {
	body, err := c.get(ctx, urlStr)
	if err != nil {
		return "", err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(body, maxPageBytes))
	if err != nil {
		return "", err
	}

	return utils.Truncate(CleanText(doc), maxContentLen), nil
}

func (c *Client) get(ctx context.Context, urlStr string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; connect3-search/1.0)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// CleanText extracts readable body text from an HTML document.
func CleanText(doc *goquery.Document) string {
	doc.Find("script, style, nav, footer, header, noscript, iframe, form").Remove()
	root := doc.Find("main")
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	return strings.Join(strings.Fields(root.Text()), " ")
}

// IsOfficial reports whether rawURL's host falls under one of domains.
// Entries starting with a dot match any host ending in them; others match
// the host or its subdomains.
func IsOfficial(rawURL string, domains []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if len(domains) == 0 {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if strings.HasPrefix(d, ".") {
			if strings.HasSuffix(host, d) {
				return true
			}
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
