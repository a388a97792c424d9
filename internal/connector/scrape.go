package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ppiankov/tributary/internal/dedup"
	"github.com/ppiankov/tributary/internal/ingesterr"
	"github.com/ppiankov/tributary/internal/model"
	"github.com/ppiankov/tributary/internal/util"
)

// ScrapeConnector extracts articles from an HTML news page. Site
// politeness (robots.txt rules, crawl delay, the configured per-request
// delay) is enforced inside Fetch, not as a separate gate.
type ScrapeConnector struct {
	source     model.DataSource
	httpClient *http.Client
	userAgent  string
	maxBytes   int64
	robots     *util.RobotsChecker
	converter  *md.Converter
	fpConfig   dedup.FingerprintConfig
}

// NewScrapeConnector creates a connector for an HTML news site
func NewScrapeConnector(src model.DataSource, deps Deps) *ScrapeConnector {
	return &ScrapeConnector{
		source:     src,
		httpClient: newHTTPClient(deps.HTTP),
		userAgent:  deps.HTTP.UserAgent,
		maxBytes:   deps.HTTP.MaxBodyBytes,
		robots:     deps.Robots,
		converter:  md.NewConverter("", true, nil),
		fpConfig:   deps.Fingerprint,
	}
}

var _ Connector = (*ScrapeConnector)(nil)

// SourceID identifies the source this connector serves
func (c *ScrapeConnector) SourceID() string {
	return c.source.ID
}

// Fetch scrapes the listing page and returns items newer than cursor.
// The cursor is the canonical URL of the newest item from the last
// committed run; collection stops when it is reached.
func (c *ScrapeConnector) Fetch(ctx context.Context, cursor string) ([]model.RawItem, string, error) {
	if c.robots != nil {
		allowed, crawlDelay, err := c.robots.CanFetch(ctx, c.source.Endpoint)
		if err != nil {
			return nil, "", ingesterr.Permanent("robots check", err)
		}
		if !allowed {
			return nil, "", ingesterr.Permanent("robots check", fmt.Errorf("robots.txt disallows %s", c.source.Endpoint))
		}
		if err := c.politenessDelay(ctx, crawlDelay); err != nil {
			return nil, "", err
		}
	} else if err := c.politenessDelay(ctx, 0); err != nil {
		return nil, "", err
	}

	doc, err := c.fetchDocument(ctx, c.source.Endpoint)
	if err != nil {
		return nil, "", err
	}

	items, err := c.extract(doc, cursor)
	if err != nil {
		return nil, "", err
	}

	next := cursor
	if len(items) > 0 {
		next = items[0].URL // Listing pages order newest first
	}
	return items, next, nil
}

// politenessDelay sleeps the larger of the robots crawl delay and the
// configured per-request delay
func (c *ScrapeConnector) politenessDelay(ctx context.Context, crawlDelay time.Duration) error {
	delay := c.source.Delay
	if crawlDelay > delay {
		delay = crawlDelay
	}
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (c *ScrapeConnector) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, ingesterr.Permanent("create request", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ingesterr.Transient("fetch page", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("unexpected status: %d %s", resp.StatusCode, resp.Status)
		if ingesterr.FromStatusCode(resp.StatusCode) == ingesterr.KindTransient {
			return nil, ingesterr.Transient("fetch page", statusErr)
		}
		return nil, ingesterr.Permanent("fetch page", statusErr)
	}

	maxBytes := c.maxBytes
	if maxBytes <= 0 {
		maxBytes = 2_000_000
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, ingesterr.Permanent("parse page", err)
	}
	return doc, nil
}

// extract walks the configured item selector and normalizes each match
func (c *ScrapeConnector) extract(doc *goquery.Document, cursor string) ([]model.RawItem, error) {
	sel := c.source.Selectors
	if sel.Item == "" {
		return nil, ingesterr.Permanent("extract", fmt.Errorf("source %q has no item selector", c.source.ID))
	}

	matches := doc.Find(sel.Item)
	if matches.Length() == 0 {
		// A page that stopped matching means the markup changed
		return nil, ingesterr.Permanent("extract", fmt.Errorf("selector %q matched nothing", sel.Item))
	}

	now := time.Now().UTC()
	var items []model.RawItem

	matches.EachWithBreak(func(_ int, block *goquery.Selection) bool {
		title := strings.TrimSpace(block.Find(sel.Title).First().Text())
		href, _ := block.Find(sel.Link).First().Attr("href")
		itemURL := c.resolveURL(href)
		if title == "" || itemURL == "" {
			return true
		}
		if cursor != "" && itemURL == cursor {
			// Reached the newest item of the last committed run
			return false
		}

		item := model.RawItem{
			SourceID:  c.source.ID,
			FetchedAt: now,
			Title:     title,
			URL:       itemURL,
			Locale:    c.source.Locale,
		}
		if sel.Body != "" {
			if html, err := block.Find(sel.Body).First().Html(); err == nil {
				if markdown, err := c.converter.ConvertString(html); err == nil {
					item.Body = strings.TrimSpace(markdown)
				}
			}
		}
		if sel.Date != "" {
			item.PublishedAt = parseDate(strings.TrimSpace(block.Find(sel.Date).First().Text()))
		}
		item.Fingerprint = dedup.Fingerprint(item.Title, item.Body, item.URL, c.fpConfig)
		items = append(items, item)
		return true
	})

	return items, nil
}

// resolveURL makes item links absolute against the source endpoint
func (c *ScrapeConnector) resolveURL(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	base, err := url.Parse(c.source.Endpoint)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// parseDate tries the formats news sites commonly emit
func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
		"Jan 2, 2006",
		"2 Jan 2006",
	} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
