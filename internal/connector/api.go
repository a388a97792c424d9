package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ppiankov/tributary/internal/dedup"
	"github.com/ppiankov/tributary/internal/ingesterr"
	"github.com/ppiankov/tributary/internal/model"
)

// APIConnector pulls JSON records from a REST endpoint. Two paging
// modes: server-driven tokens when the source config names a cursor
// field, otherwise a since-cursor derived from the newest published
// timestamp seen.
type APIConnector struct {
	source     model.DataSource
	httpClient *http.Client
	userAgent  string
	maxBytes   int64
	fpConfig   dedup.FingerprintConfig
	fields     model.FieldMap
}

// NewAPIConnector creates a connector for a REST/government API source
func NewAPIConnector(src model.DataSource, deps Deps) *APIConnector {
	fields := src.Fields
	if fields.Title == "" {
		fields.Title = "title"
	}
	if fields.Body == "" {
		fields.Body = "body"
	}
	if fields.URL == "" {
		fields.URL = "url"
	}
	if fields.Published == "" {
		fields.Published = "published_at"
	}

	return &APIConnector{
		source:     src,
		httpClient: newHTTPClient(deps.HTTP),
		userAgent:  deps.HTTP.UserAgent,
		maxBytes:   deps.HTTP.MaxBodyBytes,
		fpConfig:   deps.Fingerprint,
		fields:     fields,
	}
}

var _ Connector = (*APIConnector)(nil)

// SourceID identifies the source this connector serves
func (c *APIConnector) SourceID() string {
	return c.source.ID
}

// Fetch retrieves one page of records newer than cursor
func (c *APIConnector) Fetch(ctx context.Context, cursor string) ([]model.RawItem, string, error) {
	reqURL, err := c.buildURL(cursor)
	if err != nil {
		return nil, "", ingesterr.Permanent("build request url", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, "", ingesterr.Permanent("create request", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", ingesterr.Transient("fetch", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("unexpected status: %d %s", resp.StatusCode, resp.Status)
		if ingesterr.FromStatusCode(resp.StatusCode) == ingesterr.KindTransient {
			return nil, "", ingesterr.Transient("fetch", err)
		}
		return nil, "", ingesterr.Permanent("fetch", err)
	}

	maxBytes := c.maxBytes
	if maxBytes <= 0 {
		maxBytes = 2_000_000
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, "", ingesterr.Transient("read body", err)
	}

	records, nextToken, err := c.decode(body)
	if err != nil {
		// A payload that stopped decoding means the schema changed,
		// retrying cannot help
		return nil, "", ingesterr.Permanent("decode response", err)
	}

	items, newest := c.normalize(records, cursor)

	next := c.nextCursor(cursor, nextToken, newest, len(items))
	return items, next, nil
}

// buildURL attaches the paging parameter for the configured mode
func (c *APIConnector) buildURL(cursor string) (string, error) {
	parsed, err := url.Parse(c.source.Endpoint)
	if err != nil {
		return "", err
	}
	if cursor != "" {
		q := parsed.Query()
		if c.fields.Cursor != "" {
			q.Set("cursor", cursor)
		} else {
			q.Set("since", cursor)
		}
		parsed.RawQuery = q.Encode()
	}
	return parsed.String(), nil
}

// decode extracts the record array and the next-page token from the
// response payload. Accepts a top-level array or an object wrapping one.
func (c *APIConnector) decode(body []byte) ([]map[string]any, string, error) {
	var asArray []map[string]any
	if err := json.Unmarshal(body, &asArray); err == nil {
		return asArray, "", nil
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(body, &asObject); err != nil {
		return nil, "", fmt.Errorf("neither array nor object: %w", err)
	}

	itemsField := c.fields.Items
	if itemsField == "" {
		itemsField = "items"
	}
	raw, ok := asObject[itemsField]
	if !ok {
		return nil, "", fmt.Errorf("field %q missing from response", itemsField)
	}
	if err := json.Unmarshal(raw, &asArray); err != nil {
		return nil, "", fmt.Errorf("field %q: %w", itemsField, err)
	}

	nextToken := ""
	if c.fields.Cursor != "" {
		if raw, ok := asObject[c.fields.Cursor]; ok {
			_ = json.Unmarshal(raw, &nextToken)
		}
	}
	return asArray, nextToken, nil
}

// normalize maps decoded records onto RawItems, skipping records that
// carry neither title nor URL. Returns the newest published timestamp
// for since-cursor tracking.
func (c *APIConnector) normalize(records []map[string]any, cursor string) ([]model.RawItem, time.Time) {
	now := time.Now().UTC()
	var newest time.Time
	items := make([]model.RawItem, 0, len(records))

	for _, rec := range records {
		title := stringField(rec, c.fields.Title)
		itemURL := stringField(rec, c.fields.URL)
		if title == "" && itemURL == "" {
			continue
		}

		item := model.RawItem{
			SourceID:  c.source.ID,
			FetchedAt: now,
			Title:     title,
			Body:      stringField(rec, c.fields.Body),
			URL:       itemURL,
			Locale:    c.source.Locale,
		}
		if published := stringField(rec, c.fields.Published); published != "" {
			if ts, err := time.Parse(time.RFC3339, published); err == nil {
				item.PublishedAt = ts.UTC()
				if item.PublishedAt.After(newest) {
					newest = item.PublishedAt
				}
			}
		}
		item.Fingerprint = dedup.Fingerprint(item.Title, item.Body, item.URL, c.fpConfig)
		items = append(items, item)
	}
	return items, newest
}

// nextCursor decides what to hand back for the following Fetch
func (c *APIConnector) nextCursor(cursor, nextToken string, newest time.Time, itemCount int) string {
	if c.fields.Cursor != "" {
		return nextToken
	}
	if itemCount == 0 {
		return cursor
	}
	if !newest.IsZero() {
		return newest.Format(time.RFC3339)
	}
	return cursor
}

func stringField(rec map[string]any, field string) string {
	if v, ok := rec[field]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
