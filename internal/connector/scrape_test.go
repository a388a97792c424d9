package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/tributary/internal/ingesterr"
	"github.com/ppiankov/tributary/internal/model"
	"github.com/ppiankov/tributary/internal/util"
)

const listingHTML = `<html><body>
<div class="feed">
  <article class="story">
    <h2 class="headline">Reservoir levels fall again</h2>
    <a class="more" href="/news/reservoir-levels">read</a>
    <div class="teaser"><p>Water authority reports a <b>third</b> week of decline.</p></div>
    <span class="when">2026-08-30</span>
  </article>
  <article class="story">
    <h2 class="headline">New rail link opens</h2>
    <a class="more" href="/news/rail-link">read</a>
    <div class="teaser"><p>First trains ran this morning.</p></div>
    <span class="when">2026-08-29</span>
  </article>
</div>
</body></html>`

func scrapeSource(endpoint string) model.DataSource {
	return model.DataSource{
		ID:       "city-news",
		Kind:     model.KindScraper,
		Endpoint: endpoint,
		Cadence:  10 * time.Minute,
		Selectors: model.Selectors{
			Item:  "article.story",
			Title: "h2.headline",
			Link:  "a.more",
			Body:  "div.teaser",
			Date:  "span.when",
		},
	}
}

func newsServer(t *testing.T, robots string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			if robots == "" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(robots))
		default:
			_, _ = w.Write([]byte(listingHTML))
		}
	}))
}

func scrapeDeps() Deps {
	deps := testDeps()
	deps.Robots = util.NewRobotsChecker("Tributary", 5*time.Second, time.Hour)
	return deps
}

func TestScrapeConnector_Extract(t *testing.T) {
	srv := newsServer(t, "")
	defer srv.Close()

	conn := NewScrapeConnector(scrapeSource(srv.URL), scrapeDeps())
	items, next, err := conn.Fetch(context.Background(), "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	first := items[0]
	if first.Title != "Reservoir levels fall again" {
		t.Errorf("unexpected title %q", first.Title)
	}
	if first.URL != srv.URL+"/news/reservoir-levels" {
		t.Errorf("relative link not resolved: %q", first.URL)
	}
	if !strings.Contains(first.Body, "**third**") {
		t.Errorf("expected markdown body, got %q", first.Body)
	}
	if first.PublishedAt.IsZero() {
		t.Error("expected parsed publication date")
	}
	if first.Fingerprint == "" {
		t.Error("expected fingerprint")
	}
	if next != first.URL {
		t.Errorf("cursor should be the newest item URL, got %q", next)
	}
}

func TestScrapeConnector_CursorStopsAtKnownItem(t *testing.T) {
	srv := newsServer(t, "")
	defer srv.Close()

	conn := NewScrapeConnector(scrapeSource(srv.URL), scrapeDeps())
	ctx := context.Background()

	items, next, err := conn.Fetch(ctx, "")
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	// Nothing new on the page: the cursor matches the newest item
	items, repeatNext, err := conn.Fetch(ctx, next)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected no items past the cursor, got %d", len(items))
	}
	if repeatNext != next {
		t.Errorf("cursor must be stable when nothing is new, got %q", repeatNext)
	}
}

func TestScrapeConnector_RobotsDisallowed(t *testing.T) {
	srv := newsServer(t, "User-agent: *\nDisallow: /\n")
	defer srv.Close()

	conn := NewScrapeConnector(scrapeSource(srv.URL), scrapeDeps())
	_, _, err := conn.Fetch(context.Background(), "")
	if err == nil {
		t.Fatal("expected error for disallowed site")
	}
	if got := ingesterr.KindOf(err); got != ingesterr.KindPermanent {
		t.Errorf("robots denial is permanent, got %v", got)
	}
}

func TestScrapeConnector_SelectorMismatchIsPermanent(t *testing.T) {
	srv := newsServer(t, "")
	defer srv.Close()

	src := scrapeSource(srv.URL)
	src.Selectors.Item = "div.no-such-block"
	conn := NewScrapeConnector(src, scrapeDeps())

	_, _, err := conn.Fetch(context.Background(), "")
	if err == nil {
		t.Fatal("expected error for changed markup")
	}
	if got := ingesterr.KindOf(err); got != ingesterr.KindPermanent {
		t.Errorf("markup drift is permanent, got %v", got)
	}
}

func TestScrapeConnector_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	conn := NewScrapeConnector(scrapeSource(srv.URL), scrapeDeps())
	_, _, err := conn.Fetch(context.Background(), "")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := ingesterr.KindOf(err); got != ingesterr.KindTransient {
		t.Errorf("expected transient, got %v", got)
	}
}

func TestScrapeConnector_PolitenessDelay(t *testing.T) {
	srv := newsServer(t, "")
	defer srv.Close()

	src := scrapeSource(srv.URL)
	src.Delay = 60 * time.Millisecond
	conn := NewScrapeConnector(src, scrapeDeps())

	start := time.Now()
	if _, _, err := conn.Fetch(context.Background(), ""); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("configured delay not honored, fetch took %v", elapsed)
	}
}

func TestNew_SelectsVariant(t *testing.T) {
	deps := scrapeDeps()

	api, err := New(apiSource("https://example.com/api"), deps)
	if err != nil {
		t.Fatalf("New api: %v", err)
	}
	if _, ok := api.(*APIConnector); !ok {
		t.Errorf("expected APIConnector, got %T", api)
	}

	scraper, err := New(scrapeSource("https://example.com"), deps)
	if err != nil {
		t.Fatalf("New scraper: %v", err)
	}
	if _, ok := scraper.(*ScrapeConnector); !ok {
		t.Errorf("expected ScrapeConnector, got %T", scraper)
	}

	_, err = New(model.DataSource{ID: "x", Kind: "ftp", Endpoint: "e", Cadence: time.Minute}, deps)
	if err == nil {
		t.Error("expected error for unknown kind")
	}
}
