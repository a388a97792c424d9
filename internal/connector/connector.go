// Package connector fetches and parses one external source into
// normalized RawItems. Connectors are stateless between calls except for
// the opaque cursor they receive and return; they classify their errors
// but never decide retry timing.
package connector

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/ppiankov/tributary/internal/dedup"
	"github.com/ppiankov/tributary/internal/model"
	"github.com/ppiankov/tributary/internal/util"
)

// Connector fetches one page of items past the given cursor. The
// returned cursor is opaque: the caller passes it back verbatim, either
// on the next page of the same run or, once committed, on the next run.
// An empty item slice signals that the stream is exhausted.
type Connector interface {
	// SourceID identifies the source this connector serves
	SourceID() string

	// Fetch retrieves items newer than cursor. Errors carry a
	// Transient/Permanent classification via ingesterr.
	Fetch(ctx context.Context, cursor string) (items []model.RawItem, next string, err error)
}

// Deps carries shared collaborators for connector construction
type Deps struct {
	HTTP        model.HTTPConfig
	Robots      *util.RobotsChecker
	Fingerprint dedup.FingerprintConfig
}

// New selects the connector variant for a source. The variant is fixed
// at configuration load, not at call time.
func New(src model.DataSource, deps Deps) (Connector, error) {
	switch src.Kind {
	case model.KindAPI:
		return NewAPIConnector(src, deps), nil
	case model.KindScraper:
		return NewScrapeConnector(src, deps), nil
	default:
		return nil, fmt.Errorf("source %q: %w", src.ID, model.ErrUnknownSourceKind)
	}
}

// newHTTPClient builds the outbound client shared by both variants
func newHTTPClient(cfg model.HTTPConfig) *http.Client {
	transport := &http.Transport{
		Proxy: util.NewProxyFunc(cfg.HTTPProxy, cfg.HTTPSProxy),
	}
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return fmt.Errorf("stopped after 3 redirects")
			}
			return nil
		},
	}
}
