// Package catalog fetches OPDS feeds from the media server.
package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bryan-buckman/bookvore/internal/common"
	"github.com/bryan-buckman/bookvore/internal/endpoint"
	"github.com/bryan-buckman/bookvore/internal/logging"
	"github.com/bryan-buckman/bookvore/internal/metrics"
	"github.com/bryan-buckman/bookvore/internal/model"
	"github.com/bryan-buckman/bookvore/internal/opds"
)

const acceptFeed = "application/atom+xml,application/xml"

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches and normalizes OPDS feeds. Every call goes to the network;
// nothing is cached.
type Client struct {
	http   Doer
	logger *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP transport.
func WithHTTPClient(d Doer) Option {
	return func(c *Client) { c.http = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a feed client.
func NewClient(opts ...Option) *Client {
	c := &Client{http: http.DefaultClient}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = logging.L()
	}
	return c
}

// FetchRoot fetches the catalog root, which Kavita serves under the user's
// API key. It fails with ErrMissingAPIKey before touching the network when
// the session has none.
func (c *Client) FetchRoot(ctx context.Context, s model.Session) (model.Feed, error) {
	if !s.HasAPIKey() {
		return model.Feed{}, common.ErrMissingAPIKey
	}
	u, err := endpoint.CreateAPIURL(s.BaseURL, "/api/opds/"+s.APIKey)
	if err != nil {
		return model.Feed{}, err
	}
	return c.fetch(ctx, s, u)
}

// FetchByHref fetches the feed behind a navigation link. Absolute hrefs are
// used verbatim, relative ones resolve against the session's base URL.
func (c *Client) FetchByHref(ctx context.Context, s model.Session, href string) (model.Feed, error) {
	u, err := endpoint.ResolveHref(s.BaseURL, href)
	if err != nil {
		return model.Feed{}, err
	}
	return c.fetch(ctx, s, u)
}

func (c *Client) fetch(ctx context.Context, s model.Session, u string) (feed model.Feed, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordFeedFetch(time.Since(start), err)
		if err != nil {
			c.logger.Warn("feed fetch failed", zap.String("url", u), zap.Error(err))
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.Feed{}, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("Accept", acceptFeed)
	if s.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	}

	c.logger.Debug("fetching feed", zap.String("url", u))
	resp, err := c.http.Do(req)
	if err != nil {
		return model.Feed{}, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if !common.IsSuccess(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, resp.Body)
		return model.Feed{}, &common.HTTPError{Op: "failed to load the OPDS feed", Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Feed{}, fmt.Errorf("read feed: %w", err)
	}
	return opds.Parse(body)
}
