// Package geoip resolves a proxy's host to geolocation data through a
// rate-limited JSON geo-IP API, and the Locator stage that attaches the
// result to a Proxy.
//
// Grounded on the original's ApiLocation/LocationTaskHandler
// (checker.py): GET {base}/{ip}, 200 decodes a Location, 403 signals the
// documented "15,000 queries/hour" quota exceeded, anything else is
// transient and ignored.
package geoip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/prxfinder/prxfinder/internal/metrics"
	"github.com/prxfinder/prxfinder/internal/proxyval"
)

// ErrRateLimited is returned when the geo-IP API answers 403, signaling
// the hourly quota has been exhausted.
var ErrRateLimited = errors.New("geoip: rate limit exceeded")

// DefaultBase is the spec's documented default geo-IP API base.
const DefaultBase = "https://freegeoip.app/json/"

// defaultHourlyQueries mirrors the API's documented default quota
// ("up to 15,000 queries per hour by default").
const defaultHourlyQueries = 15000

// Client queries the geo-IP API, throttled to stay under the documented
// hourly quota.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient builds a Client. base defaults to DefaultBase when empty.
// queriesPerHour defaults to the API's documented quota when 0.
func NewClient(base string, queriesPerHour int, httpClient *http.Client, logger *slog.Logger) *Client {
	if base == "" {
		base = DefaultBase
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if queriesPerHour <= 0 {
		queriesPerHour = defaultHourlyQueries
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	// rate.Limit is "events per second"; spread the hourly budget evenly
	// and allow a small burst so a cluster of lookups doesn't stall
	// needlessly.
	perSecond := rate.Limit(float64(queriesPerHour) / 3600.0)
	return &Client{
		base:    base,
		http:    httpClient,
		limiter: rate.NewLimiter(perSecond, 10),
		logger:  logger,
	}
}

// Lookup fetches location data for host. Returns ErrRateLimited on HTTP
// 403. A non-200, non-403 response returns (nil, nil): transient, no
// location, caller should not treat it as an error.
func (c *Client) Lookup(ctx context.Context, host string) (*proxyval.Location, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+host, nil)
	if err != nil {
		return nil, fmt.Errorf("build geoip request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var loc proxyval.Location
		if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
			return nil, fmt.Errorf("decode geoip response: %w", err)
		}
		return &loc, nil
	case http.StatusForbidden:
		return nil, ErrRateLimited
	default:
		return nil, nil
	}
}

// Locator enriches a Proxy with location data. Process never drops the
// Proxy: enrichment failure or throttling must not cost the pipeline its
// liveness data.
type Locator struct {
	client  *Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewLocator builds a Locator around client. m may be nil, in which case
// no metrics are recorded.
func NewLocator(client *Client, logger *slog.Logger, m *metrics.Metrics) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{client: client, logger: logger, metrics: m}
}

// Process implements the stage.Process signature for the Locator stage.
func (l *Locator) Process(ctx context.Context, p *proxyval.Proxy) (*proxyval.Proxy, bool) {
	loc, err := l.client.Lookup(ctx, p.Host)
	switch {
	case errors.Is(err, ErrRateLimited):
		l.logger.Warn("geoip rate limit exceeded", slog.String("host", p.Host))
		l.observe("rate_limited")
	case err != nil:
		l.logger.Debug("geoip lookup error", slog.String("host", p.Host), slog.Any("err", err))
		l.observe("error")
	case loc != nil:
		p.Location = loc
		l.observe("found")
	default:
		l.observe("empty")
	}
	return p, true
}

func (l *Locator) observe(outcome string) {
	if l.metrics == nil {
		return
	}
	l.metrics.GeoLookupsTotal.WithLabelValues(outcome).Inc()
}
