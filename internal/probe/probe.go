// Package probe opens a single outbound HTTP session through a candidate
// proxy and measures whether it is alive and how fast it answers.
//
// Grounded on the original's checker.py probe step (GET through the
// proxy, latency = t_after_headers - t_before_request) and on the
// teacher's internal/upstream dialer for the actual proxy transport.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/prxfinder/prxfinder/internal/proxyval"
	"github.com/prxfinder/prxfinder/internal/upstream"
)

// Config controls probe behavior. Zero value is not usable; use
// DefaultConfig.
type Config struct {
	URL      string
	Timeout  time.Duration
	Attempts uint
	ReadBody bool
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		URL:      "http://httpbin.org/status/200",
		Timeout:  180 * time.Second,
		Attempts: 3,
	}
}

// Result is what a single probe call observed.
type Result struct {
	URL            string
	StatusResponse int
	Headers        http.Header
	Latency        time.Duration
}

// connError marks an error as connection-class (retryable), as opposed to
// a protocol or policy failure that should be returned immediately.
type connError struct{ err error }

func (c *connError) Error() string { return c.err.Error() }
func (c *connError) Unwrap() error { return c.err }

func asConnError(err error) error {
	if err == nil {
		return nil
	}
	// http.Client.Do wraps every failure in *url.Error, which itself
	// satisfies net.Error; classify by the error it wraps instead.
	inner := err
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		inner = urlErr.Err
	}
	var netErr net.Error
	if errors.As(inner, &netErr) {
		return &connError{err}
	}
	if errors.Is(inner, context.DeadlineExceeded) || errors.Is(inner, context.Canceled) {
		return &connError{err}
	}
	// A server that closes the connection before answering surfaces as EOF.
	if errors.Is(inner, io.EOF) || errors.Is(inner, io.ErrUnexpectedEOF) {
		return &connError{err}
	}
	// Dial/connection-refused/EOF-on-write errors from net package also
	// surface as *net.OpError without satisfying net.Error in all cases.
	var opErr *net.OpError
	if errors.As(inner, &opErr) {
		return &connError{err}
	}
	return err
}

func isConnError(err error) bool {
	var ce *connError
	return errors.As(err, &ce)
}

// Run opens a fresh http.Client dialing through p, issues one GET against
// cfg.URL, and returns the outcome. On connection-class errors (proxy
// unreachable, disconnect, timeout) the GET is attempted up to
// cfg.Attempts times in all; any other error (malformed response, etc.)
// is returned immediately.
func Run(ctx context.Context, p *proxyval.Proxy, cfg Config) (*Result, error) {
	if cfg.URL == "" {
		cfg = DefaultConfig()
	}
	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = 3
	}

	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return upstream.Dial(ctx, p, addr)
			},
		},
	}

	var result *Result
	err := retry.Do(
		func() error {
			res, err := doOnce(ctx, client, cfg)
			if err != nil {
				return asConnError(err)
			}
			result = res
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.RetryIf(isConnError),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("probe %s via %s: %w", cfg.URL, p.String(), err)
	}
	return result, nil
}

func doOnce(ctx context.Context, client *http.Client, cfg Config) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	before := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	latency := time.Since(before)

	if cfg.ReadBody {
		_, _ = readAndDiscard(resp)
	}

	return &Result{
		URL:            cfg.URL,
		StatusResponse: resp.StatusCode,
		Headers:        resp.Header.Clone(),
		Latency:        latency,
	}, nil
}

func readAndDiscard(resp *http.Response) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := resp.Body.Read(buf)
		total += int64(n)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return total, err
			}
			return total, nil
		}
	}
}
