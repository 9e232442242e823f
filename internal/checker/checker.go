// Package checker applies the probe-then-policy step: run a probe
// through a Proxy and translate the outcome into is_alive/latency_seconds
// mutations. Never returns an error to its caller — a dead proxy is a
// normal outcome, not a failure.
package checker

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/prxfinder/prxfinder/internal/metrics"
	"github.com/prxfinder/prxfinder/internal/probe"
	"github.com/prxfinder/prxfinder/internal/proxyval"
)

// Checker runs probe.Run and applies the liveness policy.
type Checker struct {
	cfg     probe.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Checker with the given probe configuration. m may be
// nil, in which case no metrics are recorded.
func New(cfg probe.Config, logger *slog.Logger, m *metrics.Metrics) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{cfg: cfg, logger: logger, metrics: m}
}

// Check mutates p in place: valid iff a response was received and its
// status was 200. On valid, is_alive=true and latency_seconds is set to
// the probe latency rounded to 2 decimals. Otherwise is_alive=false and
// latency_seconds is left untouched.
func (c *Checker) Check(ctx context.Context, p *proxyval.Proxy) {
	defer func() {
		now := time.Now()
		p.CheckedAt = &now
	}()

	res, err := probe.Run(ctx, p, c.cfg)
	if err != nil {
		c.logger.Debug("probe failed", slog.String("proxy", p.String()), slog.Any("err", err))
		alive := false
		p.IsAlive = &alive
		c.observe("error", p.Scheme, 0)
		return
	}

	if res.StatusResponse != 200 {
		c.logger.Debug("probe policy fail", slog.String("proxy", p.String()), slog.Int("status", res.StatusResponse))
		alive := false
		p.IsAlive = &alive
		c.observe("dead", p.Scheme, 0)
		return
	}

	alive := true
	p.IsAlive = &alive
	latency := round2(res.Latency.Seconds())
	p.LatencySeconds = &latency
	c.observe("alive", p.Scheme, res.Latency.Seconds())
}

func (c *Checker) observe(outcome string, scheme proxyval.Scheme, latencySeconds float64) {
	if c.metrics == nil {
		return
	}
	c.metrics.ProxiesCheckedTotal.WithLabelValues(outcome).Inc()
	if outcome == "alive" {
		c.metrics.CheckLatencySeconds.WithLabelValues(string(scheme)).Observe(latencySeconds)
	}
}

// Process adapts Check to the stage.Process signature used by the
// pipeline's checker stage: always forwards the (possibly now-dead)
// proxy downstream, so a dead proxy still reaches persistence.
func (c *Checker) Process(ctx context.Context, p *proxyval.Proxy) (*proxyval.Proxy, bool) {
	c.Check(ctx, p)
	return p, true
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
