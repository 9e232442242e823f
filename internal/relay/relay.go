// Package relay is the transparent TCP relay: accept a client
// connection, read its first line, pick a live upstream proxy, and
// forward bytes through it.
//
// Adapted from the teacher's internal/server (CONNECT-tunnel listener
// shape, tunnel's bidirectional io.Copy with half-close) and
// internal/upstream (dial). Unlike the teacher's server, which re-derives
// a proxy per request via rotator.ProxyFor (domain pinning, drain
// semantics), this relay selects upstream once per connection via
// storage.GetRandomAlive and does not re-derive mid-connection — the
// spec's relay has no CONNECT handshake of its own, just a pass-through
// of the first line plus one optional header.
package relay

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/prxfinder/prxfinder/internal/metrics"
	"github.com/prxfinder/prxfinder/internal/proxyval"
	"github.com/prxfinder/prxfinder/internal/storage"
)

// Config controls relay behavior.
type Config struct {
	ListenAddr    string
	ReadTimeout   time.Duration
	DialTimeout   time.Duration
	CopyTimeout   time.Duration
	FactoryScheme string // "" = any scheme
	FactoryLimit  int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:    "0.0.0.0:5555",
		ReadTimeout:   10 * time.Second,
		DialTimeout:   30 * time.Second,
		CopyTimeout:   0,
		FactoryScheme: "",
		FactoryLimit:  10,
	}
}

// Relay is the TCP relay server.
type Relay struct {
	cfg     Config
	gateway storage.Gateway
	logger  *slog.Logger
	metrics *metrics.Metrics
	ln      net.Listener
}

// New creates a Relay. Call Start to begin accepting connections. m may
// be nil, in which case no metrics are recorded.
func New(cfg Config, gateway storage.Gateway, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{cfg: cfg, gateway: gateway, logger: logger, metrics: m}
}

// Start begins listening and serving. Blocks until the listener closes.
func (r *Relay) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", r.cfg.ListenAddr, err)
	}
	r.ln = ln
	r.logger.Info("relay listening", slog.String("addr", r.cfg.ListenAddr))
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go r.handleConn(ctx, conn)
	}
}

// Stop closes the listener.
func (r *Relay) Stop() error {
	if r.ln != nil {
		return r.ln.Close()
	}
	return nil
}

func (r *Relay) handleConn(ctx context.Context, clientConn net.Conn) {
	defer clientConn.Close()

	if r.metrics != nil {
		r.metrics.RelayConnectionsActive.Inc()
		defer r.metrics.RelayConnectionsActive.Dec()
	}

	if r.cfg.ReadTimeout > 0 {
		clientConn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
	}
	br := bufio.NewReader(clientConn)
	startLine, err := br.ReadString('\n')
	if err != nil {
		r.logger.Debug("relay: read start line", slog.Any("err", err))
		return
	}
	clientConn.SetReadDeadline(time.Time{})

	// br may have buffered bytes past the start line (the rest of the
	// request's headers, delivered in the same read) — keep it alive
	// rather than switching straight to a raw io.Copy on clientConn, or
	// those bytes are lost.
	var client net.Conn = clientConn
	if br.Buffered() > 0 {
		client = &bufferedConn{Conn: clientConn, r: br}
	}

	p, err := r.gateway.GetRandomAlive(ctx, r.cfg.FactoryScheme, r.cfg.FactoryLimit)
	if err != nil {
		r.logger.Warn("relay: no upstream proxy available", slog.Any("err", err))
		return
	}

	dialer := &net.Dialer{Timeout: r.cfg.DialTimeout}
	upstreamConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(p.Host, portOf(p)))
	if err != nil {
		r.logger.Warn("relay: upstream dial failed", slog.String("proxy", p.String()), slog.Any("err", err))
		return
	}
	defer upstreamConn.Close()

	if err := forward(upstreamConn, startLine, p); err != nil {
		r.logger.Warn("relay: forward start line failed", slog.Any("err", err))
		return
	}

	r.tunnel(client, upstreamConn)
}

// bufferedConn wraps a net.Conn and reads through the bufio.Reader that
// already holds bytes buffered past the start line, mirroring
// internal/upstream's bufferedConn for the CONNECT-response path.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// CloseWrite delegates to the wrapped conn when it supports a half-close,
// so tunnel's closeWriter assertion still finds it through the wrapper.
func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

type closeWriter interface {
	CloseWrite() error
}

func (r *Relay) recordBytes(direction string, n int64) {
	if r.metrics == nil || n <= 0 {
		return
	}
	r.metrics.RelayBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func forward(upstreamConn net.Conn, startLine string, p *proxyval.Proxy) error {
	if _, err := io.WriteString(upstreamConn, startLine); err != nil {
		return err
	}
	if p.Login != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(p.Login + ":" + p.Password))
		if _, err := fmt.Fprintf(upstreamConn, "Proxy-Authorization: Basic %s\r\n", creds); err != nil {
			return err
		}
	}
	return nil
}

// tunnel performs a bidirectional copy between a client connection and
// its upstream until either side closes. direction labels in recorded
// metrics are relative to the client: "tx" is client->upstream, "rx" is
// upstream->client.
func (r *Relay) tunnel(client, upstream net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn, direction string) {
		n, _ := io.Copy(dst, src)
		r.recordBytes(direction, n)
		if cw, ok := dst.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
		done <- struct{}{}
	}
	go cp(upstream, client, "tx")
	go cp(client, upstream, "rx")
	<-done
	<-done
}

func portOf(p *proxyval.Proxy) string {
	return fmt.Sprintf("%d", p.Port)
}
