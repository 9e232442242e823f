// Package upstream handles dialing a destination through an upstream
// HTTP, HTTPS, SOCKS4, or SOCKS5 proxy. Used by the probe client (C3,
// one connection per probe); the TCP relay (C10) dials its upstream
// directly and does not go through this package. Each call owns its own
// connection, nothing here is pooled or reused across calls.
package upstream

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/net/proxy"

	"github.com/prxfinder/prxfinder/internal/proxyval"
)

// Dial opens a TCP connection to destination ("host:port") through the
// given upstream proxy.
func Dial(ctx context.Context, p *proxyval.Proxy, destination string) (net.Conn, error) {
	hostPort := fmt.Sprintf("%s:%d", p.Host, p.Port)
	switch p.Scheme {
	case proxyval.SchemeHTTP, proxyval.SchemeHTTPS:
		return dialHTTP(ctx, p, hostPort, destination)
	case proxyval.SchemeSOCKS5:
		return dialSOCKS5(ctx, p, hostPort, destination)
	case proxyval.SchemeSOCKS4:
		return dialSOCKS4(ctx, p, hostPort, destination)
	default:
		return nil, fmt.Errorf("unsupported upstream scheme: %s", p.Scheme)
	}
}

// dialHTTP sends an HTTP CONNECT request to the upstream proxy and returns
// the connection after the tunnel is established.
func dialHTTP(ctx context.Context, p *proxyval.Proxy, hostPort, destination string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy %s: %w", hostPort, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodConnect, "//"+destination, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("build CONNECT request: %w", err)
	}
	req.Host = destination

	if p.Login != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(p.Login + ":" + p.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("upstream proxy CONNECT failed: %s", resp.Status)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// dialSOCKS5 dials through a SOCKS5 upstream proxy.
func dialSOCKS5(ctx context.Context, p *proxyval.Proxy, hostPort, destination string) (net.Conn, error) {
	var auth *proxy.Auth
	if p.Login != "" {
		auth = &proxy.Auth{User: p.Login, Password: p.Password}
	}

	dialer, err := proxy.SOCKS5("tcp", hostPort, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create socks5 dialer: %w", err)
	}

	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}
	if cd, ok := dialer.(contextDialer); ok {
		conn, err := cd.DialContext(ctx, "tcp", destination)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial %s: %w", destination, err)
		}
		return conn, nil
	}

	conn, err := dialer.Dial("tcp", destination)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial %s: %w", destination, err)
	}
	return conn, nil
}

// dialSOCKS4 implements the minimal SOCKS4/4a CONNECT handshake.
// golang.org/x/net/proxy only ships a SOCKS5 client, so SOCKS4 is
// hand-rolled here against RFC-less but widely implemented SOCKS4a wire
// format: VN=4, CD=1, DSTPORT(2), DSTIP(4, 0.0.0.x for 4a), USERID\0,
// [hostname\0 for 4a].
func dialSOCKS4(ctx context.Context, p *proxyval.Proxy, hostPort, destination string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy %s: %w", hostPort, err)
	}

	destHost, destPortStr, err := net.SplitHostPort(destination)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bad destination %q: %w", destination, err)
	}
	destPort, err := net.LookupPort("tcp", destPortStr)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bad destination port %q: %w", destPortStr, err)
	}

	req := []byte{0x04, 0x01, byte(destPort >> 8), byte(destPort)}
	req = append(req, 0, 0, 0, 1) // 0.0.0.1 signals SOCKS4a hostname resolution
	if p.Login != "" {
		req = append(req, []byte(p.Login)...)
	}
	req = append(req, 0x00)
	req = append(req, []byte(destHost)...)
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write socks4 request: %w", err)
	}

	resp := make([]byte, 8)
	if _, err := readFull(conn, resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read socks4 response: %w", err)
	}
	if resp[0] != 0x00 || resp[1] != 0x5a {
		conn.Close()
		return nil, fmt.Errorf("socks4 connect rejected: code 0x%02x", resp[1])
	}
	return conn, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// bufferedConn wraps a net.Conn and prepends already-buffered bytes to the
// read stream. Used when bufio.Reader consumed extra bytes from a CONNECT
// response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
