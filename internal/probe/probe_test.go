package probe

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prxfinder/prxfinder/internal/proxyval"
)

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

// fakeConnectProxy is a minimal HTTP CONNECT tunnel listening on a real
// TCP port, used so Run dials through an actual upstream rather than
// mocking the transport.
func fakeConnectProxy(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleConnect(conn)
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func handleConnect(client net.Conn) {
	defer client.Close()
	req, err := http.ReadRequest(bufio.NewReader(client))
	if err != nil || req.Method != http.MethodConnect {
		return
	}
	upstreamConn, err := net.Dial("tcp", req.Host)
	if err != nil {
		client.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer upstreamConn.Close()
	client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	done := make(chan struct{}, 2)
	go func() { io.Copy(upstreamConn, client); done <- struct{}{} }()
	go func() { io.Copy(client, upstreamConn); done <- struct{}{} }()
	<-done
}

func TestRun_SuccessThroughHTTPProxy(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	proxyAddr, stop := fakeConnectProxy(t)
	defer stop()

	host, port := splitHostPort(t, proxyAddr)
	p := &proxyval.Proxy{Host: host, Port: port, Scheme: proxyval.SchemeHTTP}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := Run(ctx, p, Config{URL: target.URL, Timeout: 5 * time.Second, Attempts: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StatusResponse != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusResponse)
	}
	if res.Latency < 0 {
		t.Fatalf("expected non-negative latency, got %v", res.Latency)
	}
}

func TestRun_ConnectionRefusedIsRetriedThenFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // closed immediately: nothing listening, connection refused

	host, port := splitHostPort(t, addr)
	p := &proxyval.Proxy{Host: host, Port: port, Scheme: proxyval.SchemeHTTP}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = Run(ctx, p, Config{URL: "http://example.invalid/status/200", Timeout: 1 * time.Second, Attempts: 2})
	if err == nil {
		t.Fatal("expected error for unreachable proxy")
	}
}

func TestRun_PolicyFailureNotRetried(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer target.Close()

	proxyAddr, stop := fakeConnectProxy(t)
	defer stop()

	host, port := splitHostPort(t, proxyAddr)
	p := &proxyval.Proxy{Host: host, Port: port, Scheme: proxyval.SchemeHTTP}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := Run(ctx, p, Config{URL: target.URL, Timeout: 5 * time.Second, Attempts: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StatusResponse != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.StatusResponse)
	}
}
