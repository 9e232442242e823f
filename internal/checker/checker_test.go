package checker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prxfinder/prxfinder/internal/probe"
	"github.com/prxfinder/prxfinder/internal/proxyval"
)

func TestCheck_MarksAliveOn200(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	proxyAddr, stop := fakeDirectProxy(t, target.Listener.Addr().String())
	defer stop()

	host, port := splitHostPort(t, proxyAddr)
	p := &proxyval.Proxy{Host: host, Port: port, Scheme: proxyval.SchemeHTTP}

	c := New(probe.Config{URL: target.URL, Timeout: 5 * time.Second, Attempts: 2}, nil, nil)
	c.Check(context.Background(), p)

	if p.IsAlive == nil || !*p.IsAlive {
		t.Fatal("expected is_alive=true")
	}
	if p.LatencySeconds == nil || *p.LatencySeconds < 0 {
		t.Fatalf("expected non-negative latency, got %v", p.LatencySeconds)
	}
}

func TestCheck_MarksDeadOnConnectionError(t *testing.T) {
	p := &proxyval.Proxy{Host: "127.0.0.1", Port: 1, Scheme: proxyval.SchemeHTTP}

	c := New(probe.Config{URL: "http://example.invalid/status/200", Timeout: 1 * time.Second, Attempts: 1}, nil, nil)
	c.Check(context.Background(), p)

	if p.IsAlive == nil || *p.IsAlive {
		t.Fatal("expected is_alive=false")
	}
	if p.LatencySeconds != nil {
		t.Fatal("expected latency untouched")
	}
}

func TestCheck_MarksDeadOnNon200(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer target.Close()

	proxyAddr, stop := fakeDirectProxy(t, target.Listener.Addr().String())
	defer stop()

	host, port := splitHostPort(t, proxyAddr)
	p := &proxyval.Proxy{Host: host, Port: port, Scheme: proxyval.SchemeHTTP}

	c := New(probe.Config{URL: target.URL, Timeout: 5 * time.Second, Attempts: 1}, nil, nil)
	c.Check(context.Background(), p)

	if p.IsAlive == nil || *p.IsAlive {
		t.Fatal("expected is_alive=false on non-200")
	}
	if p.LatencySeconds != nil {
		t.Fatal("expected latency untouched on non-200")
	}
}
