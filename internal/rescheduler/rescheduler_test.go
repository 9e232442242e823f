package rescheduler

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prxfinder/prxfinder/internal/proxyval"
	"github.com/prxfinder/prxfinder/internal/storage"
)

// fakeGateway is an in-memory storage.Gateway backing the claim-atomicity
// test below: two concurrent ClaimDue callers racing for a single due row
// must never both win.
type fakeGateway struct {
	mu      sync.Mutex
	rows    map[string]*proxyval.Proxy
	barrier chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{rows: make(map[string]*proxyval.Proxy)}
}

func key(host string, port int) string { return host + ":" + strconv.Itoa(port) }

func (f *fakeGateway) put(p *proxyval.Proxy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[key(p.Host, p.Port)] = p
}

func (f *fakeGateway) InsertProxy(ctx context.Context, p *proxyval.Proxy) error { f.put(p); return nil }
func (f *fakeGateway) UpdateProxy(ctx context.Context, p *proxyval.Proxy) error { f.put(p); return nil }
func (f *fakeGateway) DeleteProxy(ctx context.Context, host string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, key(host, port))
	return nil
}
func (f *fakeGateway) SelectProxy(ctx context.Context, host string, port int) (*proxyval.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[key(host, port)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

// ClaimDue mimics the real single-transaction select+update, but with an
// optional barrier so a test can force two goroutines to race inside the
// critical section.
func (f *fakeGateway) ClaimDue(ctx context.Context, staleAfter time.Duration) (*proxyval.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.barrier != nil {
		f.barrier <- struct{}{}
		<-f.barrier
	}

	for _, p := range f.rows {
		if !p.InProcess {
			p.InProcess = true
			return p, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeGateway) GetRandomAlive(ctx context.Context, scheme string, limit int) (*proxyval.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.rows {
		if p.IsAlive != nil && *p.IsAlive {
			return p, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeGateway) InsertLocation(ctx context.Context, l *proxyval.Location) error { return nil }
func (f *fakeGateway) SelectLocation(ctx context.Context, ip string) (*proxyval.Location, error) {
	return nil, storage.ErrNotFound
}
func (f *fakeGateway) DeleteLocation(ctx context.Context, ip string) error   { return nil }
func (f *fakeGateway) LocationExists(ctx context.Context, ip string) (bool, error) { return false, nil }
func (f *fakeGateway) Close()                                               {}

func TestRescheduler_ClaimsAndPushesToIngress(t *testing.T) {
	fg := newFakeGateway()
	fg.put(&proxyval.Proxy{Host: "10.0.0.1", Port: 8080})

	ingress := make(chan *proxyval.Proxy, 1)
	r := New(fg, ingress, time.Hour, 10*time.Millisecond, nil, nil)
	r.Start(context.Background())
	defer r.Stop()

	select {
	case p := <-ingress:
		if !p.InProcess {
			t.Fatal("expected claimed proxy marked in_process")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for claimed proxy")
	}
}

func TestRescheduler_PauseStopsClaiming(t *testing.T) {
	fg := newFakeGateway()
	fg.put(&proxyval.Proxy{Host: "10.0.0.2", Port: 8080})

	ingress := make(chan *proxyval.Proxy, 1)
	r := New(fg, ingress, time.Hour, 5*time.Millisecond, nil, nil)
	r.Pause()
	r.Start(context.Background())
	defer r.Stop()

	select {
	case <-ingress:
		t.Fatal("expected no claim while paused")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClaimDue_OnlyOneWinnerUnderConcurrentCallers(t *testing.T) {
	fg := newFakeGateway()
	fg.put(&proxyval.Proxy{Host: "10.0.0.3", Port: 8080})

	type outcome struct {
		p   *proxyval.Proxy
		err error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := fg.ClaimDue(context.Background(), time.Hour)
			results <- outcome{p, err}
		}()
	}
	wg.Wait()
	close(results)

	wins, misses := 0, 0
	for r := range results {
		if r.err == nil && r.p != nil {
			wins++
		} else if r.err == storage.ErrNotFound {
			misses++
		}
	}
	if wins != 1 || misses != 1 {
		t.Fatalf("expected exactly one winner, got wins=%d misses=%d", wins, misses)
	}
}
