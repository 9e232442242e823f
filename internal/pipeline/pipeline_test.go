package pipeline

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prxfinder/prxfinder/internal/proxyval"
	"github.com/prxfinder/prxfinder/internal/storage"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway is a minimal in-memory storage.Gateway recording which
// operation (insert vs update) each call used.
type fakeGateway struct {
	mu        sync.Mutex
	rows      map[string]*proxyval.Proxy
	inserts   int
	updates   int
	locInsert int
}

func newFakeGateway() *fakeGateway { return &fakeGateway{rows: make(map[string]*proxyval.Proxy)} }

func key(host string, port int) string { return host + ":" + strconv.Itoa(port) }

func (f *fakeGateway) InsertProxy(ctx context.Context, p *proxyval.Proxy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	f.rows[key(p.Host, p.Port)] = p
	return nil
}
func (f *fakeGateway) UpdateProxy(ctx context.Context, p *proxyval.Proxy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	f.rows[key(p.Host, p.Port)] = p
	return nil
}
func (f *fakeGateway) DeleteProxy(ctx context.Context, host string, port int) error { return nil }
func (f *fakeGateway) SelectProxy(ctx context.Context, host string, port int) (*proxyval.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[key(host, port)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}
func (f *fakeGateway) ClaimDue(ctx context.Context, staleAfter time.Duration) (*proxyval.Proxy, error) {
	return nil, storage.ErrNotFound
}
func (f *fakeGateway) GetRandomAlive(ctx context.Context, scheme string, limit int) (*proxyval.Proxy, error) {
	return nil, storage.ErrNotFound
}
func (f *fakeGateway) InsertLocation(ctx context.Context, l *proxyval.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locInsert++
	return nil
}
func (f *fakeGateway) SelectLocation(ctx context.Context, ip string) (*proxyval.Location, error) {
	return nil, storage.ErrNotFound
}
func (f *fakeGateway) DeleteLocation(ctx context.Context, ip string) error          { return nil }
func (f *fakeGateway) LocationExists(ctx context.Context, ip string) (bool, error) { return false, nil }
func (f *fakeGateway) Close()                                                      {}

func TestPersist_FreshSubmissionInserts(t *testing.T) {
	fg := newFakeGateway()
	pl := &Pipeline{gateway: fg, logger: noopLogger()}

	p := &proxyval.Proxy{Host: "1.2.3.4", Port: 8080}
	out, ok := pl.persist(context.Background(), p)

	if ok {
		t.Fatal("persistence stage should never forward downstream")
	}
	if out != p {
		t.Fatal("expected same proxy returned")
	}
	if fg.inserts != 1 || fg.updates != 0 {
		t.Fatalf("expected 1 insert, 0 updates, got inserts=%d updates=%d", fg.inserts, fg.updates)
	}
}

func TestPersist_RecheckClearsInProcessAndUpdates(t *testing.T) {
	fg := newFakeGateway()
	pl := &Pipeline{gateway: fg, logger: noopLogger()}

	p := &proxyval.Proxy{Host: "1.2.3.4", Port: 8080, InProcess: true}
	pl.persist(context.Background(), p)

	if p.InProcess {
		t.Fatal("expected in_process cleared on recheck dispatch")
	}
	if fg.inserts != 0 || fg.updates != 1 {
		t.Fatalf("expected 0 inserts, 1 update, got inserts=%d updates=%d", fg.inserts, fg.updates)
	}
}

func TestPersist_AttachedLocationIsPersisted(t *testing.T) {
	fg := newFakeGateway()
	pl := &Pipeline{gateway: fg, logger: noopLogger()}

	p := &proxyval.Proxy{Host: "1.2.3.4", Port: 8080, Location: &proxyval.Location{IP: "1.2.3.4"}}
	pl.persist(context.Background(), p)

	if fg.locInsert != 1 {
		t.Fatalf("expected location to be persisted once, got %d", fg.locInsert)
	}
}
