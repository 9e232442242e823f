//go:build postgres

// Round-trip tests against a real Postgres instance. Skipped unless
// POSTGRESQL_URI is set; run with `go test -tags postgres ./internal/storage/...`.
package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prxfinder/prxfinder/internal/proxyval"
)

func openTestGateway(t *testing.T) *Postgres {
	t.Helper()
	uri := os.Getenv("POSTGRESQL_URI")
	if uri == "" {
		t.Skip("POSTGRESQL_URI not set")
	}
	pg, err := Open(context.Background(), uri)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(pg.Close)
	return pg
}

func TestInsertSelectUpdateDeleteProxy(t *testing.T) {
	pg := openTestGateway(t)
	ctx := context.Background()

	alive := true
	latency := 0.42
	p := &proxyval.Proxy{Host: "203.0.113.5", Port: 8080, Scheme: proxyval.SchemeHTTP, IsAlive: &alive, LatencySeconds: &latency}

	if err := pg.InsertProxy(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	defer pg.DeleteProxy(ctx, p.Host, p.Port)

	got, err := pg.SelectProxy(ctx, p.Host, p.Port)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.Host != p.Host || got.Port != p.Port {
		t.Fatalf("unexpected row: %+v", got)
	}

	got.InProcess = false
	if err := pg.UpdateProxy(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	after, err := pg.SelectProxy(ctx, p.Host, p.Port)
	if err != nil {
		t.Fatalf("select after update: %v", err)
	}
	if after.DateUpdate == nil {
		t.Fatal("expected date_update to be set by update")
	}
}

func TestClaimDue_AtomicAcrossConcurrentCallers(t *testing.T) {
	pg := openTestGateway(t)
	ctx := context.Background()

	p := &proxyval.Proxy{Host: "203.0.113.9", Port: 9090, Scheme: proxyval.SchemeHTTP}
	if err := pg.InsertProxy(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	defer pg.DeleteProxy(ctx, p.Host, p.Port)

	results := make(chan *proxyval.Proxy, 2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			got, err := pg.ClaimDue(ctx, time.Hour)
			results <- got
			errs <- err
		}()
	}

	claimed := 0
	notFound := 0
	for i := 0; i < 2; i++ {
		got := <-results
		err := <-errs
		switch {
		case err == nil && got != nil:
			claimed++
		case err == ErrNotFound:
			notFound++
		default:
			t.Fatalf("unexpected claim result: %+v, %v", got, err)
		}
	}
	if claimed != 1 || notFound != 1 {
		t.Fatalf("expected exactly one claim to win, got claimed=%d notFound=%d", claimed, notFound)
	}
}
