package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prxfinder/prxfinder/internal/proxyval"
)

type stubSource struct {
	name string
	emit []string
	fail error
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Parse(ctx context.Context, out chan<- *proxyval.Proxy) error {
	for _, raw := range s.emit {
		p, err := proxyval.ParseURL(raw)
		if err != nil {
			continue
		}
		select {
		case out <- p:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.fail
}

func TestSupervisor_RunsAllSourcesIndependently(t *testing.T) {
	good := &stubSource{name: "good", emit: []string{"http://1.2.3.4:80"}}
	bad := &stubSource{name: "bad", fail: errors.New("boom")}

	out := make(chan *proxyval.Proxy, 4)
	sup := NewSupervisor([]Source{good, bad}, out, nil)

	done := make(chan struct{})
	go func() {
		sup.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not complete")
	}

	select {
	case p := <-out:
		if p.Host != "1.2.3.4" {
			t.Fatalf("unexpected proxy: %+v", p)
		}
	default:
		t.Fatal("expected good source's proxy on out channel")
	}
}
