package textsource

import (
	"context"
	"testing"

	"github.com/prxfinder/prxfinder/internal/proxyval"
)

func TestParse_EmitsProxiesFromText(t *testing.T) {
	ts := New("demo", "http://23.11.67.100:80 and socks5://67.105.188.1:5001")

	out := make(chan *proxyval.Proxy, 4)
	if err := ts.Parse(context.Background(), out); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	close(out)

	var hosts []string
	for p := range out {
		hosts = append(hosts, p.Host)
	}
	if len(hosts) != 2 {
		t.Fatalf("expected 2 proxies, got %d: %v", len(hosts), hosts)
	}
}
