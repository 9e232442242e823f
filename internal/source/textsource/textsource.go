// Package textsource is a demonstration Source implementation over a
// static text blob, standing in for the HTML/ZIP scrapers the original
// shipped (free_proxy.py et al.) without importing an HTML parser.
package textsource

import (
	"context"
	"fmt"

	"github.com/prxfinder/prxfinder/internal/proxyval"
	"github.com/prxfinder/prxfinder/internal/source"
)

// TextSource extracts scheme://host:port candidates from a fixed text
// blob and emits each as a Proxy.
type TextSource struct {
	name string
	text string
}

// New creates a TextSource named name over the given text.
func New(name, text string) *TextSource {
	return &TextSource{name: name, text: text}
}

// Name implements source.Source.
func (t *TextSource) Name() string { return t.name }

// Parse implements source.Source: extract candidates, parse each into a
// Proxy, and emit the well-formed ones.
func (t *TextSource) Parse(ctx context.Context, out chan<- *proxyval.Proxy) error {
	for _, c := range source.ExtractSchemeHostPort(t.text) {
		raw := fmt.Sprintf("%s://%s:%s", c.Scheme, c.Host, c.Port)
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
	return nil
}
