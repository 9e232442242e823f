// Package source defines the proxy-source plug-in framework: anything
// that can emit parsed Proxy values onto the persistence ingress queue.
// Source-specific scraping (HTML, ZIP) is out of scope; this package
// only owns the plug-in contract and the supervisor that runs plug-ins
// independently of one another.
//
// Grounded on the original's app.py parse_sources/callback_parse
// (independent task per source, completion/failure logged, one source's
// failure never stops another).
package source

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prxfinder/prxfinder/internal/proxyval"
)

// Source emits parsed Proxy values onto out until its feed is exhausted
// or ctx is canceled.
type Source interface {
	Name() string
	Parse(ctx context.Context, out chan<- *proxyval.Proxy) error
}

// Supervisor runs a set of Sources, each in its own goroutine. A
// source's failure is logged but never stops the others, matching the
// original's per-task done-callback behavior.
type Supervisor struct {
	sources []Source
	out     chan<- *proxyval.Proxy
	logger  *slog.Logger
}

// NewSupervisor builds a Supervisor feeding out from every source in
// sources.
func NewSupervisor(sources []Source, out chan<- *proxyval.Proxy, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{sources: sources, out: out, logger: logger}
}

// Run launches every source and blocks until all have finished or ctx is
// canceled.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, src := range s.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			s.logger.Info("source starting", slog.String("source", src.Name()))
			err := src.Parse(ctx, s.out)
			if err != nil {
				s.logger.Error("source failed", slog.String("source", src.Name()), slog.Any("err", err))
				return
			}
			s.logger.Info("source finished", slog.String("source", src.Name()))
		}(src)
	}
	wg.Wait()
}
