// Package stage implements the generic worker-pool driver shared by every
// pipeline step: pull from an input channel, bound concurrency by a
// semaphore acquired *before* the pull (so back-pressure propagates
// upstream), spawn a detached goroutine per item, push its result
// downstream.
//
// This generalizes the original's class-hierarchy-based
// BaseTaskHandler/BasePipelineTask (spec.md §9 Design Notes: "re-architect
// as a generic worker combinator parameterized by a process function and
// a concurrency bound, rather than a class hierarchy").
package stage

import (
	"context"
	"log/slog"
	"sync"
)

// Process transforms one input item into zero-or-one output items. A
// false ok return means "drop this item, nothing to forward" (e.g. a
// malformed item that should not advance downstream).
type Process[In, Out any] func(ctx context.Context, in In) (out Out, ok bool)

// Stage pulls items from In, runs Process with bounded concurrency, and
// pushes results onto Out. Completion order of individual items is not
// guaranteed; FIFO order only applies to when an item *enters*
// processing, not when it finishes.
type Stage[In, Out any] struct {
	name    string
	in      <-chan In
	out     chan<- Out
	process Process[In, Out]
	sem     chan struct{}
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Stage. maxConcurrency bounds the number of in-flight
// Process calls; it must be >= 1.
func New[In, Out any](name string, in <-chan In, out chan<- Out, maxConcurrency int, process Process[In, Out], logger *slog.Logger) *Stage[In, Out] {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage[In, Out]{
		name:    name,
		in:      in,
		out:     out,
		process: process,
		sem:     make(chan struct{}, maxConcurrency),
		logger:  logger,
	}
}

// Start launches the driver loop in a new goroutine. Safe to call once;
// calling it again while already running is a no-op.
func (s *Stage[In, Out]) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	driverCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	go s.driver(driverCtx, ctx)
}

// driver is the cooperative pull/spawn loop (spec.md §4.5 steps 1-5).
// Items run under itemCtx, which Stop does not cancel.
func (s *Stage[In, Out]) driver(ctx, itemCtx context.Context) {
	defer close(s.done)
	s.logger.Info("stage starting", slog.String("stage", s.name))
	for {
		select {
		case <-ctx.Done():
			return
		case s.sem <- struct{}{}:
		}

		select {
		case <-ctx.Done():
			<-s.sem
			return
		case item, ok := <-s.in:
			if !ok {
				<-s.sem
				return
			}
			s.wg.Add(1)
			go s.processItem(itemCtx, item)
		}
	}
}

// processItem runs Process and releases the semaphore permit in every
// exit path, including a panic recovered here (spec.md §4.5 step 5).
func (s *Stage[In, Out]) processItem(ctx context.Context, item In) {
	defer s.wg.Done()
	defer func() { <-s.sem }()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("stage processing panic", slog.String("stage", s.name), slog.Any("recover", r))
		}
	}()

	out, ok := s.process(ctx, item)
	if !ok {
		return
	}
	select {
	case s.out <- out:
	case <-ctx.Done():
	}
}

// Stop cancels the driver loop. In-flight processItem goroutines are not
// canceled; they run to completion. Idempotent.
func (s *Stage[In, Out]) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

// Wait blocks until every in-flight processItem call has returned.
func (s *Stage[In, Out]) Wait() {
	s.wg.Wait()
}

// IsRunning reports whether the driver loop is active.
func (s *Stage[In, Out]) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
