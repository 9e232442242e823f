// Package rescheduler runs the claim-due loop: periodically ask storage
// for a row that's new or stale, mark it in_process in memory, and push
// it onto the ingress queue.
//
// Grounded on the original's db_work.py StartProxyHandler (_start loop:
// get_proxy -> sleep(1) on empty -> push to queue) and the teacher's
// rotator.Rotator for the Start/Stop/wg.Wait shutdown idiom.
package rescheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prxfinder/prxfinder/internal/metrics"
	"github.com/prxfinder/prxfinder/internal/proxyval"
	"github.com/prxfinder/prxfinder/internal/storage"
)

// state is the rescheduler's running/paused/stopped machine.
type state int

const (
	stateStopped state = iota
	stateRunning
	statePaused
)

// Rescheduler claims due proxies from storage and feeds them to the
// ingress queue.
type Rescheduler struct {
	gateway    storage.Gateway
	ingress    chan<- *proxyval.Proxy
	staleAfter time.Duration
	pollDelay  time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu     sync.Mutex
	st     state
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Rescheduler. staleAfter is the "recheck due" threshold
// (spec's delta_minutes_for_check); pollDelay defaults to 1s when 0. m
// may be nil, in which case no metrics are recorded.
func New(gateway storage.Gateway, ingress chan<- *proxyval.Proxy, staleAfter, pollDelay time.Duration, logger *slog.Logger, m *metrics.Metrics) *Rescheduler {
	if pollDelay <= 0 {
		pollDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rescheduler{
		gateway:    gateway,
		ingress:    ingress,
		staleAfter: staleAfter,
		pollDelay:  pollDelay,
		logger:     logger,
		metrics:    m,
		st:         stateStopped,
	}
}

// Start begins the claim loop in a new goroutine. No-op if a claim loop
// is already running or paused. A Rescheduler paused before Start
// starts paused.
func (r *Rescheduler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	if r.st != statePaused {
		r.st = stateRunning
	}
	r.mu.Unlock()

	go r.run(ctx)
}

func (r *Rescheduler) run(ctx context.Context) {
	defer close(r.done)
	r.logger.Info("rescheduler starting")
	for {
		if ctx.Err() != nil {
			return
		}
		if r.isPaused() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.pollDelay):
			}
			continue
		}

		p, err := r.gateway.ClaimDue(ctx, r.staleAfter)
		if err != nil {
			r.observe(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.pollDelay):
			}
			continue
		}
		r.observe(nil)

		p.InProcess = true
		select {
		case r.ingress <- p:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Rescheduler) observe(err error) {
	if r.metrics == nil {
		return
	}
	outcome := "claimed"
	switch {
	case errors.Is(err, storage.ErrNotFound):
		outcome = "none_due"
	case err != nil:
		outcome = "error"
	}
	r.metrics.ClaimsTotal.WithLabelValues(outcome).Inc()
}

func (r *Rescheduler) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st == statePaused
}

// Pause blocks further claims without tearing down the goroutine. Used
// during shutdown drain. Pausing before Start makes the loop start
// paused.
func (r *Rescheduler) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st == stateRunning || r.cancel == nil {
		r.st = statePaused
	}
}

// Resume reverses Pause.
func (r *Rescheduler) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st == statePaused {
		r.st = stateRunning
	}
}

// Stop cancels the claim loop and waits for it to exit.
func (r *Rescheduler) Stop() {
	r.mu.Lock()
	if r.cancel == nil {
		r.st = stateStopped
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.st = stateStopped
	r.mu.Unlock()

	cancel()
	<-done
}
