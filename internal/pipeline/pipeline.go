// Package pipeline wires the persistence gateway, rescheduler, checker,
// locator, source plug-ins, and TCP relay into the single running
// process and owns the startup/shutdown order.
//
// Grounded on the original's app.py (create_task_handlers_api_to_db:
// persistence → rescheduler → checker → locator → parse_sources) and
// on_shutdown/shutdown_proxy_in_process (pause → snapshot registry →
// per-entry update(in_process=false) → stop → close http client → close
// DB pool).
package pipeline

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prxfinder/prxfinder/internal/checker"
	"github.com/prxfinder/prxfinder/internal/config"
	"github.com/prxfinder/prxfinder/internal/geoip"
	"github.com/prxfinder/prxfinder/internal/metrics"
	"github.com/prxfinder/prxfinder/internal/probe"
	"github.com/prxfinder/prxfinder/internal/proxyval"
	"github.com/prxfinder/prxfinder/internal/registry"
	"github.com/prxfinder/prxfinder/internal/relay"
	"github.com/prxfinder/prxfinder/internal/rescheduler"
	"github.com/prxfinder/prxfinder/internal/source"
	"github.com/prxfinder/prxfinder/internal/stage"
	"github.com/prxfinder/prxfinder/internal/storage"
)

// unboundedQueueSize is used for queues config.md describes as
// "unbounded unless specified" — Go channels have no unbounded mode, so
// a generous fixed buffer stands in for one.
const unboundedQueueSize = 4096

// storageErrBuf bounds the fatal-ish storage-error channel (spec.md §7
// item 5: storage errors are "logged and raised out of the per-item
// task" rather than silently dropped like other stages' failures). A
// small buffer is enough since the channel is drained continuously by
// whoever calls StorageErrors(); it only needs to absorb a burst.
const storageErrBuf = 16

// SourceFactory builds a Source given the process's shared HTTP client.
// Registered under a name so PARSE_SOURCES can select it by string, the
// way the original looked plug-ins up by class name.
type SourceFactory func(httpClient *http.Client) source.Source

// Pipeline owns every long-running component and the queues between
// them.
type Pipeline struct {
	cfg     *config.Config
	gateway storage.Gateway
	logger  *slog.Logger
	metrics *metrics.Metrics

	httpClient *http.Client

	ingressQueue chan *proxyval.Proxy // Q_ingress: rescheduler -> checker
	checkedQueue chan *proxyval.Proxy // checker -> locator
	persistQueue chan *proxyval.Proxy // queue_api_to_db: locator/sources/API -> persistence

	persistIngress chan<- *proxyval.Proxy // registry-wrapped entry point onto persistQueue, shared by sources and the HTTP API

	storageErrors chan error // fatal-ish: persistence-stage storage failures, spec.md §7 item 5

	resched    *rescheduler.Rescheduler
	checkSt    *stage.Stage[*proxyval.Proxy, *proxyval.Proxy]
	locateSt   *stage.Stage[*proxyval.Proxy, *proxyval.Proxy]
	persistSt  *stage.Stage[*proxyval.Proxy, *proxyval.Proxy]
	supervisor *source.Supervisor
	relay      *relay.Relay
}

// New builds a Pipeline. sourceFactories maps a configured source name
// (cfg.ParseSources) to its constructor; unknown names are logged and
// skipped.
func New(cfg *config.Config, gateway storage.Gateway, sourceFactories map[string]SourceFactory, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     cfg.TCPLimitPerHost,
			MaxIdleConnsPerHost: cfg.TCPLimitPerHost,
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: !cfg.VerifySSL},
		},
	}

	ingressBound := cfg.LimitCheckerQueues
	if ingressBound <= 0 {
		ingressBound = unboundedQueueSize
	}

	pl := &Pipeline{
		cfg:           cfg,
		gateway:       gateway,
		logger:        logger,
		metrics:       m,
		httpClient:    httpClient,
		ingressQueue:  make(chan *proxyval.Proxy, ingressBound),
		checkedQueue:  make(chan *proxyval.Proxy, unboundedQueueSize),
		persistQueue:  make(chan *proxyval.Proxy, unboundedQueueSize),
		storageErrors: make(chan error, storageErrBuf),
	}

	staleAfter := time.Duration(cfg.DeltaMinutesForCheck) * time.Minute
	pl.resched = rescheduler.New(gateway, registryIngress(pl.ingressQueue), staleAfter, time.Second, logger, m)

	probeCfg := probe.Config{
		URL:      cfg.ProbeURL,
		Timeout:  time.Duration(cfg.ProbeTimeoutSeconds) * time.Second,
		Attempts: 3,
	}
	chk := checker.New(probeCfg, logger, m)
	checkConcurrency := cfg.LimitCheckProxy
	if checkConcurrency <= 0 {
		checkConcurrency = 50
	}
	pl.checkSt = stage.New[*proxyval.Proxy, *proxyval.Proxy]("checker", pl.ingressQueue, pl.checkedQueue, checkConcurrency, chk.Process, logger)

	geoClient := geoip.NewClient(cfg.GeoAPIBase, 0, httpClient, logger)
	locator := geoip.NewLocator(geoClient, logger, m)
	pl.locateSt = stage.New[*proxyval.Proxy, *proxyval.Proxy]("locator", pl.checkedQueue, pl.persistQueue, 20, locator.Process, logger)

	pl.persistSt = stage.New[*proxyval.Proxy, *proxyval.Proxy]("persistence", pl.persistQueue, nil, 20, pl.persist, logger)

	var sources []source.Source
	for _, name := range cfg.ParseSources {
		factory, ok := sourceFactories[name]
		if !ok {
			logger.Warn("unknown source plugin", slog.String("name", name))
			continue
		}
		sources = append(sources, factory(httpClient))
	}
	pl.persistIngress = registryIngress(pl.persistQueue)
	pl.supervisor = source.NewSupervisor(sources, pl.persistIngress, logger)

	relayCfg := relay.DefaultConfig()
	relayCfg.ListenAddr = relayListenAddr(cfg.RelayListenPort)
	pl.relay = relay.New(relayCfg, gateway, logger, m)

	return pl
}

// PersistQueue exposes queue_api_to_db so the HTTP control API can
// enqueue freshly submitted proxies onto the same persistence path
// sources use (spec.md §6: POST /proxy enqueues to queue_api_to_db
// directly, bypassing check/locate).
func (p *Pipeline) PersistQueue() chan<- *proxyval.Proxy {
	return p.persistIngress
}

// StorageErrors exposes the persistence stage's fatal-ish error channel
// (spec.md §7 item 5). Every send is non-blocking against a small
// buffer, so a caller that never reads from this channel does not stall
// persistence; a caller that does read it (cmd/root.go) can surface a
// sustained storage outage instead of it being indistinguishable from
// normal operation in the log stream.
func (p *Pipeline) StorageErrors() <-chan error {
	return p.storageErrors
}

// Start launches every component in the documented order: persistence →
// rescheduler → checker → locator → sources → relay.
func (p *Pipeline) Start(ctx context.Context) error {
	p.persistSt.Start(ctx)
	p.resched.Start(ctx)
	p.checkSt.Start(ctx)
	p.locateSt.Start(ctx)
	go p.supervisor.Run(ctx)

	go func() {
		if err := p.relay.Start(ctx); err != nil {
			p.logger.Error("relay stopped", slog.Any("err", err))
		}
	}()

	if p.metrics != nil {
		go p.reportQueueDepth(ctx)
	}

	return nil
}

// reportQueueDepth samples each stage's input-channel length into
// stage_queue_depth on an interval. Channel length is a point-in-time
// read (no lock needed, len() on a chan is safe to call concurrently)
// so this is purely observational and never blocks the stages it
// samples.
func (p *Pipeline) reportQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.metrics.StageQueueDepth.WithLabelValues("checker").Set(float64(len(p.ingressQueue)))
			p.metrics.StageQueueDepth.WithLabelValues("locator").Set(float64(len(p.checkedQueue)))
			p.metrics.StageQueueDepth.WithLabelValues("persist").Set(float64(len(p.persistQueue)))
		}
	}
}

// Stop runs the drain protocol: pause the rescheduler, snapshot the live
// Proxy registry, clear in_process on each entry, stop the rescheduler,
// then release the HTTP client and close the DB pool. Best-effort: a
// failure at one step does not abort later steps.
func (p *Pipeline) Stop(ctx context.Context) {
	p.resched.Pause()

	snapshot := registry.Proxies.Snapshot()
	for _, proxy := range snapshot {
		proxy.InProcess = false
		if err := p.gateway.UpdateProxy(ctx, proxy); err != nil {
			p.logger.Error("drain: clear in_process failed", slog.String("proxy", proxy.String()), slog.Any("err", err))
		}
	}

	p.resched.Stop()
	p.checkSt.Stop()
	p.locateSt.Stop()
	p.persistSt.Stop()
	if err := p.relay.Stop(); err != nil {
		p.logger.Error("drain: relay stop failed", slog.Any("err", err))
	}

	p.httpClient.CloseIdleConnections()
	p.gateway.Close()
}

// persist is the persistence stage's Process: the dispatch rule from
// spec.md §4.7 — a recheck (in_process was true entering this stage)
// clears in_process and updates; a fresh submission inserts.
func (p *Pipeline) persist(ctx context.Context, proxy *proxyval.Proxy) (*proxyval.Proxy, bool) {
	defer registry.Proxies.Remove(proxy)

	var err error
	if proxy.InProcess {
		proxy.InProcess = false
		err = p.gateway.UpdateProxy(ctx, proxy)
	} else {
		err = p.gateway.InsertProxy(ctx, proxy)
	}
	if err != nil {
		p.logger.Error("persistence failed", slog.String("proxy", proxy.String()), slog.Any("err", err))
		p.raiseStorageError(fmt.Errorf("persist proxy %s: %w", proxy.String(), err))
	}

	if proxy.Location != nil {
		if err := p.gateway.InsertLocation(ctx, proxy.Location); err != nil {
			p.logger.Error("persist location failed", slog.String("ip", proxy.Location.IP), slog.Any("err", err))
		}
	}

	return proxy, false
}

// raiseStorageError re-raises a persistence-stage storage failure onto
// storageErrors without blocking the stage: the channel is a bounded
// buffer, not a log; if nothing is reading it yet a full buffer just
// drops the newest entry rather than stalling persistence further.
func (p *Pipeline) raiseStorageError(err error) {
	select {
	case p.storageErrors <- err:
	default:
	}
}

// registryIngress wraps a channel send so every Proxy entering it is
// also added to the live-reference registry, matching the original's
// registry-add-on-ingress lifecycle (spec.md §9).
func registryIngress(ch chan *proxyval.Proxy) chan *proxyval.Proxy {
	wrapped := make(chan *proxyval.Proxy)
	go func() {
		for p := range wrapped {
			registry.Proxies.Add(p)
			ch <- p
		}
	}()
	return wrapped
}

func relayListenAddr(port int) string {
	if port <= 0 {
		port = 5555
	}
	return "0.0.0.0:" + strconv.Itoa(port)
}
