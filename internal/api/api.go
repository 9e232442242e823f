// Package api exposes the process's HTTP control surface: a liveness
// ping, submission of freshly discovered proxies, and a live-count
// snapshot from the registry. The Prometheus scrape endpoint is served
// separately (see internal/metrics and cmd/root.go), matching this
// process's "ambient concerns on their own port" convention.
//
// Endpoints
//
//	GET  /          liveness ping
//	POST /proxy      submit proxies for persistence
//	GET  /stats      live Proxy/Location counts
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prxfinder/prxfinder/internal/proxyval"
	"github.com/prxfinder/prxfinder/internal/registry"
)

// Server is the HTTP control API server.
type Server struct {
	persistQueue chan<- *proxyval.Proxy
	logger       *slog.Logger
	server       *http.Server
}

// New creates and configures the API server. persistQueue is the
// pipeline's queue_api_to_db entry point (Pipeline.PersistQueue).
func New(addr string, persistQueue chan<- *proxyval.Proxy, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{persistQueue: persistQueue, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/proxy", s.handleProxy)
	mux.HandleFunc("/stats", s.handleStats)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop closes the listener and every open connection immediately; it
// does not wait for in-flight requests to finish.
func (s *Server) Stop() error {
	return s.server.Close()
}

// proxySubmission is the POST /proxy request body.
type proxySubmission struct {
	Proxys []string `json:"proxys"`
}

// handleRoot is the liveness ping.
//
//	GET /
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jsonOK(w, map[string]any{"test": "hello word"})
}

// handleProxy parses every submitted proxy URL and enqueues it directly
// onto queue_api_to_db, bypassing the checker and locator. Parsing is
// all-or-nothing: if any entry fails, the whole request is rejected and
// nothing is enqueued.
//
//	POST /proxy
//	Body: {"proxys": ["scheme://[user:pass@]host:port", ...]}
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body proxySubmission
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, http.StatusBadRequest, err)
		return
	}

	parsed := make([]*proxyval.Proxy, 0, len(body.Proxys))
	for _, raw := range body.Proxys {
		p, err := proxyval.ParseURL(raw)
		if err != nil {
			jsonError(w, http.StatusBadRequest, err)
			return
		}
		if err := p.RequireHostPort(); err != nil {
			jsonError(w, http.StatusBadRequest, err)
			return
		}
		parsed = append(parsed, p)
	}

	for _, p := range parsed {
		s.persistQueue <- p
	}

	s.logger.Info("proxy submission accepted", slog.Int("count", len(parsed)))
	jsonOK(w, map[string]any{"status": "put to processing"})
}

// handleStats reports the current live-reference counts.
//
//	GET /stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jsonOK(w, map[string]any{
		"Proxy":    registry.Proxies.Len(),
		"Location": registry.Locations.Len(),
	})
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"Error": err.Error()})
}
