package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/skobkin/procview/internal/config"
	"github.com/skobkin/procview/internal/panel"
	"github.com/skobkin/procview/internal/poller"
	"github.com/skobkin/procview/internal/processes"
	"github.com/skobkin/procview/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
)

// Poller is the snapshot provider the server reads from.
type Poller interface {
	panel.Source
	Clients() []poller.ClientInfo
	Known(clientID string) bool
	Ready() bool
	Stats(clientID string) poller.FetchStats
}

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	poller     Poller
	limiter    *rateLimiter

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
	rateLimited  atomic.Uint64
}

// New assembles a Server with its handlers.
func New(cfg config.Config, logger *slog.Logger, p Poller) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		poller:  p,
		limiter: newRateLimiter(cfg.API.PerSecond, cfg.API.Burst),
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/api/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api", s.handleAPIDocs)
	mux.HandleFunc("/api/", s.handleAPIDocs)
	mux.Handle("/api/clients", s.withRateLimit(http.HandlerFunc(s.handleAPIClients)))
	mux.Handle("/api/clients/", s.withRateLimit(http.HandlerFunc(s.handleAPIClientSubresource)))
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/", s.staticHandler())

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	handler := s.withRequestLogging(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	info := s.readiness()
	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) handleAPIDocs(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	if r.URL.Path != "/api" && r.URL.Path != "/api/" {
		http.NotFound(w, r)
		return
	}

	logger := s.loggerFromContext(r.Context())
	data, err := embeddedAssets.ReadFile("assets/api.html")
	if err != nil {
		logger.Error("failed to read api docs asset", "err", err)
		http.Error(w, "missing api docs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(data); err != nil {
		logger.Warn("failed to write api docs response", "err", err)
	}
}

func (s *Server) handleAPIClients(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	clients := []poller.ClientInfo{}
	if s.poller != nil {
		clients = s.poller.Clients()
	}
	s.writeJSON(w, r, http.StatusOK, clients)
}

func (s *Server) handleAPIClientSubresource(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	const prefix = "/api/clients/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	segments := strings.Split(rest, "/")
	if len(segments) != 2 || segments[0] == "" {
		http.NotFound(w, r)
		return
	}

	clientID := segments[0]
	if s.poller == nil || !s.poller.Known(clientID) {
		http.NotFound(w, r)
		return
	}

	switch segments[1] {
	case "processes":
		s.serveClientProcesses(w, r, clientID)
	case "series":
		s.serveClientSeries(w, r, clientID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveClientProcesses(w http.ResponseWriter, r *http.Request, clientID string) {
	query := r.URL.Query()

	mode, err := processes.ParseMatchMode(query.Get("mode"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	opts := processes.FilterOptions{Mode: mode}
	if raw := query.Get("case_sensitive"); raw != "" {
		opts.CaseSensitive, err = strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "invalid case_sensitive value", http.StatusBadRequest)
			return
		}
	}

	snapshot, ok := s.poller.Latest(clientID)
	if !ok {
		http.Error(w, "no process data available", http.StatusServiceUnavailable)
		return
	}

	p := panel.New()
	p.SetFilter(query.Get("filter"), opts)
	view := p.Update(snapshot)

	s.writeJSON(w, r, http.StatusOK, view)
}

func (s *Server) serveClientSeries(w http.ResponseWriter, r *http.Request, clientID string) {
	query := r.URL.Query()
	key := processes.Key{Name: query.Get("name"), User: query.Get("user")}
	if key.Name == "" || key.User == "" {
		http.Error(w, "name and user are required", http.StatusBadRequest)
		return
	}

	snapshot, ok := s.poller.Latest(clientID)
	if !ok {
		http.Error(w, "no process data available", http.StatusServiceUnavailable)
		return
	}

	set, ok := processes.Lookup(&snapshot.Data, key)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, r, http.StatusOK, set)
}

// defaultClient resolves APP_DEFAULT_CLIENT against the configured clients.
func (s *Server) defaultClient() string {
	if s.poller == nil {
		return ""
	}
	if s.cfg.DefaultClient != "" && s.cfg.DefaultClient != "auto" {
		if s.poller.Known(s.cfg.DefaultClient) {
			return s.cfg.DefaultClient
		}
		s.logger.Warn("configured default client not found", "client_id", s.cfg.DefaultClient)
	}
	if clients := s.poller.Clients(); len(clients) > 0 {
		return clients[0].ID
	}
	return ""
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func (s *Server) readiness() readyResponse {
	if s.poller == nil {
		return readyResponse{Status: "degraded", Reason: "poller_not_configured"}
	}

	resp := readyResponse{Clients: len(s.poller.Clients())}
	if resp.Clients == 0 {
		resp.Status = "degraded"
		resp.Reason = "no_clients_configured"
		return resp
	}

	if s.poller.Ready() {
		resp.Status = "ok"
		return resp
	}

	resp.Status = "initializing"
	resp.Reason = "waiting_for_first_poll"
	return resp
}

type readyResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
	Reason  string `json:"reason,omitempty"`
}
