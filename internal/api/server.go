// Package api serves the daemon's HTTP surface: lease and queue RPCs for
// the Studio plugin, context store reads and writes, the codex job bridge
// and the debug and observability endpoints. Responses are plain JSON
// objects; errors carry a detail string the plugin matches on.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/persponify/codexd/internal/audit"
	"github.com/persponify/codexd/internal/bridge"
	"github.com/persponify/codexd/internal/broker"
	"github.com/persponify/codexd/internal/config"
	"github.com/persponify/codexd/internal/log"
	"github.com/persponify/codexd/internal/metrics"
	"github.com/persponify/codexd/internal/store"
)

// ServerName identifies the daemon in /health and /discover.
const ServerName = "PersponifyCodex"

var errDebugScope = errors.New("placeId and studioSessionId required (or connect primary first)")

// Options wires the server to the daemon's subsystems.
type Options struct {
	Config config.Config
	Broker *broker.Broker
	Store  *store.Store
	Bridge *bridge.Bridge
	// Audit is the transaction ledger, Events the context event ledger.
	Audit  *audit.Ledger
	Events *audit.Ledger
	// Shutdown stops the daemon; /shutdown calls it after responding.
	Shutdown func()
	Now      func() time.Time
}

// Server is the HTTP surface.
type Server struct {
	cfg    config.Config
	broker *broker.Broker
	store  *store.Store
	bridge *bridge.Bridge
	audit  *audit.Ledger
	events *audit.Ledger

	shutdown func()
	now      func() time.Time
	log      zerolog.Logger
}

// New builds the server.
func New(opts Options) *Server {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		cfg:      opts.Config,
		broker:   opts.Broker,
		store:    opts.Store,
		bridge:   opts.Bridge,
		audit:    opts.Audit,
		events:   opts.Events,
		shutdown: opts.Shutdown,
		now:      now,
		log:      log.WithComponent("api"),
	}
}

// Handler assembles the router and middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestContext)
	r.Use(chimw.Recoverer)
	r.Use(corsAllowAll)
	r.Use(log.Middleware())
	r.Use(metrics.Middleware)
	if s.cfg.RateLimitEnabled {
		r.Use(httprate.LimitByIP(s.cfg.RateLimitRPS, time.Second))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/discover", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/diagnostics", s.handleDiagnostics)
	r.Get("/audit/ledger", s.handleAuditLedger)
	r.Get("/scope/current", s.handleScopeCurrent)

	r.Post("/register", s.handleRegister)
	r.Post("/release", s.handleRelease)
	r.Get("/sync", s.handleSync)
	r.Post("/heartbeat", s.handleHeartbeat)
	r.Post("/enqueue", s.handleEnqueue)
	r.Post("/wait", s.handleWait)
	r.Post("/receipt", s.handleReceipt)

	r.Get("/debug/state", s.handleDebugState)
	r.Get("/debug/last_wait", s.handleDebugLastWait)
	r.Get("/debug/last_receipt", s.handleDebugLastReceipt)
	r.Post("/debug/reset", s.handleDebugReset)
	r.Post("/debug/fault", s.handleDebugFault)
	r.Post("/shutdown", s.handleShutdown)

	r.Post("/context/export", s.handleContextExport)
	r.Post("/context/request", s.handleContextRequest)
	r.Get("/context/latest", s.handleContextLatest)
	r.Get("/context/summary", s.handleContextSummary)
	r.Get("/context/semantic", s.handleContextSemantic)
	r.Get("/context/script", s.handleContextScript)
	r.Get("/context/missing", s.handleContextMissing)
	r.Get("/context/events", s.handleContextEvents)
	r.Get("/context/memory", s.handleContextMemoryGet)
	r.Post("/context/memory", s.handleContextMemorySet)
	r.Post("/context/reset", s.handleContextReset)

	r.Post("/codex/job", s.handleCodexJob)
	r.Get("/codex/status", s.handleCodexStatus)
	r.Post("/codex/response", s.handleCodexResponse)
	r.Post("/codex/compile", s.handleCodexCompile)

	r.Handle("/metrics", metrics.Handler())

	var h http.Handler = r
	if s.cfg.TracingService != "" {
		h = otelhttp.NewHandler(h, s.cfg.TracingService)
	}
	return h
}

func (s *Server) unixSeconds() float64 {
	return float64(s.now().UnixNano()) / float64(time.Second)
}

// requestContext copies the chi request id into the logger context.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rid := chimw.GetReqID(r.Context()); rid != "" {
			r = r.WithContext(log.ContextWithRequestID(r.Context(), rid))
		}
		next.ServeHTTP(w, r)
	})
}

// corsAllowAll mirrors the local-only trust model: the daemon binds to
// loopback and Studio plugins call it from arbitrary origins.
func corsAllowAll(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps sentinel errors onto the status codes and detail strings
// the plugin matches on.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, broker.ErrFenceMismatch),
		errors.Is(err, broker.ErrScopeMismatch),
		errors.Is(err, broker.ErrNoPrimary),
		errors.Is(err, broker.ErrClaimInvalidOrExpired),
		errors.Is(err, broker.ErrPrimaryAlreadyRegistered):
		status = http.StatusConflict
	case errors.Is(err, broker.ErrProtocolVersionMismatch),
		errors.Is(err, broker.ErrNoScope),
		errors.Is(err, store.ErrEmptyMemory),
		errors.Is(err, bridge.ErrMissingJobID),
		errors.Is(err, bridge.ErrInvalidActions):
		status = http.StatusBadRequest
	case errors.Is(err, broker.ErrQueueFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, store.ErrNoContext),
		errors.Is(err, store.ErrNoSemantic),
		errors.Is(err, store.ErrNoMemory),
		errors.Is(err, store.ErrScriptNotFound),
		errors.Is(err, store.ErrSourceOmitted),
		errors.Is(err, store.ErrSourceTruncated),
		errors.Is(err, store.ErrSourceMissing):
		status = http.StatusNotFound
	case errors.Is(err, errDebugScope):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{"detail": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// decodeBodyOptional tolerates an empty body, leaving v untouched.
func decodeBodyOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryInt64Ptr(r *http.Request, key string) *int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func queryStringPtr(r *http.Request, key string) *string {
	if !r.URL.Query().Has(key) {
		return nil
	}
	v := r.URL.Query().Get(key)
	return &v
}

func queryString(r *http.Request, key, def string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return def
}

func queryBool(r *http.Request, key string) bool {
	switch r.URL.Query().Get(key) {
	case "1", "true", "True", "yes":
		return true
	}
	return false
}

func clampQueryInt(r *http.Request, key string, def, min, max int) int {
	n := def
	if raw := r.URL.Query().Get(key); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			n = parsed
		}
	}
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return n
}
