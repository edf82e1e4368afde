// Package api serves the cascade HTTP surface: the webhook resume endpoint
// that resolves webhook awaits, run queries, flow start, and a
// server-sent-events tail of a run's records.
//
// Routes:
//
//	ANY  {WebhookPrefix}/{flow}/{runId}/{step}   resolve a webhook await
//	GET  /flows                                  registered flow names
//	GET  /flows/{flow}/runs?offset=&limit=       runs, newest first
//	POST /flows/{flow}/start                     start a run
//	GET  /flows/{flow}/runs/{runId}              index entry and event log
//	GET  /flows/{flow}/runs/{runId}/events       live tail (SSE)
//	POST /events/{name}                          deliver an external event
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/engine"
	"github.com/xraph/cascade/run"
	"github.com/xraph/cascade/stream"
)

// Engine is the part of *engine.Engine the API drives.
type Engine interface {
	Config() cascade.Config
	FlowNames() []string
	ResolveWebhook(ctx context.Context, flowName, runID, step, method string, payload json.RawMessage) error
	StartFlow(ctx context.Context, flowName string, input any, opts ...engine.StartOption) (string, error)
	Runs(ctx context.Context, flowName string, offset, limit int) ([]*run.Entry, error)
	Run(ctx context.Context, flowName, runID string) (*engine.RunView, error)
	Subscribe(ctx context.Context, topics ...string) (stream.Subscription, error)
	Trigger(ctx context.Context, name string, payload json.RawMessage) (int, error)
}

var _ Engine = (*engine.Engine)(nil)

// Option configures the API.
type Option func(*API)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithHeartbeat sets the interval of SSE keep-alive comments. Default 15s.
func WithHeartbeat(d time.Duration) Option {
	return func(a *API) { a.heartbeat = d }
}

// API wires the HTTP handlers for an engine.
type API struct {
	eng       Engine
	logger    *slog.Logger
	heartbeat time.Duration
	sessions  *sessions
}

// New creates an API.
func New(eng Engine, opts ...Option) *API {
	a := &API{
		eng:       eng,
		logger:    slog.Default(),
		heartbeat: 15 * time.Second,
		sessions:  newSessions(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns a router with every route registered.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	a.RegisterRoutes(r)
	r.Use(a.loggingMiddleware)
	return r
}

// RegisterRoutes registers the routes on r.
func (a *API) RegisterRoutes(r *mux.Router) {
	prefix := strings.TrimSuffix(a.eng.Config().WebhookPrefix, "/")
	wh := r.PathPrefix(prefix).Subrouter()
	wh.HandleFunc("/{flow}/{runId}/{step}", a.handleWebhook)
	wh.PathPrefix("/").HandlerFunc(a.handleWebhookMissingParams)

	r.HandleFunc("/flows", a.handleListFlows).Methods(http.MethodGet)
	r.HandleFunc("/flows/{flow}/runs", a.handleListRuns).Methods(http.MethodGet)
	r.HandleFunc("/flows/{flow}/start", a.handleStartFlow).Methods(http.MethodPost)
	r.HandleFunc("/flows/{flow}/runs/{runId}", a.handleGetRun).Methods(http.MethodGet)
	r.HandleFunc("/flows/{flow}/runs/{runId}/events", a.handleTail).Methods(http.MethodGet)
	r.HandleFunc("/events/{name}", a.handleTrigger).Methods(http.MethodPost)
}

// Close ends every open SSE session.
func (a *API) Close() { a.sessions.closeAll() }

// Sessions returns the number of open SSE sessions.
func (a *API) Sessions() int { return a.sessions.len() }

func (a *API) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

// statusOf maps a cascade error to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, cascade.ErrFlowNotFound),
		errors.Is(err, cascade.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, cascade.ErrRunStopped),
		errors.Is(err, cascade.ErrAwaitGone),
		errors.Is(err, cascade.ErrAwaitNotFound):
		return http.StatusGone
	case errors.Is(err, cascade.ErrMethodInvalid):
		return http.StatusMethodNotAllowed
	case errors.Is(err, cascade.ErrRunAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, cascade.ErrInvalidFlow):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		a.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		respondWithError(w, code, "internal error")
		return
	}
	respondWithError(w, code, err.Error())
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		code = http.StatusInternalServerError
		response = []byte(`{"error":"encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response) //nolint:errcheck // client went away
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
