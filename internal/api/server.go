package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"meterwatch/internal/query"
)

// maxConfigBody bounds POST /api/config payloads.
const maxConfigBody = 64 << 10

// Querier is the read and reconfiguration surface served over HTTP.
type Querier interface {
	Window(period string) (query.WindowResult, error)
	Latest() (query.Record, error)
	Aggregate(period, fields string) (query.AggregateResult, error)
	Status() query.Status
	Config() query.Config
	UpdateConfig(doc map[string]any) (query.UpdateResult, error)
}

// Options configure the HTTP server.
type Options struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// CORSOrigin is sent as Access-Control-Allow-Origin; empty disables CORS headers.
	CORSOrigin  string
	Metrics     http.Handler
	MetricsPath string
}

// Server exposes the query façade over HTTP.
type Server struct {
	opts    Options
	querier Querier
	logger  zerolog.Logger
	router  *mux.Router
}

// NewServer wires routes and middleware.
func NewServer(querier Querier, opts Options, logger zerolog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	s := &Server{
		opts:    opts,
		querier: querier,
		logger:  logger.With().Str("component", "api").Logger(),
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	// latest must be registered ahead of the {period} pattern.
	api.HandleFunc("/data/latest", s.getLatest).Methods(http.MethodGet)
	api.HandleFunc("/data/{period}", s.getWindow).Methods(http.MethodGet)
	api.HandleFunc("/stats/{period}", s.getStats).Methods(http.MethodGet)
	api.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	api.HandleFunc("/config", s.getConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", s.postConfig).Methods(http.MethodPost)

	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		s.router.Handle(s.opts.MetricsPath, s.opts.Metrics).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found", r.URL.Path)
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", r.Method+" "+r.URL.Path)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.opts.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the router wrapped with request logging.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	if s.opts.CORSOrigin != "" {
		h = s.cors(h)
	}
	h = hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	})(h)
	h = hlog.RemoteAddrHandler("remote")(h)
	h = hlog.NewHandler(s.logger)(h)
	return h
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) getWindow(w http.ResponseWriter, r *http.Request) {
	res, err := s.querier.Window(mux.Vars(r)["period"])
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getLatest(w http.ResponseWriter, r *http.Request) {
	rec, err := s.querier.Latest()
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	res, err := s.querier.Aggregate(mux.Vars(r)["period"], r.URL.Query().Get("fields"))
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.querier.Status())
}

func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.querier.Config())
}

func (s *Server) postConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body", err.Error())
		return
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
		writeError(w, http.StatusBadRequest, "no data", "expected a JSON object with poll_interval and/or retention_minutes")
		return
	}

	res, err := s.querier.UpdateConfig(doc)
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, query.ErrInvalidPeriod):
		writeError(w, http.StatusBadRequest, "invalid period", query.PeriodHint)
	case errors.Is(err, query.ErrUnknownField):
		writeError(w, http.StatusBadRequest, "unknown field", err.Error())
	case errors.Is(err, query.ErrEmptyUpdate):
		writeError(w, http.StatusBadRequest, "no data", "expected a JSON object with poll_interval and/or retention_minutes")
	case errors.Is(err, query.ErrNoData):
		writeError(w, http.StatusNotFound, "no data", "no samples in the requested window")
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("query failed")
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal error","message":"encode response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n"))
}
