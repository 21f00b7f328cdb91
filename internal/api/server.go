// Package api is the HTTP surface of the gateway: read-only REST
// endpoints over the aggregate service, plus health, metrics and the
// stream upgrade.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/quantpulse/cryptogate/internal/aggregate"
	"github.com/quantpulse/cryptogate/internal/dispatch"
	"github.com/quantpulse/cryptogate/internal/health"
	"github.com/quantpulse/cryptogate/internal/metrics"
	"github.com/quantpulse/cryptogate/internal/predict"
)

// Options configure the HTTP server.
type Options struct {
	ListenAddr     string
	RequestTimeout time.Duration
	EdgeRPS        float64
	EdgeBurst      int

	// StreamHandler serves the websocket upgrade at /stream. Optional.
	StreamHandler http.Handler
}

// Server assembles the router and owns the listener lifecycle.
type Server struct {
	svc     *aggregate.Service
	health  *health.Tracker
	metrics *metrics.Registry
	opts    Options
	http    *http.Server
}

// New builds the server. Call Run to serve and Shutdown to drain.
func New(svc *aggregate.Service, h *health.Tracker, m *metrics.Registry, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{svc: svc, health: h, metrics: m, opts: opts}
	s.http = &http.Server{
		Addr:         opts.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket streams stay open past any write deadline
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Router builds the full route table. Exposed for handler tests.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	// Operational surface, exempt from the edge limit.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/").Subrouter()
	limiter := newIPLimiter(s.opts.EdgeRPS, s.opts.EdgeBurst)
	api.Use(limiter.middleware)

	api.HandleFunc("/fear-greed", s.handleFearGreed).Methods(http.MethodGet)
	api.HandleFunc("/market/listings", s.handleListings).Methods(http.MethodGet)
	api.HandleFunc("/market/quotes", s.handleQuotes).Methods(http.MethodGet)
	api.HandleFunc("/market/historical", s.handleHistorical).Methods(http.MethodGet)
	api.HandleFunc("/news", s.handleNews).Methods(http.MethodGet)
	api.HandleFunc("/whales", s.handleWhales).Methods(http.MethodGet)
	api.HandleFunc("/explorer/gas", s.handleGas).Methods(http.MethodGet)
	api.HandleFunc("/predict", s.handlePredict).Methods(http.MethodGet)
	api.HandleFunc("/overview", s.handleOverview).Methods(http.MethodGet)

	if s.opts.StreamHandler != nil {
		api.Handle("/stream", s.opts.StreamHandler).Methods(http.MethodGet)
	}

	// Wrapped outside the mux so preflights and unmatched routes still
	// get ids, logs and CORS headers.
	return requestID(accessLog(cors(r)))
}

// Run serves until the listener closes.
func (s *Server) Run() error {
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type envelope struct {
	OK        bool        `json:"ok"`
	Data      interface{} `json:"data,omitempty"`
	Source    string      `json:"source,omitempty"`
	FetchedAt *time.Time  `json:"fetched_at,omitempty"`
	Degraded  bool        `json:"degraded,omitempty"`
	Error     *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Attempts []dispatch.Attempt `json:"attempts,omitempty"`
}

func writeData(w http.ResponseWriter, data interface{}, m aggregate.Meta) {
	env := envelope{OK: true, Data: data, Source: m.Source}
	if !m.FetchedAt.IsZero() {
		t := m.FetchedAt
		env.FetchedAt = &t
	}
	writeJSON(w, http.StatusOK, env)
}

func writeError(w http.ResponseWriter, status int, code, msg string, attempts []dispatch.Attempt) {
	writeJSON(w, status, envelope{OK: false, Error: &apiError{Code: code, Message: msg, Attempts: attempts}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeUpstreamError maps dispatcher and collaborator errors onto HTTP
// statuses: exhausted chains are a bad gateway, timeouts a gateway
// timeout.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var apf *dispatch.AllProvidersFailed
	switch {
	case errors.As(err, &apf):
		writeError(w, http.StatusBadGateway, "all_providers_failed", apf.Error(), apf.Attempts)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "upstream request timed out", nil)
	case errors.Is(err, predict.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "prediction_unavailable", err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
	}
}

func (s *Server) requestCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.opts.RequestTimeout)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.health.Snapshot()
	status := http.StatusOK
	if snap.Status == health.StatusDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

func (s *Server) handleFearGreed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestCtx(r)
	defer cancel()
	sent, m, err := s.svc.FearGreed(ctx)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeData(w, sent, m)
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20, 1, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	ctx, cancel := s.requestCtx(r)
	defer cancel()
	listings, m, err := s.svc.Listings(ctx, limit)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeData(w, listings, m)
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("symbols"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "symbols query parameter is required", nil)
		return
	}
	symbols := strings.Split(raw, ",")
	if len(symbols) > 100 {
		writeError(w, http.StatusBadRequest, "bad_request", "at most 100 symbols per request", nil)
		return
	}
	ctx, cancel := s.requestCtx(r)
	defer cancel()
	quotes, m, err := s.svc.Quotes(ctx, symbols)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeData(w, quotes, m)
}

func (s *Server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "symbol query parameter is required", nil)
		return
	}
	days, err := queryInt(r, "days", 30, 1, 365)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	ctx, cancel := s.requestCtx(r)
	defer cancel()
	candles, m, err := s.svc.Historical(ctx, symbol, days)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeData(w, candles, m)
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20, 1, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	ctx, cancel := s.requestCtx(r)
	defer cancel()
	articles, m, err := s.svc.News(ctx, r.URL.Query().Get("query"), limit)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeData(w, articles, m)
}

func (s *Server) handleWhales(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 200)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	minUSD := 0.0
	if raw := r.URL.Query().Get("min_value_usd"); raw != "" {
		minUSD, err = strconv.ParseFloat(raw, 64)
		if err != nil || minUSD < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "min_value_usd must be a non-negative number", nil)
			return
		}
	}
	ctx, cancel := s.requestCtx(r)
	defer cancel()
	txs, m, err := s.svc.Whales(ctx, minUSD, limit)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeData(w, txs, m)
}

func (s *Server) handleGas(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestCtx(r)
	defer cancel()
	gas, m, err := s.svc.GasOracle(ctx)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeData(w, gas, m)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "symbol query parameter is required", nil)
		return
	}
	ctx, cancel := s.requestCtx(r)
	defer cancel()
	pred, err := s.svc.Prediction(ctx, symbol)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeData(w, pred, aggregate.Meta{Source: "predict-engine", FetchedAt: pred.FetchedAt})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestCtx(r)
	defer cancel()
	ov, err := s.svc.Overview(ctx)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	env := envelope{OK: true, Data: ov, Degraded: ov.Degraded}
	t := ov.FetchedAt
	env.FetchedAt = &t
	writeJSON(w, http.StatusOK, env)
}

func queryInt(r *http.Request, name string, def, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	if n < min || n > max {
		return 0, errors.New(name + " must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return n, nil
}
