package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"csecbridge/internal/config"
	"csecbridge/internal/intake"
	"csecbridge/internal/ratelimit"
	"csecbridge/internal/telemetry"
)

// Intake is the request-admission and status-lookup service.
type Intake interface {
	CreateRequest(ctx context.Context, d intake.Description) (intake.Receipt, error)
	GetStatus(ctx context.Context, correlationID string) (intake.StatusView, error)
}

// Pinger reports backend reachability for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the HTTP handlers for the intake API.
type Server struct {
	cfg     config.Config
	intake  Intake
	limiter *ratelimit.TokenBucket
	store   Pinger
	queue   Pinger
	log     *slog.Logger
}

// New constructs the API server. limiter may be nil to disable rate
// limiting (tests, dev).
func New(cfg config.Config, svc Intake, limiter *ratelimit.TokenBucket, storePing, queuePing Pinger, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		intake:  svc,
		limiter: limiter,
		store:   storePing,
		queue:   queuePing,
		log:     log,
	}
}

// Router builds the HTTP router. Auth and rate limiting wrap only the
// business endpoints; probes and metrics stay open.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Use(s.rateLimit)
		r.Post("/requests", s.handleCreate)
		r.Get("/requests/{correlationID}", s.handleStatus)
	})
	return r
}

type createRequest struct {
	ClientRequestID string `json:"client_request_id"`
	AccountID       string `json:"account_id"`
	Principal       string `json:"principal"`
	Role            string `json:"role"`
	Action          string `json:"action"`
	TargetProvider  string `json:"target_provider"`
}

type createResponse struct {
	Status          string    `json:"status"`
	CorrelationID   string    `json:"correlation_id"`
	ClientRequestID string    `json:"client_request_id"`
	ReceivedAt      time.Time `json:"received_at"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.ClientRequestID == "" || req.AccountID == "" || req.TargetProvider == "" ||
		req.Principal == "" || req.Role == "" || req.Action == "" {
		writeError(w, http.StatusBadRequest, "missing required field")
		return
	}

	receipt, err := s.intake.CreateRequest(r.Context(), intake.Description{
		ClientRequestID: req.ClientRequestID,
		AccountID:       req.AccountID,
		Principal:       req.Principal,
		Role:            req.Role,
		Action:          req.Action,
		TargetProvider:  req.TargetProvider,
	})
	if err != nil {
		// Store or queue failure: nothing was committed, safe to retry.
		s.log.Error("request admission failed", "error", err,
			"client_request_id", req.ClientRequestID)
		writeError(w, http.StatusServiceUnavailable, "backend service unavailable, please retry")
		return
	}

	telemetry.RequestsAccepted.Inc()
	writeJSON(w, http.StatusAccepted, createResponse{
		Status:          "accepted",
		CorrelationID:   receipt.CorrelationID,
		ClientRequestID: receipt.ClientRequestID,
		ReceivedAt:      receipt.ReceivedAt,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	correlationID := chi.URLParam(r, "correlationID")
	view, err := s.intake.GetStatus(r.Context(), correlationID)
	if err != nil {
		if intake.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "no request for correlation id")
			return
		}
		s.log.Error("status lookup failed", "error", err, "correlation_id", correlationID)
		writeError(w, http.StatusServiceUnavailable, "backend service unavailable, please retry")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	if err := s.queue.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// requireToken enforces the shared X-Auth-Token header. An empty
// configured token disables the check for local development.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			token := r.Header.Get("X-Auth-Token")
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies the shared token bucket per client address.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
			if err != nil {
				// Limiter storage down: let the request through, the
				// store remains the real backpressure.
				s.log.Warn("rate limiter unavailable", "error", err)
			} else if !allowed {
				telemetry.RateLimitRejects.Inc()
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
