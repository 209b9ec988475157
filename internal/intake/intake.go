// Package intake implements request admission and status lookup: the
// commit-coupled store+queue write on the way in, and the cache-aside
// read on the way out.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"csecbridge/internal/models"
	"csecbridge/internal/store"
)

// Store is the slice of the persistent store intake depends on.
type Store interface {
	CreateRequest(ctx context.Context, req models.Request, enqueue func(context.Context) error) error
	GetRequest(ctx context.Context, correlationID string) (models.Request, error)
}

// Queue accepts serialized queue messages for a provider.
type Queue interface {
	Push(ctx context.Context, provider string, payload []byte) error
}

// Cache is the ephemeral status projection. Every error from it is
// logged and swallowed; it is never authoritative.
type Cache interface {
	Get(ctx context.Context, correlationID string) (string, bool, error)
	Set(ctx context.Context, correlationID, status string) error
}

// Description is a validated request body from the API boundary.
type Description struct {
	ClientRequestID string
	AccountID       string
	Principal       string
	Role            string
	Action          string
	TargetProvider  string
}

// Receipt acknowledges an accepted request.
type Receipt struct {
	CorrelationID   string    `json:"correlation_id"`
	ClientRequestID string    `json:"client_request_id"`
	ReceivedAt      time.Time `json:"received_at"`
}

// StatusView is the public projection returned by status lookup. A cache
// hit carries only the correlation id and status; the remaining fields
// are filled when the store had to be consulted.
type StatusView struct {
	CorrelationID   string     `json:"correlation_id"`
	ClientRequestID string     `json:"client_request_id,omitempty"`
	Status          string     `json:"status"`
	RequestedAt     *time.Time `json:"requested_at,omitempty"`
	LastUpdatedAt   *time.Time `json:"last_updated_at,omitempty"`
}

// Service coordinates store, queue and cache for the API handlers.
type Service struct {
	store Store
	queue Queue
	cache Cache
	log   *slog.Logger
	now   func() time.Time
}

// New constructs the intake service.
func New(st Store, q Queue, c Cache, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, queue: q, cache: c, log: log, now: time.Now}
}

// CreateRequest mints a correlation id and durably records the request:
// the request row, its initial audit record and the queue message either
// all exist after this returns, or none of them do. The queue push runs
// inside the store transaction's lifetime, ordered before the commit, so
// a queue failure aborts the store write. A commit failure after the
// push can leave a stray message; the worker's validate step discards
// messages with no committed row.
func (s *Service) CreateRequest(ctx context.Context, d Description) (Receipt, error) {
	now := s.now().UTC()
	req := models.Request{
		ClientRequestID: d.ClientRequestID,
		CorrelationID:   uuid.New().String(),
		AccountID:       d.AccountID,
		Principal:       d.Principal,
		Role:            d.Role,
		Action:          d.Action,
		TargetProvider:  d.TargetProvider,
		Status:          models.StatusPending,
		RequestedAt:     now,
		LastUpdatedAt:   now,
	}

	payload, err := json.Marshal(models.QueueMessage{
		ClientRequestID: req.ClientRequestID,
		CorrelationID:   req.CorrelationID,
		AccountID:       req.AccountID,
		Principal:       req.Principal,
		Role:            req.Role,
		Action:          req.Action,
		TargetProvider:  req.TargetProvider,
		ReceivedAt:      now,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal queue message: %w", err)
	}

	err = s.store.CreateRequest(ctx, req, func(ctx context.Context) error {
		return s.queue.Push(ctx, req.TargetProvider, payload)
	})
	if err != nil {
		return Receipt{}, err
	}

	// Best-effort cache warm; the status endpoint falls back to the store.
	if err := s.cache.Set(ctx, req.CorrelationID, models.StatusPending); err != nil {
		s.log.Warn("initial cache write failed",
			"correlation_id", req.CorrelationID, "error", err)
	}

	s.log.Info("request accepted",
		"correlation_id", req.CorrelationID,
		"client_request_id", req.ClientRequestID,
		"target_provider", req.TargetProvider,
		"action", req.Action)

	return Receipt{
		CorrelationID:   req.CorrelationID,
		ClientRequestID: req.ClientRequestID,
		ReceivedAt:      now,
	}, nil
}

// GetStatus looks up a request cache-first, repopulating the cache from
// the store on a miss. Cache errors never fail the read.
func (s *Service) GetStatus(ctx context.Context, correlationID string) (StatusView, error) {
	status, ok, err := s.cache.Get(ctx, correlationID)
	if err != nil {
		s.log.Warn("cache read failed, falling back to store",
			"correlation_id", correlationID, "error", err)
	}
	if ok {
		return StatusView{CorrelationID: correlationID, Status: status}, nil
	}

	req, err := s.store.GetRequest(ctx, correlationID)
	if err != nil {
		return StatusView{}, err
	}

	if err := s.cache.Set(ctx, correlationID, req.Status); err != nil {
		s.log.Warn("cache repopulation failed",
			"correlation_id", correlationID, "error", err)
	}

	return StatusView{
		CorrelationID:   req.CorrelationID,
		ClientRequestID: req.ClientRequestID,
		Status:          req.Status,
		RequestedAt:     &req.RequestedAt,
		LastUpdatedAt:   &req.LastUpdatedAt,
	}, nil
}

// IsNotFound reports whether err means the correlation id is unknown.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
