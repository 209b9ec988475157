package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"csecbridge/internal/models"
)

// ErrNotFound is returned when no request exists for a correlation id.
var ErrNotFound = errors.New("request not found")

// Error wraps a Postgres connectivity or transaction failure. The worker
// treats any *Error as transient and requeues the in-flight message.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Store persists requests, their audit trail and external references in
// Postgres. It is the source of truth: queue and cache contents are
// derived views and may be stale or lost without violating correctness.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{pool: pool, log: log}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies store reachability for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &Error{Op: "ping", Err: err}
	}
	return nil
}

// CreateRequest inserts a request row plus its initial audit record and,
// before committing, invokes enqueue. A failed enqueue aborts the whole
// transaction, so no request row becomes durable without its queue
// message and no message refers to a request that will not commit.
func (s *Store) CreateRequest(ctx context.Context, req models.Request, enqueue func(context.Context) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return &Error{Op: "begin create", Err: err}
	}
	defer tx.Rollback(ctx) // safe no-op after commit

	_, err = tx.Exec(ctx, `
		INSERT INTO csb_requests (client_request_id, correlation_id, account_id, principal, role_name, action, status, target_provider, requested_at, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, req.ClientRequestID, req.CorrelationID, req.AccountID, req.Principal, req.Role, req.Action, req.Status, req.TargetProvider, req.RequestedAt)
	if err != nil {
		return &Error{Op: "insert request", Err: err}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO csb_requests_audit (correlation_id, status, message, recorded_at)
		VALUES ($1, $2, NULL, $3)
	`, req.CorrelationID, req.Status, req.RequestedAt)
	if err != nil {
		return &Error{Op: "insert audit", Err: err}
	}

	if enqueue != nil {
		if err := enqueue(ctx); err != nil {
			// Queue rejection rolls the pending row back with it.
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &Error{Op: "commit create", Err: err}
	}
	return nil
}

// ValidatePending reports whether a request may be picked up for
// processing: it must exist and still be PENDING. Unknown ids and
// non-PENDING statuses are logged and discarded by the caller.
//
// This is a plain read, not an atomic claim: two workers holding
// duplicates of the same message can both observe PENDING before either
// writes IN_PROGRESS.
func (s *Store) ValidatePending(ctx context.Context, correlationID string) (bool, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT status FROM csb_requests WHERE correlation_id = $1
	`, correlationID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		s.log.Warn("unknown correlation id, discarding message",
			"correlation_id", correlationID)
		return false, nil
	}
	if err != nil {
		return false, &Error{Op: "select status", Err: err}
	}
	if status != models.StatusPending {
		s.log.Warn("duplicate delivery, discarding message",
			"correlation_id", correlationID, "status", status)
		return false, nil
	}
	return true, nil
}

// TransitionParams describes one status transition.
type TransitionParams struct {
	CorrelationID string
	Status        string
	Message       string
	// Provider and ExternalRef record the upstream operation id; both
	// are only written when Status is SUCCESS.
	Provider    string
	ExternalRef string
}

// Transition updates the request status, appends an audit record and,
// for a SUCCESS carrying an external reference, inserts the reference
// row, all in one transaction. last_updated_at never moves backwards
// because it is always set to the transaction's clock time.
func (s *Store) Transition(ctx context.Context, p TransitionParams) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return &Error{Op: "begin transition", Err: err}
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE csb_requests SET status = $2, last_updated_at = $3
		WHERE correlation_id = $1
	`, p.CorrelationID, p.Status, now)
	if err != nil {
		return &Error{Op: "update status", Err: err}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO csb_requests_audit (correlation_id, status, message, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, p.CorrelationID, p.Status, p.Message, now)
	if err != nil {
		return &Error{Op: "insert audit", Err: err}
	}

	if p.Status == models.StatusSuccess && p.ExternalRef != "" {
		_, err = tx.Exec(ctx, `
			INSERT INTO csb_requests_ref (provider, correlation_id, external_ref_id)
			VALUES ($1, $2, $3)
		`, p.Provider, p.CorrelationID, p.ExternalRef)
		if err != nil {
			return &Error{Op: "insert reference", Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &Error{Op: "commit transition", Err: err}
	}
	return nil
}

// GetRequest fetches a request by correlation id.
func (s *Store) GetRequest(ctx context.Context, correlationID string) (models.Request, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT client_request_id, correlation_id, account_id, principal, role_name, action, status, target_provider, requested_at, last_updated_at
		FROM csb_requests WHERE correlation_id = $1
	`, correlationID)

	var req models.Request
	err := row.Scan(&req.ClientRequestID, &req.CorrelationID, &req.AccountID, &req.Principal,
		&req.Role, &req.Action, &req.Status, &req.TargetProvider, &req.RequestedAt, &req.LastUpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Request{}, ErrNotFound
	}
	if err != nil {
		return models.Request{}, &Error{Op: "select request", Err: err}
	}
	return req, nil
}
