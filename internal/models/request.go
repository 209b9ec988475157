package models

import (
	"time"
)

// Request statuses persisted in Postgres. SUCCESS and FAILED are terminal;
// PENDING is re-enterable after a transient failure.
const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusSuccess    = "SUCCESS"
	StatusFailed     = "FAILED"
)

// Terminal reports whether a status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusSuccess || status == StatusFailed
}

// Request is an access-provisioning request persisted in Postgres.
// CorrelationID is minted at intake and identifies the request across
// the store, the queue and the cache.
type Request struct {
	ClientRequestID string    `json:"client_request_id"`
	CorrelationID   string    `json:"correlation_id"`
	AccountID       string    `json:"account_id"`
	Principal       string    `json:"principal"`
	Role            string    `json:"role"`
	Action          string    `json:"action"`
	TargetProvider  string    `json:"target_provider"`
	Status          string    `json:"status"`
	RequestedAt     time.Time `json:"requested_at"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
}

// QueueMessage is the full request description as serialized onto the
// per-provider Redis queue. Delivery is at-least-once; the worker
// re-validates against the store before acting on one.
type QueueMessage struct {
	ClientRequestID string    `json:"client_request_id"`
	CorrelationID   string    `json:"correlation_id"`
	AccountID       string    `json:"account_id"`
	Principal       string    `json:"principal"`
	Role            string    `json:"role"`
	Action          string    `json:"action"`
	TargetProvider  string    `json:"target_provider"`
	ReceivedAt      time.Time `json:"received_at"`
}

// AuditRecord is an append-only status history row.
type AuditRecord struct {
	CorrelationID string    `json:"correlation_id"`
	Status        string    `json:"status"`
	Message       string    `json:"message"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// ReferenceRecord links a successful request to the identifier the
// external provider returned for the operation.
type ReferenceRecord struct {
	Provider      string `json:"provider"`
	CorrelationID string `json:"correlation_id"`
	ExternalRefID string `json:"external_ref_id"`
}
