package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"csecbridge/internal/action"
	"csecbridge/internal/models"
	"csecbridge/internal/store"
	"csecbridge/internal/telemetry"
)

// Store is the slice of the persistent store the processor depends on.
type Store interface {
	ValidatePending(ctx context.Context, correlationID string) (bool, error)
	Transition(ctx context.Context, p store.TransitionParams) error
}

// Queue is the consuming side of the per-provider FIFO queues.
type Queue interface {
	BlockingPop(ctx context.Context, providers []string, timeout time.Duration) (string, []byte, error)
	Requeue(ctx context.Context, provider string, payload []byte) error
	Depth(ctx context.Context, provider string) (int64, error)
}

// Executor performs the external provisioning call for one message.
// Failures it can classify come back as *action.Error; anything else is
// treated as transient by policy.
type Executor interface {
	Execute(ctx context.Context, msg models.QueueMessage) (action.Result, error)
}

// Processor is a single sequential consumer. Horizontal scale-out is
// achieved by running more instances against the same queues; there is
// no instance-to-instance coordination, so duplicate deliveries are
// resolved by the validate step, not prevented.
type Processor struct {
	store        Store
	queue        Queue
	exec         Executor
	providers    []string
	popTimeout   time.Duration
	retryBackoff time.Duration
	log          *slog.Logger
}

// New constructs a processor consuming the given providers' queues.
func New(st Store, q Queue, exec Executor, providers []string, popTimeout, retryBackoff time.Duration, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		store:        st,
		queue:        q,
		exec:         exec,
		providers:    providers,
		popTimeout:   popTimeout,
		retryBackoff: retryBackoff,
		log:          log,
	}
}

// Run blocks on the queue until ctx is cancelled. Queue connectivity
// loss backs off and retries the pop; everything else that goes wrong
// with an individual message is absorbed by processMessage.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("worker loop started", "providers", p.providers)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		provider, payload, err := p.queue.BlockingPop(ctx, p.providers, p.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("queue connection lost, backing off",
				"error", err, "backoff", p.retryBackoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.retryBackoff):
			}
			continue
		}
		if payload == nil {
			p.observeDepth(ctx)
			continue
		}

		p.processMessage(ctx, provider, payload)
	}
}

// processMessage runs the consume/validate/execute/finalize cycle for
// one delivery.
func (p *Processor) processMessage(ctx context.Context, provider string, payload []byte) {
	var msg models.QueueMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.CorrelationID == "" {
		// Malformed messages are discarded permanently, never retried.
		p.log.Error("malformed payload, discarding message",
			"provider", provider, "error", err)
		telemetry.JobsDiscarded.Inc()
		return
	}

	log := p.log.With("correlation_id", msg.CorrelationID, "provider", provider)

	ok, err := p.store.ValidatePending(ctx, msg.CorrelationID)
	if err != nil {
		// Store unreachable before any state change: the row is still
		// PENDING, so requeue without a revert.
		log.Error("validate failed, requeueing message", "error", err)
		p.requeue(ctx, provider, payload, log)
		return
	}
	if !ok {
		// Unknown or already terminal; the store logged the reason.
		telemetry.JobsDiscarded.Inc()
		return
	}

	err = p.store.Transition(ctx, store.TransitionParams{
		CorrelationID: msg.CorrelationID,
		Status:        models.StatusInProgress,
		Message:       "processing started",
	})
	if err != nil {
		log.Error("failed to mark IN_PROGRESS, requeueing message", "error", err)
		p.requeue(ctx, provider, payload, log)
		return
	}
	log.Info("request locked, processing")

	res, execErr := p.exec.Execute(ctx, msg)
	if execErr == nil {
		p.finalizeSuccess(ctx, provider, msg, payload, res, log)
		return
	}

	var aerr *action.Error
	if errors.As(execErr, &aerr) && aerr.Kind == action.KindPermanent {
		p.finalizeFailed(ctx, provider, msg, payload, aerr, log)
		return
	}

	// Transient by classification, or unclassified and therefore
	// transient by policy: bias toward retry over silent job loss.
	reason := "transient error, requeueing: " + execErr.Error()
	if aerr == nil {
		log.Error("unclassified execution error, treating as transient", "error", execErr)
	} else {
		log.Warn("transient execution failure", "error", execErr)
	}
	p.revertAndRequeue(ctx, provider, msg, payload, reason, log)
}

func (p *Processor) finalizeSuccess(ctx context.Context, provider string, msg models.QueueMessage, payload []byte, res action.Result, log *slog.Logger) {
	err := p.store.Transition(ctx, store.TransitionParams{
		CorrelationID: msg.CorrelationID,
		Status:        models.StatusSuccess,
		Message:       "provisioning action successful",
		Provider:      provider,
		ExternalRef:   res.ExternalRef,
	})
	if err != nil {
		// The action already ran; losing the message here would drop the
		// outcome. The row stays IN_PROGRESS and the next delivery is
		// resolved by the validate step once the store recovers.
		log.Error("finalize SUCCESS failed, requeueing message", "error", err)
		p.requeue(ctx, provider, payload, log)
		return
	}
	log.Info("request finalized", "status", models.StatusSuccess, "external_ref", res.ExternalRef)
	telemetry.JobsSucceeded.Inc()
}

func (p *Processor) finalizeFailed(ctx context.Context, provider string, msg models.QueueMessage, payload []byte, aerr *action.Error, log *slog.Logger) {
	err := p.store.Transition(ctx, store.TransitionParams{
		CorrelationID: msg.CorrelationID,
		Status:        models.StatusFailed,
		Message:       "permanent failure, discarding: " + aerr.Reason,
	})
	if err != nil {
		log.Error("finalize FAILED failed, requeueing message", "error", err)
		p.requeue(ctx, provider, payload, log)
		return
	}
	log.Error("request finalized", "status", models.StatusFailed, "reason", aerr.Reason)
	telemetry.JobsFailed.Inc()
}

// revertAndRequeue moves the request back to PENDING and re-inserts the
// original message. If the revert itself fails the message is still
// requeued: the row is left IN_PROGRESS with no automatic sweep, which
// is a known gap, but the work is not lost.
func (p *Processor) revertAndRequeue(ctx context.Context, provider string, msg models.QueueMessage, payload []byte, reason string, log *slog.Logger) {
	err := p.store.Transition(ctx, store.TransitionParams{
		CorrelationID: msg.CorrelationID,
		Status:        models.StatusPending,
		Message:       reason,
	})
	if err != nil {
		log.Error("revert to PENDING failed, requeueing anyway", "error", err)
	}
	p.requeue(ctx, provider, payload, log)
}

func (p *Processor) requeue(ctx context.Context, provider string, payload []byte, log *slog.Logger) {
	if err := p.queue.Requeue(ctx, provider, payload); err != nil {
		// Store row remains PENDING or IN_PROGRESS but the message is
		// gone from Redis; an operator has to re-drive it.
		log.Error("requeue failed, message may be lost", "error", err)
		return
	}
	log.Info("message requeued for retry")
	telemetry.JobsRetried.Inc()
}

func (p *Processor) observeDepth(ctx context.Context) {
	for _, provider := range p.providers {
		if n, err := p.queue.Depth(ctx, provider); err == nil {
			telemetry.QueueDepth.WithLabelValues(provider).Set(float64(n))
		}
	}
}
