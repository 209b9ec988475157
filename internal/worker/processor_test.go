package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csecbridge/internal/action"
	"csecbridge/internal/models"
	"csecbridge/internal/store"
)

type fakeStore struct {
	pending       bool
	validateErr   error
	validateCalls int
	transitions   []store.TransitionParams
	failStatus    map[string]error // transition errors keyed by target status
}

func (f *fakeStore) ValidatePending(ctx context.Context, id string) (bool, error) {
	f.validateCalls++
	return f.pending, f.validateErr
}

func (f *fakeStore) Transition(ctx context.Context, p store.TransitionParams) error {
	if err := f.failStatus[p.Status]; err != nil {
		f.transitions = append(f.transitions, p)
		return err
	}
	f.transitions = append(f.transitions, p)
	return nil
}

func (f *fakeStore) statuses() []string {
	out := make([]string, len(f.transitions))
	for i, p := range f.transitions {
		out[i] = p.Status
	}
	return out
}

type fakeQueue struct {
	requeued   [][]byte
	requeueErr error
}

func (f *fakeQueue) BlockingPop(ctx context.Context, providers []string, timeout time.Duration) (string, []byte, error) {
	return "", nil, nil
}

func (f *fakeQueue) Requeue(ctx context.Context, provider string, payload []byte) error {
	if f.requeueErr != nil {
		return f.requeueErr
	}
	f.requeued = append(f.requeued, payload)
	return nil
}

func (f *fakeQueue) Depth(ctx context.Context, provider string) (int64, error) {
	return 0, nil
}

type fakeExec struct {
	res   action.Result
	err   error
	calls int
}

func (f *fakeExec) Execute(ctx context.Context, msg models.QueueMessage) (action.Result, error) {
	f.calls++
	return f.res, f.err
}

func testPayload(t *testing.T) []byte {
	t.Helper()
	payload, err := json.Marshal(models.QueueMessage{
		ClientRequestID: "req-001",
		CorrelationID:   "c1",
		AccountID:       "123456789012",
		Principal:       "developer-access",
		Role:            "app-role",
		Action:          "attach-policy",
		TargetProvider:  "aws",
	})
	require.NoError(t, err)
	return payload
}

func newTestProcessor(st *fakeStore, q *fakeQueue, exec *fakeExec) *Processor {
	return New(st, q, exec, []string{"aws"}, time.Second, time.Millisecond, nil)
}

func TestSuccessFinalizesWithReference(t *testing.T) {
	st := &fakeStore{pending: true}
	q := &fakeQueue{}
	exec := &fakeExec{res: action.Result{ExternalRef: "R-99"}}
	p := newTestProcessor(st, q, exec)

	p.processMessage(context.Background(), "aws", testPayload(t))

	require.Equal(t, []string{models.StatusInProgress, models.StatusSuccess}, st.statuses())
	final := st.transitions[1]
	assert.Equal(t, "c1", final.CorrelationID)
	assert.Equal(t, "aws", final.Provider)
	assert.Equal(t, "R-99", final.ExternalRef)
	assert.Empty(t, q.requeued)
	assert.Equal(t, 1, exec.calls)
}

func TestTransientFailureRevertsAndRequeues(t *testing.T) {
	st := &fakeStore{pending: true}
	q := &fakeQueue{}
	exec := &fakeExec{err: action.Transient("Throttling", errors.New("rate exceeded"))}
	p := newTestProcessor(st, q, exec)

	payload := testPayload(t)
	p.processMessage(context.Background(), "aws", payload)

	require.Equal(t, []string{models.StatusInProgress, models.StatusPending}, st.statuses())
	require.Len(t, q.requeued, 1, "exactly one requeue per transient attempt")
	assert.Equal(t, payload, q.requeued[0], "the original message is re-inserted")
}

func TestPermanentFailureTerminatesWithoutRequeue(t *testing.T) {
	st := &fakeStore{pending: true}
	q := &fakeQueue{}
	exec := &fakeExec{err: action.Permanent("AccessDenied", errors.New("denied"))}
	p := newTestProcessor(st, q, exec)

	p.processMessage(context.Background(), "aws", testPayload(t))

	require.Equal(t, []string{models.StatusInProgress, models.StatusFailed}, st.statuses())
	assert.Contains(t, st.transitions[1].Message, "AccessDenied")
	assert.Empty(t, q.requeued)
}

func TestUnclassifiedErrorIsTreatedAsTransient(t *testing.T) {
	st := &fakeStore{pending: true}
	q := &fakeQueue{}
	exec := &fakeExec{err: errors.New("something unexpected")}
	p := newTestProcessor(st, q, exec)

	p.processMessage(context.Background(), "aws", testPayload(t))

	require.Equal(t, []string{models.StatusInProgress, models.StatusPending}, st.statuses())
	require.Len(t, q.requeued, 1)
}

func TestDuplicateDeliveryIsDiscardedSilently(t *testing.T) {
	st := &fakeStore{pending: false}
	q := &fakeQueue{}
	exec := &fakeExec{}
	p := newTestProcessor(st, q, exec)

	p.processMessage(context.Background(), "aws", testPayload(t))

	assert.Equal(t, 1, st.validateCalls)
	assert.Empty(t, st.transitions, "terminal requests are never mutated again")
	assert.Empty(t, q.requeued)
	assert.Zero(t, exec.calls)
}

func TestMalformedPayloadIsDiscarded(t *testing.T) {
	st := &fakeStore{pending: true}
	q := &fakeQueue{}
	exec := &fakeExec{}
	p := newTestProcessor(st, q, exec)

	p.processMessage(context.Background(), "aws", []byte("{not json"))
	p.processMessage(context.Background(), "aws", []byte(`{"account_id":"123"}`)) // no correlation_id

	assert.Zero(t, st.validateCalls)
	assert.Empty(t, q.requeued)
	assert.Zero(t, exec.calls)
}

func TestValidateErrorRequeuesWithoutRevert(t *testing.T) {
	st := &fakeStore{validateErr: &store.Error{Op: "select status", Err: errors.New("down")}}
	q := &fakeQueue{}
	exec := &fakeExec{}
	p := newTestProcessor(st, q, exec)

	p.processMessage(context.Background(), "aws", testPayload(t))

	assert.Empty(t, st.transitions, "row is still PENDING, no revert needed")
	require.Len(t, q.requeued, 1)
	assert.Zero(t, exec.calls)
}

func TestLockErrorRequeuesBeforeExecuting(t *testing.T) {
	st := &fakeStore{
		pending:    true,
		failStatus: map[string]error{models.StatusInProgress: &store.Error{Op: "update status", Err: errors.New("down")}},
	}
	q := &fakeQueue{}
	exec := &fakeExec{}
	p := newTestProcessor(st, q, exec)

	p.processMessage(context.Background(), "aws", testPayload(t))

	require.Len(t, q.requeued, 1)
	assert.Zero(t, exec.calls, "the action must not run without the IN_PROGRESS mark")
}

func TestSuccessFinalizeStoreErrorRequeuesWithoutRevert(t *testing.T) {
	st := &fakeStore{
		pending:    true,
		failStatus: map[string]error{models.StatusSuccess: &store.Error{Op: "commit transition", Err: errors.New("down")}},
	}
	q := &fakeQueue{}
	exec := &fakeExec{res: action.Result{ExternalRef: "R-99"}}
	p := newTestProcessor(st, q, exec)

	p.processMessage(context.Background(), "aws", testPayload(t))

	// IN_PROGRESS then the failed SUCCESS attempt; no PENDING revert.
	require.Equal(t, []string{models.StatusInProgress, models.StatusSuccess}, st.statuses())
	require.Len(t, q.requeued, 1)
}

func TestRevertFailureStillRequeues(t *testing.T) {
	st := &fakeStore{
		pending:    true,
		failStatus: map[string]error{models.StatusPending: &store.Error{Op: "update status", Err: errors.New("down")}},
	}
	q := &fakeQueue{}
	exec := &fakeExec{err: action.Transient("Throttling", nil)}
	p := newTestProcessor(st, q, exec)

	p.processMessage(context.Background(), "aws", testPayload(t))

	// The row is orphaned IN_PROGRESS, but the message survives.
	require.Len(t, q.requeued, 1)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	p := newTestProcessor(&fakeStore{}, &fakeQueue{}, &fakeExec{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
