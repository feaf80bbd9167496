package exitlog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tickmux/exit-engine/internal/evaluator"
	"github.com/tickmux/exit-engine/internal/execution"
	"github.com/tickmux/exit-engine/internal/msg"
	"github.com/tickmux/exit-engine/internal/tracker"
)

type fakeSubmitter struct {
	failures int
	requests []execution.ExitRequest
}

func (f *fakeSubmitter) SubmitExit(ctx context.Context, req execution.ExitRequest) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("execution unreachable")
	}
	f.requests = append(f.requests, req)
	return nil
}

type fakeProducer struct {
	mu       sync.Mutex
	failures int
	records  []msg.ExitCmdMsg
}

func (f *fakeProducer) ProduceJSON(ctx context.Context, topic, key string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	if cmd, ok := v.(msg.ExitCmdMsg); ok {
		f.records = append(f.records, cmd)
	}
	return nil
}

func stopLossDecision(orderID string) evaluator.Decision {
	return evaluator.Decision{
		Tracker: tracker.OrderTracker{
			OrderID:  orderID,
			UserID:   "u1",
			Symbol:   "BTCUSDT",
			Side:     tracker.SideLong,
			Quantity: 2,
			State:    tracker.StateTriggered,
		},
		Reason:       evaluator.ReasonStopLoss,
		TriggerPrice: 94.5,
		TickTime:     1700000000000,
	}
}

// flakyStore fails the first N trigger records, then delegates.
type flakyStore struct {
	*Store
	failures int
}

func (f *flakyStore) RecordTrigger(ctx context.Context, cmd msg.ExitCmdMsg) (bool, error) {
	if f.failures > 0 {
		f.failures--
		return false, errors.New("disk full")
	}
	return f.Store.RecordTrigger(ctx, cmd)
}

func TestPublishExit_TransientRecordFailureIsRetried(t *testing.T) {
	store := openTestStore(t)
	pub := NewPublisher(&flakyStore{Store: store, failures: 1}, &fakeProducer{}, &fakeSubmitter{}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, pub.PublishExit(ctx, stopLossDecision("ord-1")))

	triggered, err := store.HasTriggered(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, triggered, "the acknowledged exit reaches the outbox on a later attempt")
}

func TestPublishExit_RecordLossNeverRearms(t *testing.T) {
	store := openTestStore(t)
	sub := &fakeSubmitter{}
	pub := NewPublisher(&flakyStore{Store: store, failures: recordAttempts}, &fakeProducer{}, sub, zap.NewNop())
	ctx := context.Background()

	// Every record attempt fails, but the collaborator already accepted
	// the close: the caller must not see an error and re-trigger.
	require.NoError(t, pub.PublishExit(ctx, stopLossDecision("ord-1")))
	require.Len(t, sub.requests, 1)

	triggered, err := store.HasTriggered(ctx, "ord-1")
	require.NoError(t, err)
	assert.False(t, triggered)
}

func TestPublishExit_FailedSubmitPropagates(t *testing.T) {
	store := openTestStore(t)
	sub := &fakeSubmitter{failures: 1}
	pub := NewPublisher(store, &fakeProducer{}, sub, zap.NewNop())
	ctx := context.Background()

	err := pub.PublishExit(ctx, stopLossDecision("ord-1"))
	require.Error(t, err, "no acknowledgement surfaces to the caller")

	triggered, err := store.HasTriggered(ctx, "ord-1")
	require.NoError(t, err)
	assert.False(t, triggered, "nothing is recorded without an ack")

	// Retry after the collaborator recovers
	require.NoError(t, pub.PublishExit(ctx, stopLossDecision("ord-1")))
	triggered, err = store.HasTriggered(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, triggered)

	require.Len(t, sub.requests, 1)
	req := sub.requests[0]
	assert.Equal(t, "SELL", req.Side, "long positions close with a sell")
	assert.True(t, req.ReduceOnly)
	assert.Equal(t, evaluator.ReasonStopLoss, req.TriggerReason)
}

func TestPublishExit_DuplicateDecisionWritesOneCommand(t *testing.T) {
	store := openTestStore(t)
	pub := NewPublisher(store, &fakeProducer{}, &fakeSubmitter{}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, pub.PublishExit(ctx, stopLossDecision("ord-1")))
	require.NoError(t, pub.PublishExit(ctx, stopLossDecision("ord-1")))

	events, err := store.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1, "a duplicate ack never queues a second command")
}

func TestPublishBatch_DrainsOutboxOnce(t *testing.T) {
	store := openTestStore(t)
	prod := &fakeProducer{}
	pub := NewPublisher(store, prod, &fakeSubmitter{}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, pub.PublishExit(ctx, stopLossDecision("ord-1")))
	require.NoError(t, pub.PublishExit(ctx, stopLossDecision("ord-2")))

	require.NoError(t, pub.publishBatch(ctx))
	require.Len(t, prod.records, 2)
	assert.Equal(t, "ord-1", prod.records[0].OrderID)

	// Outbox is drained: a second batch publishes nothing
	require.NoError(t, pub.publishBatch(ctx))
	assert.Len(t, prod.records, 2)
}

func TestPublishBatch_BrokerFailureRetriesNextBatch(t *testing.T) {
	store := openTestStore(t)
	prod := &fakeProducer{failures: 1}
	pub := NewPublisher(store, prod, &fakeSubmitter{}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, pub.PublishExit(ctx, stopLossDecision("ord-1")))

	require.NoError(t, pub.publishBatch(ctx))
	assert.Empty(t, prod.records, "failed produce leaves the event unpublished")

	require.NoError(t, pub.publishBatch(ctx))
	require.Len(t, prod.records, 1)
	assert.Equal(t, "ord-1", prod.records[0].OrderID)
}
