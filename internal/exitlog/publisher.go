package exitlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tickmux/exit-engine/internal/evaluator"
	"github.com/tickmux/exit-engine/internal/execution"
	"github.com/tickmux/exit-engine/internal/msg"
)

// producer is the slice of msg.Producer the publisher needs.
type producer interface {
	ProduceJSON(ctx context.Context, topic string, key string, v any) error
}

// triggerStore is the slice of Store the publisher needs.
type triggerStore interface {
	RecordTrigger(ctx context.Context, cmd msg.ExitCmdMsg) (bool, error)
	ListUnpublished(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkPublished(ctx context.Context, eventID string, nowMillis int64) error
}

// Bounded retry for writing the trigger record after an acknowledged exit.
const (
	recordAttempts   = 3
	recordRetryDelay = 50 * time.Millisecond
)

// Publisher turns trigger decisions into exit commands: submit to the
// execution collaborator, record the acknowledged trigger durably, and
// drain the outbox onto order.exit.commands.
type Publisher struct {
	store     triggerStore
	producer  producer
	submitter execution.Submitter
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

// NewPublisher creates a publisher over the given store and collaborator.
func NewPublisher(store triggerStore, producer producer, submitter execution.Submitter, logger *zap.Logger) *Publisher {
	return &Publisher{
		store:     store,
		producer:  producer,
		submitter: submitter,
		logger:    logger,
		interval:  250 * time.Millisecond,
		batchSize: 100,
	}
}

// PublishExit delivers one exit decision. The submit is awaited: an error
// means no acknowledgement and the caller re-arms the trigger. On ack the
// command is recorded at-most-once per order and queued for the event log.
func (p *Publisher) PublishExit(ctx context.Context, d evaluator.Decision) error {
	t := d.Tracker

	req := execution.ExitRequest{
		OrderID:       t.OrderID,
		Symbol:        t.Symbol,
		Side:          t.ExitSide(),
		Quantity:      t.Quantity,
		ReduceOnly:    true,
		TriggerReason: d.Reason,
		TriggerPrice:  d.TriggerPrice,
	}

	if err := p.submitter.SubmitExit(ctx, req); err != nil {
		return fmt.Errorf("exit not acknowledged for order %s: %w", t.OrderID, err)
	}

	cmd := msg.ExitCmdMsg{
		EventID:       uuid.New().String(),
		OrderID:       t.OrderID,
		UserID:        t.UserID,
		Symbol:        t.Symbol,
		Side:          req.Side,
		Quantity:      t.Quantity,
		ReduceOnly:    true,
		TriggerReason: d.Reason,
		TriggerPrice:  d.TriggerPrice,
		TsUnixMillis:  time.Now().UnixMilli(),
	}

	var inserted bool
	var recordErr error
	for attempt := 0; attempt < recordAttempts; attempt++ {
		inserted, recordErr = p.store.RecordTrigger(ctx, cmd)
		if recordErr == nil {
			break
		}
		p.logger.Warn("failed to record acknowledged trigger, retrying",
			zap.String("order_id", t.OrderID),
			zap.Int("attempt", attempt+1),
			zap.Error(recordErr),
		)
		select {
		case <-ctx.Done():
			recordErr = ctx.Err()
		case <-time.After(recordRetryDelay):
			continue
		}
		break
	}
	if recordErr != nil {
		// The collaborator accepted the reduce-only close; losing the
		// record must not re-arm the trigger. The command topic loses
		// this event, which the error log surfaces.
		p.logger.Error("failed to record acknowledged trigger",
			zap.String("order_id", t.OrderID),
			zap.Error(recordErr),
		)
		return nil
	}
	if !inserted {
		p.logger.Warn("trigger already recorded for order, skipping outbox write",
			zap.String("order_id", t.OrderID),
		)
	}

	return nil
}

// Run drains the outbox onto the event log until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.publishBatch(ctx); err != nil {
				p.logger.Error("failed to publish outbox batch", zap.Error(err))
				// Will retry on next tick
			}
		}
	}
}

func (p *Publisher) publishBatch(ctx context.Context) error {
	events, err := p.store.ListUnpublished(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list unpublished events: %w", err)
	}

	if len(events) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	published := 0

	for _, event := range events {
		var cmd msg.ExitCmdMsg
		if err := json.Unmarshal([]byte(event.PayloadJSON), &cmd); err != nil {
			p.logger.Error("failed to unmarshal outbox payload",
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			continue
		}

		if err := p.producer.ProduceJSON(ctx, event.Topic, event.Key, cmd); err != nil {
			p.logger.Error("failed to produce exit command",
				zap.String("event_id", event.EventID),
				zap.String("order_id", event.OrderID),
				zap.Error(err),
			)
			// Retried next batch
			continue
		}

		if err := p.store.MarkPublished(ctx, event.EventID, now); err != nil {
			p.logger.Error("failed to mark event as published",
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			// Worst case we republish; consumers key on order id
			continue
		}

		published++
	}

	if published > 0 {
		p.logger.Info("published exit command batch",
			zap.Int("published", published),
			zap.Int("total", len(events)),
		)
	}

	return nil
}
