package msg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// LogReader consumes a topic from the start of the log without a consumer
// group. It is used to replay order.lifecycle on boot: the caller drains it
// until a poll window comes back empty (caught up), then keeps polling the
// same reader for live events, so nothing falls in a gap between replay
// and live consumption.
type LogReader struct {
	client *kgo.Client
	logger *zap.Logger
	topic  string
}

// NewLogReader creates a group-less reader positioned at the log start.
func NewLogReader(brokers []string, topic string, logger *zap.Logger) (*LogReader, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	logger.Info("log reader initialized",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic),
	)

	return &LogReader{
		client: client,
		logger: logger,
		topic:  topic,
	}, nil
}

// Poll fetches the next batch of records, waiting at most wait. An empty
// result with a nil error means the window elapsed with nothing to read.
func (r *LogReader) Poll(ctx context.Context, wait time.Duration) ([]Record, error) {
	pollCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	fetches := r.client.PollFetches(pollCtx)
	if fetches.IsClientClosed() {
		return nil, fmt.Errorf("kafka client closed")
	}

	var fetchErr error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		fetchErr = fmt.Errorf("fetch error on %s[%d]: %w", topic, partition, err)
	})
	if fetchErr != nil {
		return nil, fetchErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []Record
	iter := fetches.RecordIter()
	for !iter.Done() {
		record := iter.Next()
		records = append(records, Record{
			Topic:     record.Topic,
			Key:       string(record.Key),
			Value:     record.Value,
			Partition: record.Partition,
			Offset:    record.Offset,
			Timestamp: record.Timestamp.UnixMilli(),
		})
	}

	return records, nil
}

// Close closes the reader
func (r *LogReader) Close() {
	if r.client != nil {
		r.client.Close()
	}
}
