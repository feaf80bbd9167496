package evaluator

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tickmux/exit-engine/internal/msg"
	"github.com/tickmux/exit-engine/internal/tracker"
)

// Reasons an exit fired.
const (
	ReasonStopLoss   = "STOP_LOSS"
	ReasonTakeProfit = "TAKE_PROFIT"
)

// Decision is one proposed exit: the tracker snapshot at trigger time plus
// what fired and at which price.
type Decision struct {
	Tracker      tracker.OrderTracker
	Reason       string
	TriggerPrice float64
	TickTime     int64
}

// ExitPublisher delivers a decision to the execution collaborator and
// records it. An error means the exit was not acknowledged; the tracker is
// re-armed and the next tick re-decides.
type ExitPublisher interface {
	PublishExit(ctx context.Context, d Decision) error
}

// Evaluator consumes normalized ticks and evaluates exit conditions for
// every active tracker of the tick's symbol. All ticks for one symbol are
// handled by exactly one partition worker, in arrival order, so trackers
// need no per-order locking: the owning worker is the only writer of the
// triggered transition and of trailing updates.
type Evaluator struct {
	registry  *tracker.Registry
	publisher ExitPublisher
	logger    *zap.Logger

	queues []chan msg.TickMsg
	wg     sync.WaitGroup

	evalCount int64
	exitCount int64
	shedCount int64
}

// New creates an evaluator with the given partition count and per-partition
// queue capacity.
func New(registry *tracker.Registry, publisher ExitPublisher, partitions, queueSize int, logger *zap.Logger) *Evaluator {
	if partitions <= 0 {
		partitions = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	queues := make([]chan msg.TickMsg, partitions)
	for i := range queues {
		queues[i] = make(chan msg.TickMsg, queueSize)
	}
	return &Evaluator{
		registry:  registry,
		publisher: publisher,
		logger:    logger,
		queues:    queues,
	}
}

// Start launches the partition workers and the stats loop. Workers stop
// when ctx is done.
func (e *Evaluator) Start(ctx context.Context) {
	for i, q := range e.queues {
		e.wg.Add(1)
		go e.worker(ctx, i, q)
	}
	go e.logStats(ctx)
}

// Wait blocks until all workers have exited.
func (e *Evaluator) Wait() {
	e.wg.Wait()
}

// Submit routes a tick to the worker owning its symbol partition. A full
// queue is a slow-consumer condition: the tick is shed, counted, and an
// error is returned so the caller surfaces it.
func (e *Evaluator) Submit(tick msg.TickMsg) error {
	idx := e.partitionFor(tick.Symbol)
	select {
	case e.queues[idx] <- tick:
		return nil
	default:
		atomic.AddInt64(&e.shedCount, 1)
		return fmt.Errorf("partition %d queue full, shedding tick for %s", idx, tick.Symbol)
	}
}

// ShedCount returns the number of ticks dropped due to full queues.
func (e *Evaluator) ShedCount() int64 {
	return atomic.LoadInt64(&e.shedCount)
}

func (e *Evaluator) partitionFor(symbol string) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(len(e.queues)))
}

func (e *Evaluator) worker(ctx context.Context, idx int, queue chan msg.TickMsg) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-queue:
			e.evaluateTick(ctx, tick)
		}
	}
}

// evaluateTick runs the fixed-order evaluation for every active tracker of
// the tick's symbol: trailing update, stop-loss, take-profit, with
// stop-loss winning a same-tick tie.
func (e *Evaluator) evaluateTick(ctx context.Context, tick msg.TickMsg) {
	trackers := e.registry.Snapshot(tick.Symbol)
	if len(trackers) == 0 {
		return
	}
	atomic.AddInt64(&e.evalCount, 1)

	for i := range trackers {
		t := trackers[i]
		if t.State != tracker.StateActive {
			continue
		}

		if trail, ok := updateTrail(&t, tick.Price); ok {
			if e.registry.ApplyTrail(t.OrderID, trail.highWaterMark, trail.stopLoss) {
				t.HighWaterMark = trail.highWaterMark
				t.StopLoss = trail.stopLoss
			}
		}

		reason, fired := checkTriggers(&t, tick.Price)
		if !fired {
			continue
		}

		e.fire(ctx, t, reason, tick)
	}
}

func (e *Evaluator) fire(ctx context.Context, t tracker.OrderTracker, reason string, tick msg.TickMsg) {
	// Single writer of the triggered transition: serialized because one
	// worker owns this symbol.
	if !e.registry.ArmTrigger(t.OrderID) {
		return
	}

	decision := Decision{
		Tracker:      t,
		Reason:       reason,
		TriggerPrice: tick.Price,
		TickTime:     tick.TsUnixMillis,
	}

	if err := e.publisher.PublishExit(ctx, decision); err != nil {
		// Not acknowledged: revert to ACTIVE and re-decide on the next
		// tick rather than blindly retrying the same command.
		e.registry.AbortTrigger(t.OrderID)
		e.logger.Warn("exit command not acknowledged, re-armed",
			zap.String("order_id", t.OrderID),
			zap.String("symbol", t.Symbol),
			zap.String("reason", reason),
			zap.Float64("trigger_price", tick.Price),
			zap.Error(err),
		)
		return
	}

	e.registry.CompleteTrigger(t.OrderID)
	atomic.AddInt64(&e.exitCount, 1)
	e.logger.Info("exit triggered",
		zap.String("order_id", t.OrderID),
		zap.String("symbol", t.Symbol),
		zap.String("side", string(t.Side)),
		zap.String("reason", reason),
		zap.Float64("trigger_price", tick.Price),
		zap.Float64("stop_loss", t.StopLoss),
		zap.Float64("take_profit", t.TakeProfit),
	)
}

type trailState struct {
	highWaterMark float64
	stopLoss      float64
}

// updateTrail recomputes the trailing state for the tick price. The stop
// only ever tightens: a proposal that would loosen it returns ok=false.
func updateTrail(t *tracker.OrderTracker, price float64) (trailState, bool) {
	if !t.TrailingEnabled || t.TrailOffset <= 0 || t.HighWaterMark <= 0 {
		return trailState{}, false
	}

	switch t.Side {
	case tracker.SideLong:
		hwm := t.HighWaterMark
		if price > hwm {
			hwm = price
		}
		stop := hwm - t.TrailOffset
		if hwm > t.HighWaterMark && stop > t.StopLoss {
			return trailState{highWaterMark: hwm, stopLoss: stop}, true
		}
	case tracker.SideShort:
		hwm := t.HighWaterMark
		if price < hwm {
			hwm = price
		}
		stop := hwm + t.TrailOffset
		if hwm < t.HighWaterMark && (t.StopLoss == 0 || stop < t.StopLoss) {
			return trailState{highWaterMark: hwm, stopLoss: stop}, true
		}
	}
	return trailState{}, false
}

// checkTriggers evaluates stop-loss then take-profit with inclusive
// thresholds. Stop-loss takes precedence when both would fire on the same
// tick (capital-preservation bias).
func checkTriggers(t *tracker.OrderTracker, price float64) (string, bool) {
	if t.StopLoss > 0 {
		switch t.Side {
		case tracker.SideLong:
			if price <= t.StopLoss {
				return ReasonStopLoss, true
			}
		case tracker.SideShort:
			if price >= t.StopLoss {
				return ReasonStopLoss, true
			}
		}
	}

	if t.TakeProfit > 0 {
		switch t.Side {
		case tracker.SideLong:
			if price >= t.TakeProfit {
				return ReasonTakeProfit, true
			}
		case tracker.SideShort:
			if price <= t.TakeProfit {
				return ReasonTakeProfit, true
			}
		}
	}

	return "", false
}

func (e *Evaluator) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth := 0
			for _, q := range e.queues {
				depth += len(q)
			}
			e.logger.Info("evaluator stats",
				zap.Int64("ticks_evaluated", atomic.LoadInt64(&e.evalCount)),
				zap.Int64("exits_fired", atomic.LoadInt64(&e.exitCount)),
				zap.Int64("ticks_shed", atomic.LoadInt64(&e.shedCount)),
				zap.Int("queue_depth", depth),
			)
		}
	}
}
