package tracker

// Side is the tracked position direction.
type Side string

// Position sides
const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// State is the tracker lifecycle state.
//
// PENDING_FILL -> ACTIVE -> {TRIGGERED, CLOSED, CANCELLED}
//
// ACTIVE is the only state in which trigger evaluation runs. TRIGGERED is
// transient: it holds until the execution collaborator acknowledges the
// exit command, then moves to CLOSED; a failed acknowledgement returns the
// tracker to ACTIVE with the trigger re-armed.
type State string

// Tracker states
const (
	StatePendingFill State = "PENDING_FILL"
	StateActive      State = "ACTIVE"
	StateTriggered   State = "TRIGGERED"
	StateClosed      State = "CLOSED"
	StateCancelled   State = "CANCELLED"
)

// OrderTracker is the mutable record of one open position's exit
// conditions. Trackers are owned exclusively by the Registry; everything
// handed out is a copy.
type OrderTracker struct {
	OrderID   string
	UserID    string
	AccountID string
	Symbol    string
	Side      Side

	EntryPrice float64
	Quantity   float64

	// Exit conditions; zero means unset
	StopLoss   float64
	TakeProfit float64

	TrailingEnabled bool
	TrailOffset     float64
	// HighWaterMark is the best price seen since fill: max for longs,
	// min for shorts. Zero until the order fills.
	HighWaterMark float64

	State State
}

// ExitSide returns the reduce-only side that closes the position.
func (t *OrderTracker) ExitSide() string {
	if t.Side == SideLong {
		return "SELL"
	}
	return "BUY"
}
