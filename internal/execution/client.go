package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tickmux/exit-engine/internal/chaos"
)

// ExitRequest is the reduce-only close submitted to the order command
// collaborator. This is the only outbound call that performs real trading
// action; it is fire-and-await-ack, not fire-and-forget.
type ExitRequest struct {
	OrderID       string  `json:"order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Quantity      float64 `json:"qty"`
	ReduceOnly    bool    `json:"reduce_only"`
	TriggerReason string  `json:"trigger_reason"`
	TriggerPrice  float64 `json:"trigger_price"`
}

// ExitAck is the collaborator's response.
type ExitAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Submitter accepts exit requests. The HTTP client is the production
// implementation; tests substitute fakes.
type Submitter interface {
	SubmitExit(ctx context.Context, req ExitRequest) error
}

// Client submits exit commands to the collaborator's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	chaos   *chaos.Chaos
	logger  *zap.Logger
}

// NewClient creates an execution client. chaosInj may be nil.
func NewClient(baseURL string, timeout time.Duration, chaosInj *chaos.Chaos, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		chaos:   chaosInj,
		logger:  logger,
	}
}

// SubmitExit posts the exit request and waits for the acknowledgement. Any
// transport error, non-2xx status, or accepted=false is returned as an
// error; the caller re-decides on the next tick.
func (c *Client) SubmitExit(ctx context.Context, req ExitRequest) error {
	if c.chaos != nil {
		if err := c.chaos.MaybeDelay(ctx, "execution", "submit_exit"); err != nil {
			return err
		}
		if c.chaos.MaybeDrop("execution", "submit_exit") {
			return fmt.Errorf("exit submission dropped by chaos injection")
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal exit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders/exit", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build exit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("exit submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("exit submission rejected with status %d", resp.StatusCode)
	}

	var ack ExitAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("failed to decode exit ack: %w", err)
	}
	if !ack.Accepted {
		return fmt.Errorf("exit not accepted: %s", ack.Reason)
	}

	c.logger.Debug("exit acknowledged",
		zap.String("order_id", req.OrderID),
		zap.String("symbol", req.Symbol),
		zap.String("reason", req.TriggerReason),
	)
	return nil
}
