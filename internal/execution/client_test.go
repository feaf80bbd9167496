package execution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func exitReq() ExitRequest {
	return ExitRequest{
		OrderID:       "ord-1",
		Symbol:        "BTCUSDT",
		Side:          "SELL",
		Quantity:      2,
		ReduceOnly:    true,
		TriggerReason: "STOP_LOSS",
		TriggerPrice:  94.5,
	}
}

func TestSubmitExit_Acknowledged(t *testing.T) {
	var got ExitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders/exit", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(ExitAck{Accepted: true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil, zap.NewNop())
	require.NoError(t, c.SubmitExit(context.Background(), exitReq()))

	assert.Equal(t, "ord-1", got.OrderID)
	assert.Equal(t, "SELL", got.Side)
	assert.True(t, got.ReduceOnly)
}

func TestSubmitExit_RejectedAck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ExitAck{Accepted: false, Reason: "position already flat"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil, zap.NewNop())
	err := c.SubmitExit(context.Background(), exitReq())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "position already flat")
}

func TestSubmitExit_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil, zap.NewNop())
	assert.Error(t, c.SubmitExit(context.Background(), exitReq()))
}

func TestSubmitExit_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, 100*time.Millisecond, nil, zap.NewNop())
	assert.Error(t, c.SubmitExit(context.Background(), exitReq()))
}
