package exitlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickmux/exit-engine/internal/msg"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "exits.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func exitCmd(eventID, orderID string) msg.ExitCmdMsg {
	return msg.ExitCmdMsg{
		EventID:       eventID,
		OrderID:       orderID,
		UserID:        "u1",
		Symbol:        "BTCUSDT",
		Side:          "SELL",
		Quantity:      2,
		ReduceOnly:    true,
		TriggerReason: "STOP_LOSS",
		TriggerPrice:  94.5,
		TsUnixMillis:  time.Now().UnixMilli(),
	}
}

func TestStore_RecordTriggerAtMostOncePerOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	inserted, err := store.RecordTrigger(ctx, exitCmd("evt-1", "ord-1"))
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same order, different event id: refused without writing
	inserted, err = store.RecordTrigger(ctx, exitCmd("evt-2", "ord-1"))
	require.NoError(t, err)
	assert.False(t, inserted, "an order triggers at most once")

	triggered, err := store.HasTriggered(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, triggered)

	triggered, err = store.HasTriggered(ctx, "ord-2")
	require.NoError(t, err)
	assert.False(t, triggered)

	events, err := store.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1, "refused trigger leaves no outbox event")
	assert.Equal(t, "evt-1", events[0].EventID)
}

func TestStore_OutboxLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i, orderID := range []string{"ord-1", "ord-2"} {
		inserted, err := store.RecordTrigger(ctx, exitCmd("evt-"+orderID, orderID))
		require.NoError(t, err)
		require.True(t, inserted, i)
	}

	events, err := store.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, msg.TopicExitCommands, events[0].Topic)
	assert.Equal(t, "u1", events[0].Key, "commands are keyed by user id")

	require.NoError(t, store.MarkPublished(ctx, events[0].EventID, time.Now().UnixMilli()))

	events, err = store.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-ord-2", events[0].EventID)
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exits.db")

	store, err := Open(path)
	require.NoError(t, err)
	ctx := context.Background()

	inserted, err := store.RecordTrigger(ctx, exitCmd("evt-1", "ord-1"))
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	triggered, err := reopened.HasTriggered(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, triggered, "the trigger record is durable across restarts")

	inserted, err = reopened.RecordTrigger(ctx, exitCmd("evt-2", "ord-1"))
	require.NoError(t, err)
	assert.False(t, inserted, "at-most-once holds across restarts")
}
