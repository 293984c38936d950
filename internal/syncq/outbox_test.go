package syncq

import (
	"context"
	"errors"
	"testing"

	"refengine/internal/queue"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func trigger(id string) queue.Trigger {
	return queue.Trigger{
		EventID:     id,
		Kind:        queue.KindCommission,
		EarnerID:    "11111111-1111-1111-1111-111111111111",
		Amount:      decimal.RequireFromString("10"),
		EarningType: "trading",
	}
}

func TestPushDeduplicatesByEventID(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	require.NoError(t, Push(trigger("evt-1"), errors.New("connection refused")))
	require.NoError(t, Push(trigger("evt-1"), nil))
	require.NoError(t, Push(trigger("evt-2"), nil))

	entries, err := Load()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "evt-1", entries[0].Trigger.EventID)
	require.Equal(t, "connection refused", entries[0].LastError)
	require.True(t, entries[0].Trigger.Amount.Equal(decimal.RequireFromString("10")))
}

func TestFlushStopsAtRetryableFailure(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	for _, id := range []string{"evt-1", "evt-2", "evt-3", "evt-4"} {
		require.NoError(t, Push(trigger(id), nil))
	}

	var seen []string
	res, err := Flush(context.Background(), func(_ context.Context, tr queue.Trigger) (bool, error) {
		seen = append(seen, tr.EventID)
		switch tr.EventID {
		case "evt-2":
			return false, errors.New("api status 400: bad earner")
		case "evt-3":
			return true, errors.New("dial tcp: connection refused")
		}
		return false, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"evt-1", "evt-2", "evt-3"}, seen)
	require.Equal(t, 1, res.Sent)
	require.Len(t, res.Dropped, 1)
	require.Equal(t, "evt-2", res.Dropped[0].Trigger.EventID)
	require.Equal(t, 2, res.Pending)
	require.Error(t, res.LastFail)

	entries, err := Load()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "evt-3", entries[0].Trigger.EventID)
	require.Equal(t, 1, entries[0].Attempts)
	require.Equal(t, "evt-4", entries[1].Trigger.EventID)
}

func TestLoadMissingOutboxIsEmpty(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	entries, err := Load()
	require.NoError(t, err)
	require.Empty(t, entries)
}
