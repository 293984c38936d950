package pgstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"refengine/internal/rewards"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestPgErrorClassification(t *testing.T) {
	serialization := fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"})
	deadlock := &pgconn.PgError{Code: "40P01"}
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})

	require.True(t, isSerializationError(serialization))
	require.True(t, isSerializationError(deadlock))
	require.False(t, isSerializationError(unique))
	require.False(t, isSerializationError(errors.New("plain")))

	require.True(t, isUniqueViolation(unique))
	require.False(t, isUniqueViolation(serialization))
	require.False(t, isUniqueViolation(nil))
}

func TestConnectionErrorClassification(t *testing.T) {
	refused := fmt.Errorf("begin: %w", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})
	require.True(t, isConnectionError(refused))
	require.True(t, isConnectionError(fmt.Errorf("read: %w", io.ErrUnexpectedEOF)))

	require.False(t, isConnectionError(nil))
	require.False(t, isConnectionError(&pgconn.PgError{Code: "23503"}))
	require.False(t, isConnectionError(fmt.Errorf("exec: %w", context.Canceled)))
	require.False(t, isConnectionError(context.DeadlineExceeded))
	require.False(t, isConnectionError(errors.New("balance row corrupt")))

	wrapped := unavailable(refused)
	require.ErrorIs(t, wrapped, rewards.ErrLedgerUnavailable)
	plain := errors.New("check constraint")
	require.Same(t, plain, unavailable(plain))
	require.NoError(t, unavailable(nil))
}

func TestSleepWithContextStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := sleepWithContext(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)

	require.NoError(t, sleepWithContext(context.Background(), time.Millisecond))
}

func TestNullableID(t *testing.T) {
	require.Nil(t, nullableID(""))
	require.Nil(t, nullableID("   "))
	require.Equal(t, "3f1c1f8e-8a53-4d35-9a6b-5d8f1bb0a2c4", nullableID(" 3f1c1f8e-8a53-4d35-9a6b-5d8f1bb0a2c4 "))
}

func TestMetadataRoundTrip(t *testing.T) {
	require.Equal(t, "{}", encodeMetadata(nil))
	raw := encodeMetadata(map[string]any{"source": "trade", "fee": 1.5})
	got := decodeMetadata([]byte(raw))
	require.Equal(t, "trade", got["source"])
	require.Equal(t, 1.5, got["fee"])

	require.Nil(t, decodeMetadata(nil))
	require.Nil(t, decodeMetadata([]byte("{}")))
	require.Nil(t, decodeMetadata([]byte("not json")))
}
