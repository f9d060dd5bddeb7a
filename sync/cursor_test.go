package sync_test

import (
	"context"
	"path"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valuebridge/bridge-node/log"
	"github.com/valuebridge/bridge-node/store"
	"github.com/valuebridge/bridge-node/sync"
	"github.com/valuebridge/bridge-node/types"
)

func TestCursorTracker(t *testing.T) {
	storage, err := store.NewSQLStorage(log.WithFields("test", "test"), path.Join(t.TempDir(), "cursor.sqlite"))
	require.NoError(t, err)
	ctx := context.Background()

	tracker := sync.NewCursorTracker(storage, "ethereum", "bondWithdrawal:ethereum:optimism:USDC", 100, 10)

	_, _, ok, err := tracker.NextRange(99)
	require.NoError(t, err)
	require.False(t, ok, "nothing to do before the initial block")

	from, to, ok, err := tracker.NextRange(150)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), from)
	require.Equal(t, uint64(109), to)

	require.NoError(t, tracker.Advance(ctx, to))
	from, to, ok, err = tracker.NextRange(112)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(110), from)
	require.Equal(t, uint64(112), to)

	require.NoError(t, tracker.Advance(ctx, to))
	_, _, ok, err = tracker.NextRange(112)
	require.NoError(t, err)
	require.False(t, ok, "already at head")

	err = tracker.Advance(ctx, 105)
	require.ErrorIs(t, err, types.ErrInconsistentState)

	// a new tracker on the same storage resumes from the stored cursor
	resumed := sync.NewCursorTracker(storage, "ethereum", "bondWithdrawal:ethereum:optimism:USDC", 100, 10)
	from, _, ok, err = resumed.NextRange(200)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(113), from)

	require.Equal(t, uint64(7), resumed.CursorAt(7).LastProcessedBlock)
}
