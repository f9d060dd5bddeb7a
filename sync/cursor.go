package sync

import (
	"context"
	"errors"

	"github.com/valuebridge/bridge-node/db"
	"github.com/valuebridge/bridge-node/types"
)

// CursorStorage persists sync cursors
type CursorStorage interface {
	GetSyncCursor(network, watcherKind string) (types.SyncCursor, error)
	SetSyncCursor(ctx context.Context, cursor types.SyncCursor) error
}

// CursorTracker hands out the next block range a watcher has to process on a network.
// The stored cursor only moves forward.
type CursorTracker struct {
	storage      CursorStorage
	network      string
	watcherKind  string
	initialBlock uint64
	chunkSize    uint64
}

func NewCursorTracker(
	storage CursorStorage, network, watcherKind string, initialBlock, chunkSize uint64,
) *CursorTracker {
	if chunkSize == 0 {
		chunkSize = 1
	}
	return &CursorTracker{
		storage:      storage,
		network:      network,
		watcherKind:  watcherKind,
		initialBlock: initialBlock,
		chunkSize:    chunkSize,
	}
}

// NextRange returns the inclusive range to process given the latest block of the network.
// ok is false when there is nothing new.
func (c *CursorTracker) NextRange(latest uint64) (from, to uint64, ok bool, err error) {
	from = c.initialBlock
	cursor, err := c.storage.GetSyncCursor(c.network, c.watcherKind)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return 0, 0, false, err
	default:
		if cursor.LastProcessedBlock+1 > from {
			from = cursor.LastProcessedBlock + 1
		}
	}
	if from > latest {
		return from, latest, false, nil
	}
	to = from + c.chunkSize - 1
	if to > latest {
		to = latest
	}
	return from, to, true, nil
}

// CursorAt builds the cursor value marking block as processed, for atomic writes done by the caller
func (c *CursorTracker) CursorAt(block uint64) types.SyncCursor {
	return types.SyncCursor{
		Network:            c.network,
		WatcherKind:        c.watcherKind,
		LastProcessedBlock: block,
	}
}

// Advance persists block as the last processed one
func (c *CursorTracker) Advance(ctx context.Context, block uint64) error {
	return c.storage.SetSyncCursor(ctx, c.CursorAt(block))
}
