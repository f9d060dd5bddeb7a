package watcher

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/valuebridge/bridge-node/chain"
	"github.com/valuebridge/bridge-node/log"
	"github.com/valuebridge/bridge-node/metrics"
	"github.com/valuebridge/bridge-node/store"
	bridgesync "github.com/valuebridge/bridge-node/sync"
	"github.com/valuebridge/bridge-node/types"
)

// NewRetryHandler returns the retry policy of chain interactions. Outcomes that a new
// attempt with the same inputs cannot change are not retried
func NewRetryHandler(logger *log.Logger, maxAttempts int, initial, maxBackoff time.Duration) *bridgesync.RetryHandler {
	return bridgesync.NewRetryHandler(logger, maxAttempts, initial, maxBackoff,
		chain.ErrReverted,
		chain.ErrDryRun,
		chain.ErrAlreadySubmitted,
		chain.ErrNotRecorded,
		chain.ErrNoSigner,
		chain.ErrUnknownToken,
		types.ErrInconsistentState,
	)
}

// RefreshStake reads the credit of the client signer for token and persists it,
// keeping the last rebalance time
func RefreshStake(ctx context.Context, storage store.Storage, client chain.Client, token string) (*big.Int, error) {
	credit, err := client.Credit(ctx, token, client.Bonder())
	if err != nil {
		return nil, err
	}
	balance := &types.StakeBalance{
		Bonder:        client.Bonder(),
		Network:       client.Network(),
		Token:         token,
		CurrentAmount: credit,
	}
	previous, err := storage.GetStakeBalance(client.Bonder(), client.Network(), token)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		balance.LastRebalanceAt = previous.LastRebalanceAt
	}
	if err := storage.SaveStakeBalance(ctx, balance); err != nil {
		return nil, err
	}
	metrics.SetStakeBalance(client.Network(), token, credit)
	return credit, nil
}
