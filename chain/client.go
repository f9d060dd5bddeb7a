package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/valuebridge/bridge-node/types"
)

var (
	// ErrReverted is returned when a transaction (or its gas estimation) reverted
	ErrReverted = errors.New("transaction reverted")
	// ErrDryRun is returned by Submit when the client is not allowed to broadcast
	ErrDryRun = errors.New("dry run: transaction not broadcast")
	// ErrAlreadySubmitted is returned by guards when the action is already on chain or in the store
	ErrAlreadySubmitted = errors.New("action already submitted")
	// ErrNotRecorded wraps failures of the Record hook: the transaction was broadcast but
	// its effect could not be persisted
	ErrNotRecorded = errors.New("transaction broadcast but not recorded")
	// ErrUnknownToken is returned for tokens without a bridge on the network
	ErrUnknownToken = errors.New("no bridge configured for token")
)

// TransferSentEvent is emitted by the source bridge when a transfer leaves the network
type TransferSentEvent struct {
	TransferID  common.Hash
	DestChainID uint64
	Recipient   common.Address
	Amount      *big.Int
	BonderFee   *big.Int
	Index       uint64
	Deadline    uint64
	BlockNumber uint64
	LogIndex    uint64
	TxHash      common.Hash
}

// Transfer converts the event into the stored representation of the transfer
func (e TransferSentEvent) Transfer(route types.Route, sourceChainID uint64, observedAt int64) *types.Transfer {
	return &types.Transfer{
		TransferID:    e.TransferID,
		SourceNetwork: route.Source,
		DestNetwork:   route.Dest,
		Token:         route.Token,
		SourceChainID: sourceChainID,
		DestChainID:   e.DestChainID,
		Recipient:     e.Recipient,
		Amount:        e.Amount,
		BonderFee:     e.BonderFee,
		Deadline:      e.Deadline,
		Index:         e.Index,
		SourceBlock:   e.BlockNumber,
		LogIndex:      e.LogIndex,
		SourceTxHash:  e.TxHash,
		Status:        types.TransferPending,
		ObservedAt:    observedAt,
	}
}

// TransfersCommittedEvent is emitted by the source bridge when a batch of transfers is committed
type TransfersCommittedEvent struct {
	RootHash    common.Hash
	DestChainID uint64
	TotalAmount *big.Int
	CommittedAt uint64
	TransferIDs []common.Hash
	BlockNumber uint64
	LogIndex    uint64
	TxHash      common.Hash
}

// RootInfo is the state of a transfer root on its destination network
type RootInfo struct {
	Total           *big.Int
	AmountWithdrawn *big.Int
	CreatedAt       uint64
	BlockNumber     uint64
}

// Exists reports whether the root has been set on the destination
func (r RootInfo) Exists() bool {
	return r.Total != nil && r.Total.Sign() > 0
}

// Hooks run inside the sequencer slot of the signer, around the broadcast
type Hooks struct {
	// Guard runs before signing. Returning an error aborts the submission
	Guard func(ctx context.Context) error
	// Record runs right after a successful broadcast
	Record func(ctx context.Context, txHash common.Hash) error
}

// Client is the chain capability the watchers use on one network
type Client interface {
	Network() string
	ChainID() uint64
	// Bonder is the account signing the submitted transactions
	Bonder() common.Address
	DryRun() bool

	LatestBlock(ctx context.Context) (uint64, error)
	TransferSentEvents(ctx context.Context, token string, destChainID uint64,
		fromBlock, toBlock uint64) ([]TransferSentEvent, error)
	TransfersCommittedEvents(ctx context.Context, token string, destChainID uint64,
		fromBlock, toBlock uint64) ([]TransfersCommittedEvent, error)

	// Credit is the stake of bonder available for bonding on this network
	Credit(ctx context.Context, token string, bonder common.Address) (*big.Int, error)
	// TokenBalance is the wallet balance of owner
	TokenBalance(ctx context.Context, token string, owner common.Address) (*big.Int, error)
	// BondedWithdrawal reports whether bonder already bonded transferID on this network
	BondedWithdrawal(ctx context.Context, token string, bonder common.Address, transferID common.Hash) (bool, error)
	TransferRoot(ctx context.Context, token string, rootHash common.Hash, total *big.Int) (RootInfo, error)
	ChallengeStatus(ctx context.Context, token string, rootHash common.Hash) (types.ChallengeStatus, error)

	// Submit signs and broadcasts call to the bridge of token. Submissions of the same signer on
	// the same network are serialized
	Submit(ctx context.Context, token string, call Call, hooks Hooks) (common.Hash, error)
	// WaitForConfirmations blocks until txHash has the given confirmations and returns its block
	WaitForConfirmations(ctx context.Context, txHash common.Hash, confirmations uint64) (uint64, error)
}
