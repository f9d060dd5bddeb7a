package types

import (
	"errors"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/keccak256"
)

var (
	// ErrInconsistentState is returned when persisted state contradicts itself or the chain
	// in a way that cannot be repaired automatically (cursor regression, undecodable rows...)
	ErrInconsistentState = errors.New("inconsistent persisted state")
)

// TransferStatus is the lifecycle position of a Transfer
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferBonded    TransferStatus = "bonded"
	TransferCommitted TransferStatus = "committed"
	TransferSettled   TransferStatus = "settled"
)

// ChallengeStatus is the state of a dispute raised against a TransferRoot
type ChallengeStatus string

const (
	ChallengeNone     ChallengeStatus = "none"
	ChallengePending  ChallengeStatus = "pending"
	ChallengeUpheld   ChallengeStatus = "upheld"
	ChallengeRejected ChallengeStatus = "rejected"
	ChallengeExpired  ChallengeStatus = "expired"
)

// Transfer is a value transfer observed on its source network
type Transfer struct {
	TransferID    common.Hash    `meddler:"transfer_id,hash"`
	SourceNetwork string         `meddler:"source_network"`
	DestNetwork   string         `meddler:"dest_network"`
	Token         string         `meddler:"token"`
	SourceChainID uint64         `meddler:"source_chain_id"`
	DestChainID   uint64         `meddler:"dest_chain_id"`
	Recipient     common.Address `meddler:"recipient,address"`
	Amount        *big.Int       `meddler:"amount,bigint"`
	BonderFee     *big.Int       `meddler:"bonder_fee,bigint"`
	Deadline      uint64         `meddler:"deadline"`
	Index         uint64         `meddler:"transfer_index"`
	SourceBlock   uint64         `meddler:"source_block"`
	LogIndex      uint64         `meddler:"log_index"`
	SourceTxHash  common.Hash    `meddler:"source_tx_hash,hash"`
	RootHash      common.Hash    `meddler:"root_hash,hash"`
	Status        TransferStatus `meddler:"status"`
	ObservedAt    int64          `meddler:"observed_at"`
	BondAttempts  int            `meddler:"bond_attempts"`
	BondFailed    bool           `meddler:"bond_failed"`
	BondError     string         `meddler:"bond_error"`
}

// ComputeTransferID returns the identity of a transfer: keccak256 over the source chain id,
// destination chain id, recipient, amount, deadline and index, each left padded to 32 bytes.
func ComputeTransferID(
	sourceChainID, destChainID uint64,
	recipient common.Address,
	amount *big.Int,
	deadline, index uint64,
) common.Hash {
	const wordSize = 32
	return common.BytesToHash(keccak256.Hash(
		common.LeftPadBytes(new(big.Int).SetUint64(sourceChainID).Bytes(), wordSize),
		common.LeftPadBytes(new(big.Int).SetUint64(destChainID).Bytes(), wordSize),
		common.LeftPadBytes(recipient.Bytes(), wordSize),
		common.LeftPadBytes(amount.Bytes(), wordSize),
		common.LeftPadBytes(new(big.Int).SetUint64(deadline).Bytes(), wordSize),
		common.LeftPadBytes(new(big.Int).SetUint64(index).Bytes(), wordSize),
	))
}

// ID recomputes the identity from the transfer attributes
func (t *Transfer) ID() common.Hash {
	return ComputeTransferID(t.SourceChainID, t.DestChainID, t.Recipient, t.Amount, t.Deadline, t.Index)
}

// Expired reports whether the transfer can no longer be bonded at unix time now
func (t *Transfer) Expired(now int64) bool {
	return t.Deadline != 0 && now > int64(t.Deadline)
}

// BondCost is the stake a bonder needs to cover the withdrawal
func (t *Transfer) BondCost() *big.Int {
	cost := new(big.Int).Set(t.Amount)
	if t.BonderFee != nil {
		cost.Add(cost, t.BonderFee)
	}
	return cost
}

// Before orders transfers by their position on the source chain
func (t *Transfer) Before(other *Transfer) bool {
	if t.SourceBlock != other.SourceBlock {
		return t.SourceBlock < other.SourceBlock
	}
	return t.LogIndex < other.LogIndex
}

// SortTransfers sorts in place by on-chain position
func SortTransfers(transfers []*Transfer) {
	sort.SliceStable(transfers, func(i, j int) bool {
		return transfers[i].Before(transfers[j])
	})
}

// TransferRoot is the commitment of an ordered batch of transfers
type TransferRoot struct {
	RootHash         common.Hash     `meddler:"root_hash,hash"`
	SourceNetwork    string          `meddler:"source_network"`
	DestNetwork      string          `meddler:"dest_network"`
	Token            string          `meddler:"token"`
	TransferIDs      []common.Hash   `meddler:"transfer_ids,hashes"`
	TotalAmount      *big.Int        `meddler:"total_amount,bigint"`
	CommittedAtBlock uint64          `meddler:"committed_at_block"`
	CommitLogIndex   uint64          `meddler:"commit_log_index"`
	CommittedAt      int64           `meddler:"committed_at"`
	CommitTxHash     common.Hash     `meddler:"commit_tx_hash,hash"`
	Confirmed        bool            `meddler:"confirmed"`
	Settled          bool            `meddler:"settled"`
	ChallengeStatus  ChallengeStatus `meddler:"challenge_status"`
	ChallengeTxHash  common.Hash     `meddler:"challenge_tx_hash,hash"`
	// Observed is set when the root was learnt from chain events rather than committed by this node
	Observed bool `meddler:"observed"`
}

// BondedWithdrawal is a pre-funded withdrawal on the destination network
type BondedWithdrawal struct {
	TransferID    common.Hash    `meddler:"transfer_id,hash"`
	Bonder        common.Address `meddler:"bonder,address"`
	Network       string         `meddler:"network"`
	Token         string         `meddler:"token"`
	Amount        *big.Int       `meddler:"amount,bigint"`
	BonderFee     *big.Int       `meddler:"bonder_fee,bigint"`
	TxHash        common.Hash    `meddler:"tx_hash,hash"`
	Confirmations uint64         `meddler:"confirmations"`
	Confirmed     bool           `meddler:"confirmed"`
	Reverted      bool           `meddler:"reverted"`
	Settled       bool           `meddler:"settled"`
	SettleTxHash  common.Hash    `meddler:"settle_tx_hash,hash"`
	CreatedAt     int64          `meddler:"created_at"`
}

// SyncCursor is the last fully processed block of a watcher on a network
type SyncCursor struct {
	Network            string `meddler:"network"`
	WatcherKind        string `meddler:"watcher_kind"`
	LastProcessedBlock uint64 `meddler:"last_processed_block"`
	UpdatedAt          int64  `meddler:"updated_at"`
}

// StakeBalance is the credit a bonder holds on a network for a token
type StakeBalance struct {
	Bonder          common.Address `meddler:"bonder,address"`
	Network         string         `meddler:"network"`
	Token           string         `meddler:"token"`
	CurrentAmount   *big.Int       `meddler:"current_amount,bigint"`
	LastRebalanceAt int64          `meddler:"last_rebalance_at"`
	UpdatedAt       int64          `meddler:"updated_at"`
}

// Route is a (source, destination, token) path transfers travel through
type Route struct {
	Source string
	Dest   string
	Token  string
}

func (r Route) String() string {
	return r.Source + ":" + r.Dest + ":" + r.Token
}
