package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	KindBondWithdrawal           = "bondWithdrawal"
	KindTransfersCommitted       = "transfersCommitted"
	KindBondedWithdrawalsSettled = "bondedWithdrawalsSettled"
	KindTransferRootChallenged   = "transferRootChallenged"
	KindStakeRebalanced          = "stakeRebalanced"
)

// BondWithdrawal is published once a bond has been broadcast and recorded
type BondWithdrawal struct {
	TransferID common.Hash    `json:"transferId"`
	Recipient  common.Address `json:"recipient"`
	Amount     *big.Int       `json:"amount"`
	BonderFee  *big.Int       `json:"bonderFee"`
	TxHash     common.Hash    `json:"txHash"`
	Network    string         `json:"network"`
	Token      string         `json:"token"`
}

type TransfersCommitted struct {
	RootHash      common.Hash   `json:"rootHash"`
	SourceNetwork string        `json:"sourceNetwork"`
	DestNetwork   string        `json:"destNetwork"`
	Token         string        `json:"token"`
	TotalAmount   *big.Int      `json:"totalAmount"`
	TransferIDs   []common.Hash `json:"transferIds"`
	TxHash        common.Hash   `json:"txHash"`
	// Trigger is "amount" or "window"
	Trigger string `json:"trigger"`
}

type BondedWithdrawalsSettled struct {
	RootHash    common.Hash    `json:"rootHash"`
	Network     string         `json:"network"`
	Token       string         `json:"token"`
	Bonder      common.Address `json:"bonder"`
	TransferIDs []common.Hash  `json:"transferIds"`
	Amount      *big.Int       `json:"amount"`
	TxHash      common.Hash    `json:"txHash"`
	RootSettled bool           `json:"rootSettled"`
}

type TransferRootChallenged struct {
	RootHash      common.Hash `json:"rootHash"`
	SourceNetwork string      `json:"sourceNetwork"`
	DestNetwork   string      `json:"destNetwork"`
	Token         string      `json:"token"`
	TotalAmount   *big.Int    `json:"totalAmount"`
	Reason        string      `json:"reason"`
	TxHash        common.Hash `json:"txHash"`
}

type StakeRebalanced struct {
	Network string         `json:"network"`
	Token   string         `json:"token"`
	Bonder  common.Address `json:"bonder"`
	// Action is "stake" or "unstake"
	Action  string      `json:"action"`
	Amount  *big.Int    `json:"amount"`
	Balance *big.Int    `json:"balance"`
	TxHash  common.Hash `json:"txHash"`
}

// Bus holds one feed per action kind
type Bus struct {
	BondWithdrawal           *Feed[BondWithdrawal]
	TransfersCommitted       *Feed[TransfersCommitted]
	BondedWithdrawalsSettled *Feed[BondedWithdrawalsSettled]
	TransferRootChallenged   *Feed[TransferRootChallenged]
	StakeRebalanced          *Feed[StakeRebalanced]
}

func NewBus() *Bus {
	return &Bus{
		BondWithdrawal:           NewFeed[BondWithdrawal](),
		TransfersCommitted:       NewFeed[TransfersCommitted](),
		BondedWithdrawalsSettled: NewFeed[BondedWithdrawalsSettled](),
		TransferRootChallenged:   NewFeed[TransferRootChallenged](),
		StakeRebalanced:          NewFeed[StakeRebalanced](),
	}
}
