package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Call is a typed bridge contract invocation
type Call interface {
	Method() string
	Args() []interface{}
	// Value is the native amount sent along, nil for none
	Value() *big.Int
}

func toHashes32(ids []common.Hash) [][32]byte {
	res := make([][32]byte, len(ids))
	for i, id := range ids {
		res[i] = id
	}
	return res
}

// BondWithdrawalCall pays a transfer on its destination ahead of the root
type BondWithdrawalCall struct {
	SourceChainID uint64
	Recipient     common.Address
	Amount        *big.Int
	BonderFee     *big.Int
	Deadline      uint64
	Index         uint64
}

func (c BondWithdrawalCall) Method() string { return "bondWithdrawal" }
func (c BondWithdrawalCall) Value() *big.Int { return nil }
func (c BondWithdrawalCall) Args() []interface{} {
	return []interface{}{
		new(big.Int).SetUint64(c.SourceChainID),
		c.Recipient,
		c.Amount,
		c.BonderFee,
		new(big.Int).SetUint64(c.Deadline),
		new(big.Int).SetUint64(c.Index),
	}
}

// CommitTransfersCall commits a batch of transfers on the source network
type CommitTransfersCall struct {
	DestChainID uint64
	RootHash    common.Hash
	TotalAmount *big.Int
	TransferIDs []common.Hash
}

func (c CommitTransfersCall) Method() string { return "commitTransfers" }
func (c CommitTransfersCall) Value() *big.Int { return nil }
func (c CommitTransfersCall) Args() []interface{} {
	return []interface{}{
		new(big.Int).SetUint64(c.DestChainID),
		[32]byte(c.RootHash),
		c.TotalAmount,
		toHashes32(c.TransferIDs),
	}
}

// SettleCall releases the bonds of a root back to the bonder credit
type SettleCall struct {
	Bonder      common.Address
	RootHash    common.Hash
	TotalAmount *big.Int
	TransferIDs []common.Hash
}

func (c SettleCall) Method() string { return "settleBondedWithdrawals" }
func (c SettleCall) Value() *big.Int { return nil }
func (c SettleCall) Args() []interface{} {
	return []interface{}{
		c.Bonder,
		[32]byte(c.RootHash),
		c.TotalAmount,
		toHashes32(c.TransferIDs),
	}
}

// ChallengeCall disputes a transfer root
type ChallengeCall struct {
	RootHash    common.Hash
	TotalAmount *big.Int
	// Bond is the native amount required to open the challenge, if any
	Bond *big.Int
}

func (c ChallengeCall) Method() string { return "challengeTransferRoot" }
func (c ChallengeCall) Value() *big.Int { return c.Bond }
func (c ChallengeCall) Args() []interface{} {
	return []interface{}{[32]byte(c.RootHash), c.TotalAmount}
}

// StakeCall adds to the bonder credit
type StakeCall struct {
	Bonder common.Address
	Amount *big.Int
	// Native is set when the token is the native currency of the network
	Native bool
}

func (c StakeCall) Method() string { return "stake" }
func (c StakeCall) Value() *big.Int {
	if c.Native {
		return c.Amount
	}
	return nil
}
func (c StakeCall) Args() []interface{} {
	return []interface{}{c.Bonder, c.Amount}
}

// UnstakeCall withdraws from the bonder credit
type UnstakeCall struct {
	Amount *big.Int
}

func (c UnstakeCall) Method() string { return "unstake" }
func (c UnstakeCall) Value() *big.Int { return nil }
func (c UnstakeCall) Args() []interface{} {
	return []interface{}{c.Amount}
}
