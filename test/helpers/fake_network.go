package helpers

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/keccak256"
	"github.com/valuebridge/bridge-node/chain"
	bridgecommon "github.com/valuebridge/bridge-node/common"
	"github.com/valuebridge/bridge-node/types"
)

var errUnknownTx = errors.New("unknown transaction")

type fakeBond struct {
	bonder  common.Address
	amount  *big.Int
	settled bool
}

var _ chain.Client = (*FakeNetwork)(nil)

// FakeNetwork is an in-memory chain.Client. Every submission is mined in its own block.
// Networks joined with Connect deliver committed roots to each other.
type FakeNetwork struct {
	mu        sync.Mutex
	name      string
	chainID   uint64
	signer    common.Address
	dryRun    bool
	manual    bool
	sequencer *chain.Sequencer

	head       uint64
	peers      map[uint64]*FakeNetwork
	sent       map[string][]chain.TransferSentEvent
	commits    map[string][]chain.TransfersCommittedEvent
	nextIndex  map[string]uint64
	credit     map[string]map[common.Address]*big.Int
	balances   map[string]map[common.Address]*big.Int
	bonds      map[string]map[common.Hash]*fakeBond
	roots      map[string]map[common.Hash]chain.RootInfo
	challenges map[common.Hash]types.ChallengeStatus
	receipts   map[common.Hash]uint64
	calls      []chain.Call
	failures   []error
	readErrs   []error
	txCount    uint64

	revertMined int
	revertedTxs map[common.Hash]bool
}

func NewFakeNetwork(name string, chainID uint64, signer common.Address) *FakeNetwork {
	return &FakeNetwork{
		name:       name,
		chainID:    chainID,
		signer:     signer,
		sequencer:  chain.NewSequencer(),
		head:       1,
		peers:      map[uint64]*FakeNetwork{},
		sent:       map[string][]chain.TransferSentEvent{},
		commits:    map[string][]chain.TransfersCommittedEvent{},
		nextIndex:  map[string]uint64{},
		credit:     map[string]map[common.Address]*big.Int{},
		balances:   map[string]map[common.Address]*big.Int{},
		bonds:      map[string]map[common.Hash]*fakeBond{},
		roots:      map[string]map[common.Hash]chain.RootInfo{},
		challenges: map[common.Hash]types.ChallengeStatus{},
		receipts:   map[common.Hash]uint64{},

		revertedTxs: map[common.Hash]bool{},
	}
}

// Connect makes every network able to deliver roots to the others
func Connect(networks ...*FakeNetwork) {
	for _, a := range networks {
		for _, b := range networks {
			if a != b {
				a.mu.Lock()
				a.peers[b.chainID] = b
				a.mu.Unlock()
			}
		}
	}
}

// WithSigner returns a view of the same network submitting as signer
func (f *FakeNetwork) WithSigner(signer common.Address) *SignerView {
	return &SignerView{FakeNetwork: f, signer: signer, sequencer: chain.NewSequencer()}
}

func (f *FakeNetwork) SetDryRun(dryRun bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dryRun = dryRun
}

// SetManualMining disables the automatic mining done by WaitForConfirmations
func (f *FakeNetwork) SetManualMining(manual bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manual = manual
}

func (f *FakeNetwork) Mine(blocks uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head += blocks
}

func (f *FakeNetwork) Head() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head
}

func amountIn(m map[string]map[common.Address]*big.Int, token string, owner common.Address) *big.Int {
	byOwner, ok := m[token]
	if !ok {
		byOwner = map[common.Address]*big.Int{}
		m[token] = byOwner
	}
	v, ok := byOwner[owner]
	if !ok {
		v = big.NewInt(0)
		byOwner[owner] = v
	}
	return v
}

func (f *FakeNetwork) SetBalance(token string, owner common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	amountIn(f.balances, token, owner).Set(amount)
}

func (f *FakeNetwork) Balance(token string, owner common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(amountIn(f.balances, token, owner))
}

func (f *FakeNetwork) SetCredit(token string, bonder common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	amountIn(f.credit, token, bonder).Set(amount)
}

func (f *FakeNetwork) CreditOf(token string, bonder common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(amountIn(f.credit, token, bonder))
}

// SendTransfer emits a TransferSent event towards dest, debiting sender
func (f *FakeNetwork) SendTransfer(
	token string, dest *FakeNetwork, sender, recipient common.Address, amount, bonderFee *big.Int, deadline uint64,
) (chain.TransferSentEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal := amountIn(f.balances, token, sender)
	if bal.Cmp(amount) < 0 {
		return chain.TransferSentEvent{}, fmt.Errorf("insufficient balance of %s on %s", sender.Hex(), f.name)
	}
	bal.Sub(bal, amount)

	index := f.nextIndex[token]
	f.nextIndex[token]++
	f.head++
	ev := chain.TransferSentEvent{
		TransferID:  types.ComputeTransferID(f.chainID, dest.chainID, recipient, amount, deadline, index),
		DestChainID: dest.chainID,
		Recipient:   recipient,
		Amount:      new(big.Int).Set(amount),
		BonderFee:   new(big.Int).Set(bonderFee),
		Index:       index,
		Deadline:    deadline,
		BlockNumber: f.head,
		TxHash:      f.nextTxHash(),
	}
	f.sent[token] = append(f.sent[token], ev)
	return ev, nil
}

// EmitCommit emits a TransfersCommitted event and delivers the root to dest, whoever sent it
func (f *FakeNetwork) EmitCommit(
	token string, dest *FakeNetwork, root common.Hash, total *big.Int, ids []common.Hash,
) chain.TransfersCommittedEvent {
	f.mu.Lock()
	ev := f.commitLocked(token, dest.chainID, root, total, ids)
	f.mu.Unlock()
	dest.SetRoot(token, root, total)
	return ev
}

func (f *FakeNetwork) commitLocked(
	token string, destChainID uint64, root common.Hash, total *big.Int, ids []common.Hash,
) chain.TransfersCommittedEvent {
	f.head++
	ev := chain.TransfersCommittedEvent{
		RootHash:    root,
		DestChainID: destChainID,
		TotalAmount: new(big.Int).Set(total),
		CommittedAt: uint64(time.Now().Unix()),
		TransferIDs: append([]common.Hash(nil), ids...),
		BlockNumber: f.head,
		TxHash:      f.nextTxHash(),
	}
	f.commits[token] = append(f.commits[token], ev)
	return ev
}

// SetRoot makes a root available on this network at a new block
func (f *FakeNetwork) SetRoot(token string, root common.Hash, total *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head++
	if f.roots[token] == nil {
		f.roots[token] = map[common.Hash]chain.RootInfo{}
	}
	f.roots[token][root] = chain.RootInfo{
		Total:           new(big.Int).Set(total),
		AmountWithdrawn: big.NewInt(0),
		CreatedAt:       uint64(time.Now().Unix()),
		BlockNumber:     f.head,
	}
}

func (f *FakeNetwork) SetChallengeStatus(root common.Hash, status types.ChallengeStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challenges[root] = status
}

// FailNextSubmits makes the next submissions fail before broadcast, one error each
func (f *FakeNetwork) FailNextSubmits(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

// RevertNextMined makes the next n broadcasts succeed but revert once mined, without effect
func (f *FakeNetwork) RevertNextMined(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revertMined += n
}

// FailNextReads makes the next LatestBlock calls fail, one error each
func (f *FakeNetwork) FailNextReads(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErrs = append(f.readErrs, errs...)
}

// Broadcasts returns the calls that reached the network
func (f *FakeNetwork) Broadcasts() []chain.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chain.Call(nil), f.calls...)
}

// CountBroadcasts returns how many broadcast calls have the given method
func (f *FakeNetwork) CountBroadcasts(method string) int {
	n := 0
	for _, c := range f.Broadcasts() {
		if c.Method() == method {
			n++
		}
	}
	return n
}

func (f *FakeNetwork) nextTxHash() common.Hash {
	f.txCount++
	return common.BytesToHash(keccak256.Hash(
		bridgecommon.Uint64ToBytes(f.chainID), bridgecommon.Uint64ToBytes(f.txCount),
	))
}

func (f *FakeNetwork) Network() string        { return f.name }
func (f *FakeNetwork) ChainID() uint64        { return f.chainID }
func (f *FakeNetwork) Bonder() common.Address { return f.signer }

func (f *FakeNetwork) DryRun() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dryRun
}

func (f *FakeNetwork) LatestBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.readErrs) > 0 {
		err := f.readErrs[0]
		f.readErrs = f.readErrs[1:]
		return 0, err
	}
	return f.head, nil
}

func (f *FakeNetwork) TransferSentEvents(
	ctx context.Context, token string, destChainID uint64, fromBlock, toBlock uint64,
) ([]chain.TransferSentEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []chain.TransferSentEvent
	for _, ev := range f.sent[token] {
		if ev.DestChainID == destChainID && ev.BlockNumber >= fromBlock && ev.BlockNumber <= toBlock {
			res = append(res, ev)
		}
	}
	return res, nil
}

func (f *FakeNetwork) TransfersCommittedEvents(
	ctx context.Context, token string, destChainID uint64, fromBlock, toBlock uint64,
) ([]chain.TransfersCommittedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []chain.TransfersCommittedEvent
	for _, ev := range f.commits[token] {
		if ev.DestChainID == destChainID && ev.BlockNumber >= fromBlock && ev.BlockNumber <= toBlock {
			res = append(res, ev)
		}
	}
	return res, nil
}

func (f *FakeNetwork) Credit(ctx context.Context, token string, bonder common.Address) (*big.Int, error) {
	return f.CreditOf(token, bonder), nil
}

func (f *FakeNetwork) TokenBalance(ctx context.Context, token string, owner common.Address) (*big.Int, error) {
	return f.Balance(token, owner), nil
}

func (f *FakeNetwork) BondedWithdrawal(
	ctx context.Context, token string, bonder common.Address, transferID common.Hash,
) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bonds[token][transferID]
	return ok && b.bonder == bonder, nil
}

func (f *FakeNetwork) TransferRoot(
	ctx context.Context, token string, rootHash common.Hash, total *big.Int,
) (chain.RootInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.roots[token][rootHash]
	if !ok || info.Total.Cmp(total) != 0 {
		return chain.RootInfo{}, nil
	}
	return info, nil
}

func (f *FakeNetwork) ChallengeStatus(
	ctx context.Context, token string, rootHash common.Hash,
) (types.ChallengeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.challenges[rootHash]; ok {
		return status, nil
	}
	return types.ChallengeNone, nil
}

func (f *FakeNetwork) Submit(ctx context.Context, token string, call chain.Call, hooks chain.Hooks) (common.Hash, error) {
	return f.submitAs(ctx, f.signer, f.sequencer, token, call, hooks)
}

func (f *FakeNetwork) submitAs(
	ctx context.Context, signer common.Address, seq *chain.Sequencer, token string, call chain.Call, hooks chain.Hooks,
) (common.Hash, error) {
	if f.DryRun() {
		return common.Hash{}, chain.ErrDryRun
	}
	var txHash common.Hash
	err := seq.Run(ctx, func(ctx context.Context) error {
		if hooks.Guard != nil {
			if err := hooks.Guard(ctx); err != nil {
				return err
			}
		}
		hash, deliver, err := f.apply(signer, token, call)
		if err != nil {
			return err
		}
		if deliver != nil {
			deliver()
		}
		txHash = hash
		if hooks.Record != nil {
			if err := hooks.Record(ctx, hash); err != nil {
				return fmt.Errorf("%w: %s: %w", chain.ErrNotRecorded, hash.Hex(), err)
			}
		}
		return nil
	})
	return txHash, err
}

func reverted(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", chain.ErrReverted, fmt.Sprintf(format, args...))
}

// apply executes call as signer. The returned func delivers effects to peer networks and
// must be called without holding the lock
func (f *FakeNetwork) apply(signer common.Address, token string, call chain.Call) (common.Hash, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return common.Hash{}, nil, err
	}
	if f.revertMined > 0 {
		f.revertMined--
		f.head++
		hash := f.nextTxHash()
		f.receipts[hash] = f.head
		f.revertedTxs[hash] = true
		f.calls = append(f.calls, call)
		return hash, nil, nil
	}

	var deliver func()
	switch c := call.(type) {
	case chain.BondWithdrawalCall:
		id := types.ComputeTransferID(c.SourceChainID, f.chainID, c.Recipient, c.Amount, c.Deadline, c.Index)
		if f.bonds[token] == nil {
			f.bonds[token] = map[common.Hash]*fakeBond{}
		}
		if _, ok := f.bonds[token][id]; ok {
			return common.Hash{}, nil, reverted("transfer %s already bonded", id.Hex())
		}
		payout := new(big.Int).Sub(c.Amount, c.BonderFee)
		credit := amountIn(f.credit, token, signer)
		if credit.Cmp(payout) < 0 {
			return common.Hash{}, nil, reverted("insufficient credit")
		}
		credit.Sub(credit, payout)
		bal := amountIn(f.balances, token, c.Recipient)
		bal.Add(bal, payout)
		f.bonds[token][id] = &fakeBond{bonder: signer, amount: new(big.Int).Set(c.Amount)}

	case chain.CommitTransfersCall:
		dest, ok := f.peers[c.DestChainID]
		if !ok {
			return common.Hash{}, nil, reverted("unknown destination %d", c.DestChainID)
		}
		f.commitLocked(token, c.DestChainID, c.RootHash, c.TotalAmount, c.TransferIDs)
		deliver = func() { dest.SetRoot(token, c.RootHash, c.TotalAmount) }

	case chain.SettleCall:
		if _, ok := f.roots[token][c.RootHash]; !ok {
			return common.Hash{}, nil, reverted("unknown root %s", c.RootHash.Hex())
		}
		credit := amountIn(f.credit, token, c.Bonder)
		for _, id := range c.TransferIDs {
			b, ok := f.bonds[token][id]
			if !ok || b.settled || b.bonder != c.Bonder {
				continue
			}
			credit.Add(credit, b.amount)
			b.settled = true
		}

	case chain.ChallengeCall:
		if status, ok := f.challenges[c.RootHash]; ok && status != types.ChallengeNone {
			return common.Hash{}, nil, reverted("root %s already challenged", c.RootHash.Hex())
		}
		f.challenges[c.RootHash] = types.ChallengePending

	case chain.StakeCall:
		bal := amountIn(f.balances, token, signer)
		if bal.Cmp(c.Amount) < 0 {
			return common.Hash{}, nil, reverted("insufficient balance")
		}
		bal.Sub(bal, c.Amount)
		credit := amountIn(f.credit, token, c.Bonder)
		credit.Add(credit, c.Amount)

	case chain.UnstakeCall:
		credit := amountIn(f.credit, token, signer)
		if credit.Cmp(c.Amount) < 0 {
			return common.Hash{}, nil, reverted("insufficient credit")
		}
		credit.Sub(credit, c.Amount)
		bal := amountIn(f.balances, token, signer)
		bal.Add(bal, c.Amount)

	default:
		return common.Hash{}, nil, fmt.Errorf("unsupported call %T", call)
	}

	f.head++
	hash := f.nextTxHash()
	f.receipts[hash] = f.head
	f.calls = append(f.calls, call)
	return hash, deliver, nil
}

func (f *FakeNetwork) WaitForConfirmations(ctx context.Context, txHash common.Hash, confirmations uint64) (uint64, error) {
	for {
		f.mu.Lock()
		block, ok := f.receipts[txHash]
		if !ok {
			f.mu.Unlock()
			return 0, fmt.Errorf("%w %s", errUnknownTx, txHash.Hex())
		}
		if f.revertedTxs[txHash] {
			f.mu.Unlock()
			return block, reverted("tx %s", txHash.Hex())
		}
		if f.head+1 < block+confirmations && !f.manual {
			f.head = block + confirmations - 1
		}
		confirmed := f.head+1 >= block+confirmations
		f.mu.Unlock()
		if confirmed {
			return block, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// SignerView submits as another signer on the same network
type SignerView struct {
	*FakeNetwork
	signer    common.Address
	sequencer *chain.Sequencer
}

func (v *SignerView) Bonder() common.Address { return v.signer }

func (v *SignerView) Submit(ctx context.Context, token string, call chain.Call, hooks chain.Hooks) (common.Hash, error) {
	return v.submitAs(ctx, v.signer, v.sequencer, token, call, hooks)
}
