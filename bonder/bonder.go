package bonder

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/valuebridge/bridge-node/alert"
	"github.com/valuebridge/bridge-node/chain"
	bridgecommon "github.com/valuebridge/bridge-node/common"
	"github.com/valuebridge/bridge-node/events"
	"github.com/valuebridge/bridge-node/log"
	"github.com/valuebridge/bridge-node/metrics"
	"github.com/valuebridge/bridge-node/store"
	bridgesync "github.com/valuebridge/bridge-node/sync"
	"github.com/valuebridge/bridge-node/types"
	"github.com/valuebridge/bridge-node/watcher"
)

const (
	decisionBonded            = "bonded"
	decisionDryRun            = "dry_run"
	decisionNoRole            = "no_bonder_role"
	decisionExpired           = "expired"
	decisionOverLimit         = "over_limit"
	decisionInsufficientStake = "insufficient_stake"
	decisionAlreadyBonded     = "already_bonded"
	decisionFailed            = "failed"
)

var timeNowFunc = time.Now

type Config struct {
	Route              types.Route
	InitialBlock       uint64
	SyncBlockChunkSize uint64
	// WaitConfirmations on the destination before a bond is considered final
	WaitConfirmations uint64
	// MaxBondAmount is the largest transfer bonded, nil for no limit
	MaxBondAmount *big.Int
	// BonderRole disabled keeps the watcher recording transfers without bonding them
	BonderRole bool
}

// Bonder observes the transfers of a route and bonds them on their destination
type Bonder struct {
	*watcher.Base
	logger *log.Logger
	cfg    Config
	source chain.Client
	dest   chain.Client
	deps   watcher.Deps
	cursor *bridgesync.CursorTracker

	// bonds broadcast whose record failed, by transfer id
	unrecorded map[common.Hash]common.Hash
}

var _ watcher.Watcher = (*Bonder)(nil)

// Name returns the watcher name of a route
func Name(route types.Route) string {
	return bridgecommon.BOND_WITHDRAWAL + ":" + route.String()
}

func New(logger *log.Logger, cfg Config, source, dest chain.Client, deps watcher.Deps) *Bonder {
	name := Name(cfg.Route)
	return &Bonder{
		Base:   watcher.NewBase(name, logger, deps.PollInterval, deps.Alerts),
		logger: logger,
		cfg:    cfg,
		source: source,
		dest:   dest,
		deps:   deps,
		cursor: bridgesync.NewCursorTracker(deps.Store, cfg.Route.Source,
			bridgecommon.BOND_WITHDRAWAL+":"+cfg.Route.Dest+":"+cfg.Route.Token,
			cfg.InitialBlock, cfg.SyncBlockChunkSize),
		unrecorded: map[common.Hash]common.Hash{},
	}
}

func (b *Bonder) Start(ctx context.Context) error {
	if b.cfg.BonderRole && b.dest.DryRun() {
		b.logger.Warnf("dry mode: bonds on %s will be evaluated but not sent", b.cfg.Route.Dest)
	}
	return b.Run(ctx, b.PollOnce)
}

func (b *Bonder) PollOnce(ctx context.Context) error {
	if err := b.sync(ctx); err != nil {
		return err
	}
	if err := b.bondPending(ctx); err != nil {
		return err
	}
	if !b.cfg.BonderRole {
		return nil
	}
	return b.awaitUnconfirmed(ctx)
}

// sync records the transfers emitted on the source since the cursor
func (b *Bonder) sync(ctx context.Context) error {
	var latest uint64
	if _, err := b.deps.Retry.Do(ctx, "LatestBlock", func(ctx context.Context) error {
		var err error
		latest, err = b.source.LatestBlock(ctx)
		return err
	}); err != nil {
		return err
	}

	for {
		from, to, ok, err := b.cursor.NextRange(latest)
		if err != nil || !ok {
			return err
		}
		var evs []chain.TransferSentEvent
		if _, err := b.deps.Retry.Do(ctx, "TransferSentEvents", func(ctx context.Context) error {
			var err error
			evs, err = b.source.TransferSentEvents(ctx, b.cfg.Route.Token, b.dest.ChainID(), from, to)
			return err
		}); err != nil {
			return err
		}

		now := timeNowFunc().Unix()
		transfers := make([]*types.Transfer, 0, len(evs))
		for _, ev := range evs {
			t := ev.Transfer(b.cfg.Route, b.source.ChainID(), now)
			if id := t.ID(); id != ev.TransferID {
				return fmt.Errorf("%w: event transfer id %s, computed %s",
					types.ErrInconsistentState, ev.TransferID.Hex(), id.Hex())
			}
			transfers = append(transfers, t)
		}
		inserted, err := b.deps.Store.RecordObservedTransfers(ctx, transfers, b.cursor.CursorAt(to))
		if err != nil {
			return err
		}
		if inserted > 0 {
			b.logger.Infof("observed %d new transfers in blocks %d-%d", inserted, from, to)
			metrics.TransfersObserved.WithLabelValues(b.cfg.Route.String()).Add(float64(inserted))
		}
		metrics.LastProcessedBlock.WithLabelValues(b.cfg.Route.Source, b.Name()).Set(float64(to))
	}
}

func (b *Bonder) bondPending(ctx context.Context) error {
	candidates, err := b.deps.Store.GetBondCandidates(b.cfg.Route)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}
	if !b.cfg.BonderRole {
		b.logger.Debugf("%d transfers pending, bonder role disabled", len(candidates))
		metrics.Decisions.WithLabelValues(b.Name(), decisionNoRole).Add(float64(len(candidates)))
		return nil
	}

	stake, err := watcher.RefreshStake(ctx, b.deps.Store, b.dest, b.cfg.Route.Token)
	if err != nil {
		return fmt.Errorf("error refreshing stake on %s: %w", b.cfg.Route.Dest, err)
	}
	available := new(big.Int).Set(stake)
	for _, t := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		spent, err := b.process(ctx, t, available)
		if spent {
			available.Sub(available, t.BondCost())
		}
		if err != nil {
			if errors.Is(err, types.ErrInconsistentState) || ctx.Err() != nil {
				return err
			}
			b.logger.Errorf("error bonding transfer %s: %v", t.TransferID.Hex(), err)
		}
	}
	return nil
}

// process decides and possibly bonds one transfer. available is the stake left for this cycle,
// the result tells whether the transfer takes its bond cost out of it
func (b *Bonder) process(ctx context.Context, t *types.Transfer, available *big.Int) (bool, error) {
	if id := t.ID(); id != t.TransferID {
		return false, fmt.Errorf("%w: stored transfer %s hashes to %s", types.ErrInconsistentState, t.TransferID.Hex(), id.Hex())
	}
	if txHash, ok := b.unrecorded[t.TransferID]; ok {
		return b.retryRecord(ctx, t, txHash)
	}

	if t.Expired(timeNowFunc().Unix()) {
		b.logger.Warnf("transfer %s expired at %d, not bonding", t.TransferID.Hex(), t.Deadline)
		metrics.Decision(b.Name(), decisionExpired)
		return false, nil
	}
	if b.cfg.MaxBondAmount != nil && t.Amount.Cmp(b.cfg.MaxBondAmount) > 0 {
		b.logger.Warnf("transfer %s amount %s above the bond limit %s, deferred",
			t.TransferID.Hex(), t.Amount, b.cfg.MaxBondAmount)
		metrics.Decision(b.Name(), decisionOverLimit)
		return false, nil
	}
	if available.Cmp(t.BondCost()) < 0 {
		b.logger.Warnf("insufficient stake on %s to bond transfer %s: have %s, need %s",
			b.cfg.Route.Dest, t.TransferID.Hex(), available, t.BondCost())
		metrics.Decision(b.Name(), decisionInsufficientStake)
		return false, nil
	}
	if b.dest.DryRun() {
		b.logger.Infof("dry mode: would bond transfer %s of %s to %s",
			t.TransferID.Hex(), t.Amount, t.Recipient.Hex())
		metrics.Decision(b.Name(), decisionDryRun)
		return true, nil
	}
	return b.bond(ctx, t)
}

func (b *Bonder) newBond(t *types.Transfer, txHash common.Hash) *types.BondedWithdrawal {
	return &types.BondedWithdrawal{
		TransferID: t.TransferID,
		Bonder:     b.dest.Bonder(),
		Network:    b.cfg.Route.Dest,
		Token:      b.cfg.Route.Token,
		Amount:     t.Amount,
		BonderFee:  t.BonderFee,
		TxHash:     txHash,
		CreatedAt:  timeNowFunc().Unix(),
	}
}

// guard runs inside the sequencer slot. A bond found on chain but not in the store was
// sent by a run that stopped before recording it: it is recorded instead of resent
func (b *Bonder) guard(t *types.Transfer) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := b.deps.Store.GetBondedWithdrawal(t.TransferID)
		switch {
		case err == nil:
			return chain.ErrAlreadySubmitted
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		onChain, err := b.dest.BondedWithdrawal(ctx, b.cfg.Route.Token, b.dest.Bonder(), t.TransferID)
		if err != nil {
			return err
		}
		if onChain {
			b.logger.Warnf("transfer %s already bonded on %s, recording it", t.TransferID.Hex(), b.cfg.Route.Dest)
			if err := b.deps.Store.RecordBond(ctx, b.newBond(t, common.Hash{})); err != nil &&
				!errors.Is(err, store.ErrAlreadyExists) {
				return err
			}
			return chain.ErrAlreadySubmitted
		}
		return nil
	}
}

func (b *Bonder) bond(ctx context.Context, t *types.Transfer) (bool, error) {
	call := chain.BondWithdrawalCall{
		SourceChainID: t.SourceChainID,
		Recipient:     t.Recipient,
		Amount:        t.Amount,
		BonderFee:     t.BonderFee,
		Deadline:      t.Deadline,
		Index:         t.Index,
	}
	hooks := chain.Hooks{
		Guard: b.guard(t),
		Record: func(ctx context.Context, txHash common.Hash) error {
			err := b.deps.Store.RecordBond(ctx, b.newBond(t, txHash))
			if errors.Is(err, store.ErrAlreadyExists) {
				return nil
			}
			return err
		},
	}

	var txHash common.Hash
	attempts, err := b.deps.Retry.Do(ctx, "bondWithdrawal "+t.TransferID.Hex(), func(ctx context.Context) error {
		var err error
		txHash, err = b.dest.Submit(ctx, b.cfg.Route.Token, call, hooks)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, chain.ErrAlreadySubmitted):
		b.logger.Debugf("transfer %s already bonded", t.TransferID.Hex())
		metrics.Decision(b.Name(), decisionAlreadyBonded)
		return false, nil
	case errors.Is(err, chain.ErrNotRecorded):
		b.unrecorded[t.TransferID] = txHash
		b.Alert(ctx, alert.SeverityCritical, "bond not recorded",
			fmt.Sprintf("transfer %s bonded by tx %s but not persisted: %v", t.TransferID.Hex(), txHash.Hex(), err))
		return true, err
	case ctx.Err() != nil:
		return false, err
	case errors.Is(err, chain.ErrReverted), errors.Is(err, bridgesync.ErrRetriesExhausted):
		metrics.TxFailed.WithLabelValues(b.cfg.Route.Dest, call.Method()).Inc()
		return false, b.recordFailure(ctx, t, attempts, err)
	default:
		return false, err
	}

	metrics.TxSubmitted.WithLabelValues(b.cfg.Route.Dest, call.Method()).Inc()
	metrics.Decision(b.Name(), decisionBonded)
	b.logger.Infof("bonded transfer %s of %s to %s on %s, tx %s",
		t.TransferID.Hex(), t.Amount, t.Recipient.Hex(), b.cfg.Route.Dest, txHash.Hex())
	if b.deps.Bus != nil {
		b.deps.Bus.BondWithdrawal.Publish(events.BondWithdrawal{
			TransferID: t.TransferID,
			Recipient:  t.Recipient,
			Amount:     t.Amount,
			BonderFee:  t.BonderFee,
			TxHash:     txHash,
			Network:    b.cfg.Route.Dest,
			Token:      b.cfg.Route.Token,
		})
	}
	return true, nil
}

// recordFailure counts the attempts of a transfer and gives up once the budget is spent.
// A revert spends a single attempt per cycle
func (b *Bonder) recordFailure(ctx context.Context, t *types.Transfer, attempts int, cause error) error {
	if errors.Is(cause, chain.ErrReverted) {
		attempts = 1
	}
	total := t.BondAttempts + attempts
	failed := total >= b.deps.Retry.MaxRetryAttemptsAfterError
	if err := b.deps.Store.RecordBondAttempt(ctx, t.TransferID, total, failed, cause.Error()); err != nil {
		return err
	}
	if failed {
		metrics.Decision(b.Name(), decisionFailed)
		b.Alert(ctx, alert.SeverityCritical, "bond failed",
			fmt.Sprintf("transfer %s gave up after %d attempts: %v", t.TransferID.Hex(), total, cause))
		return nil
	}
	b.logger.Warnf("bond of transfer %s failed (%d/%d attempts): %v",
		t.TransferID.Hex(), total, b.deps.Retry.MaxRetryAttemptsAfterError, cause)
	return nil
}

func (b *Bonder) retryRecord(ctx context.Context, t *types.Transfer, txHash common.Hash) (bool, error) {
	err := b.deps.Store.RecordBond(ctx, b.newBond(t, txHash))
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return false, err
	}
	delete(b.unrecorded, t.TransferID)
	b.logger.Infof("recorded bond of transfer %s, tx %s", t.TransferID.Hex(), txHash.Hex())
	// the credit read this cycle already paid for it
	return false, nil
}

// confirm waits for the bond transaction. A reverted bond is flagged once and not awaited again
func (b *Bonder) confirm(ctx context.Context, id, txHash common.Hash) error {
	_, err := b.dest.WaitForConfirmations(ctx, txHash, b.cfg.WaitConfirmations)
	switch {
	case err == nil:
		return b.deps.Store.MarkBondConfirmed(ctx, id, b.cfg.WaitConfirmations)
	case errors.Is(err, chain.ErrReverted):
		metrics.TxFailed.WithLabelValues(b.cfg.Route.Dest, chain.BondWithdrawalCall{}.Method()).Inc()
		if errMark := b.deps.Store.MarkBondReverted(ctx, id, err.Error()); errMark != nil {
			return errMark
		}
		b.Alert(ctx, alert.SeverityCritical, "bond reverted",
			fmt.Sprintf("bond of transfer %s reverted on chain, tx %s", id.Hex(), txHash.Hex()))
		return nil
	default:
		return fmt.Errorf("error waiting for bond %s: %w", txHash.Hex(), err)
	}
}

// awaitUnconfirmed waits for the bonds of this route sent by this cycle or left unconfirmed by a
// previous one
func (b *Bonder) awaitUnconfirmed(ctx context.Context) error {
	bonds, err := b.deps.Store.GetUnconfirmedBonds(b.cfg.Route.Dest)
	if err != nil {
		return err
	}
	for _, bond := range bonds {
		if bond.Token != b.cfg.Route.Token {
			continue
		}
		t, err := b.deps.Store.GetTransfer(bond.TransferID)
		if err != nil {
			return err
		}
		if t.SourceNetwork != b.cfg.Route.Source {
			continue
		}
		if bond.TxHash == (common.Hash{}) {
			// recorded from chain state, the transaction is not known
			if err := b.deps.Store.MarkBondConfirmed(ctx, bond.TransferID, 0); err != nil {
				return err
			}
			continue
		}
		b.logger.Debugf("waiting for bond of transfer %s, tx %s", bond.TransferID.Hex(), bond.TxHash.Hex())
		if err := b.confirm(ctx, bond.TransferID, bond.TxHash); err != nil {
			if ctx.Err() != nil {
				return err
			}
			b.logger.Errorf("bond of transfer %s still unconfirmed: %v", bond.TransferID.Hex(), err)
		}
	}
	return nil
}
