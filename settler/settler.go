package settler

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/valuebridge/bridge-node/chain"
	bridgecommon "github.com/valuebridge/bridge-node/common"
	"github.com/valuebridge/bridge-node/events"
	"github.com/valuebridge/bridge-node/log"
	"github.com/valuebridge/bridge-node/metrics"
	"github.com/valuebridge/bridge-node/types"
	"github.com/valuebridge/bridge-node/watcher"
)

var hundred = decimal.NewFromInt(100) //nolint:mnd

type Config struct {
	Network string
	Tokens  []string
	// WaitConfirmations a root needs on this network before settling through it
	WaitConfirmations uint64
	// ThresholdPercent is the share of a root total that must be bonded to settle, per token.
	// Tokens without entry use 100
	ThresholdPercent map[string]decimal.Decimal
}

// Settler releases the bonds of confirmed roots back into the bonder credit
type Settler struct {
	*watcher.Base
	logger *log.Logger
	cfg    Config
	dest   chain.Client
	deps   watcher.Deps
	tokens map[string]bool
}

var _ watcher.Watcher = (*Settler)(nil)

func Name(network string) string {
	return bridgecommon.SETTLE_BONDED_WITHDRAWALS + ":" + network
}

func New(logger *log.Logger, cfg Config, dest chain.Client, deps watcher.Deps) *Settler {
	tokens := make(map[string]bool, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens[t] = true
	}
	return &Settler{
		Base:   watcher.NewBase(Name(cfg.Network), logger, deps.PollInterval, deps.Alerts),
		logger: logger,
		cfg:    cfg,
		dest:   dest,
		deps:   deps,
		tokens: tokens,
	}
}

func (s *Settler) Start(ctx context.Context) error {
	return s.Run(ctx, s.PollOnce)
}

func (s *Settler) PollOnce(ctx context.Context) error {
	roots, err := s.deps.Store.GetUnsettledRoots(s.cfg.Network)
	if err != nil {
		return err
	}
	for _, root := range roots {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.tokens[root.Token] || len(root.TransferIDs) == 0 {
			continue
		}
		if root.ChallengeStatus != types.ChallengeNone && root.ChallengeStatus != types.ChallengeRejected {
			s.logger.Debugf("root %s has challenge status %s, not settling", root.RootHash.Hex(), root.ChallengeStatus)
			continue
		}
		if err := s.processRoot(ctx, root); err != nil {
			if errors.Is(err, types.ErrInconsistentState) {
				return err
			}
			s.logger.Errorf("error settling root %s: %v", root.RootHash.Hex(), err)
		}
	}
	return nil
}

func (s *Settler) confirmed(ctx context.Context, root *types.TransferRoot) (bool, error) {
	if root.Confirmed {
		return true, nil
	}
	info, err := s.dest.TransferRoot(ctx, root.Token, root.RootHash, root.TotalAmount)
	if err != nil {
		return false, err
	}
	if !info.Exists() {
		s.logger.Debugf("root %s not set on %s yet", root.RootHash.Hex(), s.cfg.Network)
		return false, nil
	}
	head, err := s.dest.LatestBlock(ctx)
	if err != nil {
		return false, err
	}
	if head+1 < info.BlockNumber+s.cfg.WaitConfirmations {
		return false, nil
	}
	if err := s.deps.Store.MarkRootConfirmed(ctx, root.RootHash); err != nil {
		return false, err
	}
	s.logger.Infof("root %s confirmed on %s", root.RootHash.Hex(), s.cfg.Network)
	return true, nil
}

func (s *Settler) threshold(token string) decimal.Decimal {
	if pct, ok := s.cfg.ThresholdPercent[token]; ok {
		return pct
	}
	return hundred
}

func (s *Settler) processRoot(ctx context.Context, root *types.TransferRoot) error {
	ok, err := s.confirmed(ctx, root)
	if err != nil || !ok {
		return err
	}

	bonds, err := s.deps.Store.GetBondedWithdrawals(root.TransferIDs)
	if err != nil {
		return err
	}
	bonded := big.NewInt(0)
	var unsettled []common.Hash
	unsettledAmount := big.NewInt(0)
	for _, id := range root.TransferIDs {
		bond, ok := bonds[id]
		if !ok {
			continue
		}
		bonded.Add(bonded, bond.Amount)
		if !bond.Settled && bond.Bonder == s.dest.Bonder() {
			unsettled = append(unsettled, id)
			unsettledAmount.Add(unsettledAmount, bond.Amount)
		}
	}

	// bonded * 100 >= threshold * total
	if decimal.NewFromBigInt(bonded, 0).Mul(hundred).LessThan(
		s.threshold(root.Token).Mul(decimal.NewFromBigInt(root.TotalAmount, 0))) {
		s.logger.Debugf("root %s: bonded %s of %s, below %s%%",
			root.RootHash.Hex(), bonded, root.TotalAmount, s.threshold(root.Token))
		return nil
	}

	if len(unsettled) == 0 {
		rootSettled, err := s.deps.Store.SettleBonds(ctx, root.RootHash, nil, common.Hash{})
		if err == nil && rootSettled {
			s.logger.Infof("root %s has nothing left to settle", root.RootHash.Hex())
		}
		return err
	}
	if s.dest.DryRun() {
		s.logger.Infof("dry mode: would settle %d bonds of root %s", len(unsettled), root.RootHash.Hex())
		metrics.Decision(s.Name(), "dry_run")
		return nil
	}
	return s.settle(ctx, root, unsettled, unsettledAmount)
}

func (s *Settler) settle(ctx context.Context, root *types.TransferRoot, ids []common.Hash, amount *big.Int) error {
	// the contract rebuilds the root, so the call carries every transfer of it
	call := chain.SettleCall{
		Bonder:      s.dest.Bonder(),
		RootHash:    root.RootHash,
		TotalAmount: root.TotalAmount,
		TransferIDs: root.TransferIDs,
	}
	var rootSettled bool
	hooks := chain.Hooks{
		Guard: func(ctx context.Context) error {
			bonds, err := s.deps.Store.GetBondedWithdrawals(ids)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if b, ok := bonds[id]; ok && !b.Settled {
					return nil
				}
			}
			return chain.ErrAlreadySubmitted
		},
		Record: func(ctx context.Context, txHash common.Hash) error {
			var err error
			rootSettled, err = s.deps.Store.SettleBonds(ctx, root.RootHash, ids, txHash)
			return err
		},
	}

	var txHash common.Hash
	_, err := s.deps.Retry.Do(ctx, "settleBondedWithdrawals "+root.RootHash.Hex(), func(ctx context.Context) error {
		var err error
		txHash, err = s.dest.Submit(ctx, root.Token, call, hooks)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, chain.ErrAlreadySubmitted):
		return nil
	default:
		metrics.TxFailed.WithLabelValues(s.cfg.Network, call.Method()).Inc()
		return fmt.Errorf("error settling root %s: %w", root.RootHash.Hex(), err)
	}

	metrics.TxSubmitted.WithLabelValues(s.cfg.Network, call.Method()).Inc()
	metrics.Decision(s.Name(), "settled")
	s.logger.Infof("settled %d bonds (%s) of root %s, tx %s", len(ids), amount, root.RootHash.Hex(), txHash.Hex())
	if _, err := watcher.RefreshStake(ctx, s.deps.Store, s.dest, root.Token); err != nil {
		s.logger.Warnf("error refreshing stake after settling: %v", err)
	}
	if s.deps.Bus != nil {
		s.deps.Bus.BondedWithdrawalsSettled.Publish(events.BondedWithdrawalsSettled{
			RootHash:    root.RootHash,
			Network:     s.cfg.Network,
			Token:       root.Token,
			Bonder:      s.dest.Bonder(),
			TransferIDs: ids,
			Amount:      amount,
			TxHash:      txHash,
			RootSettled: rootSettled,
		})
	}
	return nil
}
