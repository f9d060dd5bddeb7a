package staker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/valuebridge/bridge-node/alert"
	"github.com/valuebridge/bridge-node/chain"
	bridgecommon "github.com/valuebridge/bridge-node/common"
	"github.com/valuebridge/bridge-node/events"
	"github.com/valuebridge/bridge-node/log"
	"github.com/valuebridge/bridge-node/metrics"
	"github.com/valuebridge/bridge-node/types"
	"github.com/valuebridge/bridge-node/watcher"
)

const (
	ActionStake   = "stake"
	ActionUnstake = "unstake"
)

var timeNowFunc = time.Now

// Limits is the range the credit of a token is kept in
type Limits struct {
	MinAmount *big.Int
	MaxAmount *big.Int
	// MaxAmountPerAction caps a single stake or unstake, nil for no cap
	MaxAmountPerAction *big.Int
}

type Config struct {
	Network string
	Tokens  map[string]Limits
	// WaitConfirmations of a stake or unstake before the credit is read again
	WaitConfirmations uint64
}

// nativeChecker is implemented by clients able to tell native currency tokens apart
type nativeChecker interface {
	IsNative(ctx context.Context, token string) (bool, error)
}

// Staker keeps the bonder credit of a network within the configured limits
type Staker struct {
	*watcher.Base
	logger *log.Logger
	cfg    Config
	client chain.Client
	deps   watcher.Deps
	tokens []string
}

var _ watcher.Watcher = (*Staker)(nil)

func Name(network string) string {
	return bridgecommon.STAKE + ":" + network
}

func New(logger *log.Logger, cfg Config, client chain.Client, deps watcher.Deps) *Staker {
	tokens := make([]string, 0, len(cfg.Tokens))
	for t := range cfg.Tokens {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return &Staker{
		Base:   watcher.NewBase(Name(cfg.Network), logger, deps.PollInterval, deps.Alerts),
		logger: logger,
		cfg:    cfg,
		client: client,
		deps:   deps,
		tokens: tokens,
	}
}

func (s *Staker) Start(ctx context.Context) error {
	return s.Run(ctx, s.PollOnce)
}

func (s *Staker) PollOnce(ctx context.Context) error {
	for _, token := range s.tokens {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.rebalance(ctx, token, s.cfg.Tokens[token]); err != nil {
			if errors.Is(err, types.ErrInconsistentState) {
				return err
			}
			s.logger.Errorf("error rebalancing %s stake on %s: %v", token, s.cfg.Network, err)
		}
	}
	return nil
}

func minAmount(amounts ...*big.Int) *big.Int {
	var res *big.Int
	for _, a := range amounts {
		if a != nil && (res == nil || a.Cmp(res) < 0) {
			res = a
		}
	}
	return new(big.Int).Set(res)
}

// plan returns the action bringing credit back into limits, "" when it already is
func plan(credit, wallet *big.Int, limits Limits) (string, *big.Int) {
	switch {
	case limits.MinAmount != nil && credit.Cmp(limits.MinAmount) < 0:
		target := limits.MaxAmount
		if target == nil {
			target = limits.MinAmount
		}
		missing := new(big.Int).Sub(target, credit)
		return ActionStake, minAmount(missing, limits.MaxAmountPerAction, wallet)
	case limits.MaxAmount != nil && credit.Cmp(limits.MaxAmount) > 0:
		excess := new(big.Int).Sub(credit, limits.MaxAmount)
		return ActionUnstake, minAmount(excess, limits.MaxAmountPerAction)
	default:
		return "", nil
	}
}

func (s *Staker) rebalance(ctx context.Context, token string, limits Limits) error {
	credit, err := watcher.RefreshStake(ctx, s.deps.Store, s.client, token)
	if err != nil {
		return err
	}
	wallet, err := s.client.TokenBalance(ctx, token, s.client.Bonder())
	if err != nil {
		return err
	}
	action, amount := plan(credit, wallet, limits)
	if action == "" {
		metrics.Decision(s.Name(), "in_range")
		return nil
	}
	if amount.Sign() <= 0 {
		metrics.Decision(s.Name(), "wallet_empty")
		s.Alert(ctx, alert.SeverityWarning, "stake below minimum",
			fmt.Sprintf("%s credit on %s is %s, below %s, and the wallet has no funds to stake",
				token, s.cfg.Network, credit, limits.MinAmount))
		return nil
	}
	if s.client.DryRun() {
		s.logger.Infof("dry mode: would %s %s %s on %s", action, amount, token, s.cfg.Network)
		metrics.Decision(s.Name(), "dry_run")
		return nil
	}
	return s.submit(ctx, token, action, amount, credit, limits)
}

// submit sends the action and waits for it to be mined: the credit read by the next cycle
// already includes it
func (s *Staker) submit(ctx context.Context, token, action string, amount, credit *big.Int, limits Limits) error {
	var call chain.Call = chain.UnstakeCall{Amount: amount}
	if action == ActionStake {
		native := false
		if checker, ok := s.client.(nativeChecker); ok {
			var err error
			if native, err = checker.IsNative(ctx, token); err != nil {
				return err
			}
		}
		call = chain.StakeCall{Bonder: s.client.Bonder(), Amount: amount, Native: native}
	}

	hooks := chain.Hooks{
		// another rebalance may have landed since the credit was read
		Guard: func(ctx context.Context) error {
			current, err := s.client.Credit(ctx, token, s.client.Bonder())
			if err != nil {
				return err
			}
			if a, _ := plan(current, amount, limits); a != action {
				return chain.ErrAlreadySubmitted
			}
			return nil
		},
		Record: func(ctx context.Context, txHash common.Hash) error {
			return s.deps.Store.SaveStakeBalance(ctx, &types.StakeBalance{
				Bonder:          s.client.Bonder(),
				Network:         s.cfg.Network,
				Token:           token,
				CurrentAmount:   credit,
				LastRebalanceAt: timeNowFunc().Unix(),
			})
		},
	}

	var txHash common.Hash
	_, err := s.deps.Retry.Do(ctx, action+" "+token, func(ctx context.Context) error {
		var err error
		txHash, err = s.client.Submit(ctx, token, call, hooks)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, chain.ErrAlreadySubmitted):
		return nil
	default:
		metrics.TxFailed.WithLabelValues(s.cfg.Network, call.Method()).Inc()
		return fmt.Errorf("error in %s of %s %s: %w", action, amount, token, err)
	}

	metrics.TxSubmitted.WithLabelValues(s.cfg.Network, call.Method()).Inc()
	metrics.Decision(s.Name(), action)
	if _, err := s.client.WaitForConfirmations(ctx, txHash, s.cfg.WaitConfirmations); err != nil {
		if errors.Is(err, chain.ErrReverted) {
			metrics.TxFailed.WithLabelValues(s.cfg.Network, call.Method()).Inc()
			s.Alert(ctx, alert.SeverityWarning, action+" reverted",
				fmt.Sprintf("%s of %s %s on %s reverted, tx %s", action, amount, token, s.cfg.Network, txHash.Hex()))
		}
		return fmt.Errorf("error waiting for %s tx %s: %w", action, txHash.Hex(), err)
	}
	balance, err := watcher.RefreshStake(ctx, s.deps.Store, s.client, token)
	if err != nil {
		return err
	}
	s.logger.Infof("%s of %s %s on %s done, credit now %s, tx %s", action, amount, token, s.cfg.Network, balance, txHash.Hex())
	if s.deps.Bus != nil {
		s.deps.Bus.StakeRebalanced.Publish(events.StakeRebalanced{
			Network: s.cfg.Network,
			Token:   token,
			Bonder:  s.client.Bonder(),
			Action:  action,
			Amount:  amount,
			Balance: balance,
			TxHash:  txHash,
		})
	}
	return nil
}
