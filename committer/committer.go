package committer

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
	"github.com/valuebridge/bridge-node/merkle"
	"github.com/valuebridge/bridge-node/metrics"
	"github.com/valuebridge/bridge-node/store"
	bridgesync "github.com/valuebridge/bridge-node/sync"
	"github.com/valuebridge/bridge-node/types"
	"github.com/valuebridge/bridge-node/watcher"
)

const (
	TriggerAmount = "amount"
	TriggerWindow = "window"
)

var timeNowFunc = time.Now

type Config struct {
	Route types.Route
	// MinThresholdAmount is the aggregate amount that triggers a commit, nil disables the trigger
	MinThresholdAmount *big.Int
	// MaxWaitWindow since the oldest uncommitted transfer was observed, 0 disables the trigger
	MaxWaitWindow time.Duration
	// TriggerPrecedence is the trigger reported when both hold
	TriggerPrecedence string
}

// Committer batches the uncommitted transfers of a route into transfer roots
type Committer struct {
	*watcher.Base
	logger *log.Logger
	cfg    Config
	source chain.Client
	deps   watcher.Deps
}

var _ watcher.Watcher = (*Committer)(nil)

func Name(route types.Route) string {
	return bridgecommon.COMMIT_TRANSFERS + ":" + route.String()
}

func New(logger *log.Logger, cfg Config, source chain.Client, deps watcher.Deps) *Committer {
	if cfg.TriggerPrecedence == "" {
		cfg.TriggerPrecedence = TriggerAmount
	}
	return &Committer{
		Base:   watcher.NewBase(Name(cfg.Route), logger, deps.PollInterval, deps.Alerts),
		logger: logger,
		cfg:    cfg,
		source: source,
		deps:   deps,
	}
}

func (c *Committer) Start(ctx context.Context) error {
	return c.Run(ctx, c.PollOnce)
}

// trigger returns the reason to commit transfers now, empty when there is none
func (c *Committer) trigger(total *big.Int, oldestObservedAt int64) string {
	amountHit := c.cfg.MinThresholdAmount != nil && total.Cmp(c.cfg.MinThresholdAmount) >= 0
	windowHit := c.cfg.MaxWaitWindow > 0 &&
		timeNowFunc().Sub(time.Unix(oldestObservedAt, 0)) >= c.cfg.MaxWaitWindow
	switch {
	case amountHit && windowHit:
		return c.cfg.TriggerPrecedence
	case amountHit:
		return TriggerAmount
	case windowHit:
		return TriggerWindow
	default:
		return ""
	}
}

func (c *Committer) PollOnce(ctx context.Context) error {
	transfers, err := c.deps.Store.GetTransfers(c.cfg.Route, types.TransferPending, types.TransferBonded)
	if err != nil {
		return err
	}
	if len(transfers) == 0 {
		return nil
	}

	total := big.NewInt(0)
	oldest := transfers[0].ObservedAt
	ids := make([]common.Hash, len(transfers))
	for i, t := range transfers {
		total.Add(total, t.Amount)
		if t.ObservedAt < oldest {
			oldest = t.ObservedAt
		}
		ids[i] = t.TransferID
	}
	trigger := c.trigger(total, oldest)
	if trigger == "" {
		c.logger.Debugf("%d transfers totalling %s not ready to commit", len(transfers), total)
		return nil
	}

	rootHash, err := merkle.Root(ids)
	if err != nil {
		return fmt.Errorf("error computing transfer root: %w", err)
	}
	if c.source.DryRun() {
		c.logger.Infof("dry mode: would commit %d transfers totalling %s as root %s (%s trigger)",
			len(ids), total, rootHash.Hex(), trigger)
		metrics.Decision(c.Name(), "dry_run")
		return nil
	}
	return c.commit(ctx, transfers[0].DestChainID, rootHash, total, ids, trigger)
}

func (c *Committer) commit(
	ctx context.Context, destChainID uint64, rootHash common.Hash, total *big.Int, ids []common.Hash, trigger string,
) error {
	call := chain.CommitTransfersCall{
		DestChainID: destChainID,
		RootHash:    rootHash,
		TotalAmount: total,
		TransferIDs: ids,
	}
	hooks := chain.Hooks{
		Guard: func(ctx context.Context) error {
			_, err := c.deps.Store.GetTransferRoot(rootHash)
			switch {
			case err == nil:
				return chain.ErrAlreadySubmitted
			case errors.Is(err, store.ErrNotFound):
				return nil
			default:
				return err
			}
		},
		Record: func(ctx context.Context, txHash common.Hash) error {
			err := c.deps.Store.SaveTransferRoot(ctx, &types.TransferRoot{
				RootHash:        rootHash,
				SourceNetwork:   c.cfg.Route.Source,
				DestNetwork:     c.cfg.Route.Dest,
				Token:           c.cfg.Route.Token,
				TransferIDs:     ids,
				TotalAmount:     total,
				CommittedAt:     timeNowFunc().Unix(),
				CommitTxHash:    txHash,
				ChallengeStatus: types.ChallengeNone,
			}, ids)
			if errors.Is(err, store.ErrAlreadyExists) {
				return nil
			}
			return err
		},
	}

	var txHash common.Hash
	_, err := c.deps.Retry.Do(ctx, "commitTransfers "+rootHash.Hex(), func(ctx context.Context) error {
		var err error
		txHash, err = c.source.Submit(ctx, c.cfg.Route.Token, call, hooks)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, chain.ErrAlreadySubmitted):
		return nil
	case ctx.Err() != nil:
		return err
	case errors.Is(err, chain.ErrNotRecorded):
		c.Alert(ctx, alert.SeverityCritical, "commit not recorded", err.Error())
		return err
	default:
		metrics.TxFailed.WithLabelValues(c.cfg.Route.Source, call.Method()).Inc()
		if errors.Is(err, bridgesync.ErrRetriesExhausted) || errors.Is(err, chain.ErrReverted) {
			c.Alert(ctx, alert.SeverityWarning, "commit failed",
				fmt.Sprintf("root %s of %d transfers: %v", rootHash.Hex(), len(ids), err))
		}
		return err
	}

	metrics.TxSubmitted.WithLabelValues(c.cfg.Route.Source, call.Method()).Inc()
	metrics.Decision(c.Name(), "committed_"+trigger)
	c.logger.Infof("committed %d transfers totalling %s as root %s (%s trigger), tx %s",
		len(ids), total, rootHash.Hex(), trigger, txHash.Hex())
	if c.deps.Bus != nil {
		c.deps.Bus.TransfersCommitted.Publish(events.TransfersCommitted{
			RootHash:      rootHash,
			SourceNetwork: c.cfg.Route.Source,
			DestNetwork:   c.cfg.Route.Dest,
			Token:         c.cfg.Route.Token,
			TotalAmount:   total,
			TransferIDs:   ids,
			TxHash:        txHash,
			Trigger:       trigger,
		})
	}
	return nil
}
