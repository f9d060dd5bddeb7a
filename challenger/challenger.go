package challenger

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
	"github.com/valuebridge/bridge-node/merkle"
	"github.com/valuebridge/bridge-node/metrics"
	"github.com/valuebridge/bridge-node/store"
	bridgesync "github.com/valuebridge/bridge-node/sync"
	"github.com/valuebridge/bridge-node/types"
	"github.com/valuebridge/bridge-node/watcher"
)

const (
	reasonUnknownTransfer = "unknown transfer"
	reasonDoubleCommit    = "transfer already committed"
	reasonRootMismatch    = "root hash mismatch"
	reasonTotalMismatch   = "total amount mismatch"
	reasonOmitted         = "observed transfers omitted or reordered"
	reasonRecorded        = "recorded mismatch"
)

var timeNowFunc = time.Now

type Config struct {
	Route              types.Route
	InitialBlock       uint64
	SyncBlockChunkSize uint64
	// ChallengePeriod after CommittedAt during which a root can be disputed
	ChallengePeriod time.Duration
	// Bond sent along with the challenge, nil for none
	Bond *big.Int
}

// Challenger verifies the roots committed on a route and disputes the ones that do not
// match the transfers sent
type Challenger struct {
	*watcher.Base
	logger *log.Logger
	cfg    Config
	source chain.Client
	dest   chain.Client
	deps   watcher.Deps
	cursor *bridgesync.CursorTracker

	// mismatch reasons found this run, by root
	reasons map[common.Hash]string
}

var _ watcher.Watcher = (*Challenger)(nil)

func Name(route types.Route) string {
	return bridgecommon.CHALLENGE + ":" + route.String()
}

func New(logger *log.Logger, cfg Config, source, dest chain.Client, deps watcher.Deps) *Challenger {
	return &Challenger{
		Base:   watcher.NewBase(Name(cfg.Route), logger, deps.PollInterval, deps.Alerts),
		logger: logger,
		cfg:    cfg,
		source: source,
		dest:   dest,
		deps:   deps,
		cursor: bridgesync.NewCursorTracker(deps.Store, cfg.Route.Source,
			bridgecommon.CHALLENGE+":"+cfg.Route.Dest+":"+cfg.Route.Token,
			cfg.InitialBlock, cfg.SyncBlockChunkSize),
		reasons: map[common.Hash]string{},
	}
}

func (c *Challenger) Start(ctx context.Context) error {
	return c.Run(ctx, c.PollOnce)
}

func (c *Challenger) PollOnce(ctx context.Context) error {
	if err := c.sync(ctx); err != nil {
		return err
	}
	if err := c.challengeOutstanding(ctx); err != nil {
		return err
	}
	return c.refreshPending(ctx)
}

// event is either a TransferSent or a TransfersCommitted log
type event struct {
	block    uint64
	logIndex uint64
	sent     *chain.TransferSentEvent
	commit   *chain.TransfersCommittedEvent
}

func (c *Challenger) fetch(ctx context.Context, from, to uint64) ([]event, error) {
	var (
		sent    []chain.TransferSentEvent
		commits []chain.TransfersCommittedEvent
	)
	if _, err := c.deps.Retry.Do(ctx, "TransferSentEvents", func(ctx context.Context) error {
		var err error
		sent, err = c.source.TransferSentEvents(ctx, c.cfg.Route.Token, c.dest.ChainID(), from, to)
		return err
	}); err != nil {
		return nil, err
	}
	if _, err := c.deps.Retry.Do(ctx, "TransfersCommittedEvents", func(ctx context.Context) error {
		var err error
		commits, err = c.source.TransfersCommittedEvents(ctx, c.cfg.Route.Token, c.dest.ChainID(), from, to)
		return err
	}); err != nil {
		return nil, err
	}

	evs := make([]event, 0, len(sent)+len(commits))
	for i := range sent {
		evs = append(evs, event{block: sent[i].BlockNumber, logIndex: sent[i].LogIndex, sent: &sent[i]})
	}
	for i := range commits {
		evs = append(evs, event{block: commits[i].BlockNumber, logIndex: commits[i].LogIndex, commit: &commits[i]})
	}
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].block != evs[j].block {
			return evs[i].block < evs[j].block
		}
		// transfers first on equal positions
		if evs[i].logIndex != evs[j].logIndex {
			return evs[i].logIndex < evs[j].logIndex
		}
		return evs[i].sent != nil && evs[j].commit != nil
	})
	return evs, nil
}

// sync walks the source events in on-chain order. Transfers are stored before each commit is
// verified, with the cursor left right before the commit block so a restart replays it
func (c *Challenger) sync(ctx context.Context) error {
	var latest uint64
	if _, err := c.deps.Retry.Do(ctx, "LatestBlock", func(ctx context.Context) error {
		var err error
		latest, err = c.source.LatestBlock(ctx)
		return err
	}); err != nil {
		return err
	}

	for {
		from, to, ok, err := c.cursor.NextRange(latest)
		if err != nil || !ok {
			return err
		}
		evs, err := c.fetch(ctx, from, to)
		if err != nil {
			return err
		}

		now := timeNowFunc().Unix()
		var transfers []*types.Transfer
		for _, ev := range evs {
			if ev.sent != nil {
				t := ev.sent.Transfer(c.cfg.Route, c.source.ChainID(), now)
				if id := t.ID(); id != ev.sent.TransferID {
					return fmt.Errorf("%w: event transfer id %s, computed %s",
						types.ErrInconsistentState, ev.sent.TransferID.Hex(), id.Hex())
				}
				transfers = append(transfers, t)
				continue
			}
			if ev.block > 0 {
				if err := c.record(ctx, transfers, ev.block-1); err != nil {
					return err
				}
				transfers = nil
			}
			if err := c.verify(ctx, ev.commit); err != nil {
				return err
			}
		}
		if err := c.record(ctx, transfers, to); err != nil {
			return err
		}
		metrics.LastProcessedBlock.WithLabelValues(c.cfg.Route.Source, c.Name()).Set(float64(to))
	}
}

func (c *Challenger) record(ctx context.Context, transfers []*types.Transfer, block uint64) error {
	inserted, err := c.deps.Store.RecordObservedTransfers(ctx, transfers, c.cursor.CursorAt(block))
	if err != nil {
		return err
	}
	if inserted > 0 {
		c.logger.Debugf("observed %d new transfers up to block %d", inserted, block)
		metrics.TransfersObserved.WithLabelValues(c.cfg.Route.String()).Add(float64(inserted))
	}
	return nil
}

// uncommitted returns, in on-chain order, the transfers of the route sent after the previous
// observed commit and before ev that no root includes yet
func (c *Challenger) uncommitted(ev *chain.TransfersCommittedEvent) ([]*types.Transfer, error) {
	var after *types.Transfer
	prev, err := c.deps.Store.GetLastObservedRoot(c.cfg.Route, ev.BlockNumber, ev.LogIndex)
	switch {
	case err == nil:
		after = &types.Transfer{SourceBlock: prev.CommittedAtBlock, LogIndex: prev.CommitLogIndex}
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	// a transfer sharing the position of a commit precedes it
	before := &types.Transfer{SourceBlock: ev.BlockNumber, LogIndex: ev.LogIndex + 1}

	transfers, err := c.deps.Store.GetTransfers(c.cfg.Route)
	if err != nil {
		return nil, err
	}
	var res []*types.Transfer
	for _, t := range transfers {
		if t.RootHash != (common.Hash{}) || !t.Before(before) {
			continue
		}
		if after != nil && !after.Before(t) {
			continue
		}
		res = append(res, t)
	}
	return res, nil
}

// check returns the reason ev does not commit the transfers observed since the previous commit,
// or "" when it does
func (c *Challenger) check(ev *chain.TransfersCommittedEvent) (string, error) {
	if len(ev.TransferIDs) == 0 {
		return reasonRootMismatch, nil
	}
	known, err := c.deps.Store.GetTransfersByIDs(ev.TransferIDs)
	if err != nil {
		return "", err
	}
	for _, id := range ev.TransferIDs {
		t, ok := known[id]
		if !ok || t.SourceNetwork != c.cfg.Route.Source || t.DestNetwork != c.cfg.Route.Dest {
			return reasonUnknownTransfer, nil
		}
		if t.RootHash != (common.Hash{}) && t.RootHash != ev.RootHash {
			return reasonDoubleCommit, nil
		}
	}

	expected, err := c.uncommitted(ev)
	if err != nil {
		return "", err
	}
	ids := make([]common.Hash, len(expected))
	total := big.NewInt(0)
	for i, t := range expected {
		ids[i] = t.TransferID
		total.Add(total, t.Amount)
	}
	if !sameIDs(ids, ev.TransferIDs) {
		return reasonOmitted, nil
	}
	root, err := merkle.Root(ids)
	if err != nil {
		return "", err
	}
	if root != ev.RootHash {
		return reasonRootMismatch, nil
	}
	if total.Cmp(ev.TotalAmount) != 0 {
		return reasonTotalMismatch, nil
	}
	return "", nil
}

func sameIDs(a, b []common.Hash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (c *Challenger) verify(ctx context.Context, ev *chain.TransfersCommittedEvent) error {
	if _, err := c.deps.Store.GetTransferRoot(ev.RootHash); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	reason, err := c.check(ev)
	if err != nil {
		return err
	}
	root := &types.TransferRoot{
		RootHash:         ev.RootHash,
		SourceNetwork:    c.cfg.Route.Source,
		DestNetwork:      c.cfg.Route.Dest,
		Token:            c.cfg.Route.Token,
		TotalAmount:      ev.TotalAmount,
		CommittedAtBlock: ev.BlockNumber,
		CommitLogIndex:   ev.LogIndex,
		CommittedAt:      int64(ev.CommittedAt),
		CommitTxHash:     ev.TxHash,
		ChallengeStatus:  types.ChallengeNone,
		Observed:         true,
	}
	var committed []common.Hash
	if reason == "" {
		root.TransferIDs = ev.TransferIDs
		committed = ev.TransferIDs
		metrics.Decision(c.Name(), "root_valid")
	} else {
		c.logger.Warnf("root %s committed at block %d does not match: %s", ev.RootHash.Hex(), ev.BlockNumber, reason)
		c.reasons[ev.RootHash] = reason
		metrics.Decision(c.Name(), "root_mismatch")
	}
	if err := c.deps.Store.SaveTransferRoot(ctx, root, committed); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return err
	}
	return nil
}

// disputed reports whether root was stored as not matching its transfers
func disputed(root *types.TransferRoot) bool {
	return root.Observed && len(root.TransferIDs) == 0
}

func (c *Challenger) challengeOutstanding(ctx context.Context) error {
	roots, err := c.deps.Store.GetRootsByChallengeStatus(c.cfg.Route, types.ChallengeNone)
	if err != nil {
		return err
	}
	for _, root := range roots {
		if !disputed(root) {
			continue
		}
		if err := c.challenge(ctx, root); err != nil {
			if errors.Is(err, types.ErrInconsistentState) || ctx.Err() != nil {
				return err
			}
			c.logger.Errorf("error challenging root %s: %v", root.RootHash.Hex(), err)
		}
	}
	return nil
}

func (c *Challenger) reason(root common.Hash) string {
	if r, ok := c.reasons[root]; ok {
		return r
	}
	return reasonRecorded
}

func (c *Challenger) challenge(ctx context.Context, root *types.TransferRoot) error {
	deadline := time.Unix(root.CommittedAt, 0).Add(c.cfg.ChallengePeriod)
	if timeNowFunc().After(deadline) {
		if err := c.deps.Store.UpdateChallenge(ctx, root.RootHash, types.ChallengeExpired, common.Hash{}); err != nil {
			return err
		}
		metrics.Decision(c.Name(), "challenge_expired")
		c.Alert(ctx, alert.SeverityCritical, "challenge period expired",
			fmt.Sprintf("root %s (%s) on %s was not challenged before %s",
				root.RootHash.Hex(), c.reason(root.RootHash), c.cfg.Route, deadline.UTC().Format(time.RFC3339)))
		return nil
	}
	if c.dest.DryRun() {
		c.logger.Infof("dry mode: would challenge root %s", root.RootHash.Hex())
		metrics.Decision(c.Name(), "dry_run")
		return nil
	}

	call := chain.ChallengeCall{RootHash: root.RootHash, TotalAmount: root.TotalAmount, Bond: c.cfg.Bond}
	hooks := chain.Hooks{
		Guard: func(ctx context.Context) error {
			stored, err := c.deps.Store.GetTransferRoot(root.RootHash)
			if err != nil {
				return err
			}
			if stored.ChallengeStatus != types.ChallengeNone {
				return chain.ErrAlreadySubmitted
			}
			status, err := c.dest.ChallengeStatus(ctx, root.Token, root.RootHash)
			if err != nil {
				return err
			}
			if status != types.ChallengeNone {
				if err := c.deps.Store.UpdateChallenge(ctx, root.RootHash, status, common.Hash{}); err != nil {
					return err
				}
				return chain.ErrAlreadySubmitted
			}
			return nil
		},
		Record: func(ctx context.Context, txHash common.Hash) error {
			return c.deps.Store.UpdateChallenge(ctx, root.RootHash, types.ChallengePending, txHash)
		},
	}

	var txHash common.Hash
	_, err := c.deps.Retry.Do(ctx, "challengeTransferRoot "+root.RootHash.Hex(), func(ctx context.Context) error {
		var err error
		txHash, err = c.dest.Submit(ctx, root.Token, call, hooks)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, chain.ErrAlreadySubmitted):
		return nil
	default:
		metrics.TxFailed.WithLabelValues(c.cfg.Route.Dest, call.Method()).Inc()
		c.Alert(ctx, alert.SeverityCritical, "challenge failed",
			fmt.Sprintf("root %s on %s: %v", root.RootHash.Hex(), c.cfg.Route, err))
		return err
	}

	metrics.TxSubmitted.WithLabelValues(c.cfg.Route.Dest, call.Method()).Inc()
	metrics.Decision(c.Name(), "challenged")
	c.logger.Infof("challenged root %s, tx %s", root.RootHash.Hex(), txHash.Hex())
	c.Alert(ctx, alert.SeverityWarning, "root challenged",
		fmt.Sprintf("root %s on %s: %s", root.RootHash.Hex(), c.cfg.Route, c.reason(root.RootHash)))
	if c.deps.Bus != nil {
		c.deps.Bus.TransferRootChallenged.Publish(events.TransferRootChallenged{
			RootHash:      root.RootHash,
			SourceNetwork: c.cfg.Route.Source,
			DestNetwork:   c.cfg.Route.Dest,
			Token:         root.Token,
			TotalAmount:   root.TotalAmount,
			Reason:        c.reason(root.RootHash),
			TxHash:        txHash,
		})
	}
	return nil
}

// refreshPending follows the resolution of the challenges in flight
func (c *Challenger) refreshPending(ctx context.Context) error {
	roots, err := c.deps.Store.GetRootsByChallengeStatus(c.cfg.Route, types.ChallengePending)
	if err != nil {
		return err
	}
	for _, root := range roots {
		status, err := c.dest.ChallengeStatus(ctx, root.Token, root.RootHash)
		if err != nil {
			c.logger.Errorf("error reading challenge status of root %s: %v", root.RootHash.Hex(), err)
			continue
		}
		if status == root.ChallengeStatus || status == types.ChallengeNone {
			continue
		}
		if err := c.deps.Store.UpdateChallenge(ctx, root.RootHash, status, root.ChallengeTxHash); err != nil {
			return err
		}
		c.logger.Infof("challenge of root %s resolved: %s", root.RootHash.Hex(), status)
		metrics.Decision(c.Name(), "challenge_"+string(status))
	}
	return nil
}
