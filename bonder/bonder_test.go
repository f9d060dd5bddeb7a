package bonder

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/valuebridge/bridge-node/alert"
	"github.com/valuebridge/bridge-node/alert/mocks"
	"github.com/valuebridge/bridge-node/chain"
	"github.com/valuebridge/bridge-node/committer"
	"github.com/valuebridge/bridge-node/events"
	"github.com/valuebridge/bridge-node/log"
	"github.com/valuebridge/bridge-node/metrics"
	"github.com/valuebridge/bridge-node/store"
	"github.com/valuebridge/bridge-node/test/helpers"
	"github.com/valuebridge/bridge-node/types"
	"github.com/valuebridge/bridge-node/watcher"
)

const token = "USDC"

var (
	signer    = common.HexToAddress("0xb0b")
	user      = common.HexToAddress("0x0a11ce")
	recipient = common.HexToAddress("0x0ca201")
	route     = types.Route{Source: "optimism", Dest: "ethereum", Token: token}
)

type env struct {
	src     *helpers.FakeNetwork
	dst     *helpers.FakeNetwork
	storage *store.SQLStorage
	deps    watcher.Deps
	cfg     Config
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := log.WithFields("test", "test")
	src := helpers.NewFakeNetwork("optimism", 10, signer)
	dst := helpers.NewFakeNetwork("ethereum", 1, signer)
	helpers.Connect(src, dst)
	src.SetBalance(token, user, big.NewInt(1000))
	dst.SetCredit(token, signer, big.NewInt(1000))

	storage, err := store.NewSQLStorage(logger, path.Join(t.TempDir(), "bonder.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	return &env{
		src:     src,
		dst:     dst,
		storage: storage,
		deps: watcher.Deps{
			Store:        storage,
			Bus:          events.NewBus(),
			Alerts:       alert.NewLogSink(logger),
			Retry:        watcher.NewRetryHandler(logger, 3, time.Millisecond, 5*time.Millisecond),
			PollInterval: time.Millisecond,
		},
		cfg: Config{
			Route:              route,
			SyncBlockChunkSize: 100,
			WaitConfirmations:  2,
			BonderRole:         true,
		},
	}
}

func (e *env) bonder() *Bonder {
	return New(log.WithFields("test", "test"), e.cfg, e.src, e.dst, e.deps)
}

func (e *env) send(t *testing.T, amount, fee int64, deadline uint64) chain.TransferSentEvent {
	t.Helper()
	ev, err := e.src.SendTransfer(token, e.dst, user, recipient, big.NewInt(amount), big.NewInt(fee), deadline)
	require.NoError(t, err)
	return ev
}

func (e *env) transfer(t *testing.T, id common.Hash) *types.Transfer {
	t.Helper()
	tr, err := e.storage.GetTransfer(id)
	require.NoError(t, err)
	return tr
}

func TestBondTransfer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	bonds := e.deps.Bus.BondWithdrawal.Subscribe("test")
	ev := e.send(t, 100, 2, 0)

	require.NoError(t, e.bonder().PollOnce(ctx))

	require.Equal(t, big.NewInt(98), e.dst.Balance(token, recipient))
	require.Equal(t, big.NewInt(900), e.src.Balance(token, user))
	require.Equal(t, big.NewInt(902), e.dst.CreditOf(token, signer))

	bond, err := e.storage.GetBondedWithdrawal(ev.TransferID)
	require.NoError(t, err)
	require.True(t, bond.Confirmed)
	require.Equal(t, signer, bond.Bonder)
	require.Equal(t, types.TransferBonded, e.transfer(t, ev.TransferID).Status)

	select {
	case published := <-bonds:
		require.Equal(t, ev.TransferID, published.TransferID)
		require.Equal(t, recipient, published.Recipient)
		require.Equal(t, big.NewInt(100), published.Amount)
		require.Equal(t, bond.TxHash, published.TxHash)
	case <-time.After(time.Second):
		t.Fatal("BondWithdrawal event not published")
	}

	cursor, err := e.storage.GetSyncCursor("optimism", "bondWithdrawal:ethereum:USDC")
	require.NoError(t, err)
	require.Equal(t, e.src.Head(), cursor.LastProcessedBlock)
}

func TestAtMostOnceAcrossRestarts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.send(t, 10, 1, 0)
	e.send(t, 20, 1, 0)

	require.NoError(t, e.bonder().PollOnce(ctx))
	require.NoError(t, e.bonder().PollOnce(ctx))
	restarted := e.bonder()
	require.NoError(t, restarted.PollOnce(ctx))

	require.Equal(t, 2, e.dst.CountBroadcasts("bondWithdrawal"))
}

func TestAtMostOnceWithConcurrentInstances(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e.send(t, 10, 1, 0)
	}

	first := e.bonder()
	// same signer, separate process: its own sequencer
	second := New(log.WithFields("test", "test"), e.cfg, e.src, e.dst.WithSigner(signer), e.deps)
	var wg sync.WaitGroup
	for _, b := range []*Bonder{first, second} {
		wg.Add(1)
		go func(b *Bonder) {
			defer wg.Done()
			_ = b.PollOnce(ctx)
		}(b)
	}
	wg.Wait()
	require.NoError(t, first.PollOnce(ctx))

	require.Equal(t, 5, e.dst.CountBroadcasts("bondWithdrawal"))
	summary, err := e.storage.Summary()
	require.NoError(t, err)
	require.Equal(t, 5, summary.Bonds)
}

func TestBondFoundOnChainIsRecorded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ev := e.send(t, 10, 1, 0)

	// a previous run broadcast the bond and died before recording it
	_, err := e.dst.Submit(ctx, token, chain.BondWithdrawalCall{
		SourceChainID: 10, Recipient: recipient, Amount: big.NewInt(10), BonderFee: big.NewInt(1), Index: ev.Index,
	}, chain.Hooks{})
	require.NoError(t, err)

	b := e.bonder()
	require.NoError(t, b.PollOnce(ctx))
	require.Equal(t, 1, e.dst.CountBroadcasts("bondWithdrawal"))
	bond, err := e.storage.GetBondedWithdrawal(ev.TransferID)
	require.NoError(t, err)
	require.Equal(t, common.Hash{}, bond.TxHash)
	require.True(t, bond.Confirmed)
	require.Zero(t, bond.Confirmations)

	require.NoError(t, b.PollOnce(ctx))
	require.Equal(t, 1, e.dst.CountBroadcasts("bondWithdrawal"))
}

func TestDryRunDecidesWithoutBroadcasting(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.dst.SetDryRun(true)
	ev := e.send(t, 10, 1, 0)

	require.NoError(t, e.bonder().PollOnce(ctx))
	require.NoError(t, e.bonder().PollOnce(ctx))

	require.Empty(t, e.dst.Broadcasts())
	tr := e.transfer(t, ev.TransferID)
	require.Equal(t, types.TransferPending, tr.Status)
	require.Zero(t, tr.BondAttempts)
	_, err := e.storage.GetBondedWithdrawal(ev.TransferID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func decisions(decision string) float64 {
	return testutil.ToFloat64(metrics.Decisions.WithLabelValues(Name(route), decision))
}

func TestDryRunSpendsStakeLikeBonds(t *testing.T) {
	tests := []struct {
		name     string
		dryRun   bool
		decision string
	}{
		{name: "dry run", dryRun: true, decision: decisionDryRun},
		{name: "broadcasting", decision: decisionBonded},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.dst.SetCredit(token, signer, big.NewInt(150))
			e.dst.SetDryRun(tt.dryRun)
			e.send(t, 100, 1, 0)
			e.send(t, 100, 1, 0)
			bondsBefore, shortBefore := decisions(tt.decision), decisions(decisionInsufficientStake)

			require.NoError(t, e.bonder().PollOnce(context.Background()))

			require.Equal(t, float64(1), decisions(tt.decision)-bondsBefore)
			require.Equal(t, float64(1), decisions(decisionInsufficientStake)-shortBefore)
			if tt.dryRun {
				require.Empty(t, e.dst.Broadcasts())
			} else {
				require.Equal(t, 1, e.dst.CountBroadcasts("bondWithdrawal"))
			}
		})
	}
}

func TestCommittedTransferIsStillBonded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.dst.SetCredit(token, signer, big.NewInt(0))
	ev := e.send(t, 10, 1, 0)
	b := e.bonder()

	require.NoError(t, b.PollOnce(ctx))
	require.Empty(t, e.dst.Broadcasts())

	c := committer.New(log.WithFields("test", "test"),
		committer.Config{Route: route, MinThresholdAmount: big.NewInt(10)}, e.src, e.deps)
	require.NoError(t, c.PollOnce(ctx))
	require.Equal(t, types.TransferCommitted, e.transfer(t, ev.TransferID).Status)

	e.dst.SetCredit(token, signer, big.NewInt(1000))
	for i := 0; i < 3; i++ {
		require.NoError(t, b.PollOnce(ctx))
	}

	require.Equal(t, 1, e.dst.CountBroadcasts("bondWithdrawal"))
	require.Equal(t, big.NewInt(9), e.dst.Balance(token, recipient))
	bond, err := e.storage.GetBondedWithdrawal(ev.TransferID)
	require.NoError(t, err)
	require.True(t, bond.Confirmed)
	tr := e.transfer(t, ev.TransferID)
	require.Equal(t, types.TransferCommitted, tr.Status)
	require.NotEqual(t, common.Hash{}, tr.RootHash)
}

func TestRevertedBondIsFlaggedOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sink := mocks.NewSink(t)
	sink.EXPECT().Alert(mock.Anything, mock.MatchedBy(func(a alert.Alert) bool {
		return a.Title == "bond reverted" && a.Severity == alert.SeverityCritical
	})).Return(nil).Once()
	e.deps.Alerts = sink
	e.dst.RevertNextMined(1)
	ev := e.send(t, 10, 1, 0)
	b := e.bonder()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.PollOnce(ctx))
	}

	require.Equal(t, 1, e.dst.CountBroadcasts("bondWithdrawal"))
	require.Zero(t, e.dst.Balance(token, recipient).Sign())
	bond, err := e.storage.GetBondedWithdrawal(ev.TransferID)
	require.NoError(t, err)
	require.True(t, bond.Reverted)
	require.False(t, bond.Confirmed)
	tr := e.transfer(t, ev.TransferID)
	require.True(t, tr.BondFailed)
	require.Equal(t, types.TransferPending, tr.Status)
	unconfirmed, err := e.storage.GetUnconfirmedBonds(route.Dest)
	require.NoError(t, err)
	require.Empty(t, unconfirmed)
}

func TestDeferredTransfers(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(e *env)
		amount  int64
		expires bool
	}{
		{
			name:    "insufficient stake",
			prepare: func(e *env) { e.dst.SetCredit(token, signer, big.NewInt(5)) },
			amount:  10,
		},
		{
			name:    "above bond limit",
			prepare: func(e *env) { e.cfg.MaxBondAmount = big.NewInt(50) },
			amount:  60,
		},
		{
			name:    "expired",
			prepare: func(e *env) {},
			amount:  10,
			expires: true,
		},
		{
			name:    "bonder role disabled",
			prepare: func(e *env) { e.cfg.BonderRole = false },
			amount:  10,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			tt.prepare(e)
			var deadline uint64
			if tt.expires {
				deadline = uint64(time.Now().Add(-time.Hour).Unix())
			}
			ev := e.send(t, tt.amount, 1, deadline)

			require.NoError(t, e.bonder().PollOnce(context.Background()))
			require.Empty(t, e.dst.Broadcasts())
			tr := e.transfer(t, ev.TransferID)
			require.Equal(t, types.TransferPending, tr.Status)
			require.False(t, tr.BondFailed)
		})
	}
}

func TestInsufficientStakeIsRetriedNextCycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.dst.SetCredit(token, signer, big.NewInt(5))
	ev := e.send(t, 10, 1, 0)
	b := e.bonder()

	require.NoError(t, b.PollOnce(ctx))
	require.Empty(t, e.dst.Broadcasts())

	e.dst.SetCredit(token, signer, big.NewInt(100))
	require.NoError(t, b.PollOnce(ctx))
	require.Equal(t, types.TransferBonded, e.transfer(t, ev.TransferID).Status)
}

func TestRevertsSpendTheAttemptBudget(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sink := mocks.NewSink(t)
	sink.EXPECT().Alert(mock.Anything, mock.MatchedBy(func(a alert.Alert) bool {
		return a.Title == "bond failed" && a.Severity == alert.SeverityCritical
	})).Return(nil).Once()
	e.deps.Alerts = sink
	ev := e.send(t, 10, 1, 0)
	b := e.bonder()

	for i := 1; i <= 3; i++ {
		e.dst.FailNextSubmits(fmt.Errorf("%w: paused", chain.ErrReverted))
		require.NoError(t, b.PollOnce(ctx))
		tr := e.transfer(t, ev.TransferID)
		require.Equal(t, i, tr.BondAttempts)
		require.Equal(t, i == 3, tr.BondFailed)
	}

	// failed transfers are no longer candidates
	require.NoError(t, b.PollOnce(ctx))
	require.Empty(t, e.dst.Broadcasts())
}

func TestTransientErrorsAreRetried(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ev := e.send(t, 10, 1, 0)
	e.dst.FailNextSubmits(errors.New("timeout"), errors.New("timeout"))

	require.NoError(t, e.bonder().PollOnce(ctx))
	require.Equal(t, types.TransferBonded, e.transfer(t, ev.TransferID).Status)
	require.Equal(t, 1, e.dst.CountBroadcasts("bondWithdrawal"))
}

func TestTransientErrorsExhaustRetries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ev := e.send(t, 10, 1, 0)
	e.dst.FailNextSubmits(errors.New("timeout"), errors.New("timeout"), errors.New("timeout"))

	require.NoError(t, e.bonder().PollOnce(ctx))
	tr := e.transfer(t, ev.TransferID)
	require.True(t, tr.BondFailed)
	require.Equal(t, 3, tr.BondAttempts)
	require.Contains(t, tr.BondError, "timeout")
}

func TestBondsInOnChainOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var ids []common.Hash
	for i := 0; i < 4; i++ {
		ids = append(ids, e.send(t, int64(10+i), 1, 0).TransferID)
	}
	require.NoError(t, e.bonder().PollOnce(ctx))

	calls := e.dst.Broadcasts()
	require.Len(t, calls, 4)
	for i, c := range calls {
		bond, ok := c.(chain.BondWithdrawalCall)
		require.True(t, ok)
		require.Equal(t, ids[i], types.ComputeTransferID(bond.SourceChainID, 1, bond.Recipient, bond.Amount, bond.Deadline, bond.Index))
	}
}

func TestNoRescanAfterRestart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.send(t, 10, 1, 0)
	require.NoError(t, e.bonder().PollOnce(ctx))
	first, err := e.storage.GetSyncCursor("optimism", "bondWithdrawal:ethereum:USDC")
	require.NoError(t, err)

	e.src.Mine(5)
	require.NoError(t, e.bonder().PollOnce(ctx))
	second, err := e.storage.GetSyncCursor("optimism", "bondWithdrawal:ethereum:USDC")
	require.NoError(t, err)
	require.Equal(t, first.LastProcessedBlock+5, second.LastProcessedBlock)
	require.Equal(t, 1, e.dst.CountBroadcasts("bondWithdrawal"))
}
