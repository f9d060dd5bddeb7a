package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"path"
	"sort"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/valuebridge/bridge-node/chain"
	"github.com/valuebridge/bridge-node/events"
	"github.com/valuebridge/bridge-node/log"
	"github.com/valuebridge/bridge-node/staker"
	"github.com/valuebridge/bridge-node/store"
	"github.com/valuebridge/bridge-node/test/helpers"
	"github.com/valuebridge/bridge-node/types"
	"github.com/valuebridge/bridge-node/watcher"
)

const token = "USDC"

var signer = common.HexToAddress("0xb0b")

type env struct {
	optimism *helpers.FakeNetwork
	ethereum *helpers.FakeNetwork
	storage  *store.SQLStorage
	deps     Deps
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := log.WithFields("test", "test")
	optimism := helpers.NewFakeNetwork("optimism", 10, signer)
	ethereum := helpers.NewFakeNetwork("ethereum", 1, signer)
	helpers.Connect(optimism, ethereum)

	storage, err := store.NewSQLStorage(logger, path.Join(t.TempDir(), "orchestrator.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	return &env{
		optimism: optimism,
		ethereum: ethereum,
		storage:  storage,
		deps: Deps{
			Logger:       logger,
			Clients:      map[string]chain.Client{"optimism": optimism, "ethereum": ethereum},
			Store:        storage,
			Bus:          events.NewBus(),
			Retry:        watcher.NewRetryHandler(logger, 2, time.Millisecond, time.Millisecond),
			PollInterval: 5 * time.Millisecond,
		},
	}
}

func networks(tokens ...string) []Network {
	return []Network{
		{Name: "optimism", SyncBlockChunkSize: 100, WaitConfirmations: 1, ChallengePeriod: time.Hour, Tokens: tokens},
		{Name: "ethereum", SyncBlockChunkSize: 100, WaitConfirmations: 1, ChallengePeriod: time.Hour, Tokens: tokens},
	}
}

func names(watchers []watcher.Watcher) []string {
	res := make([]string, 0, len(watchers))
	for _, w := range watchers {
		res = append(res, w.Name())
	}
	sort.Strings(res)
	return res
}

func TestWatcherTuples(t *testing.T) {
	stake := map[string]staker.Limits{token: {MinAmount: big.NewInt(1), MaxAmount: big.NewInt(2)}}
	tests := []struct {
		name          string
		cfg           Config
		expectedNames []string
	}{
		{
			name: "every role",
			cfg: Config{
				Networks: networks(token), Tokens: []string{token},
				Roles: Roles{Bonder: true, Challenger: true, Staker: true}, Stake: stake,
			},
			expectedNames: []string{
				"bondWithdrawal:ethereum:optimism:USDC",
				"bondWithdrawal:optimism:ethereum:USDC",
				"challenge:ethereum:optimism:USDC",
				"challenge:optimism:ethereum:USDC",
				"commitTransfers:ethereum:optimism:USDC",
				"commitTransfers:optimism:ethereum:USDC",
				"settleBondedWithdrawals:ethereum",
				"settleBondedWithdrawals:optimism",
				"stake:ethereum",
				"stake:optimism",
			},
		},
		{
			name: "no challenger nor staker role",
			cfg:  Config{Networks: networks(token), Tokens: []string{token}, Stake: stake},
			expectedNames: []string{
				"bondWithdrawal:ethereum:optimism:USDC",
				"bondWithdrawal:optimism:ethereum:USDC",
				"commitTransfers:ethereum:optimism:USDC",
				"commitTransfers:optimism:ethereum:USDC",
				"settleBondedWithdrawals:ethereum",
				"settleBondedWithdrawals:optimism",
			},
		},
		{
			name: "enabled kinds",
			cfg: Config{
				Watchers: []string{"bondWithdrawal", "stake"},
				Networks: networks(token), Tokens: []string{token},
				Roles: Roles{Bonder: true, Staker: true}, Stake: stake,
			},
			expectedNames: []string{
				"bondWithdrawal:ethereum:optimism:USDC",
				"bondWithdrawal:optimism:ethereum:USDC",
				"stake:ethereum",
				"stake:optimism",
			},
		},
		{
			name: "token bridged on one side only",
			cfg: Config{
				Networks: []Network{
					{Name: "optimism", Tokens: []string{token, "DAI"}},
					{Name: "ethereum", Tokens: []string{token}},
				},
				Tokens:   []string{token, "DAI"},
				Watchers: []string{"bondWithdrawal"},
			},
			expectedNames: []string{
				"bondWithdrawal:ethereum:optimism:USDC",
				"bondWithdrawal:optimism:ethereum:USDC",
			},
		},
		{
			name:          "disabled token",
			cfg:           Config{Networks: networks(token), Tokens: []string{"DAI"}},
			expectedNames: []string{},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			watchers, err := build(e.deps, tt.cfg)
			require.NoError(t, err)
			require.Equal(t, tt.expectedNames, names(watchers))
		})
	}
}

func TestMissingClient(t *testing.T) {
	e := newEnv(t)
	delete(e.deps.Clients, "ethereum")
	_, err := StartWatchers(context.Background(), e.deps, Config{Networks: networks(token), Tokens: []string{token}})
	require.ErrorIs(t, err, ErrMissingClient)
}

func TestLoadScenario(t *testing.T) {
	const users = 5
	e := newEnv(t)
	ctx := context.Background()
	e.ethereum.SetCredit(token, signer, big.NewInt(100))
	bonds := e.deps.Bus.BondWithdrawal.Subscribe("test")

	o, err := StartWatchers(ctx, e.deps, Config{
		Networks: networks(token),
		Tokens:   []string{token},
		Roles:    Roles{Bonder: true},
	})
	require.NoError(t, err)

	accounts := make([]common.Address, users)
	for i := range accounts {
		accounts[i] = common.BigToAddress(big.NewInt(int64(0x1000 + i)))
		e.optimism.SetBalance(token, accounts[i], big.NewInt(10))
		_, err := e.optimism.SendTransfer(token, e.ethereum, accounts[i], accounts[i], big.NewInt(1), big.NewInt(0), 0)
		require.NoError(t, err)
	}

	seen := map[common.Hash]bool{}
	timeout := time.After(10 * time.Second)
	for len(seen) < users {
		select {
		case ev := <-bonds:
			require.Equal(t, "ethereum", ev.Network)
			require.Equal(t, big.NewInt(1), ev.Amount)
			seen[ev.TransferID] = true
		case <-timeout:
			t.Fatalf("only %d of %d transfers bonded", len(seen), users)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, o.Stop(stopCtx))

	for _, a := range accounts {
		require.Equal(t, big.NewInt(9), e.optimism.Balance(token, a))
		require.Equal(t, big.NewInt(1), e.ethereum.Balance(token, a))
	}
	require.Equal(t, big.NewInt(95), e.ethereum.CreditOf(token, signer))
	require.Equal(t, users, e.ethereum.CountBroadcasts("bondWithdrawal"))
}

func TestFatalWatcherDoesNotStopOthers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.ethereum.SetCredit(token, signer, big.NewInt(100))
	e.optimism.SetCredit(token, signer, big.NewInt(100))
	e.ethereum.SetBalance(token, signer, big.NewInt(10))
	bonds := e.deps.Bus.BondWithdrawal.Subscribe("test")

	// stored under an id its attributes do not hash to
	_, err := e.storage.RecordObservedTransfers(ctx, []*types.Transfer{{
		TransferID: common.HexToHash("0x01"), SourceNetwork: "optimism", DestNetwork: "ethereum", Token: token,
		SourceChainID: 10, DestChainID: 1, Recipient: signer, Amount: big.NewInt(1), BonderFee: big.NewInt(0),
	}}, types.SyncCursor{Network: "optimism", WatcherKind: "bondWithdrawal:ethereum:USDC"})
	require.NoError(t, err)

	o, err := StartWatchers(ctx, e.deps, Config{
		Watchers: []string{"bondWithdrawal"},
		Networks: networks(token),
		Tokens:   []string{token},
		Roles:    Roles{Bonder: true},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return o.Err() != nil }, 5*time.Second, 10*time.Millisecond)

	_, err = e.ethereum.SendTransfer(token, e.optimism, signer, signer, big.NewInt(1), big.NewInt(0), 0)
	require.NoError(t, err)
	select {
	case ev := <-bonds:
		require.Equal(t, "optimism", ev.Network)
	case <-time.After(5 * time.Second):
		t.Fatal("healthy watcher did not bond")
	}

	err = o.Stop(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, types.ErrInconsistentState))
}

func TestStopCancelsOnTimeout(t *testing.T) {
	e := newEnv(t)
	o, err := StartWatchers(context.Background(), e.deps, Config{Networks: networks(token), Tokens: []string{token}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, o.Stop(ctx))
	for _, w := range o.Watchers() {
		require.NotEmpty(t, w.Name())
	}
}
