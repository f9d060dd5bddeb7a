package main

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/valuebridge/bridge-node/config"
)

func TestNewOrchestratorConfig(t *testing.T) {
	c := &config.Config{
		Networks: map[string]config.NetworkConfig{
			"ethereum": {Enabled: true, ChainID: 1, RPCURL: "http://eth", WaitConfirmations: 12,
				Bridges: map[string]common.Address{"USDC": common.HexToAddress("0x01"), "DAI": common.HexToAddress("0x02")}},
			"optimism": {Enabled: true, ChainID: 10, RPCURL: "http://op",
				Bridges: map[string]common.Address{"USDC": common.HexToAddress("0x03")}},
			"gnosis": {Enabled: false, ChainID: 100, RPCURL: "http://gno"},
		},
		Tokens: map[string]config.TokenConfig{
			"USDC": {Enabled: true, Decimals: 6},
			"DAI":  {Enabled: true, Decimals: 18},
			"WBTC": {Enabled: false, Decimals: 8},
		},
		Roles: config.RolesConfig{Bonder: true, Staker: true},
		Stake: map[string]config.StakeConfig{
			"USDC": {MinAmount: decimal.RequireFromString("100"), MaxAmount: decimal.RequireFromString("250.5")},
		},
		BondWithdrawals: map[string]decimal.Decimal{"USDC": decimal.RequireFromString("1000")},
		CommitTransfers: config.CommitTransfersConfig{
			MinThresholdAmount: map[string]decimal.Decimal{"DAI": decimal.RequireFromString("0.5")},
		},
		ChallengeBond: decimal.RequireFromString("0.1"),
	}

	cfg, err := newOrchestratorConfig(c)
	require.NoError(t, err)
	require.Equal(t, []string{"DAI", "USDC"}, cfg.Tokens)
	require.Len(t, cfg.Networks, 2)
	require.Equal(t, "ethereum", cfg.Networks[0].Name)
	require.Equal(t, []string{"DAI", "USDC"}, cfg.Networks[0].Tokens)
	require.Equal(t, uint64(12), cfg.Networks[0].WaitConfirmations)
	require.Equal(t, []string{"USDC"}, cfg.Networks[1].Tokens)

	require.Equal(t, big.NewInt(1_000_000_000), cfg.MaxBondAmount["USDC"])
	require.NotContains(t, cfg.MaxBondAmount, "DAI")
	require.Equal(t, new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil).String(), cfg.CommitThreshold["DAI"].String())

	limits := cfg.Stake["USDC"]
	require.Equal(t, big.NewInt(100_000_000), limits.MinAmount)
	require.Equal(t, big.NewInt(250_500_000), limits.MaxAmount)
	require.Nil(t, limits.MaxAmountPerAction)

	require.Equal(t, "100000000000000000", cfg.ChallengeBond.String())
	require.True(t, cfg.Roles.Staker)
	require.False(t, cfg.Roles.Challenger)
}

func TestNewOrchestratorConfigNegativeAmount(t *testing.T) {
	c := &config.Config{
		Tokens:          map[string]config.TokenConfig{"USDC": {Enabled: true, Decimals: 6}},
		BondWithdrawals: map[string]decimal.Decimal{"USDC": decimal.RequireFromString("-1")},
	}
	_, err := newOrchestratorConfig(c)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}
