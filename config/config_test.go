package config

import (
	"os"
	"path"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testConfig = `
PathRWData = "/var/lib/bridge"

[Networks.Ethereum]
Enabled = true
ChainID = 1
RPCURL = "http://localhost:8545"
WaitConfirmations = 12
ChallengePeriod = "24h"
[Networks.Ethereum.Bridges]
usdc = "0x00000000000000000000000000000000000000e1"

[Networks.Optimism]
Enabled = true
ChainID = 10
RPCURL = "http://localhost:9545"
SyncBlockChunkSize = 500
[Networks.Optimism.Bridges]
USDC = "0x00000000000000000000000000000000000000a1"

[Tokens.usdc]
Enabled = true
Decimals = 6

[Stake.USDC]
MinAmount = 1000
MaxAmount = "5000.5"
MaxAmountPerAction = 500

[CommitTransfers]
MaxWaitWindow = "1h"
[CommitTransfers.MinThresholdAmount]
USDC = "100"

[BondWithdrawals]
USDC = 2500

[SettleBondedWithdrawals.ThresholdPercent]
USDC = 90

[Watchers]
challenge = false
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	file := path.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(file, []byte(content), 0600))
	return file
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile()
	require.NoError(t, err)
	require.False(t, cfg.DryRun)
	require.Equal(t, "/tmp/bridge-node/bridge-node.sqlite", cfg.DB.Path)
	require.Equal(t, 10*time.Second, cfg.PollInterval.Duration)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Equal(t, "@every 1m", cfg.DBStateLog.Schedule)
	require.True(t, cfg.Roles.Bonder)
	require.Equal(t, []string{"bondWithdrawal", "commitTransfers", "settleBondedWithdrawals", "challenge", "stake"},
		cfg.EnabledWatchers())
}

func TestLoadFile(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "bridge.toml", testConfig))
	require.NoError(t, err)

	require.Equal(t, "/var/lib/bridge/bridge-node.sqlite", cfg.DB.Path)
	require.Equal(t, []string{"ethereum", "optimism"}, cfg.EnabledNetworks())
	require.Equal(t, []string{"USDC"}, cfg.EnabledTokens())

	eth := cfg.Networks["ethereum"]
	require.Equal(t, uint64(1), eth.ChainID)
	require.Equal(t, uint64(12), eth.WaitConfirmations)
	require.Equal(t, 24*time.Hour, eth.ChallengePeriod.Duration)
	require.Equal(t, common.HexToAddress("0xe1"), eth.Bridges["USDC"])
	require.Equal(t, common.HexToAddress("0xa1"), cfg.Networks["optimism"].Bridges["USDC"])
	require.Equal(t, uint64(500), cfg.Networks["optimism"].SyncBlockChunkSize)

	require.Equal(t, uint8(6), cfg.Tokens["USDC"].Decimals)
	require.True(t, decimal.NewFromInt(1000).Equal(cfg.Stake["USDC"].MinAmount))
	require.True(t, decimal.RequireFromString("5000.5").Equal(cfg.Stake["USDC"].MaxAmount))
	require.True(t, decimal.NewFromInt(100).Equal(cfg.CommitTransfers.MinThresholdAmount["USDC"]))
	require.Equal(t, time.Hour, cfg.CommitTransfers.MaxWaitWindow.Duration)
	require.True(t, decimal.NewFromInt(2500).Equal(cfg.BondWithdrawals["USDC"]))
	require.True(t, decimal.NewFromInt(90).Equal(cfg.SettleBondedWithdrawals.ThresholdPercent["USDC"]))

	require.Equal(t, []string{"bondWithdrawal", "commitTransfers", "settleBondedWithdrawals", "stake"},
		cfg.EnabledWatchers())
}

func TestLoadYAML(t *testing.T) {
	file := writeConfig(t, "bridge.yaml", `
DryRun: true
Tokens:
  DAI:
    Enabled: true
    Decimals: 18
`)
	cfg, err := LoadFile(file)
	require.NoError(t, err)
	require.True(t, cfg.DryRun)
	require.Equal(t, uint8(18), cfg.Tokens["DAI"].Decimals)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown watcher", content: "[Watchers]\nrelay = true\n"},
		{name: "token without decimals", content: "[Tokens.USDC]\nEnabled = true\n"},
		{name: "stake min above max", content: "[Stake.USDC]\nMinAmount = 10\nMaxAmount = 5\n"},
		{name: "percent above 100", content: "[SettleBondedWithdrawals.ThresholdPercent]\nUSDC = 101\n"},
		{name: "negative percent", content: "[SettleBondedWithdrawals.ThresholdPercent]\nUSDC = -1\n"},
		{name: "network without rpc", content: "[Networks.gnosis]\nEnabled = true\nChainID = 100\n"},
		{name: "unknown trigger", content: "[CommitTransfers]\nTriggerPrecedence = \"size\"\n"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, "bridge.toml", tt.content))
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestJSONSchema(t *testing.T) {
	schema := JSONSchema()
	require.Equal(t, "bridge-node config", schema.Title)
	_, ok := schema.Properties.Get("Networks")
	require.True(t, ok)
}
