package types

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestComputeTransferID(t *testing.T) {
	recipient := common.HexToAddress("0x1111111111111111111111111111111111111111")
	base := ComputeTransferID(1, 10, recipient, big.NewInt(100), 1000, 0)

	require.NotEqual(t, common.Hash{}, base)
	require.Equal(t, base, ComputeTransferID(1, 10, recipient, big.NewInt(100), 1000, 0))

	variants := []common.Hash{
		ComputeTransferID(2, 10, recipient, big.NewInt(100), 1000, 0),
		ComputeTransferID(1, 11, recipient, big.NewInt(100), 1000, 0),
		ComputeTransferID(1, 10, common.HexToAddress("0x02"), big.NewInt(100), 1000, 0),
		ComputeTransferID(1, 10, recipient, big.NewInt(101), 1000, 0),
		ComputeTransferID(1, 10, recipient, big.NewInt(100), 1001, 0),
		ComputeTransferID(1, 10, recipient, big.NewInt(100), 1000, 1),
	}
	for i, v := range variants {
		require.NotEqual(t, base, v, "variant %d", i)
	}

	tr := Transfer{SourceChainID: 1, DestChainID: 10, Recipient: recipient, Amount: big.NewInt(100), Deadline: 1000}
	require.Equal(t, base, tr.ID())
}

func TestTransferHelpers(t *testing.T) {
	tr := Transfer{Amount: big.NewInt(100), BonderFee: big.NewInt(3), Deadline: 50}
	require.Equal(t, big.NewInt(103), tr.BondCost())
	require.Equal(t, big.NewInt(100), tr.Amount, "BondCost must not mutate the amount")
	require.False(t, tr.Expired(50))
	require.True(t, tr.Expired(51))

	tr.Deadline = 0
	require.False(t, tr.Expired(1<<40))

	tr.BonderFee = nil
	require.Equal(t, big.NewInt(100), tr.BondCost())
}

func TestSortTransfers(t *testing.T) {
	transfers := []*Transfer{
		{Index: 3, SourceBlock: 5, LogIndex: 2},
		{Index: 1, SourceBlock: 4, LogIndex: 9},
		{Index: 2, SourceBlock: 5, LogIndex: 1},
	}
	SortTransfers(transfers)
	require.Equal(t, uint64(1), transfers[0].Index)
	require.Equal(t, uint64(2), transfers[1].Index)
	require.Equal(t, uint64(3), transfers[2].Index)
}

func TestRouteString(t *testing.T) {
	require.Equal(t, "optimism:arbitrum:USDC", Route{Source: "optimism", Dest: "arbitrum", Token: "USDC"}.String())
}
