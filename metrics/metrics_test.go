package metrics

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestDecision(t *testing.T) {
	before := testutil.ToFloat64(Decisions.WithLabelValues("bondWithdrawal:a:b:USDC", "bonded"))
	Decision("bondWithdrawal:a:b:USDC", "bonded")
	Decision("bondWithdrawal:a:b:USDC", "bonded")
	require.Equal(t, before+2, testutil.ToFloat64(Decisions.WithLabelValues("bondWithdrawal:a:b:USDC", "bonded")))
}

func TestSetStakeBalance(t *testing.T) {
	SetStakeBalance("optimism", "USDC", big.NewInt(1_500_000))
	require.Equal(t, float64(1_500_000), testutil.ToFloat64(StakeBalance.WithLabelValues("optimism", "USDC")))
	SetStakeBalance("optimism", "USDC", nil)
	require.Equal(t, float64(1_500_000), testutil.ToFloat64(StakeBalance.WithLabelValues("optimism", "USDC")))
}

func TestObserveCycle(t *testing.T) {
	ObserveCycle("stake:optimism", time.Now().Add(-time.Second))
	require.Equal(t, 1, testutil.CollectAndCount(CycleDuration))
}
