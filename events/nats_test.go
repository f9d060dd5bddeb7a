package events

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/valuebridge/bridge-node/log"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

func (p *fakePublisher) get() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func TestNATSForwarder(t *testing.T) {
	bus := NewBus()
	pub := &fakePublisher{}
	fwd := NewNATSForwarder(log.WithFields("test", "test"), pub, "bridge", bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fwd.Start(ctx)

	require.Eventually(t, func() bool {
		return len(bus.BondWithdrawal.Subscribers()) == 1 && len(bus.StakeRebalanced.Subscribers()) == 1
	}, time.Second, time.Millisecond)

	bus.BondWithdrawal.Publish(BondWithdrawal{
		TransferID: common.HexToHash("0x01"),
		Recipient:  common.HexToAddress("0xaa"),
		Amount:     big.NewInt(100),
		TxHash:     common.HexToHash("0x02"),
	})
	require.Eventually(t, func() bool { return len(pub.get()) == 1 }, time.Second, time.Millisecond)

	msg := pub.get()[0]
	require.Equal(t, "bridge.bondWithdrawal", msg.subject)
	var decoded BondWithdrawal
	require.NoError(t, json.Unmarshal(msg.data, &decoded))
	require.Equal(t, common.HexToHash("0x01"), decoded.TransferID)
	require.Equal(t, big.NewInt(100), decoded.Amount)

	cancel()
	require.Eventually(t, func() bool { return len(bus.BondWithdrawal.Subscribers()) == 0 }, time.Second, time.Millisecond)
}

func TestSubjectWithoutPrefix(t *testing.T) {
	fwd := NewNATSForwarder(log.WithFields("test", "test"), &fakePublisher{}, "", NewBus())
	require.Equal(t, KindStakeRebalanced, fwd.subject(KindStakeRebalanced))
}
