package chain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestSequencerForSharesSlot(t *testing.T) {
	signer := common.HexToAddress("0x1234")
	require.Same(t, SequencerFor(signer, 1), SequencerFor(signer, 1))
	require.NotSame(t, SequencerFor(signer, 1), SequencerFor(signer, 2))
	require.NotSame(t, SequencerFor(signer, 1), SequencerFor(common.HexToAddress("0x5678"), 1))
}

func TestSequencerSerializes(t *testing.T) {
	s := NewSequencer()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Run(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				if n > atomic.LoadInt32(&maxInside) {
					atomic.StoreInt32(&maxInside, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside)
}

func TestSequencerRunHonoursContext(t *testing.T) {
	s := NewSequencer()
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Run(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Run(ctx, func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestSequencerNonce(t *testing.T) {
	s := NewSequencer()
	fetches := 0
	fetch := func(ctx context.Context) (uint64, error) {
		fetches++
		return 7, nil
	}
	ctx := context.Background()

	nonce, err := s.Nonce(ctx, fetch)
	require.NoError(t, err)
	require.Equal(t, uint64(7), nonce)
	s.Consume()

	nonce, err = s.Nonce(ctx, fetch)
	require.NoError(t, err)
	require.Equal(t, uint64(8), nonce)
	require.Equal(t, 1, fetches)

	s.Invalidate()
	nonce, err = s.Nonce(ctx, fetch)
	require.NoError(t, err)
	require.Equal(t, uint64(7), nonce)
	require.Equal(t, 2, fetches)

	s.Invalidate()
	_, err = s.Nonce(ctx, func(ctx context.Context) (uint64, error) { return 0, errors.New("boom") })
	require.Error(t, err)
}
