package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/valuebridge/bridge-node/alert"
	"github.com/valuebridge/bridge-node/alert/mocks"
	"github.com/valuebridge/bridge-node/log"
	"github.com/valuebridge/bridge-node/types"
)

func TestRunKeepsPollingAfterErrors(t *testing.T) {
	b := NewBase("test", log.WithFields("test", "test"), time.Millisecond, nil)
	var cycles int32
	done := make(chan error)
	go func() {
		done <- b.Run(context.Background(), func(ctx context.Context) error {
			atomic.AddInt32(&cycles, 1)
			return errors.New("rpc down")
		})
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&cycles) >= 3 }, time.Second, time.Millisecond)
	b.Stop()
	b.Stop()
	require.NoError(t, <-done)
}

func TestRunStopsOnInconsistentState(t *testing.T) {
	sink := mocks.NewSink(t)
	sink.EXPECT().Alert(mock.Anything, mock.MatchedBy(func(a alert.Alert) bool {
		return a.Severity == alert.SeverityCritical && a.Source == "bonder"
	})).Return(nil).Once()
	b := NewBase("bonder", log.WithFields("test", "test"), time.Millisecond, sink)

	err := b.Run(context.Background(), func(ctx context.Context) error {
		return fmt.Errorf("cursor moved back: %w", types.ErrInconsistentState)
	})
	require.ErrorIs(t, err, types.ErrInconsistentState)
}

func TestStopLetsCycleFinish(t *testing.T) {
	b := NewBase("test", log.WithFields("test", "test"), time.Hour, nil)
	inCycle := make(chan struct{})
	finished := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Run(context.Background(), func(ctx context.Context) error {
			close(inCycle)
			time.Sleep(20 * time.Millisecond)
			require.NoError(t, ctx.Err())
			close(finished)
			return nil
		})
	}()
	<-inCycle
	b.Stop()
	require.NoError(t, <-done)
	select {
	case <-finished:
	default:
		t.Fatal("cycle interrupted")
	}
}

func TestCancelAbortsCycle(t *testing.T) {
	b := NewBase("test", log.WithFields("test", "test"), time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	inCycle := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Run(ctx, func(ctx context.Context) error {
			close(inCycle)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-inCycle
	cancel()
	require.NoError(t, <-done)
}
