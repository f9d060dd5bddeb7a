package chain

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/semaphore"
)

type sequencerKey struct {
	signer  common.Address
	chainID uint64
}

var (
	sequencersMu sync.Mutex
	sequencers   = map[sequencerKey]*Sequencer{}
)

// SequencerFor returns the process wide sequencer of signer on chainID, so every client
// sharing a signer on a network submits through the same slot
func SequencerFor(signer common.Address, chainID uint64) *Sequencer {
	sequencersMu.Lock()
	defer sequencersMu.Unlock()
	key := sequencerKey{signer: signer, chainID: chainID}
	s, ok := sequencers[key]
	if !ok {
		s = NewSequencer()
		sequencers[key] = s
	}
	return s
}

// Sequencer serializes the submissions of one signer on one network and keeps its nonce.
// The nonce is only touched while holding the slot.
type Sequencer struct {
	slot       *semaphore.Weighted
	nonce      uint64
	nonceValid bool
}

func NewSequencer() *Sequencer {
	return &Sequencer{slot: semaphore.NewWeighted(1)}
}

// Run executes fn holding the slot. Waiting for the slot honours ctx
func (s *Sequencer) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.slot.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.slot.Release(1)
	return fn(ctx)
}

// Nonce returns the next nonce, asking fetch for it when the cached one is not trusted.
// Must be called inside Run
func (s *Sequencer) Nonce(ctx context.Context, fetch func(ctx context.Context) (uint64, error)) (uint64, error) {
	if s.nonceValid {
		return s.nonce, nil
	}
	nonce, err := fetch(ctx)
	if err != nil {
		return 0, err
	}
	s.nonce = nonce
	s.nonceValid = true
	return nonce, nil
}

// Consume moves past the nonce used by a broadcast transaction
func (s *Sequencer) Consume() {
	s.nonce++
}

// Invalidate forces the next Nonce call to re-sync from the network
func (s *Sequencer) Invalidate() {
	s.nonceValid = false
}
