// Package merkle computes transfer roots: a binary keccak256 tree over the ordered
// transfer ids, padded on the right with zero subtrees up to the next power of two.
package merkle

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// MaxHeight bounds the number of leaves a single root may commit to (2^MaxHeight)
const MaxHeight uint8 = 32

var (
	ErrEmpty    = errors.New("cannot compute the root of an empty set of leaves")
	ErrTooLarge = errors.New("too many leaves")

	zeroHashes = generateZeroHashes(MaxHeight)
)

func hashPair(left, right common.Hash) common.Hash {
	var hash common.Hash
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(left[:])
	hasher.Write(right[:])
	copy(hash[:], hasher.Sum(nil))
	return hash
}

func generateZeroHashes(height uint8) []common.Hash {
	var zeroHashes = []common.Hash{
		{},
	}
	// zeroHashes[i] is the root of a subtree of height i whose leaves are all zero
	for i := 1; i <= int(height); i++ {
		zeroHashes = append(zeroHashes, hashPair(zeroHashes[i-1], zeroHashes[i-1]))
	}
	return zeroHashes
}

// Root returns the root of the tree built from leaves in the given order.
// A single leaf is its own root.
func Root(leaves []common.Hash) (common.Hash, error) {
	if len(leaves) == 0 {
		return common.Hash{}, ErrEmpty
	}
	if uint64(len(leaves)) > uint64(1)<<MaxHeight {
		return common.Hash{}, ErrTooLarge
	}
	level := make([]common.Hash, len(leaves))
	copy(level, leaves)
	for height := 0; len(level) > 1; height++ {
		if len(level)%2 == 1 {
			level = append(level, zeroHashes[height])
		}
		next := make([]common.Hash, 0, len(level)/2) //nolint:mnd
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0], nil
}
