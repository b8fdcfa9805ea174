package poolfetch

import (
	"fmt"

	"poolcache/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// IntegrityError reports a listed pool that cannot be placed in the index.
type IntegrityError struct {
	Pool   common.Address
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("pool %s: %s", e.Pool.Hex(), e.Reason)
}

// PoolIndex maps token pairs to the pools trading them. It is built once and
// never mutated, so it is safe for concurrent reads without locking.
type PoolIndex struct {
	pairs        map[models.TokenPair]map[common.Address]struct{}
	poolCount    int
	fetchedBlock uint64
}

// NewPoolIndex builds the index from a full pool listing. Any pool with a
// missing token or two identical tokens aborts the build.
func NewPoolIndex(registered *models.RegisteredPools) (*PoolIndex, error) {
	idx := &PoolIndex{
		pairs:        make(map[models.TokenPair]map[common.Address]struct{}),
		fetchedBlock: registered.FetchedBlockNumber,
	}

	for _, pool := range registered.Pools {
		pair, err := pool.Pair()
		if err != nil {
			return nil, &IntegrityError{Pool: pool.ID, Reason: err.Error()}
		}

		bucket, ok := idx.pairs[pair]
		if !ok {
			bucket = make(map[common.Address]struct{})
			idx.pairs[pair] = bucket
		}
		if _, dup := bucket[pool.ID]; !dup {
			bucket[pool.ID] = struct{}{}
			idx.poolCount++
		}
	}

	log.Debug().
		Uint64("block", idx.fetchedBlock).
		Int("pools", idx.poolCount).
		Int("pairs", len(idx.pairs)).
		Msg("Built pool index")

	return idx, nil
}

// Pools returns the pool ids registered for pair.
func (i *PoolIndex) Pools(pair models.TokenPair) []common.Address {
	bucket := i.pairs[pair]
	ids := make([]common.Address, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	return ids
}

// Resolve returns the de-duplicated pool ids for all pairs, in pair order.
// Pairs without pools contribute nothing.
func (i *PoolIndex) Resolve(pairs []models.TokenPair) []common.Address {
	var ids []common.Address
	seen := make(map[common.Address]struct{})
	for _, pair := range pairs {
		for id := range i.pairs[pair] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// Pairs returns every indexed token pair.
func (i *PoolIndex) Pairs() []models.TokenPair {
	pairs := make([]models.TokenPair, 0, len(i.pairs))
	for pair := range i.pairs {
		pairs = append(pairs, pair)
	}
	return pairs
}

// Len returns the number of indexed token pairs.
func (i *PoolIndex) Len() int {
	return len(i.pairs)
}

// PoolCount returns the number of indexed pools.
func (i *PoolIndex) PoolCount() int {
	return i.poolCount
}

// FetchedBlock returns the block the listing was taken at.
func (i *PoolIndex) FetchedBlock() uint64 {
	return i.fetchedBlock
}
