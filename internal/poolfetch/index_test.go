package poolfetch

import (
	"errors"
	"testing"

	"poolcache/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestNewPoolIndexGroupsByPair(t *testing.T) {
	registered := &models.RegisteredPools{
		FetchedBlockNumber: 17000000,
		Pools: []models.PoolData{
			makePool(100, 1, 2),
			makePool(101, 2, 1), // same pair, reversed tokens
			makePool(102, 1, 3),
			makePool(100, 1, 2), // listed twice
		},
	}

	idx, err := NewPoolIndex(registered)
	require.NoError(t, err)

	require.Equal(t, 2, idx.Len())
	require.Equal(t, 3, idx.PoolCount())
	require.Equal(t, uint64(17000000), idx.FetchedBlock())
	require.ElementsMatch(t, []common.Address{addr(100), addr(101)}, idx.Pools(pair(t, 1, 2)))
	require.ElementsMatch(t, []common.Address{addr(102)}, idx.Pools(pair(t, 3, 1)))
	require.Empty(t, idx.Pools(pair(t, 2, 3)))
	require.ElementsMatch(t, []models.TokenPair{pair(t, 1, 2), pair(t, 1, 3)}, idx.Pairs())
}

func TestPoolIndexResolveDeduplicates(t *testing.T) {
	idx, err := NewPoolIndex(&models.RegisteredPools{Pools: []models.PoolData{
		makePool(100, 1, 2),
		makePool(102, 1, 3),
	}})
	require.NoError(t, err)

	ids := idx.Resolve([]models.TokenPair{pair(t, 1, 2), pair(t, 2, 1), pair(t, 1, 3), pair(t, 5, 6)})
	require.Equal(t, []common.Address{addr(100), addr(102)}, ids)

	require.Empty(t, idx.Resolve(nil))
}

func TestNewPoolIndexIntegrityErrors(t *testing.T) {
	missing := makePool(100, 1, 2)
	missing.Token1 = nil

	equal := makePool(101, 4, 4)

	for name, pool := range map[string]models.PoolData{
		"missing token": missing,
		"equal tokens":  equal,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewPoolIndex(&models.RegisteredPools{Pools: []models.PoolData{makePool(1, 1, 2), pool}})
			require.Error(t, err)

			var integrityErr *IntegrityError
			require.True(t, errors.As(err, &integrityErr))
			require.Equal(t, pool.ID, integrityErr.Pool)
		})
	}
}
