package poolfetch

import (
	"context"
	"math/big"
	"slices"
	"sync"
	"testing"
	"time"

	"poolcache/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func addr(n uint64) common.Address {
	return common.BigToAddress(new(big.Int).SetUint64(n))
}

func pair(t *testing.T, a, b uint64) models.TokenPair {
	t.Helper()
	p, ok := models.NewTokenPair(addr(a), addr(b))
	require.True(t, ok)
	return p
}

func makePool(id, token0, token1 uint64) models.PoolData {
	return models.PoolData{
		ID:        addr(id),
		Token0:    &models.Token{ID: addr(token0), Symbol: "T0", Decimals: 18},
		Token1:    &models.Token{ID: addr(token1), Symbol: "T1", Decimals: 6},
		FeeTier:   big.NewInt(3000),
		Liquidity: big.NewInt(int64(id) * 1000),
		SqrtPrice: big.NewInt(79228162514264337),
		Tick:      big.NewInt(-200),
	}
}

// fakeSource serves a fixed pool set and records every by-id request.
type fakeSource struct {
	mu         sync.Mutex
	registered *models.RegisteredPools
	listErr    error
	pools      map[common.Address]models.PoolData
	calls      [][]common.Address
	err        error
}

func newFakeSource(block uint64, pools ...models.PoolData) *fakeSource {
	s := &fakeSource{
		registered: &models.RegisteredPools{FetchedBlockNumber: block, Pools: pools},
		pools:      make(map[common.Address]models.PoolData),
	}
	for _, p := range pools {
		s.pools[p.ID] = p
	}
	return s
}

func (s *fakeSource) RegisteredPools(ctx context.Context) (*models.RegisteredPools, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.registered, nil
}

func (s *fakeSource) PoolsWithTicksByIDs(ctx context.Context, ids []common.Address) ([]models.PoolData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, slices.Clone(ids))
	if s.err != nil {
		return nil, s.err
	}

	var out []models.PoolData
	for _, id := range ids {
		if p, ok := s.pools[id]; ok {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *fakeSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeSource) call(i int) []common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRecorder keeps everything it is handed.
type fakeRecorder struct {
	mu         sync.Mutex
	registered []*models.RegisteredPools
	pools      []models.PoolData
	err        error
}

func (r *fakeRecorder) RecordRegisteredPools(ctx context.Context, registered *models.RegisteredPools) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, registered)
	return r.err
}

func (r *fakeRecorder) RecordPools(ctx context.Context, pools []models.PoolData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools = append(r.pools, pools...)
	return r.err
}

const testMaxAge = time.Minute

func newTestFetcher(t *testing.T, source *fakeSource, clock *fakeClock, opts ...Option) *Fetcher {
	t.Helper()
	f, err := New(context.Background(), source, Config{MaxAge: testMaxAge}, opts...)
	require.NoError(t, err)
	f.now = clock.Now
	return f
}
