// Package poolfetch serves pool snapshots for token pairs from a TTL cache
// backed by a remote indexer.
package poolfetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"poolcache/internal/metrics"
	"poolcache/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

const (
	opRegisteredPools = "registered_pools"
	opPoolsByID       = "pools_by_id"
)

// PoolSource is the remote indexer the fetcher reads from.
type PoolSource interface {
	// RegisteredPools lists all pools at a reorg-safe block. Ticks are not included.
	RegisteredPools(ctx context.Context) (*models.RegisteredPools, error)
	// PoolsWithTicksByIDs returns the current state of the given pools.
	// Unknown ids are absent from the result.
	PoolsWithTicksByIDs(ctx context.Context, ids []common.Address) ([]models.PoolData, error)
}

// Recorder receives pool data as it enters the fetcher.
type Recorder interface {
	RecordRegisteredPools(ctx context.Context, registered *models.RegisteredPools) error
	RecordPools(ctx context.Context, pools []models.PoolData) error
}

// Config holds fetcher configuration.
type Config struct {
	MaxAge time.Duration // entries younger than this are served from the cache
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithMetrics reports cache and remote query metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithRecorder hands the registered listing and every refreshed batch to r.
func WithRecorder(r Recorder) Option {
	return func(f *Fetcher) { f.recorder = r }
}

// CachedPool is a pool snapshot with its refresh and demand timestamps.
type CachedPool struct {
	Pool        models.PoolData
	UpdatedAt   time.Time // last successful remote refresh
	RequestedAt time.Time // last time a caller consumed this entry, or last refresh
}

// Stats describes the fetcher state.
type Stats struct {
	CachedPools  int
	IndexedPairs int
	IndexedPools int
	IndexBlock   uint64
}

// Fetcher answers pool lookups by token pair.
type Fetcher struct {
	source   PoolSource
	index    *PoolIndex
	maxAge   time.Duration
	metrics  *metrics.Metrics
	recorder Recorder
	now      func() time.Time

	mu    sync.Mutex
	cache map[common.Address]*CachedPool
}

// New lists every registered pool and builds the token pair index. The cache
// starts empty.
func New(ctx context.Context, source PoolSource, cfg Config, opts ...Option) (*Fetcher, error) {
	if source == nil {
		return nil, errors.New("pool source is required")
	}
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("max age must be positive, got %s", cfg.MaxAge)
	}

	f := &Fetcher{
		source: source,
		maxAge: cfg.MaxAge,
		now:    time.Now,
		cache:  make(map[common.Address]*CachedPool),
	}
	for _, opt := range opts {
		opt(f)
	}

	startTime := time.Now()
	registered, err := source.RegisteredPools(ctx)
	if f.metrics != nil {
		f.metrics.RecordRemoteQuery(opRegisteredPools, time.Since(startTime), err)
	}
	if err != nil {
		return nil, fmt.Errorf("listing registered pools: %w", err)
	}

	index, err := NewPoolIndex(registered)
	if err != nil {
		return nil, fmt.Errorf("building pool index: %w", err)
	}
	f.index = index

	if f.metrics != nil {
		f.metrics.SetIndex(index.PoolCount(), index.FetchedBlock())
		f.metrics.RecordBootstrapLatency(time.Since(startTime))
	}

	if f.recorder != nil {
		if err := f.recorder.RecordRegisteredPools(ctx, registered); err != nil {
			log.Warn().Err(err).Msg("Failed to record registered pools")
		}
	}

	log.Info().
		Uint64("block", index.FetchedBlock()).
		Int("pools", index.PoolCount()).
		Int("pairs", index.Len()).
		Dur("duration", time.Since(startTime)).
		Msg("Pool index ready")

	return f, nil
}

// Fetch returns the current pools for the given token pairs. Fresh cache
// entries are served locally; stale or missing ones are refreshed with one
// batched remote query. A remote failure fails the whole call and leaves the
// cache untouched.
func (f *Fetcher) Fetch(ctx context.Context, pairs []models.TokenPair) ([]models.PoolData, error) {
	ids := f.index.Resolve(pairs)
	if len(ids) == 0 {
		return nil, nil
	}

	pools, outdated := f.cachedPools(ids)

	if f.metrics != nil {
		f.metrics.RecordLookups(len(pools), len(outdated))
	}

	if len(outdated) == 0 {
		return pools, nil
	}

	log.Debug().Int("fresh", len(pools)).Int("outdated", len(outdated)).Msg("Refreshing outdated pools")

	refreshed, err := f.updateCache(ctx, outdated, metrics.TriggerFetch)
	if err != nil {
		return nil, err
	}

	return append(pools, refreshed...), nil
}

// cachedPools splits ids into cloned fresh snapshots and ids that need a
// refresh. Fresh entries have their RequestedAt bumped.
func (f *Fetcher) cachedPools(ids []common.Address) ([]models.PoolData, []common.Address) {
	var (
		fresh    []models.PoolData
		outdated []common.Address
	)

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	for _, id := range ids {
		entry, ok := f.cache[id]
		if ok && now.Sub(entry.UpdatedAt) < f.maxAge {
			entry.RequestedAt = now
			fresh = append(fresh, entry.Pool.Clone())
			continue
		}
		outdated = append(outdated, id)
	}

	return fresh, outdated
}

// updateCache fetches ids from the source and stores every returned pool with
// UpdatedAt and RequestedAt set to now. The lock is not held during the query.
func (f *Fetcher) updateCache(ctx context.Context, ids []common.Address, trigger string) ([]models.PoolData, error) {
	startTime := time.Now()
	pools, err := f.source.PoolsWithTicksByIDs(ctx, ids)
	if f.metrics != nil {
		f.metrics.RecordRemoteQuery(opPoolsByID, time.Since(startTime), err)
	}
	if err != nil {
		return nil, fmt.Errorf("refreshing %d pools: %w", len(ids), err)
	}

	f.mu.Lock()
	now := f.now()
	for _, pool := range pools {
		f.cache[pool.ID] = &CachedPool{
			Pool:        pool.Clone(),
			UpdatedAt:   now,
			RequestedAt: now,
		}
	}
	size := len(f.cache)
	f.mu.Unlock()

	if f.metrics != nil {
		f.metrics.RecordPoolsRefreshed(trigger, len(pools))
		f.metrics.SetCachedPools(size)
	}

	if f.recorder != nil && len(pools) > 0 {
		if err := f.recorder.RecordPools(ctx, pools); err != nil {
			log.Warn().Err(err).Int("pools", len(pools)).Msg("Failed to record refreshed pools")
		}
	}

	return pools, nil
}

// Stats returns cache and index sizes.
func (f *Fetcher) Stats() Stats {
	f.mu.Lock()
	cached := len(f.cache)
	f.mu.Unlock()

	return Stats{
		CachedPools:  cached,
		IndexedPairs: f.index.Len(),
		IndexedPools: f.index.PoolCount(),
		IndexBlock:   f.index.FetchedBlock(),
	}
}
