package poolfetch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"
	"weak"

	"poolcache/internal/metrics"
	"poolcache/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// ErrMaintenanceRunning is returned when a maintenance task was already spawned.
var ErrMaintenanceRunning = errors.New("maintenance task already running")

// AutoUpdatingFetcher owns a Fetcher and can keep its cache warm in the
// background. The background task does not keep the fetcher alive: once the
// AutoUpdatingFetcher is unreachable the task exits on its next tick.
type AutoUpdatingFetcher struct {
	inner   *Fetcher
	spawned atomic.Bool
}

// NewAutoUpdating builds a Fetcher as New does and wraps it.
func NewAutoUpdating(ctx context.Context, source PoolSource, cfg Config, opts ...Option) (*AutoUpdatingFetcher, error) {
	inner, err := New(ctx, source, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &AutoUpdatingFetcher{inner: inner}, nil
}

// Fetch returns the current pools for the given token pairs.
func (a *AutoUpdatingFetcher) Fetch(ctx context.Context, pairs []models.TokenPair) ([]models.PoolData, error) {
	return a.inner.Fetch(ctx, pairs)
}

// Stats returns cache and index sizes.
func (a *AutoUpdatingFetcher) Stats() Stats {
	return a.inner.Stats()
}

// SpawnMaintenanceTask starts refreshing stale cache entries every interval,
// most recently requested first, at most updateSize per tick (<= 0 means no
// cap). The returned channel is closed when the task exits.
func (a *AutoUpdatingFetcher) SpawnMaintenanceTask(interval time.Duration, updateSize int) (<-chan struct{}, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("update interval must be positive, got %s", interval)
	}
	if !a.spawned.CompareAndSwap(false, true) {
		return nil, ErrMaintenanceRunning
	}

	done := make(chan struct{})
	go runMaintenance(weak.Make(a.inner), interval, updateSize, done)

	log.Info().
		Dur("interval", interval).
		Int("update_size", updateSize).
		Msg("Spawned cache maintenance task")

	return done, nil
}

func runMaintenance(owner weak.Pointer[Fetcher], interval time.Duration, updateSize int, done chan<- struct{}) {
	defer close(done)

	for {
		startTime := time.Now()
		if !maintainOnce(owner, updateSize) {
			log.Info().Msg("Cache dropped, stopping maintenance task")
			return
		}

		if sleep := interval - time.Since(startTime); sleep > 0 {
			time.Sleep(sleep)
		}
	}
}

// maintainOnce runs one tick. The strong reference lives only for the tick
// so the sleep between ticks never pins the owner.
func maintainOnce(owner weak.Pointer[Fetcher], updateSize int) bool {
	f := owner.Value()
	if f == nil {
		return false
	}
	f.refreshOutdated(context.Background(), f.now(), updateSize)
	return true
}

// refreshOutdated refreshes up to updateSize entries that were stale at now,
// most recently requested first. Failures are logged and the entries stay stale.
func (f *Fetcher) refreshOutdated(ctx context.Context, now time.Time, updateSize int) {
	ids := f.outdatedPools(now, updateSize)
	if len(ids) == 0 {
		if f.metrics != nil {
			f.metrics.RecordMaintenanceTick(metrics.TickIdle)
		}
		return
	}

	startTime := time.Now()
	pools, err := f.updateCache(ctx, ids, metrics.TriggerMaintenance)
	if err != nil {
		log.Warn().Err(err).Int("pools", len(ids)).Msg("Failed to update outdated pools")
		if f.metrics != nil {
			f.metrics.RecordMaintenanceTick(metrics.TickFailed)
		}
		return
	}

	log.Debug().
		Int("requested", len(ids)).
		Int("updated", len(pools)).
		Dur("duration", time.Since(startTime)).
		Msg("Updated outdated pools")

	if f.metrics != nil {
		f.metrics.RecordMaintenanceTick(metrics.TickOK)
	}
}

type outdatedPool struct {
	id          common.Address
	requestedAt time.Time
}

// outdatedPools returns ids of entries older than maxAge at now, ordered by
// RequestedAt descending and capped at updateSize when positive.
func (f *Fetcher) outdatedPools(now time.Time, updateSize int) []common.Address {
	var outdated []outdatedPool

	f.mu.Lock()
	for id, entry := range f.cache {
		if now.Sub(entry.UpdatedAt) > f.maxAge {
			outdated = append(outdated, outdatedPool{id: id, requestedAt: entry.RequestedAt})
		}
	}
	f.mu.Unlock()

	slices.SortFunc(outdated, func(a, b outdatedPool) int {
		return b.requestedAt.Compare(a.requestedAt)
	})

	if updateSize > 0 && len(outdated) > updateSize {
		outdated = outdated[:updateSize]
	}

	ids := make([]common.Address, len(outdated))
	for i, p := range outdated {
		ids[i] = p.id
	}
	return ids
}
