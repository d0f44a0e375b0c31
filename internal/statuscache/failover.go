package statuscache

import (
	"context"
	"sync/atomic"
	"time"

	"offsync/internal/models"

	"github.com/rs/zerolog"
)

// recoveryInterval is how long the failover waits before re-trying a primary
// that was marked down.
const recoveryInterval = time.Minute

// Failover serves from the primary cache and falls back to a local one when
// the primary errors, probing the primary again after a recovery interval.
type Failover struct {
	primary  Cache
	fallback Cache
	logger   *zerolog.Logger

	isDown    atomic.Bool
	lastCheck atomic.Int64
}

// NewFailover wires a primary (typically Redis) with a fallback (Memory).
func NewFailover(primary, fallback Cache, logger *zerolog.Logger) *Failover {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Failover{primary: primary, fallback: fallback, logger: logger}
}

func (f *Failover) Get(ctx context.Context) (*models.QueueStats, error) {
	if f.primaryUsable() {
		stats, err := f.primary.Get(ctx)
		if err == nil {
			return stats, nil
		}
		f.markDown(err)
	}
	return f.fallback.Get(ctx)
}

func (f *Failover) Set(ctx context.Context, stats models.QueueStats) error {
	if f.primaryUsable() {
		err := f.primary.Set(ctx, stats)
		if err == nil {
			return nil
		}
		f.markDown(err)
	}
	return f.fallback.Set(ctx, stats)
}

func (f *Failover) Invalidate(ctx context.Context) error {
	// Both sides must drop the entry, otherwise a stale copy could be served
	// after the primary recovers.
	var primaryErr error
	if f.primaryUsable() {
		if primaryErr = f.primary.Invalidate(ctx); primaryErr != nil {
			f.markDown(primaryErr)
		}
	}
	return f.fallback.Invalidate(ctx)
}

func (f *Failover) primaryUsable() bool {
	if !f.isDown.Load() {
		return true
	}
	if time.Since(time.Unix(0, f.lastCheck.Load())) > recoveryInterval {
		f.isDown.Store(false)
		return true
	}
	return false
}

func (f *Failover) markDown(err error) {
	f.logger.Error().Err(err).Msg("primary status cache failed, falling back to memory")
	f.isDown.Store(true)
	f.lastCheck.Store(time.Now().UnixNano())
}
