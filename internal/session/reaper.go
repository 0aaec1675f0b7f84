package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/beatforge/relay/internal/protocol"
)

const (
	// DefaultIdleTTL is how long an empty session survives before the
	// reaper collects it.
	DefaultIdleTTL = 24 * time.Hour
	// DefaultSweepInterval is how often the reaper scans the registry.
	DefaultSweepInterval = 60 * time.Second
)

// EndFunc ends one session with the given reason. The reaper calls it
// for every expired session so teardown follows the same path as an
// owner-initiated end.
type EndFunc func(s *Session, reason string)

// Reaper periodically force-ends sessions that have sat empty past the
// TTL. It runs a background goroutine until Stop is called.
type Reaper struct {
	registry *Registry
	end      EndFunc
	ttl      time.Duration
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper starts a reaper over the registry.
func NewReaper(ctx context.Context, registry *Registry, end EndFunc, ttl, interval time.Duration) *Reaper {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	reaperCtx, cancel := context.WithCancel(ctx)
	r := &Reaper{
		registry: registry,
		end:      end,
		ttl:      ttl,
		interval: interval,
		ctx:      reaperCtx,
		cancel:   cancel,
	}

	r.wg.Add(1)
	go r.sweepLoop()

	return r
}

// Stop gracefully stops the background sweep goroutine.
func (r *Reaper) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reaper) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			log.Info().Msg("Session reaper stopped")
			return

		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep ends every session that has been empty longer than the TTL.
func (r *Reaper) Sweep() {
	idle := r.registry.Idle(r.ttl)
	for _, s := range idle {
		log.Info().Str("session_id", s.ID).Msg("Ending idle session")
		r.end(s, protocol.ReasonExpired)
	}
	if len(idle) > 0 {
		log.Info().Int("count", len(idle)).Msg("Idle session sweep completed")
	}
}
