package reserve

import (
	"context"
	"log"
	"time"

	"github.com/joewinke/foreman/internal/core"
)

// Broadcaster is the interface for announcing lease expiry to subscribers.
type Broadcaster interface {
	Broadcast(project, agent string, event any)
}

// Sweeper runs a background goroutine that periodically removes expired
// leases from the manager so the lease set doesn't grow without bound.
// Reads already treat expired leases as absent; the sweep only reclaims
// memory and announces the expiries.
type Sweeper struct {
	manager  *Manager
	bus      Broadcaster
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a Sweeper. Call Start to begin sweeping.
func NewSweeper(manager *Manager, bus Broadcaster, interval time.Duration) *Sweeper {
	return &Sweeper{
		manager:  manager,
		bus:      bus,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.runSweep()
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish. Calling
// Stop on a sweeper that was never started is a no-op.
func (sw *Sweeper) Stop() {
	if sw.cancel == nil {
		return
	}
	sw.cancel()
	<-sw.done
}

func (sw *Sweeper) runSweep() {
	swept := sw.manager.Sweep(time.Now().UTC())
	if len(swept) == 0 {
		return
	}

	log.Printf("sweeper: reclaimed %d expired lease(s)", len(swept))

	if sw.bus == nil {
		return
	}
	for _, lease := range swept {
		sw.bus.Broadcast("", "", map[string]any{
			"event":    string(core.EventReservationExpired),
			"lease_id": lease.ID,
			"agent_id": lease.AgentID,
			"patterns": lease.Patterns,
			"reason":   lease.Reason,
		})
	}
}
