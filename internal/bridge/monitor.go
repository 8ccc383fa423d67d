package bridge

import (
	"context"
	"time"

	"ledgerbridge/internal/logging"
)

// startMonitor starts the periodic health check after the quiet period.
// A running monitor is replaced.
func (b *Bridge) startMonitor() {
	if b.opts.HealthCheckInterval <= 0 {
		return
	}
	b.stopMonitor()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.monMu.Lock()
	b.monCancel = cancel
	b.monDone = done
	b.monMu.Unlock()

	go b.monitor(ctx, done)
}

func (b *Bridge) stopMonitor() {
	b.monMu.Lock()
	cancel, done := b.monCancel, b.monDone
	b.monCancel, b.monDone = nil, nil
	b.monMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (b *Bridge) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)
	if err := b.sleep(ctx, b.opts.QuietPeriod); err != nil {
		return
	}
	ticker := time.NewTicker(b.opts.HealthCheckInterval)
	defer ticker.Stop()
	for {
		b.checkHealth(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// checkHealth pings every connected worker and refreshes the aggregate
// status. Reconnection is left to each worker's heartbeat.
func (b *Bridge) checkHealth(ctx context.Context) {
	healthy, total := 0, 0
	for _, w := range b.Workers() {
		total++
		if !w.IsConnected() {
			continue
		}
		if err := w.Ping(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.BridgeWarn("health check: %s did not answer ping: %v", w.ID(), err)
			continue
		}
		healthy++
	}
	b.recompute()
	logging.BridgeDebug("health check: %d/%d workers healthy, status %s", healthy, total, b.Status())
}
