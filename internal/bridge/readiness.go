package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ledgerbridge/internal/logging"
	"ledgerbridge/internal/mcp"

	"golang.org/x/sync/errgroup"
)

// AreServersReady waits until every registered worker is connected and
// answers tools/list. The whole check is retried with a growing, capped
// delay. If the grace worker is the only one still not ready when the
// attempts run out, it gets ReadinessGraceAttempts more rounds.
func (b *Bridge) AreServersReady(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryBridge, "AreServersReady")
	defer timer.Stop()

	attempts := b.opts.ReadinessAttempts
	var notReady []string
	for attempt := 1; ; attempt++ {
		notReady = b.readinessRound(ctx)
		if len(notReady) == 0 {
			logging.Bridge("all workers ready after %d attempt(s)", attempt)
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt == attempts {
			if attempts == b.opts.ReadinessAttempts && b.onlyGraceWorker(notReady) && b.opts.ReadinessGraceAttempts > 0 {
				logging.BridgeWarn("only %s is not ready, allowing %d extra attempts", b.opts.GraceWorker, b.opts.ReadinessGraceAttempts)
				attempts += b.opts.ReadinessGraceAttempts
			} else {
				break
			}
		}
		delay := b.readinessDelay(attempt)
		logging.BridgeDebug("readiness attempt %d/%d: waiting on %s, next check in %v", attempt, attempts, strings.Join(notReady, ", "), delay)
		if err := b.sleep(ctx, delay); err != nil {
			break
		}
	}
	err := fmt.Errorf("%w: not ready: %s", ErrInitializationFailed, strings.Join(notReady, ", "))
	logging.BridgeWarn("%v", err)
	return err
}

func (b *Bridge) readinessDelay(attempt int) time.Duration {
	d := b.opts.ReadinessDelay * time.Duration(attempt)
	if b.opts.ReadinessMaxDelay > 0 && d > b.opts.ReadinessMaxDelay {
		d = b.opts.ReadinessMaxDelay
	}
	return d
}

func (b *Bridge) onlyGraceWorker(notReady []string) bool {
	return b.opts.GraceWorker != "" && len(notReady) == 1 && notReady[0] == b.opts.GraceWorker
}

// readinessRound returns the sorted IDs of the workers that are not ready.
func (b *Bridge) readinessRound(ctx context.Context) []string {
	var (
		mu       sync.Mutex
		notReady []string
		g        errgroup.Group
	)
	for _, w := range b.Workers() {
		w := w
		g.Go(func() error {
			if !w.IsConnected() {
				mu.Lock()
				notReady = append(notReady, w.ID())
				mu.Unlock()
				return nil
			}
			if _, err := w.SendRequestTimeout(ctx, mcp.MethodToolsList, mcp.Null(), b.opts.ReadinessCallTimeout); err != nil {
				logging.BridgeDebug("readiness: %s tools/list failed: %v", w.ID(), err)
				mu.Lock()
				notReady = append(notReady, w.ID())
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(notReady)
	return notReady
}
