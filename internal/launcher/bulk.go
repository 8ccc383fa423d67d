package launcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ledgerbridge/internal/logging"
)

// LaunchResult is the bulk launch outcome for one worker type.
type LaunchResult struct {
	Type     string
	Success  bool
	Skipped  bool // already running or launching when the bulk launch reached it
	Attempts int
	Err      error
}

// LaunchSummary is the outcome of LaunchCoreServers.
type LaunchSummary struct {
	Results  []LaunchResult
	Duration time.Duration
}

// Succeeded returns the types that are up, including skipped ones.
func (s LaunchSummary) Succeeded() []string {
	var out []string
	for _, r := range s.Results {
		if r.Success {
			out = append(out, r.Type)
		}
	}
	return out
}

// Failed returns the types whose launch was exhausted.
func (s LaunchSummary) Failed() []string {
	var out []string
	for _, r := range s.Results {
		if !r.Success {
			out = append(out, r.Type)
		}
	}
	return out
}

// AllSucceeded reports whether every core type is up.
func (s LaunchSummary) AllSucceeded() bool { return len(s.Failed()) == 0 }

func (s LaunchSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d workers up in %v", len(s.Succeeded()), len(s.Results), s.Duration.Round(time.Millisecond))
	for _, r := range s.Results {
		switch {
		case r.Skipped:
			fmt.Fprintf(&b, "\n  %s: already running", r.Type)
		case r.Success:
			fmt.Fprintf(&b, "\n  %s: launched (%d attempt(s))", r.Type, r.Attempts)
		default:
			fmt.Fprintf(&b, "\n  %s: failed: %v", r.Type, r.Err)
		}
	}
	return b.String()
}

// LaunchCoreServers launches every core worker type in registry order. A
// type's failure does not stop the others. Only one bulk launch runs at a
// time.
func (s *Supervisor) LaunchCoreServers(ctx context.Context) (LaunchSummary, error) {
	if !s.bulk.CompareAndSwap(false, true) {
		return LaunchSummary{}, ErrBulkLaunchInProgress
	}
	defer s.bulk.Store(false)

	start := time.Now()
	logging.Launcher("bulk launch of %d core workers: %s", len(s.order), strings.Join(s.order, ", "))

	summary := LaunchSummary{Results: make([]LaunchResult, 0, len(s.order))}
	for i, t := range s.order {
		if ctx.Err() != nil {
			summary.Results = append(summary.Results, LaunchResult{Type: t, Err: ctx.Err()})
			continue
		}
		summary.Results = append(summary.Results, s.bulkLaunchOne(ctx, t))

		if i < len(s.order)-1 {
			_ = s.sleep(ctx, s.opts.BulkTypeDelay)
		}
	}
	summary.Duration = time.Since(start)

	if summary.AllSucceeded() {
		logging.Launcher("bulk launch complete: %s", summary)
	} else {
		logging.LauncherWarn("bulk launch partial: %s", summary)
	}
	return summary, nil
}

func (s *Supervisor) bulkLaunchOne(ctx context.Context, t string) LaunchResult {
	if s.IsServerRunning(t) || s.IsLaunching(t) {
		return LaunchResult{Type: t, Success: true, Skipped: true}
	}

	res := LaunchResult{Type: t}
	for attempt := 1; attempt <= s.opts.BulkAttempts; attempt++ {
		res.Attempts = attempt
		err := s.LaunchServer(ctx, t)
		if err == nil || errors.Is(err, ErrAlreadyRunning) {
			res.Success = true
			res.Err = nil
			return res
		}
		res.Err = err
		if errors.Is(err, ErrUnknownWorkerType) || ctx.Err() != nil {
			return res
		}
		if attempt < s.opts.BulkAttempts {
			logging.LauncherWarn("%s: bulk attempt %d/%d failed, retrying in %v", t, attempt, s.opts.BulkAttempts, s.opts.BulkRetryDelay)
			if err := s.sleep(ctx, s.opts.BulkRetryDelay); err != nil {
				return res
			}
		}
	}
	return res
}
