package manager

import (
	"context"
	"time"
)

// ShouldStop reports whether a stop has been requested for the worker.
// Unknown workers should always stop.
func (m *WorkerManager) ShouldStop(id string) bool {
	w, err := m.lookup(id)
	if err != nil {
		return true
	}
	return w.stopRequested.Load()
}

// CheckPauseAndWait blocks while the worker is paused, polling every PollInterval.
// It returns ErrStopRequested once a stop is requested and ctx.Err() if the context ends.
func (m *WorkerManager) CheckPauseAndWait(ctx context.Context, id string) error {
	w, err := m.lookup(id)
	if err != nil {
		return err
	}

	if w.pauseRequested.Load() {
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()

		for w.pauseRequested.Load() {
			if w.stopRequested.Load() {
				return ErrStopRequested
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}

	if w.stopRequested.Load() {
		return ErrStopRequested
	}
	return ctx.Err()
}

// DelayWithPauseCheck sleeps for d in slices of at most PollInterval, re-checking
// pause and stop before each slice. Time spent paused does not count toward d.
func (m *WorkerManager) DelayWithPauseCheck(ctx context.Context, id string, d time.Duration) error {
	remaining := d
	for remaining > 0 {
		if err := m.CheckPauseAndWait(ctx, id); err != nil {
			return err
		}

		slice := m.cfg.PollInterval
		if remaining < slice {
			slice = remaining
		}

		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		remaining -= slice
	}

	return m.CheckPauseAndWait(ctx, id)
}
