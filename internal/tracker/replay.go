package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/dietrichmax/colota/internal/types"
)

// ReplayProvider feeds a recorded fix sequence into the subscription on a
// timer. Used for simulation and integration testing; it honors the same
// interval semantics a platform provider would, replaying one fix per tick.
type ReplayProvider struct {
	fixes []types.LocationFix

	mu      sync.Mutex
	cancel  context.CancelFunc
	last    *types.LocationFix
	running bool
}

// Compile-time interface check
var _ Provider = (*ReplayProvider)(nil)

// NewReplayProvider creates a provider replaying the given fixes in order.
func NewReplayProvider(fixes []types.LocationFix) *ReplayProvider {
	return &ReplayProvider{fixes: fixes}
}

// Start begins the replay. One fix is emitted per interval; the replay stops
// by itself when the sequence is exhausted.
func (r *ReplayProvider) Start(ctx context.Context, opts RequestOptions, callback func(types.LocationFix)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = time.Millisecond
	}

	replayCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for _, fix := range r.fixes {
			select {
			case <-replayCtx.Done():
				return
			case <-ticker.C:
				r.mu.Lock()
				snapshot := fix
				r.last = &snapshot
				r.mu.Unlock()
				callback(fix)
			}
		}
	}()

	return nil
}

// Stop halts the replay.
func (r *ReplayProvider) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return ErrNotStarted
	}
	r.cancel()
	r.cancel = nil
	r.running = false
	return nil
}

// UpdateOptions is accepted but has no effect on a running replay; the
// recorded cadence wins.
func (r *ReplayProvider) UpdateOptions(opts RequestOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return ErrNotStarted
	}
	return nil
}

// LastKnown returns the most recently replayed fix.
func (r *ReplayProvider) LastKnown(ctx context.Context) (*types.LocationFix, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil, ErrNoLastKnown
	}
	fix := *r.last
	return &fix, nil
}
