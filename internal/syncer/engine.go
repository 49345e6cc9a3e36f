// Package syncer drains the durable queue through the network gateway,
// either on a periodic schedule or on demand.
package syncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dietrichmax/colota/internal/events"
	"github.com/dietrichmax/colota/internal/gateway"
	"github.com/dietrichmax/colota/internal/types"
)

const (
	// pageSize entries are dequeued per page; maxPages pages per cycle.
	// The 500-item cap bounds worst-case cycle duration; the remainder
	// waits for the next cycle.
	pageSize = 50
	maxPages = 10

	// maxInFlight caps concurrent deliveries within one page.
	maxInFlight = 10

	// syncErrorThreshold is the consecutive-failed-cycle count after which
	// a single sync-error event is raised.
	syncErrorThreshold = 3
)

// QueueStore defines the store operations the sync engine needs.
type QueueStore interface {
	DequeueBatch(ctx context.Context, limit int) ([]types.OutboxEntry, error)
	MarkDelivered(ctx context.Context, entryIDs []string) error
	RecordFailure(ctx context.Context, entryID string, lastError string) (int, error)
	DropEntries(ctx context.Context, entryIDs []string) error
}

// Deliverer performs a single outbound delivery.
type Deliverer interface {
	Deliver(ctx context.Context, payload map[string]any, endpoint string, headers map[string]string, method string) error
}

// Engine owns the periodic sync loop and the manual flush path.
type Engine struct {
	store   QueueStore
	gateway Deliverer
	checker gateway.Checker
	bus     *events.Bus
	config  func() types.ServiceConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// Cycle-level backoff state, owned by the periodic loop.
	consecutiveFailures int
	backoffUntil        time.Time
	errorSignaled       bool
}

// NewEngine creates a sync engine. config is consulted on every cycle so
// profile hot-swaps take effect without a restart.
func NewEngine(store QueueStore, gw Deliverer, checker gateway.Checker, bus *events.Bus, config func() types.ServiceConfig) *Engine {
	return &Engine{
		store:   store,
		gateway: gw,
		checker: checker,
		bus:     bus,
		config:  config,
	}
}

// Start launches the periodic loop. Any previously running loop is cancelled
// first, so restarts are idempotent and never leave two loops running.
// With syncIntervalSeconds == 0 the engine stays in instant-only mode and no
// loop is started.
func (e *Engine) Start(ctx context.Context) {
	e.Stop()

	interval := time.Duration(e.config().SyncIntervalSeconds) * time.Second
	if interval <= 0 {
		slog.Info("sync loop not started, instant mode",
			"component", "syncer",
		)
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	e.mu.Lock()
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	go func() {
		defer close(done)
		e.run(loopCtx, interval)
	}()
}

// Stop cancels the periodic loop and waits for it to exit. Safe to call when
// no loop is running.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.cancel = nil
	e.done = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (e *Engine) run(ctx context.Context, interval time.Duration) {
	slog.Info("worker started",
		"component", "syncer",
		"worker", "sync-loop",
		"action", "worker_started",
		"interval", interval.String(),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "syncer",
				"worker", "sync-loop",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	waiting := time.Now().Before(e.backoffUntil)
	e.mu.Unlock()
	if waiting {
		return
	}

	if e.offline(ctx) {
		slog.Debug("sync tick skipped, offline",
			"component", "syncer",
		)
		return
	}

	attempted, succeeded := e.runCycle(ctx, maxPages)
	e.applyCycleOutcome(attempted, succeeded)
}

// offline reports whether this tick must be skipped entirely: explicit
// offline mode, no validated connectivity, or wifi-only sync with only a
// metered connection available.
func (e *Engine) offline(ctx context.Context) bool {
	cfg := e.config()
	if cfg.OfflineMode {
		return true
	}
	if !e.checker.Online(ctx) {
		return true
	}
	if cfg.WifiOnlySync && e.checker.Metered(ctx) {
		return true
	}
	return false
}

// applyCycleOutcome advances or resets the cycle-level backoff state.
// A cycle fails when it attempted delivery and had zero successes.
func (e *Engine) applyCycleOutcome(attempted, succeeded int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if attempted == 0 {
		return
	}

	if succeeded > 0 {
		e.consecutiveFailures = 0
		e.backoffUntil = time.Time{}
		e.errorSignaled = false
		return
	}

	e.consecutiveFailures++
	delay := backoffDelay(e.consecutiveFailures)
	e.backoffUntil = time.Now().Add(delay)

	slog.Warn("sync cycle failed",
		"component", "syncer",
		"action", "cycle_failed",
		"consecutive_failures", e.consecutiveFailures,
		"backoff", delay.String(),
	)

	if e.consecutiveFailures >= syncErrorThreshold && !e.errorSignaled {
		e.errorSignaled = true
		e.bus.Publish(types.Event{
			Kind:         types.EventSyncError,
			FailedCycles: e.consecutiveFailures,
		})
	}
}

// runCycle drains up to pages pages of pageSize entries and returns how many
// deliveries were attempted and how many succeeded. Each entry is attempted
// at most once per cycle: failed entries stay queued with a bumped retry
// count, so without the seen filter later pages would dequeue them again and
// exhaust maxRetries within a single cycle.
func (e *Engine) runCycle(ctx context.Context, pages int) (attempted, succeeded int) {
	seen := make(map[string]struct{})

	for page := 0; page < pages; page++ {
		if ctx.Err() != nil {
			return attempted, succeeded
		}

		entries, err := e.store.DequeueBatch(ctx, pageSize)
		if err != nil {
			// Storage failure aborts the cycle; the loop keeps running.
			slog.Error("dequeue failed",
				"component", "syncer",
				"action", "dequeue_failed",
				"error", err,
			)
			return attempted, succeeded
		}
		if len(entries) == 0 {
			return attempted, succeeded
		}

		fresh := make([]types.OutboxEntry, 0, len(entries))
		for _, entry := range entries {
			if _, ok := seen[entry.ID]; ok {
				continue
			}
			seen[entry.ID] = struct{}{}
			fresh = append(fresh, entry)
		}
		if len(fresh) == 0 {
			// Only already-attempted entries remain; they wait for the
			// next cycle.
			return attempted, succeeded
		}

		pageAttempted, pageSucceeded := e.processPage(ctx, fresh)
		attempted += pageAttempted
		succeeded += pageSucceeded

		if len(entries) < pageSize {
			return attempted, succeeded
		}
	}
	return attempted, succeeded
}

// processPage dispatches the page's deliveries concurrently, waits for all of
// them, then applies outcomes in bulk. Within a page there is no ordering
// guarantee; pages are strictly sequential.
func (e *Engine) processPage(ctx context.Context, entries []types.OutboxEntry) (attempted, succeeded int) {
	cfg := e.config()

	results := make([]error, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)

	for i := range entries {
		g.Go(func() error {
			results[i] = e.deliverEntry(gctx, cfg, entries[i])
			return nil
		})
	}
	g.Wait()

	var deliveredIDs, dropIDs []string
	for i, entry := range entries {
		attempted++
		if results[i] == nil {
			succeeded++
			deliveredIDs = append(deliveredIDs, entry.ID)
			continue
		}

		retryCount, err := e.store.RecordFailure(ctx, entry.ID, results[i].Error())
		if err != nil {
			slog.Error("record failure failed",
				"component", "syncer",
				"entry_id", entry.ID,
				"error", err,
			)
			continue
		}

		// Permanent drop: the queue entry goes, the fix stays for history.
		if retryCount >= cfg.MaxRetries {
			dropIDs = append(dropIDs, entry.ID)
		}
	}

	if len(deliveredIDs) > 0 {
		if err := e.store.MarkDelivered(ctx, deliveredIDs); err != nil {
			slog.Error("mark delivered failed",
				"component", "syncer",
				"count", len(deliveredIDs),
				"error", err,
			)
		}
	}
	if len(dropIDs) > 0 {
		slog.Warn("dropping entries after max retries",
			"component", "syncer",
			"action", "permanent_drop",
			"count", len(dropIDs),
		)
		if err := e.store.DropEntries(ctx, dropIDs); err != nil {
			slog.Error("drop entries failed",
				"component", "syncer",
				"count", len(dropIDs),
				"error", err,
			)
		}
	}

	return attempted, succeeded
}

func (e *Engine) deliverEntry(ctx context.Context, cfg types.ServiceConfig, entry types.OutboxEntry) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
		return err
	}
	return e.gateway.Deliver(ctx, payload, cfg.Endpoint, nil, cfg.HTTPMethod)
}

// Flush performs one full drain using the same paging algorithm, independent
// of the periodic loop's schedule and backoff counters.
func (e *Engine) Flush(ctx context.Context) (attempted, succeeded int) {
	for {
		if ctx.Err() != nil {
			return attempted, succeeded
		}

		a, s := e.runCycle(ctx, maxPages)
		attempted += a
		succeeded += s

		// Stop when the queue is drained or nothing succeeds anymore;
		// retrying failed entries immediately would spin.
		if a == 0 || s == 0 {
			return attempted, succeeded
		}
	}
}

// SyncNow attempts immediate delivery of a just-queued entry (instant mode).
// On success the entry is removed directly; on failure it is left for the
// periodic or manual path.
func (e *Engine) SyncNow(ctx context.Context, entry types.OutboxEntry) {
	cfg := e.config()

	if e.offline(ctx) {
		return
	}

	if err := e.deliverEntry(ctx, cfg, entry); err != nil {
		retryCount, recErr := e.store.RecordFailure(ctx, entry.ID, err.Error())
		if recErr != nil {
			slog.Error("record failure failed",
				"component", "syncer",
				"entry_id", entry.ID,
				"error", recErr,
			)
			return
		}
		if retryCount >= cfg.MaxRetries {
			slog.Warn("dropping entry after max retries",
				"component", "syncer",
				"action", "permanent_drop",
				"entry_id", entry.ID,
			)
			if dropErr := e.store.DropEntries(ctx, []string{entry.ID}); dropErr != nil {
				slog.Error("drop entries failed",
					"component", "syncer",
					"entry_id", entry.ID,
					"error", dropErr,
				)
			}
		}
		return
	}

	if err := e.store.MarkDelivered(ctx, []string{entry.ID}); err != nil {
		slog.Error("mark delivered failed",
			"component", "syncer",
			"entry_id", entry.ID,
			"error", err,
		)
	}
}
