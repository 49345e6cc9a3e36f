// Package tracker drives the background tracking state machine: it consumes
// the location stream, filters and geofences it, persists accepted fixes with
// their outbox entries, and reacts to profile changes.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dietrichmax/colota/internal/gateway"
	"github.com/dietrichmax/colota/internal/types"
)

const (
	// workerCount bounds the per-session worker pool. The provider callback
	// only enqueues; storage and network work happens on these workers.
	workerCount = 4

	// taskBuffer absorbs callback bursts; overflow drops the fix rather
	// than blocking the callback thread.
	taskBuffer = 64

	// notifyMinInterval throttles status-notification refreshes.
	notifyMinInterval = 5 * time.Second

	// StopReasonBatteryCritical is the stop reason for the low-battery
	// shutdown rule.
	StopReasonBatteryCritical = "Battery critical"
)

// Store defines the storage operations the state machine needs.
type Store interface {
	InsertFixWithQueueEntry(ctx context.Context, fix types.LocationFix, payload string) (*types.LocationFix, *types.OutboxEntry, error)
	QueueDepth(ctx context.Context) (int64, error)
	SetTrackingEnabled(ctx context.Context, enabled bool) error
	LoadSettings(ctx context.Context) (*types.ServiceConfig, error)
	SaveSettings(ctx context.Context, cfg types.ServiceConfig) error
}

// SyncEngine is the delivery engine surface the machine drives.
type SyncEngine interface {
	Start(ctx context.Context)
	Stop()
	Flush(ctx context.Context) (attempted, succeeded int)
	SyncNow(ctx context.Context, entry types.OutboxEntry)
}

// PauseEvaluator answers pause-zone membership for a fix.
type PauseEvaluator interface {
	EvaluatePause(ctx context.Context, fix types.LocationFix) (*types.GeofenceZone, error)
}

// SpeedObserver receives the speed derived from the fix stream.
type SpeedObserver interface {
	ObserveSpeed(ctx context.Context, speed float64)
}

// EventBus is the fire-and-forget event sink.
type EventBus interface {
	Publish(event types.Event)
}

// Machine is the tracking state machine. Exactly one session is active per
// process; starting a new one cancels the prior session first.
type Machine struct {
	store     Store
	evaluator PauseEvaluator
	engine    SyncEngine
	provider  Provider
	bus       EventBus
	speed     SpeedObserver // optional

	mu            sync.Mutex
	state         types.TrackingState
	baseline      types.ServiceConfig
	activeProfile *types.TrackingProfile
	currentZone   *types.GeofenceZone
	lastFix       *types.LocationFix
	lastNotifyAt  time.Time

	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	tasks         chan types.LocationFix
	workers       sync.WaitGroup
}

// NewMachine creates a stopped tracking state machine. speed may be nil.
func NewMachine(store Store, evaluator PauseEvaluator, engine SyncEngine, provider Provider, bus EventBus, speed SpeedObserver) *Machine {
	return &Machine{
		store:     store,
		evaluator: evaluator,
		engine:    engine,
		provider:  provider,
		bus:       bus,
		speed:     speed,
		state:     types.StateStopped,
	}
}

// State returns the machine's current state.
func (m *Machine) State() types.TrackingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PausedZoneName returns the name of the zone currently suppressing
// recording, or "".
func (m *Machine) PausedZoneName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentZone == nil {
		return ""
	}
	return m.currentZone.Name
}

// Config returns the merged service configuration: persisted settings plus
// the active profile's runtime overrides.
func (m *Machine) Config() types.ServiceConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mergedLocked()
}

// mergedLocked merges baseline and profile override. Caller holds m.mu.
func (m *Machine) mergedLocked() types.ServiceConfig {
	cfg := m.baseline
	if p := m.activeProfile; p != nil {
		cfg.IntervalMs = p.IntervalMs
		cfg.MinDistance = p.MinDistance
		cfg.SyncIntervalSeconds = p.SyncIntervalSeconds
	}
	return cfg
}

// Start begins a tracking session: loads persisted settings, starts the
// worker pool, subscribes to the location stream and starts the sync loop.
// A running session is restarted.
func (m *Machine) Start(ctx context.Context) error {
	m.stopSession()

	m.mu.Lock()
	m.state = types.StateInitializing
	m.mu.Unlock()

	settings, err := m.store.LoadSettings(ctx)
	if err != nil {
		settings = &types.ServiceConfig{}
	}
	settings.TrackingEnabled = true
	if err := m.store.SaveSettings(ctx, *settings); err != nil {
		slog.Error("persist settings failed",
			"component", "tracker",
			"error", err,
		)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	tasks := make(chan types.LocationFix, taskBuffer)

	m.mu.Lock()
	m.baseline = *settings
	m.sessionCtx = sessionCtx
	m.sessionCancel = cancel
	m.tasks = tasks
	cfg := m.mergedLocked()
	m.mu.Unlock()

	for i := 0; i < workerCount; i++ {
		m.workers.Add(1)
		go m.worker(sessionCtx, tasks)
	}

	opts := RequestOptions{
		Interval:    time.Duration(cfg.IntervalMs) * time.Millisecond,
		MinDistance: cfg.MinDistance,
	}
	if err := m.provider.Start(sessionCtx, opts, m.onFix); err != nil {
		// A subscription that cannot start (e.g. permission loss) is fatal
		// to the session.
		m.stopWithReason("Location permission revoked")
		return err
	}

	m.engine.Start(sessionCtx)

	m.mu.Lock()
	m.state = types.StateActive
	m.mu.Unlock()

	slog.Info("tracking session started",
		"component", "tracker",
		"action", "session_started",
		"interval_ms", cfg.IntervalMs,
		"min_distance", cfg.MinDistance,
	)
	return nil
}

// Stop ends the session with the given reason and emits a tracking-stopped
// event. Idempotent.
func (m *Machine) Stop(reason string) {
	m.mu.Lock()
	alreadyStopped := m.state == types.StateStopped
	m.mu.Unlock()
	if alreadyStopped {
		return
	}
	m.stopWithReason(reason)
}

func (m *Machine) stopWithReason(reason string) {
	m.stopSession()

	m.mu.Lock()
	m.state = types.StateStopped
	m.currentZone = nil
	m.mu.Unlock()

	slog.Info("tracking session stopped",
		"component", "tracker",
		"action", "session_stopped",
		"reason", reason,
	)
	m.bus.Publish(types.Event{Kind: types.EventTrackingStopped, Reason: reason})
}

// stopSession cancels the worker pool and the location subscription as one
// action. In-flight deliveries are abandoned; their entries stay queued.
func (m *Machine) stopSession() {
	m.mu.Lock()
	cancel := m.sessionCancel
	m.sessionCancel = nil
	m.sessionCtx = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	if err := m.provider.Stop(); err != nil && !errors.Is(err, ErrNotStarted) {
		slog.Warn("provider stop failed",
			"component", "tracker",
			"error", err,
		)
	}
	m.engine.Stop()
	m.workers.Wait()
}

// onFix is the provider callback. It only enqueues; it never blocks, and a
// full buffer drops the fix.
func (m *Machine) onFix(fix types.LocationFix) {
	m.mu.Lock()
	tasks := m.tasks
	m.mu.Unlock()
	if tasks == nil {
		return
	}

	select {
	case tasks <- fix:
	default:
		slog.Warn("fix dropped, worker pool saturated",
			"component", "tracker",
		)
	}
}

func (m *Machine) worker(ctx context.Context, tasks <-chan types.LocationFix) {
	defer m.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case fix := <-tasks:
			m.processFix(ctx, fix)
		}
	}
}

// processFix runs the full accept path for one incoming fix.
func (m *Machine) processFix(ctx context.Context, fix types.LocationFix) {
	cfg := m.Config()

	m.mu.Lock()
	snapshot := fix
	m.lastFix = &snapshot
	m.mu.Unlock()

	// Battery-critical rule: discharging and battery in [1%,5%) stops the
	// service and disables auto-resume on reboot.
	if fix.BatteryStatus == types.BatteryUnplugged && fix.Battery >= 1 && fix.Battery < 5 {
		if err := m.store.SetTrackingEnabled(ctx, false); err != nil {
			slog.Error("persist tracking_enabled failed",
				"component", "tracker",
				"error", err,
			)
		}
		// Stop runs off the worker goroutine: stopping waits for the pool
		// to drain, and this worker is part of it.
		go m.Stop(StopReasonBatteryCritical)
		return
	}

	// Accuracy filter: discard with no state change and no persistence.
	if cfg.FilterInaccurate && fix.Accuracy > cfg.AccuracyThreshold {
		return
	}

	if m.speed != nil {
		m.speed.ObserveSpeed(ctx, fix.Speed)
	}

	if suppressed := m.updateZoneState(ctx, fix); suppressed {
		return
	}

	fix.Endpoint = cfg.Endpoint
	payload := gateway.BuildPayload(fix, cfg.FieldMap, cfg.CustomFields)
	encoded, err := gateway.EncodePayload(payload)
	if err != nil {
		slog.Error("encode payload failed",
			"component", "tracker",
			"error", err,
		)
		return
	}

	stored, entry, err := m.store.InsertFixWithQueueEntry(ctx, fix, encoded)
	if err != nil {
		// Storage failure aborts this fix; the session continues.
		slog.Error("persist fix failed",
			"component", "tracker",
			"action", "persist_failed",
			"error", err,
		)
		return
	}

	if cfg.SyncIntervalSeconds == 0 {
		m.engine.SyncNow(ctx, *entry)
	}

	m.bus.Publish(types.Event{Kind: types.EventLocationUpdated, Fix: stored})
	m.notify(ctx, false)
}

// updateZoneState evaluates pause-zone membership and performs the
// Active ⇄ PausedInZone transitions. Returns true when recording is
// suppressed for this fix. Re-entering the same zone emits nothing; only
// actual transitions do.
func (m *Machine) updateZoneState(ctx context.Context, fix types.LocationFix) bool {
	zone, err := m.evaluator.EvaluatePause(ctx, fix)
	if err != nil {
		slog.Error("pause-zone evaluation failed",
			"component", "tracker",
			"error", err,
		)
		zone = nil
	}

	m.mu.Lock()
	prev := m.currentZone

	switch {
	case zone != nil && prev == nil:
		m.currentZone = zone
		m.state = types.StatePausedInZone
		m.mu.Unlock()
		m.bus.Publish(types.Event{Kind: types.EventPauseZoneChanged, Entered: true, ZoneName: zone.Name})
		return true

	case zone != nil && prev.ID == zone.ID:
		m.mu.Unlock()
		return true

	case zone != nil:
		// Moved directly from one pause zone into another.
		m.currentZone = zone
		m.mu.Unlock()
		m.bus.Publish(types.Event{Kind: types.EventPauseZoneChanged, Entered: false, ZoneName: prev.Name})
		m.bus.Publish(types.Event{Kind: types.EventPauseZoneChanged, Entered: true, ZoneName: zone.Name})
		return true

	case prev != nil:
		m.currentZone = nil
		m.state = types.StateActive
		m.mu.Unlock()
		m.bus.Publish(types.Event{Kind: types.EventPauseZoneChanged, Entered: false, ZoneName: prev.Name})
		return false

	default:
		m.mu.Unlock()
		return false
	}
}

// ForceExitZone clears the paused state regardless of geometry. Idempotent;
// a machine not paused in a zone is unchanged.
func (m *Machine) ForceExitZone() {
	m.mu.Lock()
	prev := m.currentZone
	if prev == nil {
		m.mu.Unlock()
		return
	}
	m.currentZone = nil
	m.state = types.StateActive
	m.mu.Unlock()

	m.bus.Publish(types.Event{Kind: types.EventPauseZoneChanged, Entered: false, ZoneName: prev.Name})
}

// RecheckZone re-evaluates pause-zone membership against the last known
// fix. Safe to call repeatedly.
func (m *Machine) RecheckZone(ctx context.Context) {
	fix, err := m.provider.LastKnown(ctx)
	if err != nil {
		return
	}
	m.updateZoneState(ctx, *fix)
}

// Flush triggers a full queue drain outside the periodic schedule.
func (m *Machine) Flush(ctx context.Context) (attempted, succeeded int) {
	return m.engine.Flush(ctx)
}

// RefreshNotification publishes fresh notification data immediately,
// bypassing the throttle.
func (m *Machine) RefreshNotification(ctx context.Context) {
	m.notify(ctx, true)
}

// notify publishes the raw notification data (position, pause state, queue
// depth), throttled unless forced.
func (m *Machine) notify(ctx context.Context, force bool) {
	m.mu.Lock()
	if !force && time.Since(m.lastNotifyAt) < notifyMinInterval {
		m.mu.Unlock()
		return
	}
	m.lastNotifyAt = time.Now()
	fix := m.lastFix
	paused := m.state == types.StatePausedInZone
	zoneName := ""
	if m.currentZone != nil {
		zoneName = m.currentZone.Name
	}
	m.mu.Unlock()

	if fix == nil {
		return
	}

	depth, err := m.store.QueueDepth(ctx)
	if err != nil {
		slog.Warn("queue depth lookup failed",
			"component", "tracker",
			"error", err,
		)
	}

	m.bus.Publish(types.Event{
		Kind: types.EventNotificationRefresh,
		Notification: &types.NotificationData{
			Latitude:   fix.Latitude,
			Longitude:  fix.Longitude,
			Paused:     paused,
			PausedZone: zoneName,
			QueueDepth: depth,
		},
	})
}

// ApplyProfile hot-swaps the live request parameters and sync interval for
// the given profile, or reverts to stored defaults when p is nil. The
// session keeps running throughout.
func (m *Machine) ApplyProfile(p *types.TrackingProfile) {
	m.mu.Lock()
	m.activeProfile = p
	cfg := m.mergedLocked()
	running := m.sessionCtx != nil
	sessionCtx := m.sessionCtx
	m.mu.Unlock()

	if !running {
		return
	}

	opts := RequestOptions{
		Interval:    time.Duration(cfg.IntervalMs) * time.Millisecond,
		MinDistance: cfg.MinDistance,
	}
	if err := m.provider.UpdateOptions(opts); err != nil {
		slog.Warn("provider option update failed",
			"component", "tracker",
			"error", err,
		)
	}

	// Engine restart is idempotent; any prior loop is cancelled first.
	m.engine.Start(sessionCtx)
}

// UpdateSettings persists new stored defaults and applies them to the
// running session.
func (m *Machine) UpdateSettings(ctx context.Context, cfg types.ServiceConfig) error {
	if err := m.store.SaveSettings(ctx, cfg); err != nil {
		return err
	}

	m.mu.Lock()
	m.baseline = cfg
	m.mu.Unlock()

	m.ApplyProfile(m.activeProfileSnapshot())
	return nil
}

func (m *Machine) activeProfileSnapshot() *types.TrackingProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeProfile
}
