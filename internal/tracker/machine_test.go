package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dietrichmax/colota/internal/types"
)

type mockMachineStore struct {
	mu              sync.Mutex
	settings        types.ServiceConfig
	inserted        []types.LocationFix
	payloads        []string
	trackingEnabled *bool
	depth           int64
}

func (m *mockMachineStore) InsertFixWithQueueEntry(ctx context.Context, fix types.LocationFix, payload string) (*types.LocationFix, *types.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fix.ID = "fix-1"
	m.inserted = append(m.inserted, fix)
	m.payloads = append(m.payloads, payload)
	return &fix, &types.OutboxEntry{ID: "entry-1", LocationID: fix.ID, Payload: payload}, nil
}

func (m *mockMachineStore) QueueDepth(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth, nil
}

func (m *mockMachineStore) SetTrackingEnabled(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackingEnabled = &enabled
	return nil
}

func (m *mockMachineStore) LoadSettings(ctx context.Context) (*types.ServiceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.settings
	return &cfg, nil
}

func (m *mockMachineStore) SaveSettings(ctx context.Context, cfg types.ServiceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = cfg
	return nil
}

func (m *mockMachineStore) insertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inserted)
}

type mockEngine struct {
	mu       sync.Mutex
	started  int
	stopped  int
	syncNows []types.OutboxEntry
}

func (m *mockEngine) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *mockEngine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
}

func (m *mockEngine) Flush(ctx context.Context) (int, int) { return 0, 0 }

func (m *mockEngine) SyncNow(ctx context.Context, entry types.OutboxEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncNows = append(m.syncNows, entry)
}

func (m *mockEngine) syncNowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.syncNows)
}

type mockPauseEvaluator struct {
	mu   sync.Mutex
	zone *types.GeofenceZone
}

func (m *mockPauseEvaluator) EvaluatePause(ctx context.Context, fix types.LocationFix) (*types.GeofenceZone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zone, nil
}

func (m *mockPauseEvaluator) set(zone *types.GeofenceZone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zone = zone
}

type recordingBus struct {
	mu     sync.Mutex
	events []types.Event
}

func (b *recordingBus) Publish(event types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) byKind(kind types.EventKind) []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Event
	for _, ev := range b.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type machineFixture struct {
	store     *mockMachineStore
	engine    *mockEngine
	evaluator *mockPauseEvaluator
	bus       *recordingBus
	provider  *PushProvider
	machine   *Machine
}

func newMachineFixture(t *testing.T, settings types.ServiceConfig) *machineFixture {
	t.Helper()
	f := &machineFixture{
		store:     &mockMachineStore{settings: settings},
		engine:    &mockEngine{},
		evaluator: &mockPauseEvaluator{},
		bus:       &recordingBus{},
		provider:  NewPushProvider(),
	}
	f.machine = NewMachine(f.store, f.evaluator, f.engine, f.provider, f.bus, nil)
	t.Cleanup(func() { f.machine.Stop("test teardown") })
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func goodFix() types.LocationFix {
	return types.LocationFix{
		Latitude:      52.52,
		Longitude:     13.405,
		Accuracy:      10,
		Battery:       80,
		BatteryStatus: types.BatteryUnplugged,
		Timestamp:     time.Now().Unix(),
	}
}

func TestMachine_StartAndProcessFix(t *testing.T) {
	f := newMachineFixture(t, types.ServiceConfig{
		Endpoint:            "https://example.com/pub",
		SyncIntervalSeconds: 300,
	})

	if err := f.machine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.machine.State() != types.StateActive {
		t.Fatalf("expected active state, got %s", f.machine.State())
	}

	if !f.provider.Push(goodFix()) {
		t.Fatal("expected fix accepted")
	}

	waitFor(t, "fix persisted", func() bool { return f.store.insertCount() == 1 })

	f.store.mu.Lock()
	stored := f.store.inserted[0]
	f.store.mu.Unlock()
	if stored.Endpoint != "https://example.com/pub" {
		t.Errorf("expected endpoint stamped at capture time, got %q", stored.Endpoint)
	}

	if len(f.bus.byKind(types.EventLocationUpdated)) == 0 {
		t.Error("expected location-updated event")
	}
	// Periodic mode: no instant sync.
	if f.engine.syncNowCount() != 0 {
		t.Errorf("expected no instant sync in periodic mode, got %d", f.engine.syncNowCount())
	}
}

func TestMachine_StartPersistsTrackingEnabled(t *testing.T) {
	f := newMachineFixture(t, types.ServiceConfig{})

	if err := f.machine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.store.mu.Lock()
	enabled := f.store.settings.TrackingEnabled
	f.store.mu.Unlock()
	if !enabled {
		t.Error("expected tracking_enabled persisted on start")
	}
}

func TestMachine_InstantSync(t *testing.T) {
	f := newMachineFixture(t, types.ServiceConfig{SyncIntervalSeconds: 0})

	if err := f.machine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.provider.Push(goodFix())

	waitFor(t, "instant sync", func() bool { return f.engine.syncNowCount() == 1 })
}

func TestMachine_AccuracyFilter(t *testing.T) {
	f := newMachineFixture(t, types.ServiceConfig{
		FilterInaccurate:  true,
		AccuracyThreshold: 50,
	})

	if err := f.machine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	bad := goodFix()
	bad.Accuracy = 120
	f.provider.Push(bad)

	good := goodFix()
	good.Accuracy = 20
	f.provider.Push(good)

	waitFor(t, "accurate fix persisted", func() bool { return f.store.insertCount() == 1 })

	f.store.mu.Lock()
	acc := f.store.inserted[0].Accuracy
	f.store.mu.Unlock()
	if acc != 20 {
		t.Errorf("expected only the accurate fix persisted, got accuracy %f", acc)
	}
}

func TestMachine_BatteryCriticalStops(t *testing.T) {
	f := newMachineFixture(t, types.ServiceConfig{})

	if err := f.machine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	low := goodFix()
	low.Battery = 3
	low.BatteryStatus = types.BatteryUnplugged
	f.provider.Push(low)

	waitFor(t, "battery-critical stop", func() bool {
		return f.machine.State() == types.StateStopped
	})

	f.store.mu.Lock()
	enabled := f.store.trackingEnabled
	f.store.mu.Unlock()
	if enabled == nil || *enabled {
		t.Error("expected tracking_enabled cleared so reboot does not resume")
	}
	if f.store.insertCount() != 0 {
		t.Error("critical-battery fix must not be persisted")
	}

	stops := f.bus.byKind(types.EventTrackingStopped)
	if len(stops) != 1 || stops[0].Reason != StopReasonBatteryCritical {
		t.Errorf("expected one battery-critical stop event, got %+v", stops)
	}
}

func TestMachine_ChargingLowBatteryKeepsRunning(t *testing.T) {
	f := newMachineFixture(t, types.ServiceConfig{})

	if err := f.machine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	low := goodFix()
	low.Battery = 3
	low.BatteryStatus = types.BatteryCharging
	f.provider.Push(low)

	waitFor(t, "fix persisted", func() bool { return f.store.insertCount() == 1 })
	if f.machine.State() != types.StateActive {
		t.Errorf("charging at low battery must not stop tracking, state %s", f.machine.State())
	}
}

func TestMachine_ZoneTransitions(t *testing.T) {
	f := newMachineFixture(t, types.ServiceConfig{})
	zone := &types.GeofenceZone{ID: "z1", Name: "Home", PauseTracking: true}

	if err := f.machine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Enter: suppressed, one entered event.
	f.evaluator.set(zone)
	f.provider.Push(goodFix())
	waitFor(t, "pause state", func() bool {
		return f.machine.State() == types.StatePausedInZone
	})
	if f.store.insertCount() != 0 {
		t.Error("fix inside a pause zone must not be persisted")
	}

	// Staying inside: no further events.
	f.provider.Push(goodFix())
	waitFor(t, "second fix processed", func() bool {
		return len(f.bus.byKind(types.EventPauseZoneChanged)) >= 1
	})
	time.Sleep(50 * time.Millisecond)
	if n := len(f.bus.byKind(types.EventPauseZoneChanged)); n != 1 {
		t.Errorf("expected exactly one zone event while inside, got %d", n)
	}
	if f.machine.PausedZoneName() != "Home" {
		t.Errorf("expected paused zone Home, got %q", f.machine.PausedZoneName())
	}

	// Exit: resumed, the exit fix is recorded.
	f.evaluator.set(nil)
	f.provider.Push(goodFix())
	waitFor(t, "resume", func() bool { return f.machine.State() == types.StateActive })
	waitFor(t, "exit fix persisted", func() bool { return f.store.insertCount() == 1 })

	evs := f.bus.byKind(types.EventPauseZoneChanged)
	if len(evs) != 2 || evs[0].Entered != true || evs[1].Entered != false {
		t.Errorf("expected enter then exit events, got %+v", evs)
	}
}

func TestMachine_ForceExitZone(t *testing.T) {
	f := newMachineFixture(t, types.ServiceConfig{})
	f.evaluator.set(&types.GeofenceZone{ID: "z1", Name: "Home", PauseTracking: true})

	if err := f.machine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.provider.Push(goodFix())
	waitFor(t, "pause state", func() bool {
		return f.machine.State() == types.StatePausedInZone
	})

	f.machine.ForceExitZone()
	if f.machine.State() != types.StateActive {
		t.Errorf("expected active after force exit, got %s", f.machine.State())
	}

	// Idempotent: a second call changes nothing and emits nothing.
	before := len(f.bus.byKind(types.EventPauseZoneChanged))
	f.machine.ForceExitZone()
	if after := len(f.bus.byKind(types.EventPauseZoneChanged)); after != before {
		t.Error("second force exit must not emit events")
	}
}

func TestMachine_StopIdempotent(t *testing.T) {
	f := newMachineFixture(t, types.ServiceConfig{})

	if err := f.machine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.machine.Stop("Stopped by user")
	f.machine.Stop("Stopped by user")

	if n := len(f.bus.byKind(types.EventTrackingStopped)); n != 1 {
		t.Errorf("expected one stop event, got %d", n)
	}
	if f.engine.stopped == 0 {
		t.Error("expected sync engine stopped with the session")
	}
}

func TestMachine_RestartReplacesSession(t *testing.T) {
	f := newMachineFixture(t, types.ServiceConfig{SyncIntervalSeconds: 300})
	ctx := context.Background()

	if err := f.machine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.machine.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if f.machine.State() != types.StateActive {
		t.Errorf("expected active after restart, got %s", f.machine.State())
	}
	f.engine.mu.Lock()
	starts := f.engine.started
	f.engine.mu.Unlock()
	if starts != 2 {
		t.Errorf("expected engine started per session, got %d", starts)
	}
}

func TestMachine_ApplyProfileMergesConfig(t *testing.T) {
	f := newMachineFixture(t, types.ServiceConfig{
		IntervalMs:          30000,
		SyncIntervalSeconds: 300,
	})

	if err := f.machine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.machine.ApplyProfile(&types.TrackingProfile{
		ID:                  "p1",
		Name:                "Driving",
		IntervalMs:          5000,
		MinDistance:         10,
		SyncIntervalSeconds: 60,
	})

	cfg := f.machine.Config()
	if cfg.IntervalMs != 5000 || cfg.SyncIntervalSeconds != 60 {
		t.Errorf("expected profile overrides, got %+v", cfg)
	}

	// Revert to stored defaults.
	f.machine.ApplyProfile(nil)
	cfg = f.machine.Config()
	if cfg.IntervalMs != 30000 || cfg.SyncIntervalSeconds != 300 {
		t.Errorf("expected defaults restored, got %+v", cfg)
	}
}

func TestMachine_RefreshNotification(t *testing.T) {
	f := newMachineFixture(t, types.ServiceConfig{})
	f.store.depth = 7

	if err := f.machine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.provider.Push(goodFix())
	waitFor(t, "fix persisted", func() bool { return f.store.insertCount() == 1 })

	f.machine.RefreshNotification(context.Background())

	notes := f.bus.byKind(types.EventNotificationRefresh)
	if len(notes) == 0 {
		t.Fatal("expected notification event")
	}
	last := notes[len(notes)-1]
	if last.Notification == nil || last.Notification.QueueDepth != 7 {
		t.Errorf("expected queue depth 7 in notification, got %+v", last.Notification)
	}
}
