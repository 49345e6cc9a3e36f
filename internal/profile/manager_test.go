package profile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dietrichmax/colota/internal/types"
)

type mockProfileLister struct {
	mu       sync.Mutex
	profiles []types.TrackingProfile
	calls    int
}

func (m *mockProfileLister) ListProfiles(ctx context.Context, enabledOnly bool) ([]types.TrackingProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.profiles, nil
}

type applyRecorder struct {
	mu      sync.Mutex
	applied []*types.TrackingProfile
}

func (r *applyRecorder) apply(p *types.TrackingProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, p)
}

func (r *applyRecorder) last() (*types.TrackingProfile, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.applied) == 0 {
		return nil, 0
	}
	return r.applied[len(r.applied)-1], len(r.applied)
}

func speedProfile(id string, priority int, threshold float64) types.TrackingProfile {
	return types.TrackingProfile{
		ID:             id,
		Name:           id,
		IntervalMs:     5000,
		Priority:       priority,
		ConditionType:  types.ConditionSpeedAbove,
		SpeedThreshold: &threshold,
		Enabled:        true,
	}
}

func TestManager_ActivatesHighestPriority(t *testing.T) {
	// Lister returns priority DESC, matching the store contract.
	lister := &mockProfileLister{profiles: []types.TrackingProfile{
		speedProfile("fast", 10, 5),
		speedProfile("slow", 1, 5),
	}}
	rec := &applyRecorder{}
	m := NewManager(lister, rec.apply)

	m.ObserveSpeed(context.Background(), 10)

	p, n := rec.last()
	if n != 1 || p == nil || p.ID != "fast" {
		t.Fatalf("expected highest-priority profile applied once, got %v (%d applies)", p, n)
	}
	if m.ActiveProfileName() != "fast" {
		t.Errorf("expected active profile fast, got %q", m.ActiveProfileName())
	}
}

func TestManager_ChargingCondition(t *testing.T) {
	lister := &mockProfileLister{profiles: []types.TrackingProfile{
		{ID: "home", Name: "home", IntervalMs: 60000, Priority: 1, ConditionType: types.ConditionCharging, Enabled: true},
	}}
	rec := &applyRecorder{}
	m := NewManager(lister, rec.apply)

	m.mu.Lock()
	m.conditions[KindCharging] = true
	m.mu.Unlock()
	m.Recheck(context.Background())

	if m.ActiveProfileName() != "home" {
		t.Errorf("expected charging profile active, got %q", m.ActiveProfileName())
	}
}

func TestManager_RecheckIsIdempotent(t *testing.T) {
	lister := &mockProfileLister{profiles: []types.TrackingProfile{speedProfile("fast", 10, 5)}}
	rec := &applyRecorder{}
	m := NewManager(lister, rec.apply)
	ctx := context.Background()

	m.ObserveSpeed(ctx, 10)
	m.Recheck(ctx)
	m.Recheck(ctx)

	if _, n := rec.last(); n != 1 {
		t.Errorf("expected a single apply while condition holds, got %d", n)
	}
}

func TestManager_SwitchIsImmediate(t *testing.T) {
	lister := &mockProfileLister{profiles: []types.TrackingProfile{
		speedProfile("highway", 10, 20),
		speedProfile("city", 5, 3),
	}}
	rec := &applyRecorder{}
	m := NewManager(lister, rec.apply)
	ctx := context.Background()

	m.ObserveSpeed(ctx, 10) // city only
	if m.ActiveProfileName() != "city" {
		t.Fatalf("expected city, got %q", m.ActiveProfileName())
	}

	m.ObserveSpeed(ctx, 30) // highway outranks city
	if m.ActiveProfileName() != "highway" {
		t.Errorf("expected immediate switch to highway, got %q", m.ActiveProfileName())
	}
}

func TestManager_DeactivationDebounce(t *testing.T) {
	p := speedProfile("fast", 10, 5)
	p.DeactivationDelayS = 3600 // long enough to never expire in this test
	lister := &mockProfileLister{profiles: []types.TrackingProfile{p}}
	rec := &applyRecorder{}
	m := NewManager(lister, rec.apply)
	ctx := context.Background()

	m.ObserveSpeed(ctx, 10)
	if m.ActiveProfileName() != "fast" {
		t.Fatal("expected activation")
	}

	// Condition drops; the profile stays active inside the debounce window.
	m.ObserveSpeed(ctx, 0)
	if m.ActiveProfileName() != "fast" {
		t.Error("expected debounce to hold the profile active")
	}

	// Condition returning cancels the pending deactivation.
	m.ObserveSpeed(ctx, 10)
	m.mu.Lock()
	pending := len(m.deactivateAt)
	m.mu.Unlock()
	if pending != 0 {
		t.Errorf("expected pending deactivation cancelled, got %d", pending)
	}
}

func TestManager_DeactivationAfterDelay(t *testing.T) {
	p := speedProfile("fast", 10, 5)
	p.DeactivationDelayS = 0
	lister := &mockProfileLister{profiles: []types.TrackingProfile{p}}
	rec := &applyRecorder{}
	m := NewManager(lister, rec.apply)
	ctx := context.Background()

	m.ObserveSpeed(ctx, 10)
	m.ObserveSpeed(ctx, 0)

	if m.ActiveProfileName() != "" {
		t.Errorf("expected revert to defaults with zero delay, got %q", m.ActiveProfileName())
	}
	last, n := rec.last()
	if n != 2 || last != nil {
		t.Errorf("expected final apply(nil), got %v (%d applies)", last, n)
	}
}

func TestManager_InvalidateRefreshesList(t *testing.T) {
	lister := &mockProfileLister{}
	rec := &applyRecorder{}
	m := NewManager(lister, rec.apply)
	ctx := context.Background()

	m.Recheck(ctx)
	m.Recheck(ctx)
	lister.mu.Lock()
	calls := lister.calls
	lister.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected cached second list, got %d calls", calls)
	}

	lister.mu.Lock()
	lister.profiles = []types.TrackingProfile{speedProfile("fast", 10, 5)}
	lister.mu.Unlock()
	m.Invalidate()

	m.ObserveSpeed(ctx, 10)
	if m.ActiveProfileName() != "fast" {
		t.Errorf("expected new profile visible after Invalidate, got %q", m.ActiveProfileName())
	}
}

func TestManager_RunProcessesConditionEvents(t *testing.T) {
	lister := &mockProfileLister{profiles: []types.TrackingProfile{
		{ID: "car", Name: "car", IntervalMs: 2000, Priority: 1, ConditionType: types.ConditionCarConnected, Enabled: true},
	}}
	rec := &applyRecorder{}
	src := NewStaticSource(KindCarConnected)
	m := NewManager(lister, rec.apply, src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	src.Set(true)

	deadline := time.After(2 * time.Second)
	for m.ActiveProfileName() != "car" {
		select {
		case <-deadline:
			t.Fatal("profile not activated from condition source")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
