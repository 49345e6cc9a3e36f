// Package profile observes device conditions and selects the active tracking
// profile: the highest-priority enabled profile whose condition currently
// holds. Activation hot-swaps the running tracking and sync parameters
// without stopping the session.
package profile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dietrichmax/colota/internal/types"
)

// profileCacheTTL is the passive refresh interval for the enabled-profile
// cache; explicit invalidation from the control API is the primary path.
const profileCacheTTL = 30 * time.Second

// debounceResolution is how often pending deactivations are re-checked.
const debounceResolution = time.Second

// ProfileLister provides the profile definitions the manager selects from.
type ProfileLister interface {
	ListProfiles(ctx context.Context, enabledOnly bool) ([]types.TrackingProfile, error)
}

// ApplyFunc receives the newly active profile, or nil when parameters revert
// to the stored defaults.
type ApplyFunc func(p *types.TrackingProfile)

// Manager is the condition monitor and profile selector.
type Manager struct {
	lister  ProfileLister
	apply   ApplyFunc
	sources []ConditionSource
	events  chan ConditionEvent

	mu         sync.Mutex
	profiles   []types.TrackingProfile // priority DESC
	cachedAt   time.Time
	conditions map[ConditionKind]bool
	speed      float64
	active     *types.TrackingProfile

	// Per-profile pending deactivation deadlines (Open Question: hysteresis
	// is per-profile, keyed by profile ID).
	deactivateAt map[string]time.Time
}

// NewManager creates a profile manager. apply is invoked on every activation
// change; sources push condition transitions once Run starts.
func NewManager(lister ProfileLister, apply ApplyFunc, sources ...ConditionSource) *Manager {
	return &Manager{
		lister:       lister,
		apply:        apply,
		sources:      sources,
		events:       make(chan ConditionEvent, 16),
		conditions:   make(map[ConditionKind]bool),
		deactivateAt: make(map[string]time.Time),
	}
}

// Run starts the condition sources and blocks processing transitions until
// ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for _, src := range m.sources {
		if err := src.Start(ctx, m.events); err != nil {
			slog.Error("condition source start failed",
				"component", "profile",
				"error", err,
			)
		}
	}
	defer func() {
		for _, src := range m.sources {
			src.Stop()
		}
	}()

	ticker := time.NewTicker(debounceResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.mu.Lock()
			m.conditions[ev.Kind] = ev.Active
			m.mu.Unlock()
			m.Recheck(ctx)
		case <-ticker.C:
			m.checkPendingDeactivation()
		}
	}
}

// ObserveSpeed feeds the speed derived from consecutive fixes into the
// monitor and re-evaluates speed-conditioned profiles.
func (m *Manager) ObserveSpeed(ctx context.Context, speed float64) {
	m.mu.Lock()
	m.speed = speed
	m.mu.Unlock()
	m.Recheck(ctx)
}

// Invalidate discards the cached profile list. Called on profile CRUD.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cachedAt = time.Time{}
	m.mu.Unlock()
}

// ActiveProfileName returns the active profile's name, or "".
func (m *Manager) ActiveProfileName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.Name
}

// Recheck re-evaluates profile selection against the current conditions.
// Idempotent; safe to call from the control API at any time.
func (m *Manager) Recheck(ctx context.Context) {
	profiles, err := m.enabledProfiles(ctx)
	if err != nil {
		slog.Error("profile list failed",
			"component", "profile",
			"error", err,
		)
		return
	}

	m.mu.Lock()

	var candidate *types.TrackingProfile
	for i := range profiles {
		if m.conditionHolds(&profiles[i]) {
			candidate = &profiles[i]
			break
		}
	}

	switch {
	case candidate != nil && (m.active == nil || m.active.ID != candidate.ID):
		// Activation and profile-to-profile switches are immediate; only
		// reverting to defaults is debounced.
		prev := ""
		if m.active != nil {
			prev = m.active.Name
		}
		m.active = candidate
		delete(m.deactivateAt, candidate.ID)
		m.mu.Unlock()

		slog.Info("profile activated",
			"component", "profile",
			"action", "profile_activated",
			"profile", candidate.Name,
			"previous", prev,
		)
		m.apply(candidate)
		return

	case candidate != nil:
		// Active profile still holds; cancel any pending deactivation.
		delete(m.deactivateAt, candidate.ID)
		m.mu.Unlock()
		return

	case m.active != nil:
		// Condition dropped: debounce before reverting.
		if _, pending := m.deactivateAt[m.active.ID]; !pending {
			delay := time.Duration(m.active.DeactivationDelayS) * time.Second
			m.deactivateAt[m.active.ID] = time.Now().Add(delay)
		}
		m.mu.Unlock()
		m.checkPendingDeactivation()
		return

	default:
		m.mu.Unlock()
		return
	}
}

// checkPendingDeactivation reverts to defaults once the active profile's
// deactivation deadline has passed without its condition returning.
func (m *Manager) checkPendingDeactivation() {
	m.mu.Lock()

	if m.active == nil {
		m.mu.Unlock()
		return
	}

	deadline, pending := m.deactivateAt[m.active.ID]
	if !pending || time.Now().Before(deadline) {
		m.mu.Unlock()
		return
	}

	name := m.active.Name
	delete(m.deactivateAt, m.active.ID)
	m.active = nil
	m.mu.Unlock()

	slog.Info("profile deactivated",
		"component", "profile",
		"action", "profile_deactivated",
		"profile", name,
	)
	m.apply(nil)
}

// conditionHolds reports whether the profile's condition currently holds.
// Caller holds m.mu.
func (m *Manager) conditionHolds(p *types.TrackingProfile) bool {
	switch p.ConditionType {
	case types.ConditionCharging:
		return m.conditions[KindCharging]
	case types.ConditionCarConnected:
		return m.conditions[KindCarConnected]
	case types.ConditionSpeedAbove:
		return p.SpeedThreshold != nil && m.speed > *p.SpeedThreshold
	default:
		return false
	}
}

func (m *Manager) enabledProfiles(ctx context.Context) ([]types.TrackingProfile, error) {
	m.mu.Lock()
	if !m.cachedAt.IsZero() && time.Since(m.cachedAt) < profileCacheTTL {
		cached := m.profiles
		m.mu.Unlock()
		return cached, nil
	}
	m.mu.Unlock()

	profiles, err := m.lister.ListProfiles(ctx, true)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.profiles = profiles
	m.cachedAt = time.Now()
	m.mu.Unlock()

	return profiles, nil
}
