package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dietrichmax/colota/internal/geofence"
	"github.com/dietrichmax/colota/internal/types"
)

// ErrNotStarted is returned when a provider operation requires a running
// subscription.
var ErrNotStarted = errors.New("provider not started")

// ErrNoLastKnown is returned when no fix has been observed yet.
var ErrNoLastKnown = errors.New("no last known location")

// RequestOptions are the live location-request parameters. Profile
// activation hot-swaps them without stopping the subscription.
type RequestOptions struct {
	Interval    time.Duration
	MinDistance float64 // meters
}

// Provider is the upstream location source. Platform-specific
// implementations are selected at configuration time; the engine depends
// only on this interface.
type Provider interface {
	// Start begins the subscription. The callback runs on the provider's
	// thread and must never block.
	Start(ctx context.Context, opts RequestOptions, callback func(types.LocationFix)) error
	Stop() error

	// UpdateOptions hot-swaps interval and minimum distance.
	UpdateOptions(opts RequestOptions) error

	// LastKnown returns the most recent fix, or ErrNoLastKnown.
	LastKnown(ctx context.Context) (*types.LocationFix, error)
}

// PushProvider is fed by the owning process through the control API. It
// enforces the interval and minimum-distance parameters the way a platform
// provider would before invoking the callback.
type PushProvider struct {
	mu       sync.Mutex
	opts     RequestOptions
	callback func(types.LocationFix)
	last     *types.LocationFix
	lastAt   time.Time
	running  bool
}

// Compile-time interface check
var _ Provider = (*PushProvider)(nil)

// NewPushProvider creates an idle push provider.
func NewPushProvider() *PushProvider {
	return &PushProvider{}
}

// Start arms the provider. The context is unused: the push provider has no
// goroutine of its own; Stop disarms it.
func (p *PushProvider) Start(ctx context.Context, opts RequestOptions, callback func(types.LocationFix)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts = opts
	p.callback = callback
	p.running = true
	return nil
}

// Stop disarms the provider; subsequent pushes are dropped.
func (p *PushProvider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callback = nil
	p.running = false
	return nil
}

// UpdateOptions hot-swaps the request parameters.
func (p *PushProvider) UpdateOptions(opts RequestOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrNotStarted
	}
	p.opts = opts
	return nil
}

// LastKnown returns the most recently pushed fix.
func (p *PushProvider) LastKnown(ctx context.Context) (*types.LocationFix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil, ErrNoLastKnown
	}
	fix := *p.last
	return &fix, nil
}

// Push feeds one fix into the subscription. Fixes arriving faster than the
// configured interval or closer than the minimum distance are dropped, the
// same contract a platform provider honors.
func (p *PushProvider) Push(fix types.LocationFix) bool {
	p.mu.Lock()

	if !p.running || p.callback == nil {
		p.mu.Unlock()
		return false
	}

	now := time.Now()
	if p.last != nil {
		if p.opts.Interval > 0 && now.Sub(p.lastAt) < p.opts.Interval {
			p.mu.Unlock()
			return false
		}
		if p.opts.MinDistance > 0 {
			d := geofence.Haversine(p.last.Latitude, p.last.Longitude, fix.Latitude, fix.Longitude)
			if d < p.opts.MinDistance {
				p.mu.Unlock()
				return false
			}
		}
	}

	snapshot := fix
	p.last = &snapshot
	p.lastAt = now
	callback := p.callback
	p.mu.Unlock()

	callback(fix)
	return true
}
