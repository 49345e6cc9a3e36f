package profile

import "context"

// ConditionKind identifies a device condition observed by the monitor.
type ConditionKind string

const (
	KindCharging     ConditionKind = "charging"
	KindCarConnected ConditionKind = "car_connected"
)

// ConditionEvent is a single condition transition pushed by a source.
type ConditionEvent struct {
	Kind   ConditionKind
	Active bool
}

// ConditionSource is a push event source for a device condition, modeled the
// same way as the location stream so the engine carries one concurrency
// idiom. Platform-specific implementations live behind this interface.
type ConditionSource interface {
	// Start begins emitting transitions on out until ctx is cancelled.
	Start(ctx context.Context, out chan<- ConditionEvent) error
	Stop() error
}

// StaticSource is a ConditionSource controlled programmatically. The control
// API and tests push transitions through Set.
type StaticSource struct {
	kind ConditionKind
	out  chan<- ConditionEvent
	done chan struct{}
}

// NewStaticSource creates a source for the given condition kind.
func NewStaticSource(kind ConditionKind) *StaticSource {
	return &StaticSource{kind: kind}
}

// Start wires the source to the monitor's channel.
func (s *StaticSource) Start(ctx context.Context, out chan<- ConditionEvent) error {
	s.out = out
	s.done = make(chan struct{})
	return nil
}

// Stop detaches the source.
func (s *StaticSource) Stop() error {
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.out = nil
	return nil
}

// Set pushes a condition transition. A nil receiver or stopped source drops
// the event.
func (s *StaticSource) Set(active bool) {
	if s == nil || s.out == nil {
		return
	}
	select {
	case s.out <- ConditionEvent{Kind: s.kind, Active: active}:
	case <-s.done:
	}
}
