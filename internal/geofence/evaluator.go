// Package geofence evaluates pause-zone membership for location fixes.
// Zone definitions live in the store; the evaluator keeps an in-memory
// snapshot with explicit invalidation plus a passive TTL as a safety net
// against missed invalidations.
package geofence

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/dietrichmax/colota/internal/types"
)

// earthRadiusMeters is the mean Earth radius used by the haversine formula.
const earthRadiusMeters = 6371000.0

// metersPerDegree approximates one degree of latitude for the bounding-box
// prefilter. Deliberately generous: the prefilter must never reject a point
// the exact check would accept.
const metersPerDegree = 111000.0

// cacheTTL is the passive refresh interval for the zone snapshot.
const cacheTTL = 30 * time.Second

// ZoneLister provides the zone definitions the evaluator works over.
type ZoneLister interface {
	ListZones(ctx context.Context, enabledOnly bool) ([]types.GeofenceZone, error)
}

type zoneSnapshot struct {
	zones     []types.GeofenceZone
	fetchedAt time.Time
}

// Evaluator answers "which zone contains this fix" over cached zone
// definitions.
type Evaluator struct {
	lister   ZoneLister
	snapshot atomic.Pointer[zoneSnapshot]
}

// NewEvaluator creates an evaluator backed by the given zone source.
func NewEvaluator(lister ZoneLister) *Evaluator {
	return &Evaluator{lister: lister}
}

// Invalidate discards the cached zone snapshot. Called on zone CRUD
// notifications from the control API.
func (e *Evaluator) Invalidate() {
	e.snapshot.Store(nil)
}

// Evaluate returns the first enabled zone containing the fix, or nil.
// Cheap bounding-box rejection runs before the exact great-circle check.
func (e *Evaluator) Evaluate(ctx context.Context, fix types.LocationFix) (*types.GeofenceZone, error) {
	zones, err := e.zones(ctx)
	if err != nil {
		return nil, fmt.Errorf("load zones: %w", err)
	}

	for i := range zones {
		zone := &zones[i]
		if !inBoundingBox(fix.Latitude, fix.Longitude, zone) {
			continue
		}
		d := Haversine(fix.Latitude, fix.Longitude, zone.Latitude, zone.Longitude)
		if d <= zone.RadiusMeters {
			return zone, nil
		}
	}

	return nil, nil
}

// EvaluatePause returns the containing zone only when it suppresses
// tracking. Non-pause zones are informational and never affect state.
func (e *Evaluator) EvaluatePause(ctx context.Context, fix types.LocationFix) (*types.GeofenceZone, error) {
	zone, err := e.Evaluate(ctx, fix)
	if err != nil {
		return nil, err
	}
	if zone == nil || !zone.PauseTracking {
		return nil, nil
	}
	return zone, nil
}

func (e *Evaluator) zones(ctx context.Context) ([]types.GeofenceZone, error) {
	if snap := e.snapshot.Load(); snap != nil && time.Since(snap.fetchedAt) < cacheTTL {
		return snap.zones, nil
	}

	zones, err := e.lister.ListZones(ctx, true)
	if err != nil {
		// Keep serving a stale snapshot over failing the fix path.
		if snap := e.snapshot.Load(); snap != nil {
			slog.Warn("zone refresh failed, serving stale snapshot",
				"component", "geofence",
				"error", err,
			)
			return snap.zones, nil
		}
		return nil, err
	}

	e.snapshot.Store(&zoneSnapshot{zones: zones, fetchedAt: time.Now()})
	return zones, nil
}

// inBoundingBox rejects zones clearly out of range before the exact check.
// Membership is always decided by the haversine formula afterwards, so the
// box only needs to be generous, never tight. A longitude degree spans
// 111km·cos(latitude) meters, so the longitude half-width widens with
// latitude; near the poles the box degenerates and the check is skipped.
func inBoundingBox(lat, lon float64, zone *types.GeofenceZone) bool {
	degrees := zone.RadiusMeters / metersPerDegree
	if math.Abs(lat-zone.Latitude) > degrees {
		return false
	}
	cosLat := math.Cos(zone.Latitude * math.Pi / 180)
	if cosLat < 1e-3 {
		return true
	}
	return math.Abs(lon-zone.Longitude) <= degrees/cosLat
}

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}
