// Package api exposes the engine's control surface to the owning process:
// fix ingestion, lifecycle commands, settings and zone/profile management.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dietrichmax/colota/internal/store"
	"github.com/dietrichmax/colota/internal/types"
)

// Tracker is the state-machine surface the control API drives.
type Tracker interface {
	Start(ctx context.Context) error
	Stop(reason string)
	State() types.TrackingState
	PausedZoneName() string
	Config() types.ServiceConfig
	Flush(ctx context.Context) (attempted, succeeded int)
	ForceExitZone()
	RecheckZone(ctx context.Context)
	RefreshNotification(ctx context.Context)
	UpdateSettings(ctx context.Context, cfg types.ServiceConfig) error
}

// FixSink receives pushed location fixes.
type FixSink interface {
	Push(fix types.LocationFix) bool
}

// Profiles is the profile-manager surface the control API drives.
type Profiles interface {
	Recheck(ctx context.Context)
	Invalidate()
	ActiveProfileName() string
}

// ZoneCache is the evaluator's invalidation hook.
type ZoneCache interface {
	Invalidate()
}

// Handler holds the control API's dependencies.
type Handler struct {
	store    store.Store
	tracker  Tracker
	sink     FixSink
	profiles Profiles
	zones    ZoneCache
	apiKey   string
	version  string
}

// NewHandler creates a control API handler.
func NewHandler(s store.Store, tracker Tracker, sink FixSink, profiles Profiles, zones ZoneCache, apiKey, version string) *Handler {
	return &Handler{
		store:    s,
		tracker:  tracker,
		sink:     sink,
		profiles: profiles,
		zones:    zones,
		apiKey:   apiKey,
		version:  version,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:  "ok",
		Version: h.version,
		State:   string(h.tracker.State()),
	})
}

// Status handles GET /api/v1/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	depth, err := h.store.QueueDepth(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, types.StatusResponse{
		State:         h.tracker.State(),
		QueueDepth:    depth,
		ActiveProfile: h.profiles.ActiveProfileName(),
		PausedZone:    h.tracker.PausedZoneName(),
		Endpoint:      h.tracker.Config().Endpoint,
	})
}

// IngestLocation handles POST /api/v1/locations: one fix pushed by the
// owning process's platform shell.
func (h *Handler) IngestLocation(w http.ResponseWriter, r *http.Request) {
	var fix types.LocationFix
	if err := json.NewDecoder(r.Body).Decode(&fix); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if fix.Latitude < -90 || fix.Latitude > 90 || fix.Longitude < -180 || fix.Longitude > 180 {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "Coordinates out of range")
		return
	}

	accepted := h.sink.Push(fix)
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": accepted})
}

// StartTracking handles POST /api/v1/tracking/start. Restarts any running
// session.
func (h *Handler) StartTracking(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.Start(context.WithoutCancel(r.Context())); err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(h.tracker.State())})
}

// StopTracking handles POST /api/v1/tracking/stop.
func (h *Handler) StopTracking(w http.ResponseWriter, r *http.Request) {
	h.tracker.Stop("Stopped by user")
	writeJSON(w, http.StatusOK, map[string]string{"state": string(h.tracker.State())})
}

// Flush handles POST /api/v1/sync/flush: one full backoff-free drain.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	attempted, succeeded := h.tracker.Flush(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{
		"attempted": attempted,
		"succeeded": succeeded,
	})
}

// RecheckZone handles POST /api/v1/zones/recheck.
func (h *Handler) RecheckZone(w http.ResponseWriter, r *http.Request) {
	h.tracker.RecheckZone(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// ForceExitZone handles POST /api/v1/zones/force-exit.
func (h *Handler) ForceExitZone(w http.ResponseWriter, r *http.Request) {
	h.tracker.ForceExitZone()
	w.WriteHeader(http.StatusNoContent)
}

// RecheckProfiles handles POST /api/v1/profiles/recheck.
func (h *Handler) RecheckProfiles(w http.ResponseWriter, r *http.Request) {
	h.profiles.Recheck(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// RefreshNotification handles POST /api/v1/notification/refresh.
func (h *Handler) RefreshNotification(w http.ResponseWriter, r *http.Request) {
	h.tracker.RefreshNotification(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// GetSettings handles GET /api/v1/settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tracker.Config())
}

// PutSettings handles PUT /api/v1/settings: replaces the stored defaults and
// applies them to the running session.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var cfg types.ServiceConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if err := h.tracker.UpdateSettings(r.Context(), cfg); err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ListZones handles GET /api/v1/zones.
func (h *Handler) ListZones(w http.ResponseWriter, r *http.Request) {
	zones, err := h.store.ListZones(r.Context(), false)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if zones == nil {
		zones = []types.GeofenceZone{}
	}
	writeJSON(w, http.StatusOK, zones)
}

// SaveZone handles POST /api/v1/zones: create or update. The evaluator's
// cache is invalidated so the change takes effect immediately.
func (h *Handler) SaveZone(w http.ResponseWriter, r *http.Request) {
	var zone types.GeofenceZone
	if err := json.NewDecoder(r.Body).Decode(&zone); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if zone.Name == "" || zone.RadiusMeters <= 0 {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "Zone requires a name and a positive radius")
		return
	}

	if err := h.store.SaveZone(r.Context(), zone); err != nil {
		MapError(w, r, err)
		return
	}
	h.zones.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

// DeleteZone handles DELETE /api/v1/zones/{id}.
func (h *Handler) DeleteZone(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteZone(r.Context(), chi.URLParam(r, "id")); err != nil {
		MapError(w, r, err)
		return
	}
	h.zones.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

// ListProfiles handles GET /api/v1/profiles.
func (h *Handler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.store.ListProfiles(r.Context(), false)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if profiles == nil {
		profiles = []types.TrackingProfile{}
	}
	writeJSON(w, http.StatusOK, profiles)
}

// SaveProfile handles POST /api/v1/profiles: create or update. The profile
// manager's cache is invalidated and conditions rechecked.
func (h *Handler) SaveProfile(w http.ResponseWriter, r *http.Request) {
	var profile types.TrackingProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if profile.Name == "" || profile.IntervalMs <= 0 {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "Profile requires a name and a positive interval")
		return
	}
	if profile.ConditionType == types.ConditionSpeedAbove && profile.SpeedThreshold == nil {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "speed_above profiles require a speed threshold")
		return
	}

	if err := h.store.SaveProfile(r.Context(), profile); err != nil {
		MapError(w, r, err)
		return
	}
	h.profiles.Invalidate()
	h.profiles.Recheck(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// DeleteProfile handles DELETE /api/v1/profiles/{id}.
func (h *Handler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteProfile(r.Context(), chi.URLParam(r, "id")); err != nil {
		MapError(w, r, err)
		return
	}
	h.profiles.Invalidate()
	h.profiles.Recheck(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// ClearQueue handles POST /api/v1/queue/clear: removes queued-and-undelivered
// fixes with their entries; delivered history is untouched.
func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	removed, err := h.store.ClearQueue(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// ClearSentHistory handles POST /api/v1/history/clear: removes delivered
// fixes, the complement of ClearQueue.
func (h *Handler) ClearSentHistory(w http.ResponseWriter, r *http.Request) {
	removed, err := h.store.ClearSentHistory(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}
