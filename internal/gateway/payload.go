package gateway

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/dietrichmax/colota/internal/types"
)

// BuildPayload produces the wire fields for one fix. Custom static fields
// are merged first and are overwritten by a location field of the same name.
// Field names are remappable through fieldMap; alt and bear are emitted only
// when the device supplied them.
func BuildPayload(fix types.LocationFix, fieldMap map[string]string, customFields map[string]string) map[string]any {
	payload := make(map[string]any, len(customFields)+9)
	for k, v := range customFields {
		payload[k] = v
	}

	set := func(name string, value any) {
		if mapped, ok := fieldMap[name]; ok && mapped != "" {
			name = mapped
		}
		payload[name] = value
	}

	set("lat", fix.Latitude)
	set("lon", fix.Longitude)
	set("acc", int(math.Round(fix.Accuracy)))
	set("vel", int(math.Round(fix.Speed)))
	set("batt", fix.Battery)
	set("bs", int(fix.BatteryStatus))
	set("tst", fix.Timestamp)
	if fix.Altitude != nil {
		set("alt", int(math.Round(*fix.Altitude)))
	}
	if fix.Bearing != nil {
		set("bear", *fix.Bearing)
	}

	return payload
}

// EncodePayload serializes the wire fields for storage in the outbox.
func EncodePayload(payload map[string]any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}
