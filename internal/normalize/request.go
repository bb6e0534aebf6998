// Package normalize converts the loosely shaped payloads exchanged with the
// solver service into one canonical request and response schema.
//
// Every field is read through an ordered list of candidate keys. The order
// is fixed: snake_case first, then camelCase, then legacy aliases. When
// several spellings are present the earliest candidate wins.
package normalize

import (
	"fmt"
	"math"

	"vrp-orchestrator/internal/apperrors"
)

// MinLocations is the minimum number of valid locations a solve needs.
const MinLocations = 2

// Location is a coordinate in decimal degrees.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Request is the canonical solve request. Optional fields are omitted from
// the wire when absent.
type Request struct {
	Locations       []Location `json:"locations"`
	VehicleCount    *int       `json:"vehicle_count,omitempty"`
	VehicleCapacity *float64   `json:"vehicle_capacity,omitempty"`
	MaxDistance     *float64   `json:"max_distance,omitempty"`
	DepotIndex      *int       `json:"depot_index,omitempty"`
	Solver          string     `json:"solver,omitempty"`
	AutoReplay      *bool      `json:"auto_replay,omitempty"`
}

// Request field candidates, in precedence order.
var (
	locationsKeys       = keys("locations")
	vehicleCountKeys    = keys("vehicle_count", "vehicleCount", "num_vehicles", "numVehicles")
	vehicleCapacityKeys = keys("vehicle_capacity", "vehicleCapacity")
	maxDistanceKeys     = keys("max_distance", "maxDistance")
	depotIndexKeys      = keys("depot_index", "depotIndex")
	solverKeys          = keys("solver")
	autoReplayKeys      = keys("auto_replay", "autoReplay")

	latKeys = keys("lat", "latitude")
	lngKeys = keys("lng", "lon", "longitude")
)

// NormalizeRequest builds the canonical request from caller-supplied params.
// A "params" object is unwrapped one level. Malformed locations are dropped;
// fewer than MinLocations remaining fails with a validation error.
func NormalizeRequest(raw map[string]any) (*Request, error) {
	if inner, ok := raw["params"].(map[string]any); ok {
		raw = inner
	}

	req := &Request{}
	if v, _, ok := firstNonEmpty(raw, locationsKeys); ok {
		req.Locations = parseLocations(v)
	}
	if len(req.Locations) < MinLocations {
		return nil, apperrors.Validation("locations",
			fmt.Sprintf("at least %d valid locations are required, got %d", MinLocations, len(req.Locations)))
	}

	if v, c, ok := firstNonEmpty(raw, vehicleCountKeys); ok {
		n, ok := toInt(v)
		if !ok || n < 1 {
			return nil, apperrors.Validation(c.String(), "vehicle count must be a positive integer")
		}
		req.VehicleCount = &n
	}
	if v, c, ok := firstNonEmpty(raw, vehicleCapacityKeys); ok {
		f, ok := toFloat(v)
		if !ok || f < 0 {
			return nil, apperrors.Validation(c.String(), "vehicle capacity must be a non-negative number")
		}
		req.VehicleCapacity = &f
	}
	if v, c, ok := firstNonEmpty(raw, maxDistanceKeys); ok {
		f, ok := toFloat(v)
		if !ok || f < 0 {
			return nil, apperrors.Validation(c.String(), "max distance must be a non-negative number")
		}
		req.MaxDistance = &f
	}
	if v, c, ok := firstNonEmpty(raw, depotIndexKeys); ok {
		n, ok := toInt(v)
		if !ok || n < 0 || n >= len(req.Locations) {
			return nil, apperrors.Validation(c.String(), "depot index must reference one of the locations")
		}
		req.DepotIndex = &n
	}
	if v, c, ok := firstNonEmpty(raw, solverKeys); ok {
		s, ok := v.(string)
		if !ok {
			return nil, apperrors.Validation(c.String(), "solver must be a string")
		}
		req.Solver = s
	}
	if v, c, ok := firstNonEmpty(raw, autoReplayKeys); ok {
		b, ok := toBool(v)
		if !ok {
			return nil, apperrors.Validation(c.String(), "auto replay must be a boolean")
		}
		req.AutoReplay = &b
	}
	return req, nil
}

func parseLocations(v any) []Location {
	entries, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Location, 0, len(entries))
	for _, e := range entries {
		if loc, ok := parseLocation(e); ok {
			out = append(out, loc)
		}
	}
	return out
}

// parseLocation accepts a [lng, lat] pair or an object with lat/lng keys.
func parseLocation(v any) (Location, bool) {
	var latRaw, lngRaw any
	switch e := v.(type) {
	case []any:
		if len(e) != 2 {
			return Location{}, false
		}
		lngRaw, latRaw = e[0], e[1]
	case map[string]any:
		var ok bool
		if latRaw, _, ok = firstNonEmpty(e, latKeys); !ok {
			return Location{}, false
		}
		if lngRaw, _, ok = firstNonEmpty(e, lngKeys); !ok {
			return Location{}, false
		}
	default:
		return Location{}, false
	}

	lat, ok := toFloat(latRaw)
	if !ok || math.Abs(lat) > 90 {
		return Location{}, false
	}
	lng, ok := toFloat(lngRaw)
	if !ok || math.Abs(lng) > 180 {
		return Location{}, false
	}
	return Location{Lat: lat, Lng: lng}, true
}
