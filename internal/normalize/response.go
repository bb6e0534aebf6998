package normalize

import (
	"vrp-orchestrator/internal/apperrors"
)

// Response is the canonical solve response.
type Response struct {
	Metrics   map[string]any `json:"metrics"`
	Routes    []any          `json:"routes"`
	Waypoints []any          `json:"waypoints"`
}

// Response field candidates, in precedence order.
var (
	envelopeKeys   = keys("result", "data")
	metricsKeys    = []candidate{{"metrics"}, {"summary", "metrics"}}
	routesKeys     = keys("routes", "solutions", "plan")
	waypointsKeys  = keys("waypoints", "stops", "nodes")
	externalIDKeys = keys("external_id", "externalId", "job_id", "jobId", "id")

	// summaryKeys are top-level scalars lifted into metrics when the
	// payload carries no metrics object.
	summaryKeys = []string{"cost", "objective_value", "total_distance_km", "total_distance", "iterations"}
)

// NormalizeResponse builds the canonical response from a decoded solver
// payload. One envelope level under "result" or "data" is unwrapped. Fails
// with a shape error when none of metrics, routes or waypoints is found.
func NormalizeResponse(raw map[string]any) (*Response, error) {
	body := unwrap(raw)

	resp := &Response{}
	found := false

	for _, c := range metricsKeys {
		if v, ok := c.lookup(body); ok {
			if m, ok := v.(map[string]any); ok {
				resp.Metrics = m
				found = true
				break
			}
		}
	}
	if list, ok := firstList(body, routesKeys); ok {
		resp.Routes = list
		found = true
	}
	if list, ok := firstList(body, waypointsKeys); ok {
		resp.Waypoints = list
		found = true
	}
	if !found {
		return nil, apperrors.Shape("solver response matched no known shape: expected metrics, routes or waypoints")
	}

	if resp.Metrics == nil {
		resp.Metrics = liftSummary(body)
	}
	if resp.Routes == nil {
		resp.Routes = []any{}
	}
	if resp.Waypoints == nil {
		resp.Waypoints = []any{}
	}
	return resp, nil
}

// ExternalID returns the solver-issued job identifier, looked up in the
// envelope first and then at the top level. Empty when absent.
func ExternalID(raw map[string]any) string {
	for _, m := range []map[string]any{unwrap(raw), raw} {
		for _, c := range externalIDKeys {
			if v, ok := c.lookup(m); ok {
				if id, ok := toID(v); ok {
					return id
				}
			}
		}
	}
	return ""
}

// unwrap returns the first envelope object, or raw itself.
func unwrap(raw map[string]any) map[string]any {
	for _, c := range envelopeKeys {
		if v, ok := c.lookup(raw); ok {
			if inner, ok := v.(map[string]any); ok {
				return inner
			}
		}
	}
	return raw
}

// firstList returns the first candidate holding an array. Empty arrays count.
func firstList(m map[string]any, cands []candidate) ([]any, bool) {
	for _, c := range cands {
		if v, ok := c.lookup(m); ok {
			if list, ok := v.([]any); ok {
				return list, true
			}
		}
	}
	return nil, false
}

func liftSummary(body map[string]any) map[string]any {
	metrics := map[string]any{}
	for _, key := range summaryKeys {
		if v, ok := body[key]; ok {
			if _, numeric := toFloat(v); numeric {
				metrics[key] = v
			}
		}
	}
	return metrics
}
