package normalize

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vrp-orchestrator/internal/apperrors"
)

func TestNormalizeResponse_DataEnvelope(t *testing.T) {
	t.Parallel()
	raw := decode(t, `{"data": {"plan": [[1, 2]], "stops": []}}`)

	resp, err := NormalizeResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{1.0, 2.0}}, resp.Routes)
	assert.Equal(t, []any{}, resp.Waypoints)
	assert.Empty(t, resp.Metrics)
}

func TestNormalizeResponse_UnknownShape(t *testing.T) {
	t.Parallel()
	_, err := NormalizeResponse(decode(t, `{"foo": "bar"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrShape))
}

func TestNormalizeResponse_Shapes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		raw           string
		wantMetrics   map[string]any
		wantRoutes    int
		wantWaypoints int
		wantErr       bool
	}{
		{
			name:        "flat",
			raw:         `{"metrics": {"cost": 3}, "routes": [[1], [2]], "waypoints": [{"id": 1}]}`,
			wantMetrics: map[string]any{"cost": 3.0}, wantRoutes: 2, wantWaypoints: 1,
		},
		{
			name:        "result envelope wins over data",
			raw:         `{"result": {"routes": [[1]]}, "data": {"routes": [[1], [2], [3]]}}`,
			wantMetrics: map[string]any{}, wantRoutes: 1,
		},
		{
			name:        "summary metrics path",
			raw:         `{"summary": {"metrics": {"iterations": 5}}, "nodes": [1, 2]}`,
			wantMetrics: map[string]any{"iterations": 5.0}, wantWaypoints: 2,
		},
		{
			name:        "solutions alias",
			raw:         `{"solutions": [[[0, 0], [1, 1]]]}`,
			wantMetrics: map[string]any{}, wantRoutes: 1,
		},
		{
			name:        "routes before solutions",
			raw:         `{"routes": [], "solutions": [[1]]}`,
			wantMetrics: map[string]any{},
		},
		{
			name:        "summary scalars lifted when metrics absent",
			raw:         `{"status": "success", "routes": [[[0, 0]]], "total_distance": 12.5}`,
			wantMetrics: map[string]any{"total_distance": 12.5}, wantRoutes: 1,
		},
		{
			name:    "metrics must be an object",
			raw:     `{"metrics": [1, 2]}`,
			wantErr: true,
		},
		{
			name:    "routes must be a list",
			raw:     `{"routes": "none"}`,
			wantErr: true,
		},
		{
			name:    "envelope is only unwrapped once",
			raw:     `{"data": {"result": {"routes": []}}}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, err := NormalizeResponse(decode(t, tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, apperrors.ErrShape)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMetrics, resp.Metrics)
			assert.Len(t, resp.Routes, tt.wantRoutes)
			assert.Len(t, resp.Waypoints, tt.wantWaypoints)
		})
	}
}

func TestExternalID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"snake", `{"external_id": "ext-1"}`, "ext-1"},
		{"camel", `{"externalId": "ext-2"}`, "ext-2"},
		{"snake before camel", `{"external_id": "a", "externalId": "b"}`, "a"},
		{"job id alias", `{"jobId": "py-7"}`, "py-7"},
		{"numeric id", `{"id": 42}`, "42"},
		{"envelope first", `{"id": "outer", "result": {"job_id": "inner"}}`, "inner"},
		{"falls back to top level", `{"external_id": "outer", "data": {"routes": []}}`, "outer"},
		{"blank ignored", `{"external_id": " ", "id": "x"}`, "x"},
		{"absent", `{"routes": []}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ExternalID(decode(t, tt.raw)))
		})
	}
}

func TestExternalID_JSONNumber(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "1234567890123", ExternalID(map[string]any{"id": json.Number("1234567890123")}))
}
