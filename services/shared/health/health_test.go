package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error   { return nil }
func fail(context.Context) error { return errors.New("connection refused") }

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(WithVersion("1.0.0"))
	resp := c.Check(context.Background())

	assert.Equal(t, StatusUp, resp.Status)
	assert.Equal(t, "1.0.0", resp.Version)
	assert.Empty(t, resp.Components)
}

func TestChecker_AggregatesStatus(t *testing.T) {
	tests := []struct {
		name     string
		checks   map[string]Check
		expected Status
	}{
		{
			name:     "all up",
			checks:   map[string]Check{"a": PingCheck("a", ok, false), "b": PingCheck("b", ok, true)},
			expected: StatusUp,
		},
		{
			name:     "optional dependency down",
			checks:   map[string]Check{"a": PingCheck("a", ok, false), "redis": PingCheck("redis", fail, true)},
			expected: StatusDegraded,
		},
		{
			name:     "required dependency down",
			checks:   map[string]Check{"upstream": PingCheck("upstream", fail, false), "redis": PingCheck("redis", fail, true)},
			expected: StatusDown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			for name, check := range tt.checks {
				c.Register(name, check)
			}

			resp := c.Check(context.Background())
			assert.Equal(t, tt.expected, resp.Status)
			assert.Len(t, resp.Components, len(tt.checks))
		})
	}
}

func TestChecker_Handler(t *testing.T) {
	c := NewChecker(WithVersion("test"))
	c.Register("upstream", PingCheck("upstream", fail, false))
	h := c.Handler()

	t.Run("liveness ignores checks", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("readiness reports components", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, StatusDown, resp.Status)
		assert.Contains(t, resp.Components, "upstream")
	})

	t.Run("summary hides components", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.NotContains(t, rec.Body.String(), "components")
	})
}
