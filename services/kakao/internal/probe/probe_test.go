package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/kakao-gateway/services/shared/health"
	"github.com/carlossalguero/kakao-gateway/services/shared/logger"
	"github.com/carlossalguero/kakao-gateway/services/shared/metrics"
)

func TestRunOnce(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer up.Close()

	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	m := metrics.New(metrics.Config{ServiceName: "test"})
	p := New(Config{Timeout: time.Second}, []Target{
		{Name: "token", URL: up.URL},
		{Name: "user_info", URL: downURL},
	}, WithMetrics(m), WithLogger(logger.Discard()))

	p.RunOnce(context.Background())

	results := p.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "token", results[0].Target)
	assert.True(t, results[0].Reachable)
	assert.Equal(t, http.StatusMethodNotAllowed, results[0].StatusCode)
	assert.Equal(t, "user_info", results[1].Target)
	assert.False(t, results[1].Reachable)
	assert.NotEmpty(t, results[1].Error)

	expected := `
# HELP kakao_gateway_upstream_healthy Whether the Kakao endpoint answered the last probe (1) or not (0).
# TYPE kakao_gateway_upstream_healthy gauge
kakao_gateway_upstream_healthy{endpoint="token"} 1
kakao_gateway_upstream_healthy{endpoint="user_info"} 0
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "kakao_gateway_upstream_healthy"))
}

func TestCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	p := New(Config{}, []Target{{Name: "token", URL: srv.URL}}, WithLogger(logger.Discard()))

	h := p.Check()(context.Background())
	assert.Equal(t, health.StatusUp, h.Status)
	assert.Equal(t, "not probed yet", h.Message)

	p.RunOnce(context.Background())
	h = p.Check()(context.Background())
	assert.Equal(t, health.StatusUp, h.Status)
	assert.Equal(t, true, h.Details["token"])

	srv.Close()
	p.RunOnce(context.Background())
	h = p.Check()(context.Background())
	assert.Equal(t, health.StatusDegraded, h.Status)
}

func TestStart(t *testing.T) {
	hits := make(chan struct{}, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits <- struct{}{}
	}))
	defer srv.Close()

	t.Run("runs immediately and schedules", func(t *testing.T) {
		p := New(Config{Schedule: "@every 1h"}, []Target{{Name: "token", URL: srv.URL}}, WithLogger(logger.Discard()))
		require.NoError(t, p.Start(context.Background()))
		defer p.Stop()

		select {
		case <-hits:
		case <-time.After(5 * time.Second):
			t.Fatal("initial probe did not run")
		}

		next, ok := p.NextRun()
		require.True(t, ok)
		assert.True(t, next.After(time.Now().Add(50*time.Minute)))
	})

	t.Run("stop waits for the initial run", func(t *testing.T) {
		slow := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			time.Sleep(100 * time.Millisecond)
		}))
		defer slow.Close()

		p := New(Config{Schedule: "@every 1h"}, []Target{{Name: "token", URL: slow.URL}}, WithLogger(logger.Discard()))
		require.NoError(t, p.Start(context.Background()))
		p.Stop()

		results := p.Results()
		require.Len(t, results, 1)
		assert.True(t, results[0].Reachable)
	})

	t.Run("empty schedule is idle", func(t *testing.T) {
		p := New(Config{}, []Target{{Name: "token", URL: srv.URL}})
		require.NoError(t, p.Start(context.Background()))
		_, ok := p.NextRun()
		assert.False(t, ok)
	})

	t.Run("invalid schedule", func(t *testing.T) {
		p := New(Config{Schedule: "not a schedule"}, nil)
		assert.Error(t, p.Start(context.Background()))
	})
}
