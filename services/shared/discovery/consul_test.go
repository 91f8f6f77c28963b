package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	mu           sync.Mutex
	registered   map[string]any
	deregistered string
	leader       string
}

func newFakeAgent(t *testing.T) (*fakeAgent, *httptest.Server) {
	t.Helper()
	agent := &fakeAgent{leader: "10.0.0.1:8300"}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status/leader", func(w http.ResponseWriter, _ *http.Request) {
		agent.mu.Lock()
		defer agent.mu.Unlock()
		_ = json.NewEncoder(w).Encode(agent.leader)
	})
	mux.HandleFunc("PUT /v1/agent/service/register", func(w http.ResponseWriter, r *http.Request) {
		agent.mu.Lock()
		defer agent.mu.Unlock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&agent.registered))
	})
	mux.HandleFunc("PUT /v1/agent/service/deregister/{id}", func(w http.ResponseWriter, r *http.Request) {
		agent.mu.Lock()
		defer agent.mu.Unlock()
		agent.deregistered = r.PathValue("id")
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return agent, srv
}

func TestClient_RegisterAndDeregister(t *testing.T) {
	agent, srv := newFakeAgent(t)

	c, err := NewClient(Config{Address: srv.URL})
	require.NoError(t, err)

	err = c.Register(context.Background(), Registration{
		ID:        "kakao-gateway-1",
		Name:      "kakao-gateway",
		Address:   "10.0.0.5",
		Port:      8000,
		Tags:      []string{"oauth"},
		HealthURL: "http://10.0.0.5:9000/health/ready",
	})
	require.NoError(t, err)

	agent.mu.Lock()
	assert.Equal(t, "kakao-gateway-1", agent.registered["ID"])
	assert.Equal(t, "kakao-gateway", agent.registered["Name"])
	assert.EqualValues(t, 8000, agent.registered["Port"])
	check, ok := agent.registered["Check"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "http://10.0.0.5:9000/health/ready", check["HTTP"])
	agent.mu.Unlock()

	require.NoError(t, c.Deregister(context.Background(), "kakao-gateway-1"))
	agent.mu.Lock()
	assert.Equal(t, "kakao-gateway-1", agent.deregistered)
	agent.mu.Unlock()
}

func TestClient_Ping(t *testing.T) {
	agent, srv := newFakeAgent(t)

	c, err := NewClient(Config{Address: srv.URL})
	require.NoError(t, err)
	assert.NoError(t, c.Ping(context.Background()))

	agent.mu.Lock()
	agent.leader = ""
	agent.mu.Unlock()
	assert.Error(t, c.Ping(context.Background()))
}

func TestNewClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := NewClient(Config{Address: srv.URL})
	assert.Error(t, err)
}
