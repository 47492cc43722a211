package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/missionctl/bridge/internal/common/config"
	gwclient "github.com/missionctl/bridge/internal/gateway/client"
)

type fakeHealthSource struct {
	state    gwclient.ConnectionState
	report   json.RawMessage
	probeErr error
}

func (f *fakeHealthSource) GetConnectionState() gwclient.ConnectionState {
	return f.state
}

func (f *fakeHealthSource) HealthCheck(ctx context.Context) (json.RawMessage, error) {
	return f.report, f.probeErr
}

const testSecret = "test-secret"

func newTestServer(t *testing.T, gateway *fakeGateway, health *fakeHealthSource) *Server {
	t.Helper()
	if health == nil {
		health = &fakeHealthSource{
			state: gwclient.ConnectionState{Connected: true, ReadyState: gwclient.StateConnected},
		}
	}
	cfg := config.ControlConfig{
		Port:         0,
		Secret:       testSecret,
		MaxBodyBytes: 1048576,
	}
	executor := NewExecutor(gateway, &fakeTracker{}, nil)
	return NewServer(cfg, executor, health, nil)
}

func doRequest(s *Server, method, path, secret string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestControlRequiresConfiguredSecret(t *testing.T) {
	gateway := &fakeGateway{}
	s := newTestServer(t, gateway, nil)
	s.cfg.Secret = ""

	rec := doRequest(s, http.MethodPost, "/api/control", "", []byte(`{}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestControlRejectsBadSecret(t *testing.T) {
	s := newTestServer(t, &fakeGateway{}, nil)

	rec := doRequest(s, http.MethodPost, "/api/control", "wrong", []byte(`{}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestControlAcceptsHeaderSecret(t *testing.T) {
	gateway := &fakeGateway{}
	s := newTestServer(t, gateway, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/control",
		strings.NewReader(`{"agentId":"agent_1","command":"pause"}`))
	req.Header.Set("bridge-control-secret", testSecret)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusAccepted, decodeBody(t, rec)["status"])
}

func TestControlOversizeBody(t *testing.T) {
	s := newTestServer(t, &fakeGateway{}, nil)

	body := bytes.Repeat([]byte("x"), 1048587)
	rec := doRequest(s, http.MethodPost, "/api/control", testSecret, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestControlInvalidJSON(t *testing.T) {
	s := newTestServer(t, &fakeGateway{}, nil)

	rec := doRequest(s, http.MethodPost, "/api/control", testSecret, []byte(`{"agentId":`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlPauseAccepted(t *testing.T) {
	gateway := &fakeGateway{}
	s := newTestServer(t, gateway, nil)

	rec := doRequest(s, http.MethodPost, "/api/control", testSecret,
		[]byte(`{"agentId":"agent_alpha","command":"agent.pause","requestId":"req-1"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, StatusAccepted, body["status"])
	assert.Equal(t, "req-1", body["requestId"])

	calls := gateway.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "agent:agent_alpha:main", calls[0].sessionKey)
	assert.Equal(t, "/stop", calls[0].message)
}

func TestControlRedirectMissingPayload(t *testing.T) {
	gateway := &fakeGateway{}
	s := newTestServer(t, gateway, nil)

	rec := doRequest(s, http.MethodPost, "/api/control", testSecret,
		[]byte(`{"agentId":"agent_1","command":"agent.redirect","params":{}}`))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, StatusRejected, body["status"])
	assert.Equal(t, "Missing task payload", body["error"])
	assert.Empty(t, gateway.recorded())
}

func TestControlGatewayFailureIsError(t *testing.T) {
	gateway := &fakeGateway{
		sendErr: map[string]error{
			"agent:agent_1:main": errors.New("write failed"),
		},
	}
	s := newTestServer(t, gateway, nil)

	rec := doRequest(s, http.MethodPost, "/api/control", testSecret,
		[]byte(`{"agentId":"agent_1","command":"pause"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusError, decodeBody(t, rec)["status"])
}

func TestControlBulkAccepted(t *testing.T) {
	gateway := &fakeGateway{}
	s := newTestServer(t, gateway, nil)

	rec := doRequest(s, http.MethodPost, "/api/control", testSecret,
		[]byte(`{"agentIds":["agent_a","agent_b"],"command":"agent.pause"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusAccepted, decodeBody(t, rec)["status"])
	assert.Len(t, gateway.recorded(), 2)
}

func TestControlGeneratesRequestID(t *testing.T) {
	s := newTestServer(t, &fakeGateway{}, nil)

	rec := doRequest(s, http.MethodPost, "/api/control", testSecret,
		[]byte(`{"agentId":"agent_1","command":"pause"}`))

	assert.NotEmpty(t, decodeBody(t, rec)["requestId"])
}

func TestHealthUnauthenticatedConnected(t *testing.T) {
	health := &fakeHealthSource{
		state:  gwclient.ConnectionState{Connected: true, ReadyState: gwclient.StateConnected},
		report: json.RawMessage(`{"uptime":42}`),
	}
	s := newTestServer(t, &fakeGateway{}, health)

	rec := doRequest(s, http.MethodGet, "/api/health", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	gateway := body["gateway"].(map[string]interface{})
	assert.Equal(t, true, gateway["connected"])
	// Unauthenticated probes never reach the gateway health RPC.
	assert.Nil(t, gateway["health"])
}

func TestHealthAuthenticatedProbeFailure(t *testing.T) {
	health := &fakeHealthSource{
		state:    gwclient.ConnectionState{Connected: true, ReadyState: gwclient.StateConnected},
		probeErr: errors.New("Gateway unreachable"),
	}
	s := newTestServer(t, &fakeGateway{}, health)

	rec := doRequest(s, http.MethodGet, "/api/health", testSecret, nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	gateway := body["gateway"].(map[string]interface{})
	assert.Contains(t, gateway["lastError"], "Gateway unreachable")
}

func TestHealthAuthenticatedProbeSuccess(t *testing.T) {
	health := &fakeHealthSource{
		state:  gwclient.ConnectionState{Connected: true, ReadyState: gwclient.StateConnected},
		report: json.RawMessage(`{"uptime":42}`),
	}
	s := newTestServer(t, &fakeGateway{}, health)

	rec := doRequest(s, http.MethodGet, "/health", testSecret, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	gateway := decodeBody(t, rec)["gateway"].(map[string]interface{})
	assert.Equal(t, float64(42), gateway["health"].(map[string]interface{})["uptime"])
}

func TestHealthDisconnected(t *testing.T) {
	health := &fakeHealthSource{
		state: gwclient.ConnectionState{Connected: false, ReadyState: gwclient.StateReconnecting},
	}
	s := newTestServer(t, &fakeGateway{}, health)

	rec := doRequest(s, http.MethodGet, "/api/health", "", nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decodeBody(t, rec)["status"])
}

func TestHealthWrongMethod(t *testing.T) {
	s := newTestServer(t, &fakeGateway{}, nil)

	rec := doRequest(s, http.MethodPost, "/api/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestUnknownPath(t *testing.T) {
	s := newTestServer(t, &fakeGateway{}, nil)

	rec := doRequest(s, http.MethodGet, "/api/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
