package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/fieldgate/internal/alert"
	"github.com/y001j/fieldgate/internal/fanout"
	"github.com/y001j/fieldgate/internal/model"
	"github.com/y001j/fieldgate/internal/security"
	"github.com/y001j/fieldgate/internal/southbound"
)

type stubClient struct {
	name  string
	state model.ConnectionState
}

func (c *stubClient) Name() string                     { return c.name }
func (c *stubClient) Init(cfg southbound.Config) error { return nil }
func (c *stubClient) Connect(ctx context.Context) error {
	return nil
}
func (c *stubClient) ReadValue(ctx context.Context, id string) (southbound.ReadResult, error) {
	return southbound.ReadResult{Value: 1.0, Quality: model.QualityGood, Timestamp: time.Now()}, nil
}
func (c *stubClient) Status() map[string]interface{} {
	return map[string]interface{}{"name": c.name}
}
func (c *stubClient) State() model.ConnectionState { return c.state }
func (c *stubClient) Close() error                 { return nil }

func newTestServer(t *testing.T) (*Server, *security.Guard) {
	t.Helper()
	hb := time.Now()
	client := &stubClient{
		name: "plant-a",
		state: model.ConnectionState{
			Available: true, Connected: true,
			Status: model.StatusReady, LastHeartbeat: &hb,
		},
	}
	guard := security.NewGuard(client, security.StaticEnvironment{})

	b := fanout.NewBroadcaster()
	t.Cleanup(b.Close)

	return NewServer(Deps{
		Engine:      alert.NewEngine(),
		Broadcaster: b,
		Guards:      map[string]*security.Guard{"plant-a": guard},
	}), guard
}

func doRequest(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func TestConnectionsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w, resp := doRequest(t, s, http.MethodGet, "/api/v1/connections", "")
	require.Equal(t, http.StatusOK, w.Code)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var views []connectionView
	require.NoError(t, json.Unmarshal(data, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "plant-a", views[0].Name)
	assert.Equal(t, "FULLY_AVAILABLE", views[0].Availability)
	assert.InDelta(t, 100, views[0].HealthScore, 1e-9)
}

func TestSecurityEndpoints(t *testing.T) {
	s, guard := newTestServer(t)
	guard.LogSecurityEvent("connection_established", map[string]interface{}{"attempt": 1})

	w, _ := doRequest(t, s, http.MethodGet, "/api/v1/security/status", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp := doRequest(t, s, http.MethodGet, "/api/v1/security/events?connection=plant-a&limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var events []model.SecurityEvent
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "connection_established", events[0].EventType)

	w, _ = doRequest(t, s, http.MethodGet, "/api/v1/security/events?connection=nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = doRequest(t, s, http.MethodPost, "/api/v1/security/connections/plant-a/reset", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, guard.SecurityStatus().AttemptCount)
}

func TestAlertRuleEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w, resp := doRequest(t, s, http.MethodGet, "/api/v1/alerts/rules", "")
	require.Equal(t, http.StatusOK, w.Code)
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var rules []model.AlertRule
	require.NoError(t, json.Unmarshal(data, &rules))
	assert.Len(t, rules, 3) // 默认规则集

	w, _ = doRequest(t, s, http.MethodPost, "/api/v1/alerts/rules",
		`{"sensor_type":"humidity","condition":"greater_than","threshold":95}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = doRequest(t, s, http.MethodPost, "/api/v1/alerts/rules",
		`{"sensor_type":"humidity","condition":"between","threshold":95}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doRequest(t, s, http.MethodDelete, "/api/v1/alerts/rules/3", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = doRequest(t, s, http.MethodDelete, "/api/v1/alerts/rules/99", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOptionalStoresUnavailable(t *testing.T) {
	s, _ := newTestServer(t)

	w, _ := doRequest(t, s, http.MethodGet, "/api/v1/alerts/history", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w, _ = doRequest(t, s, http.MethodGet, "/api/v1/readings/unit1", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestFanoutStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w, resp := doRequest(t, s, http.MethodGet, "/api/v1/fanout/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var st fanout.Status
	require.NoError(t, json.Unmarshal(data, &st))
	assert.True(t, st.Active)
	assert.Zero(t, st.SubscriberCount)
}
