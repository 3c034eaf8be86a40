package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"delivery-tracker/internal/common/httpx"
	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/common/metrics"
	"delivery-tracker/internal/domain"
	"delivery-tracker/internal/microservices/tracker/eta"
	"delivery-tracker/internal/microservices/tracker/live"
	"delivery-tracker/internal/microservices/tracker/repository"
	"delivery-tracker/internal/microservices/tracker/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type env struct {
	store  *repository.MemoryStore
	server *httptest.Server
}

func newEnv(t *testing.T, health map[string]HealthCheck) *env {
	t.Helper()
	log := logger.NewWithWriter("tracking-service", io.Discard)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := repository.NewMemoryStore(nil)
	ch := live.NewChannel(store,
		live.WithLogger(log),
		live.WithMetrics(m),
		live.WithBackoff(live.BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond}),
	)
	svc := service.NewTrackerService(store, ch, service.Config{ETA: eta.DefaultConfig(), ETATick: time.Minute},
		service.WithLogger(log), service.WithMetrics(m))

	mux := Router(nil, New(svc, nil, log, health), reg)
	srv := httptest.NewServer(httpx.WithRequestLog(log, mux))
	t.Cleanup(srv.Close)
	return &env{store: store, server: srv}
}

func (e *env) seed(t *testing.T) domain.Order {
	t.Helper()
	o, err := e.store.AddOrder(context.Background(), domain.Order{
		OrderNumber: "ORD_20261016_007",
		Status:      domain.StatusPreparing,
		ETAMinutes:  domain.IntPtr(18),
	})
	require.NoError(t, err)
	return o
}

func get(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestGetStatus(t *testing.T) {
	e := newEnv(t, nil)
	o := e.seed(t)

	resp, body := get(t, e.server.URL+"/api/v1/tracking/orders/"+o.ID.String()+"/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(httpx.RequestIDHeader))
	assert.Equal(t, "preparing", body["status"])
	assert.Equal(t, float64(2), body["status_step_index"])
	assert.Equal(t, "18 min", body["eta_label"])
	assert.Equal(t, "ORD_20261016_007", body["order_number"])
}

func TestGetStatusErrors(t *testing.T) {
	e := newEnv(t, nil)

	resp, body := get(t, e.server.URL+"/api/v1/tracking/orders/"+uuid.NewString()+"/status")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["type"])

	resp, body = get(t, e.server.URL+"/api/v1/tracking/orders/not-a-uuid/status")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_order_id", body["type"])
}

func TestGetTimeline(t *testing.T) {
	e := newEnv(t, nil)
	o := e.seed(t)
	_, err := e.store.UpdateOrder(context.Background(), o.ID, "kitchen", func(o *domain.Order) error {
		o.Status = domain.StatusOutForDelivery
		return nil
	})
	require.NoError(t, err)

	resp, body := get(t, e.server.URL+"/api/v1/tracking/orders/"+o.ID.String()+"/timeline?limit=10")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	events, ok := body["events"].([]any)
	require.True(t, ok)
	require.Len(t, events, 2)
	last := events[1].(map[string]any)
	assert.Equal(t, "out_for_delivery", last["status"])
	assert.Equal(t, "kitchen", last["changed_by"])
}

func TestHealthz(t *testing.T) {
	ok := newEnv(t, map[string]HealthCheck{"db": func(context.Context) error { return nil }})
	resp, body := get(t, ok.server.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	bad := newEnv(t, map[string]HealthCheck{"db": func(context.Context) error { return errors.New("down") }})
	resp, body = get(t, bad.server.URL+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "down", body["checks"].(map[string]any)["db"])
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	resp, err := http.Get(e.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "tracking_sessions_active")
}

func dial(t *testing.T, e *env, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/api/v1/tracking/orders/" + id + "/live"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	return conn
}

func readState(t *testing.T, conn *websocket.Conn) service.TrackingState {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var st service.TrackingState
	require.NoError(t, conn.ReadJSON(&st))
	return st
}

func TestLiveStream(t *testing.T) {
	e := newEnv(t, nil)
	o := e.seed(t)

	conn := dial(t, e, o.ID.String())
	defer conn.Close()

	st := readState(t, conn)
	assert.Equal(t, domain.StatusPreparing, st.Status)
	require.Eventually(t, func() bool { return e.store.Subscribers(o.ID) == 1 }, 2*time.Second, time.Millisecond)

	_, err := e.store.UpdateOrder(context.Background(), o.ID, "test", func(o *domain.Order) error {
		o.Status = domain.StatusOutForDelivery
		o.RiderProgress = 0.25
		return nil
	})
	require.NoError(t, err)

	for st.Status != domain.StatusOutForDelivery {
		st = readState(t, conn)
	}
	assert.True(t, st.IsLive)
	assert.Equal(t, 0.25, st.RiderProgress)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return e.store.Subscribers(o.ID) == 0 }, 2*time.Second, time.Millisecond)
}

func TestLiveUnknownOrder(t *testing.T) {
	e := newEnv(t, nil)
	conn := dial(t, e, uuid.NewString())
	defer conn.Close()

	st := readState(t, conn)
	assert.True(t, st.NotFound)

	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
}

func TestLiveRejectsForeignOrigin(t *testing.T) {
	e := newEnv(t, nil)
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/api/v1/tracking/orders/" + uuid.NewString() + "/live"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
