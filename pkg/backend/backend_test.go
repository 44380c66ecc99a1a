package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consus-energy/lanzone-edge/pkg/state"
	"github.com/consus-energy/lanzone-edge/pkg/types"
)

type recordedRequest struct {
	path string
	auth string
	body []byte
}

type captureServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	response string
	server   *httptest.Server
}

func newCaptureServer(t *testing.T) *captureServer {
	t.Helper()
	cs := &captureServer{status: http.StatusOK, response: "{}"}
	cs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		cs.mu.Lock()
		cs.requests = append(cs.requests, recordedRequest{
			path: r.URL.RequestURI(),
			auth: r.Header.Get("Authorization"),
			body: body,
		})
		status, response := cs.status, cs.response
		cs.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(cs.server.Close)
	return cs
}

func (cs *captureServer) count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.requests)
}

func (cs *captureServer) last() recordedRequest {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.requests[len(cs.requests)-1]
}

func newBackendFixture(t *testing.T, cs *captureServer) (*state.Store, *Client) {
	t.Helper()
	s := state.NewStore(state.StoreConfig{TZ: time.UTC})
	s.UpdateComms(types.CommsSettings{
		APIBaseURL:               cs.server.URL,
		IngestEndpoint:           "/ingest",
		ModbusValidationEndpoint: "/modbus/validate",
		GroupID:                  "lz-1",
		APIKey:                   "secret",
	})
	return s, NewClient(s)
}

func TestPostTelemetry(t *testing.T) {
	cs := newCaptureServer(t)
	_, client := newBackendFixture(t, cs)

	batch := []types.TelemetryPayload{
		types.NewTelemetry("u1", "active", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), map[string]int{"battery_soc": 70}),
	}
	require.NoError(t, client.PostTelemetry(batch))

	req := cs.last()
	assert.Equal(t, "/ingest", req.path)
	assert.Equal(t, "Bearer secret", req.auth)

	var decoded []types.TelemetryPayload
	require.NoError(t, json.Unmarshal(req.body, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "u1", decoded[0].ConsusID)
	assert.Equal(t, "modbus", decoded[0].SourceType)
}

func TestPostTelemetryEmptyBatchSkipsRequest(t *testing.T) {
	cs := newCaptureServer(t)
	_, client := newBackendFixture(t, cs)
	require.NoError(t, client.PostTelemetry(nil))
	assert.Equal(t, 0, cs.count())
}

func TestPostAlertsDefaultEndpoint(t *testing.T) {
	cs := newCaptureServer(t)
	_, client := newBackendFixture(t, cs)

	events := []types.AlertEvent{{SiteID: "u1", Code: "BMS_ALARM", Severity: types.SeverityCritical, State: types.AlertStateActive}}
	require.NoError(t, client.PostAlerts(events))
	assert.Equal(t, DefaultHealthEndpoint, cs.last().path)
}

func TestPostErrorStatusSurfaced(t *testing.T) {
	cs := newCaptureServer(t)
	cs.status = http.StatusBadGateway
	_, client := newBackendFixture(t, cs)

	err := client.PostTelemetry([]types.TelemetryPayload{{ConsusID: "u1"}})
	assert.ErrorContains(t, err, "502")
}

func TestInitStateSeedsStore(t *testing.T) {
	cs := newCaptureServer(t)
	cs.response = `{
	  "settings": {"frequency": 1, "posting_interval_seconds": 10, "edge_status": "active",
	               "import_charge_power_w": 3000, "target_soc_percent": 95},
	  "batteries": [{"consus_id": "u1", "MODBUS_IP": "10.0.0.5", "MODBUS_PORT": 502, "battery_mode": "active"}],
	  "tasks": [{"consus_id": "u1", "task_type": "static", "task_code": "daily",
	             "charge_window_start": "01:00", "charge_window_end": "05:00"}]
	}`
	s, client := newBackendFixture(t, cs)

	payload, err := client.InitState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/edge/init?lanzone_id=lz-1", cs.last().path)

	payload.Seed(s)
	assert.Equal(t, types.EdgeStatusActive, s.Settings().EdgeStatus)
	cfg, ok := s.BatteryConfig("u1")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", cfg.ModbusIP)
	assert.Equal(t, "static", s.GetTaskType("u1"))
}

func TestSinkFlushesBatch(t *testing.T) {
	cs := newCaptureServer(t)
	_, client := newBackendFixture(t, cs)

	sink := NewSink(client, time.Hour) // flush manually
	sink.Add(types.NewTelemetry("u1", "active", time.Now().UTC(), map[string]int{"battery_soc": 70}))
	sink.Add(types.NewTelemetry("u2", "idle", time.Now().UTC(), map[string]int{"battery_soc": 55}))

	sink.flush()
	require.Equal(t, 1, cs.count(), "both records in one batch")

	var decoded []types.TelemetryPayload
	require.NoError(t, json.Unmarshal(cs.last().body, &decoded))
	assert.Len(t, decoded, 2)

	sink.flush()
	assert.Equal(t, 1, cs.count(), "empty queue posts nothing")
}

func TestSinkDropsOnOverflow(t *testing.T) {
	cs := newCaptureServer(t)
	_, client := newBackendFixture(t, cs)
	sink := NewSink(client, time.Hour)

	for i := 0; i < DefaultQueueCap+10; i++ {
		sink.Add(types.TelemetryPayload{ConsusID: "u1"})
	}
	assert.Len(t, sink.queue, DefaultQueueCap)
}

func TestSinkStartIdempotentAndStops(t *testing.T) {
	cs := newCaptureServer(t)
	_, client := newBackendFixture(t, cs)
	sink := NewSink(client, 50*time.Millisecond)

	assert.False(t, sink.IsActive())
	sink.Start()
	sink.Start() // no-op
	assert.True(t, sink.IsActive())

	sink.Add(types.TelemetryPayload{ConsusID: "u1"})
	require.Eventually(t, func() bool { return cs.count() >= 1 }, 2*time.Second, 10*time.Millisecond)

	sink.Stop()
	assert.False(t, sink.IsActive())
}

func TestSinkFailedBatchDropped(t *testing.T) {
	cs := newCaptureServer(t)
	cs.status = http.StatusInternalServerError
	_, client := newBackendFixture(t, cs)
	sink := NewSink(client, time.Hour)

	sink.Add(types.TelemetryPayload{ConsusID: "u1"})
	sink.flush()
	assert.Len(t, sink.queue, 0, "failed batch is not requeued")
}
