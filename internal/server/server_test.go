package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testIngestKey = "dev-ingest-key"

// fakeStore serves from a MemoryStore and fails on demand.
type fakeStore struct {
	*MemoryStore
	upserted  []SensorInput
	listErr   error
	upsertErr error
	pingErr   error
}

func newFakeStore(t *testing.T, inputs ...SensorInput) *fakeStore {
	return &fakeStore{MemoryStore: newTestMemoryStore(t, inputs...)}
}

func (store *fakeStore) AllSensors(ctx context.Context) ([]Sensor, error) {
	if store.listErr != nil {
		return nil, store.listErr
	}
	return store.MemoryStore.AllSensors(ctx)
}

func (store *fakeStore) Count(ctx context.Context) (int, error) {
	if store.listErr != nil {
		return 0, store.listErr
	}
	return store.MemoryStore.Count(ctx)
}

func (store *fakeStore) Upsert(ctx context.Context, input SensorInput) (Sensor, error) {
	if store.upsertErr != nil {
		return Sensor{}, store.upsertErr
	}
	store.upserted = append(store.upserted, input)
	return store.MemoryStore.Upsert(ctx, input)
}

func (store *fakeStore) Ping(_ context.Context) error {
	return store.pingErr
}

func newTestAPI(store Store, options ...APIOption) *API {
	broadcaster := NewBroadcaster(store, WithPerturbationSeed(11))
	archive := NewMemoryArchive(50)
	archive.now = fixedClock(storeNow)
	ingestor := NewIngestor(store, archive, nil, nil)
	options = append([]APIOption{WithArchive(archive), WithIngest(testIngestKey, 100)}, options...)
	return NewAPI(store, broadcaster, ingestor, options...)
}

func decodeBody(t *testing.T, response *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(response.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return body
}

func ingestRequest(body string) *http.Request {
	request := httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewBufferString(body))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-API-Key", testIngestKey)
	return request
}

func TestHandleIngestAcceptsStringAndNumberPayloads(t *testing.T) {
	store := newFakeStore(t)
	handler := newTestAPI(store).Handler()

	payload := map[string]any{
		"sensorId":    "SN-011",
		"timestamp":   "1738886400000",
		"lat":         "19.05",
		"lng":         73.01,
		"temperature": "22.4",
		"pressure":    1013.2,
		"humidity":    "40.1",
		"pm1":         "2",
		"pm25":        12,
		"pm10":        "4",
		"location":    map[string]any{"city": "Airoli"},
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	response := httptest.NewRecorder()
	handler.ServeHTTP(response, ingestRequest(string(encoded)))

	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, response.Code, response.Body.String())
	}
	if len(store.upserted) != 1 {
		t.Fatalf("expected one stored reading, got %d", len(store.upserted))
	}

	data := decodeBody(t, response)["data"].(map[string]any)
	if data["aqi"] != 50.0 {
		t.Fatalf("expected derived aqi 50, got %v", data["aqi"])
	}
	if data["status"] != "active" {
		t.Fatalf("expected default status active, got %v", data["status"])
	}
	if data["lastReading"] != "2025-02-07T00:00:00Z" {
		t.Fatalf("expected lastReading from timestamp, got %v", data["lastReading"])
	}
}

func TestHandleIngestRejectsInvalidPayload(t *testing.T) {
	cases := []string{
		`{"sensorId":"SN-001","timestamp":"oops"}`,
		`{"pm25": 10}`,
		`{"sensorId":"SN-001","aqi": 10}`,
		`{"sensorId":"SN-001","pm25": -1}`,
		`{"sensorId":"SN-001","unknown": 1}`,
		`{"sensorId":"SN-001","status":"broken"}`,
		`{"sensorId":"SN-001","lat": 91}`,
		`not json`,
	}

	for _, body := range cases {
		store := newFakeStore(t)
		handler := newTestAPI(store).Handler()

		response := httptest.NewRecorder()
		handler.ServeHTTP(response, ingestRequest(body))

		if response.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status %d, got %d", body, http.StatusBadRequest, response.Code)
		}
		if len(store.upserted) != 0 {
			t.Fatalf("%s: expected no stored readings, got %d", body, len(store.upserted))
		}
	}
}

func TestHandleIngestRequiresAPIKey(t *testing.T) {
	store := newFakeStore(t)
	handler := newTestAPI(store).Handler()

	request := ingestRequest(`{"sensorId":"SN-001","pm25":10}`)
	request.Header.Set("X-API-Key", "wrong")
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, request)

	if response.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, response.Code)
	}
}

func TestHandleIngestReturnsInternalErrorWhenStoreFails(t *testing.T) {
	store := newFakeStore(t)
	store.upsertErr = errors.New("write failed")
	handler := newTestAPI(store).Handler()

	response := httptest.NewRecorder()
	handler.ServeHTTP(response, ingestRequest(`{"sensorId":"SN-001","pm25":"3"}`))

	if response.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, response.Code)
	}
}

func TestHandleIngestIsRateLimited(t *testing.T) {
	handler := newTestAPI(newFakeStore(t), WithIngest(testIngestKey, 2)).Handler()

	codes := make([]int, 0, 3)
	for attempt := 0; attempt < 3; attempt++ {
		response := httptest.NewRecorder()
		handler.ServeHTTP(response, ingestRequest(`{"sensorId":"SN-001","pm25":1}`))
		codes = append(codes, response.Code)
	}

	require.Equal(t, []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}, codes)
}

func TestHandleSensorsReturnsEveryStatus(t *testing.T) {
	store := newFakeStore(t,
		SensorInput{SensorID: "SN-001", PM25: 85},
		SensorInput{SensorID: "SN-002", PM25: 55, Status: StatusInactive},
		SensorInput{SensorID: "SN-003", PM25: 12, Status: StatusMaintenance},
	)
	handler := newTestAPI(store).Handler()

	for _, path := range []string{"/api/sensors", "/sensors"} {
		response := httptest.NewRecorder()
		handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, path, nil))

		if response.Code != http.StatusOK {
			t.Fatalf("%s: expected status %d, got %d", path, http.StatusOK, response.Code)
		}

		body := decodeBody(t, response)
		require.Equal(t, true, body["success"])
		require.Equal(t, 3.0, body["count"])
		require.Len(t, body["data"], 3)
	}
}

func TestHandleSensorsReportsStoreFailure(t *testing.T) {
	store := newFakeStore(t)
	store.listErr = errors.New("connection refused")
	handler := newTestAPI(store).Handler()

	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/api/sensors", nil))

	require.Equal(t, http.StatusInternalServerError, response.Code)
	body := decodeBody(t, response)
	require.Equal(t, false, body["success"])
	require.Equal(t, "failed to fetch sensors", body["error"])
}

func TestHandleSensorsReportsOpenBreaker(t *testing.T) {
	store := newFakeStore(t)
	store.listErr = errors.New("connection refused")
	guarded := NewBreakerStore(store, 1, time.Minute, nil)
	handler := newTestAPI(guarded).Handler()

	for _, expected := range []int{http.StatusInternalServerError, http.StatusServiceUnavailable} {
		response := httptest.NewRecorder()
		handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/api/sensors", nil))
		require.Equal(t, expected, response.Code)
	}
}

func TestHandleSensorByID(t *testing.T) {
	store := newFakeStore(t, SensorInput{SensorID: "SN-004", PM25: 55.4})
	handler := newTestAPI(store).Handler()

	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/api/sensors/SN-004", nil))
	require.Equal(t, http.StatusOK, response.Code)
	data := decodeBody(t, response)["data"].(map[string]any)
	require.Equal(t, 150.0, data["aqi"])

	missing := httptest.NewRecorder()
	handler.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/api/sensors/SN-404", nil))
	require.Equal(t, http.StatusNotFound, missing.Code)
	body := decodeBody(t, missing)
	require.Equal(t, false, body["success"])
	require.Equal(t, "sensor SN-404 not found", body["error"])
}

func TestHandleHistoryAndAdvisories(t *testing.T) {
	store := newFakeStore(t)
	handler := newTestAPI(store).Handler()

	for _, body := range []string{`{"sensorId":"SN-002","pm25":120}`, `{"sensorId":"SN-002","pm25":130}`} {
		response := httptest.NewRecorder()
		handler.ServeHTTP(response, ingestRequest(body))
		require.Equal(t, http.StatusAccepted, response.Code)
	}

	history := httptest.NewRecorder()
	handler.ServeHTTP(history, httptest.NewRequest(http.MethodGet, "/api/sensors/SN-002/history?minutes=30&limit=10", nil))
	require.Equal(t, http.StatusOK, history.Code)
	historyBody := decodeBody(t, history)
	require.Equal(t, true, historyBody["success"])
	require.Equal(t, "SN-002", historyBody["sensorId"])
	require.Equal(t, 2.0, historyBody["count"])

	badLimit := httptest.NewRecorder()
	handler.ServeHTTP(badLimit, httptest.NewRequest(http.MethodGet, "/api/sensors/SN-002/history?limit=0", nil))
	require.Equal(t, http.StatusBadRequest, badLimit.Code)

	advisories := httptest.NewRecorder()
	handler.ServeHTTP(advisories, httptest.NewRequest(http.MethodGet, "/api/sensors/SN-002/advisories", nil))
	require.Equal(t, http.StatusOK, advisories.Code)
	body := decodeBody(t, advisories)
	require.Equal(t, "Unhealthy", body["category"])
	require.NotEmpty(t, body["advisories"])
}

func TestHandleHealth(t *testing.T) {
	store := newFakeStore(t, SensorInput{SensorID: "SN-001"})
	handler := newTestAPI(store).Handler()

	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/health", nil))

	if response.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, response.Code)
	}
	body := decodeBody(t, response)
	if body["status"] != "ok" || body["sensors"] != 1.0 {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestHandleReady(t *testing.T) {
	handler := newTestAPI(newFakeStore(t)).Handler()

	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if response.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, response.Code)
	}
}

func TestHandleReadyReturnsServiceUnavailableWhenStoreUnreachable(t *testing.T) {
	store := newFakeStore(t)
	store.pingErr = errors.New("db down")
	handler := newTestAPI(store).Handler()

	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, response.Code)
	}
}

func TestHandleReadyChecksOptionalDependencies(t *testing.T) {
	handler := newTestAPI(newFakeStore(t), WithReadinessCheck(ReadinessCheck{
		Name:  "mqtt",
		Check: func(context.Context) error { return errors.New("not connected") },
	})).Handler()

	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, response.Code)
	require.Equal(t, "not ready: mqtt", decodeBody(t, response)["error"])
}

func TestCORSPreflight(t *testing.T) {
	handler := newTestAPI(newFakeStore(t), WithCORSOrigin("https://dashboard.example")).Handler()

	request := httptest.NewRequest(http.MethodOptions, "/api/ingest", nil)
	request.Header.Set("Origin", "https://dashboard.example")
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, request)

	require.Equal(t, http.StatusNoContent, response.Code)
	require.Equal(t, "https://dashboard.example", response.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	handler := newTestAPI(newFakeStore(t), WithMetrics(NewMetrics())).Handler()

	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, response.Code)
	require.Contains(t, response.Body.String(), "airwatch_broadcast_connections")
}

func dialSocket(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestSocketDeliversSnapshotAndSensorReplies(t *testing.T) {
	store := newFakeStore(t,
		SensorInput{SensorID: "SN-001", PM25: 85},
		SensorInput{SensorID: "SN-002", PM25: 55},
		SensorInput{SensorID: "SN-003", PM25: 12},
		SensorInput{SensorID: "SN-004", PM25: 40, Status: StatusInactive},
	)
	api := newTestAPI(store)
	server := httptest.NewServer(api.Handler())
	defer server.Close()
	defer api.broadcaster.Close()

	conn := dialSocket(t, server)

	snapshot := readFrame(t, conn)
	require.Equal(t, EventSensorUpdate, snapshot.Event)
	require.True(t, snapshot.Success)
	message, err := snapshot.Decode()
	require.NoError(t, err)
	require.Len(t, message.Sensors, 3)
	for _, sensor := range message.Sensors {
		require.GreaterOrEqual(t, sensor.PM25, 0.0)
		require.GreaterOrEqual(t, sensor.PM10, 0.0)
	}

	require.NoError(t, conn.WriteJSON(ClientRequest{Event: EventRequestSensorData, SensorID: "SN-004"}))
	reply := readFrame(t, conn)
	require.Equal(t, EventSensorData, reply.Event)
	require.True(t, reply.Success)

	require.NoError(t, conn.WriteJSON(ClientRequest{Event: EventRequestSensorData, SensorID: "SN-404"}))
	missing := readFrame(t, conn)
	require.Equal(t, EventSensorData, missing.Event)
	require.False(t, missing.Success)
	require.Equal(t, "sensor SN-404 not found", missing.Error)
}

func TestSocketCloseDetachesConnection(t *testing.T) {
	api := newTestAPI(newFakeStore(t, SensorInput{SensorID: "SN-001"}))
	server := httptest.NewServer(api.Handler())
	defer server.Close()
	defer api.broadcaster.Close()

	conn := dialSocket(t, server)
	readFrame(t, conn)
	require.Equal(t, 1, api.broadcaster.Connections())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return api.broadcaster.Connections() == 0
	}, 3*time.Second, 10*time.Millisecond)
}
