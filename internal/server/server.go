package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// ReadinessCheck reports whether an optional dependency is usable.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type APIOption func(*API)

func WithArchive(archive Archive) APIOption {
	return func(api *API) {
		api.archive = archive
	}
}

func WithAdvisor(advisor *Advisor) APIOption {
	return func(api *API) {
		api.advisor = advisor
	}
}

func WithMetrics(metrics *Metrics) APIOption {
	return func(api *API) {
		api.metrics = metrics
	}
}

func WithLogger(logger *slog.Logger) APIOption {
	return func(api *API) {
		if logger != nil {
			api.logger = logger
		}
	}
}

func WithIngest(apiKey string, perMinute int) APIOption {
	return func(api *API) {
		api.ingestAPIKey = strings.TrimSpace(apiKey)
		api.ingestLimiter = newRateLimiter(perMinute, time.Minute)
	}
}

func WithCORSOrigin(origin string) APIOption {
	return func(api *API) {
		if origin = strings.TrimSpace(origin); origin != "" {
			api.allowOrigin = origin
		}
	}
}

func WithTrustedProxy(trusted bool) APIOption {
	return func(api *API) {
		api.trustProxyHeaders = trusted
	}
}

func WithReadinessCheck(check ReadinessCheck) APIOption {
	return func(api *API) {
		api.readiness = append(api.readiness, check)
	}
}

type API struct {
	store       Store
	broadcaster *Broadcaster
	ingestor    *Ingestor
	archive     Archive
	advisor     *Advisor
	metrics     *Metrics
	logger      *slog.Logger

	ingestAPIKey      string
	ingestLimiter     *rateLimiter
	allowOrigin       string
	trustProxyHeaders bool
	readiness         []ReadinessCheck
	upgrader          websocket.Upgrader
}

func NewAPI(store Store, broadcaster *Broadcaster, ingestor *Ingestor, options ...APIOption) *API {
	api := &API{
		store:         store,
		broadcaster:   broadcaster,
		ingestor:      ingestor,
		logger:        slog.Default(),
		allowOrigin:   "*",
		ingestLimiter: newRateLimiter(120, time.Minute),
	}
	for _, option := range options {
		option(api)
	}
	if api.advisor == nil {
		api.advisor = NewAdvisor(api.archive, 30*time.Second)
	}
	api.upgrader = api.newUpgrader()
	return api
}

func (api *API) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	if api.trustProxyHeaders {
		router.Use(middleware.RealIP)
	}
	router.Use(api.logFailures)
	router.Use(api.cors)
	router.Use(middleware.Recoverer)

	router.Get("/health", api.handleHealth)
	router.Get("/ready", api.handleReady)
	if api.metrics != nil {
		router.Method(http.MethodGet, "/metrics", api.metrics.Handler())
	}
	router.Get("/ws", api.handleSocket)
	router.Get("/sensors", api.handleSensors)

	router.Route("/api", func(router chi.Router) {
		router.Get("/sensors", api.handleSensors)
		router.Get("/sensors/{sensorId}", api.handleSensor)
		router.Get("/sensors/{sensorId}/history", api.handleHistory)
		router.Get("/sensors/{sensorId}/advisories", api.handleAdvisories)
		router.With(api.ingestLimiter.middleware).Post("/ingest", api.handleIngest)
	})

	router.NotFound(func(response http.ResponseWriter, _ *http.Request) {
		writeError(response, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowed(func(response http.ResponseWriter, _ *http.Request) {
		writeError(response, http.StatusMethodNotAllowed, "method not allowed")
	})
	return router
}

func (api *API) handleHealth(response http.ResponseWriter, request *http.Request) {
	sensors, err := api.store.Count(request.Context())
	if err != nil {
		api.logError(request.Context(), "count sensors", err)
		writeError(response, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	writeJSON(response, http.StatusOK, map[string]any{
		"status":      "ok",
		"sensors":     sensors,
		"connections": api.broadcaster.Connections(),
	})
}

func (api *API) handleReady(response http.ResponseWriter, request *http.Request) {
	ctx, cancel := context.WithTimeout(request.Context(), 3*time.Second)
	defer cancel()

	if err := api.store.Ping(ctx); err != nil {
		api.logError(ctx, "store ping", err)
		writeError(response, http.StatusServiceUnavailable, "not ready: store")
		return
	}
	for _, check := range api.readiness {
		if err := check.Check(ctx); err != nil {
			api.logError(ctx, "readiness "+check.Name, err)
			writeError(response, http.StatusServiceUnavailable, "not ready: "+check.Name)
			return
		}
	}

	writeJSON(response, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// handleSensors is the polling fallback: every sensor regardless of status.
func (api *API) handleSensors(response http.ResponseWriter, request *http.Request) {
	sensors, err := api.store.AllSensors(request.Context())
	if err != nil {
		api.logError(request.Context(), "list sensors", err)
		writeStoreError(response, err, "failed to fetch sensors")
		return
	}

	writeJSON(response, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(sensors),
		"data":    sensors,
	})
}

func (api *API) handleSensor(response http.ResponseWriter, request *http.Request) {
	sensor, ok := api.lookupSensor(response, request)
	if !ok {
		return
	}
	writeJSON(response, http.StatusOK, map[string]any{"success": true, "data": sensor})
}

func (api *API) handleHistory(response http.ResponseWriter, request *http.Request) {
	if api.archive == nil {
		writeError(response, http.StatusNotFound, "history archive not configured")
		return
	}

	sensor, ok := api.lookupSensor(response, request)
	if !ok {
		return
	}

	window := defaultHistoryWindow
	if raw := request.URL.Query().Get("minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes < 1 || time.Duration(minutes)*time.Minute > maxHistoryWindow {
			writeError(response, http.StatusBadRequest, fmt.Sprintf("minutes must be between 1 and %d", int(maxHistoryWindow/time.Minute)))
			return
		}
		window = time.Duration(minutes) * time.Minute
	}

	limit := defaultHistoryLimit
	if raw := request.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxHistoryLimit {
			writeError(response, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit))
			return
		}
		limit = parsed
	}

	points, err := api.archive.History(request.Context(), sensor.SensorID, window, limit)
	if err != nil {
		api.logError(request.Context(), "read history", err)
		writeError(response, http.StatusBadGateway, "failed to read history")
		return
	}

	writeJSON(response, http.StatusOK, map[string]any{
		"success":  true,
		"sensorId": sensor.SensorID,
		"count":    len(points),
		"data":     points,
	})
}

func (api *API) handleAdvisories(response http.ResponseWriter, request *http.Request) {
	sensor, ok := api.lookupSensor(response, request)
	if !ok {
		return
	}

	advisories, err := api.advisor.Advise(request.Context(), sensor)
	if err != nil {
		api.logError(request.Context(), "build advisories", err)
		writeError(response, http.StatusBadGateway, "failed to build advisories")
		return
	}

	writeJSON(response, http.StatusOK, map[string]any{
		"success":    true,
		"sensorId":   sensor.SensorID,
		"aqi":        sensor.AQI,
		"category":   sensor.Category(),
		"advisories": advisories,
	})
}

func (api *API) handleIngest(response http.ResponseWriter, request *http.Request) {
	if !api.authorizedIngest(request) {
		writeError(response, http.StatusUnauthorized, "unauthorized")
		return
	}

	request.Body = http.MaxBytesReader(response, request.Body, 1<<20)
	payload, err := io.ReadAll(request.Body)
	if err != nil {
		writeError(response, http.StatusBadRequest, "invalid request body")
		return
	}

	input, err := DecodeReading(payload)
	if err != nil {
		writeError(response, http.StatusBadRequest, err.Error())
		return
	}

	sensor, err := api.ingestor.Ingest(request.Context(), SourceHTTP, input)
	if err != nil {
		api.logError(request.Context(), "ingest reading", err)
		writeError(response, http.StatusInternalServerError, "failed to persist reading")
		return
	}

	writeJSON(response, http.StatusAccepted, map[string]any{
		"success": true,
		"data":    sensor,
	})
}

func (api *API) authorizedIngest(request *http.Request) bool {
	if api.ingestAPIKey == "" {
		return false
	}
	provided := strings.TrimSpace(request.Header.Get("X-API-Key"))
	return subtle.ConstantTimeCompare([]byte(provided), []byte(api.ingestAPIKey)) == 1
}

func (api *API) lookupSensor(response http.ResponseWriter, request *http.Request) (Sensor, bool) {
	sensorID := strings.TrimSpace(chi.URLParam(request, "sensorId"))
	if !ValidSensorID(sensorID) {
		writeError(response, http.StatusBadRequest, "invalid sensor id")
		return Sensor{}, false
	}

	sensor, err := api.store.SensorByID(request.Context(), sensorID)
	if errors.Is(err, ErrSensorNotFound) {
		writeError(response, http.StatusNotFound, fmt.Sprintf("sensor %s not found", sensorID))
		return Sensor{}, false
	}
	if err != nil {
		api.logError(request.Context(), "fetch sensor", err)
		writeStoreError(response, err, "failed to fetch sensor")
		return Sensor{}, false
	}
	return sensor, true
}

func (api *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		header := response.Header()
		header.Set("Access-Control-Allow-Origin", api.allowOrigin)
		header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		header.Set("Access-Control-Allow-Headers", "Content-Type,X-API-Key")
		if api.allowOrigin != "*" {
			header.Add("Vary", "Origin")
		}

		if request.Method == http.MethodOptions {
			response.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(response, request)
	})
}

// logFailures logs server-side failures with the request id. The wrapped
// writer keeps http.Hijacker so the socket upgrade still works.
func (api *API) logFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		wrapped := middleware.NewWrapResponseWriter(response, request.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(wrapped, request)

		if wrapped.Status() >= http.StatusInternalServerError {
			api.logger.Warn("request failed",
				slog.String("req_id", middleware.GetReqID(request.Context())),
				slog.String("method", request.Method),
				slog.String("path", request.URL.Path),
				slog.Int("status", wrapped.Status()),
				slog.Duration("duration", time.Since(started)),
			)
		}
	})
}

func (api *API) logError(ctx context.Context, message string, err error) {
	api.logger.Error(message,
		slog.String("req_id", middleware.GetReqID(ctx)),
		slog.Any("error", err),
	)
}

func writeStoreError(response http.ResponseWriter, err error, message string) {
	if errors.Is(err, ErrStoreUnavailable) {
		writeError(response, http.StatusServiceUnavailable, ErrStoreUnavailable.Error())
		return
	}
	writeError(response, http.StatusInternalServerError, message)
}

func writeJSON(response http.ResponseWriter, statusCode int, payload any) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(statusCode)
	_ = json.NewEncoder(response).Encode(payload)
}

func writeError(response http.ResponseWriter, statusCode int, message string) {
	writeJSON(response, statusCode, map[string]any{"success": false, "error": message})
}
