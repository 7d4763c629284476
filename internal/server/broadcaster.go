package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TickInterval is the fixed period between snapshots on one connection.
const TickInterval = 5 * time.Second

var (
	ErrBroadcasterClosed   = errors.New("broadcaster closed")
	ErrDuplicateConnection = errors.New("connection already attached")
	ErrUnknownConnection   = errors.New("unknown connection")
)

// Sink delivers messages to one subscriber. The broadcaster never calls Send
// concurrently for the same sink.
type Sink interface {
	Send(message Message) error
}

type BroadcasterOption func(*Broadcaster)

func WithBroadcastLogger(logger *slog.Logger) BroadcasterOption {
	return func(broadcaster *Broadcaster) {
		if logger != nil {
			broadcaster.logger = logger
		}
	}
}

func WithBroadcastMetrics(metrics *Metrics) BroadcasterOption {
	return func(broadcaster *Broadcaster) {
		broadcaster.metrics = metrics
	}
}

func WithPerturbationSeed(seed int64) BroadcasterOption {
	return func(broadcaster *Broadcaster) {
		broadcaster.perturb = newPerturber(seed)
	}
}

// Broadcaster pushes perturbed snapshots of the active sensors to every
// attached connection, each on its own timer.
type Broadcaster struct {
	store    Store
	interval time.Duration
	now      func() time.Time
	perturb  *perturber
	logger   *slog.Logger
	metrics  *Metrics

	mu          sync.Mutex
	connections map[uuid.UUID]*connection
	closed      bool
}

func NewBroadcaster(store Store, options ...BroadcasterOption) *Broadcaster {
	broadcaster := &Broadcaster{
		store:       store,
		interval:    TickInterval,
		now:         time.Now,
		perturb:     newPerturber(time.Now().UnixNano()),
		logger:      slog.Default(),
		connections: make(map[uuid.UUID]*connection),
	}
	for _, option := range options {
		option(broadcaster)
	}
	return broadcaster
}

type connection struct {
	id     uuid.UUID
	sink   Sink
	cancel context.CancelFunc
	done   chan struct{}

	sendMu   sync.Mutex
	detached bool
}

// send reports false without touching the sink once the connection is
// detached.
func (conn *connection) send(message Message) (bool, error) {
	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()

	if conn.detached {
		return false, nil
	}
	return true, conn.sink.Send(message)
}

func (conn *connection) stop() {
	conn.cancel()

	conn.sendMu.Lock()
	conn.detached = true
	conn.sendMu.Unlock()
}

// Attach registers a connection, sends its first snapshot and starts its
// timer. The connection lives until Detach, Close, or a failed send.
func (broadcaster *Broadcaster) Attach(ctx context.Context, id uuid.UUID, sink Sink) error {
	broadcaster.mu.Lock()
	if broadcaster.closed {
		broadcaster.mu.Unlock()
		return ErrBroadcasterClosed
	}
	if _, exists := broadcaster.connections[id]; exists {
		broadcaster.mu.Unlock()
		return ErrDuplicateConnection
	}

	connCtx, cancel := context.WithCancel(ctx)
	conn := &connection{
		id:     id,
		sink:   sink,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	broadcaster.connections[id] = conn
	broadcaster.mu.Unlock()

	broadcaster.metrics.connectionOpened()
	broadcaster.logger.Info("telemetry connection attached", slog.String("connection", id.String()))

	go broadcaster.run(connCtx, conn)
	return nil
}

// Detach stops the connection's timer and returns once no further message
// can reach its sink.
func (broadcaster *Broadcaster) Detach(id uuid.UUID) bool {
	conn := broadcaster.remove(id)
	if conn == nil {
		return false
	}

	conn.stop()
	<-conn.done

	broadcaster.metrics.connectionClosed()
	broadcaster.logger.Info("telemetry connection detached", slog.String("connection", id.String()))
	return true
}

// Request answers a single-sensor lookup on the given connection.
func (broadcaster *Broadcaster) Request(ctx context.Context, id uuid.UUID, sensorID string) error {
	broadcaster.mu.Lock()
	conn := broadcaster.connections[id]
	broadcaster.mu.Unlock()
	if conn == nil {
		return ErrUnknownConnection
	}

	message := broadcaster.lookup(ctx, sensorID)
	delivered, err := conn.send(message)
	if err != nil {
		broadcaster.drop(conn, err)
		return err
	}
	if delivered {
		broadcaster.metrics.messageSent(message.Kind)
	}
	return nil
}

func (broadcaster *Broadcaster) Connections() int {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	return len(broadcaster.connections)
}

// Close detaches every connection and rejects new ones.
func (broadcaster *Broadcaster) Close() {
	broadcaster.mu.Lock()
	broadcaster.closed = true
	ids := make([]uuid.UUID, 0, len(broadcaster.connections))
	for id := range broadcaster.connections {
		ids = append(ids, id)
	}
	broadcaster.mu.Unlock()

	for _, id := range ids {
		broadcaster.Detach(id)
	}
}

func (broadcaster *Broadcaster) run(ctx context.Context, conn *connection) {
	defer close(conn.done)

	ticker := time.NewTicker(broadcaster.interval)
	defer ticker.Stop()

	for {
		if err := broadcaster.tick(ctx, conn); err != nil {
			broadcaster.drop(conn, err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick reads the active sensors and pushes one snapshot, or an error frame
// when the store read fails. It returns an error only when the sink rejects
// a send.
func (broadcaster *Broadcaster) tick(ctx context.Context, conn *connection) error {
	started := time.Now()
	sensors, err := broadcaster.store.ActiveSensors(ctx)
	broadcaster.metrics.observeStoreRead(started)

	if ctx.Err() != nil {
		return nil
	}

	var message Message
	if err != nil {
		broadcaster.metrics.tick("store_error")
		broadcaster.logger.Warn("snapshot read failed",
			slog.String("connection", conn.id.String()),
			slog.Any("error", err),
		)
		message = ErrorMessage(EventSensorUpdate, storeErrorText(err))
	} else {
		now := broadcaster.now().UTC()
		message = SnapshotMessage(broadcaster.perturb.apply(sensors, now), now)
		broadcaster.metrics.tick("ok")
	}

	delivered, err := conn.send(message)
	if err != nil {
		return err
	}
	if delivered {
		broadcaster.metrics.messageSent(message.Kind)
	}
	return nil
}

func (broadcaster *Broadcaster) lookup(ctx context.Context, sensorID string) Message {
	if sensorID == "" {
		return ErrorMessage(EventSensorData, "sensorId is required")
	}

	sensor, err := broadcaster.store.SensorByID(ctx, sensorID)
	switch {
	case errors.Is(err, ErrSensorNotFound):
		return ErrorMessage(EventSensorData, fmt.Sprintf("sensor %s not found", sensorID))
	case err != nil:
		broadcaster.logger.Warn("sensor lookup failed",
			slog.String("sensor", sensorID),
			slog.Any("error", err),
		)
		return ErrorMessage(EventSensorData, storeErrorText(err))
	default:
		return SensorReplyMessage(sensor)
	}
}

// drop forgets a connection whose sink failed. It does not wait for the
// connection's goroutine, which may be the caller.
func (broadcaster *Broadcaster) drop(conn *connection, cause error) {
	removed := broadcaster.removeIf(conn)
	conn.stop()
	if removed {
		broadcaster.metrics.connectionClosed()
		broadcaster.logger.Info("telemetry connection lost",
			slog.String("connection", conn.id.String()),
			slog.Any("error", cause),
		)
	}
}

func (broadcaster *Broadcaster) remove(id uuid.UUID) *connection {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()

	conn := broadcaster.connections[id]
	delete(broadcaster.connections, id)
	return conn
}

func (broadcaster *Broadcaster) removeIf(conn *connection) bool {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()

	if broadcaster.connections[conn.id] != conn {
		return false
	}
	delete(broadcaster.connections, conn.id)
	return true
}

func storeErrorText(err error) string {
	if errors.Is(err, ErrStoreUnavailable) {
		return ErrStoreUnavailable.Error()
	}
	return "failed to fetch sensor data"
}
