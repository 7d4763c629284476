// Package subscriber consumes the live sensor channel and falls back to
// polling the REST list whenever the channel reports an error or drops.
package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"airwatch/backend/internal/server"
)

var ErrNotConnected = errors.New("subscriber: channel not connected")

type State int

const (
	StateConnecting State = iota + 1
	StateLive
	StateFallback
	StateClosed
)

func (state State) String() string {
	switch state {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateFallback:
		return "fallback"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	EventSnapshot EventKind = iota + 1
	EventSensor
	EventError
	EventStateChange
)

// Event is delivered on Client.Events. Snapshot events built from a REST
// poll have Polled set.
type Event struct {
	Kind      EventKind
	State     State
	Timestamp time.Time
	Sensors   []server.Sensor
	Sensor    *server.Sensor
	Channel   string
	Err       string
	Polled    bool
}

type Options struct {
	SocketURL      string
	RESTURL        string
	PollInterval   time.Duration
	RedialInitial  time.Duration
	RedialAttempts int
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
	Logger         *slog.Logger
}

// URLsFromBase derives the socket and REST endpoints from a server base URL
// such as http://localhost:5000.
func URLsFromBase(base string) (socketURL string, restURL string, err error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil {
		return "", "", fmt.Errorf("parse base url: %w", err)
	}

	socket := *parsed
	switch parsed.Scheme {
	case "http":
		socket.Scheme = "ws"
	case "https":
		socket.Scheme = "wss"
	default:
		return "", "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	socket.Path = parsed.Path + "/ws"

	rest := *parsed
	rest.Path = parsed.Path + "/api/sensors"
	return socket.String(), rest.String(), nil
}

type Client struct {
	options Options
	logger  *slog.Logger
	events  chan Event

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
}

func New(options Options) *Client {
	if options.PollInterval <= 0 {
		options.PollInterval = 5 * time.Second
	}
	if options.RedialInitial <= 0 {
		options.RedialInitial = time.Second
	}
	if options.RedialAttempts < 1 {
		options.RedialAttempts = 5
	}
	if options.HTTPClient == nil {
		options.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if options.Dialer == nil {
		options.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		options: options,
		logger:  logger,
		events:  make(chan Event, 64),
	}
}

// Events is closed when Run returns.
func (client *Client) Events() <-chan Event {
	return client.events
}

func (client *Client) State() State {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.state
}

// RequestSensor asks the server for one sensor. The reply arrives as an
// EventSensor, or an EventError on the sensorData channel when unknown.
func (client *Client) RequestSensor(sensorID string) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.state != StateLive || client.conn == nil {
		return ErrNotConnected
	}
	if err := client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return client.conn.WriteJSON(server.ClientRequest{Event: server.EventRequestSensorData, SensorID: sensorID})
}

// Run drives the client until ctx ends. It must be called once.
func (client *Client) Run(ctx context.Context) error {
	defer client.finish()

	client.setState(ctx, StateConnecting)
	conn, err := client.dial(ctx)
	for {
		if err == nil {
			client.live(ctx, conn)
		} else if ctx.Err() == nil {
			client.emit(ctx, Event{Kind: EventError, Err: err.Error()})
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err = client.fallback(ctx)
	}
}

func (client *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, response, err := client.options.Dialer.DialContext(ctx, client.options.SocketURL, nil)
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", client.options.SocketURL, err)
	}
	return conn, nil
}

func (client *Client) live(ctx context.Context, conn *websocket.Conn) {
	client.mu.Lock()
	client.conn = conn
	client.mu.Unlock()
	client.setState(ctx, StateLive)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			client.mu.Lock()
			client.conn = nil
			client.mu.Unlock()
			_ = conn.Close()

			if ctx.Err() == nil {
				client.emit(ctx, Event{Kind: EventError, Err: fmt.Sprintf("channel lost: %v", err)})
			}
			return
		}

		var frame server.Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			client.logger.Debug("ignoring malformed frame", slog.Any("error", err))
			continue
		}
		message, err := frame.Decode()
		if err != nil {
			client.logger.Debug("ignoring undecodable frame", slog.String("event", frame.Event), slog.Any("error", err))
			continue
		}
		client.emit(ctx, eventOf(message))
	}
}

func eventOf(message server.Message) Event {
	switch message.Kind {
	case server.KindSnapshot:
		return Event{Kind: EventSnapshot, Channel: message.Event, Timestamp: message.Timestamp, Sensors: message.Sensors}
	case server.KindSensorReply:
		return Event{Kind: EventSensor, Channel: message.Event, Sensor: message.Sensor}
	default:
		return Event{Kind: EventError, Channel: message.Event, Err: message.Err}
	}
}

// fallback polls the REST list right away and on every PollInterval while a
// background loop redials. It returns the new connection once one succeeds.
func (client *Client) fallback(ctx context.Context) (*websocket.Conn, error) {
	client.setState(ctx, StateFallback)

	redialCtx, cancel := context.WithCancel(ctx)
	redialed := make(chan *websocket.Conn, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.redial(redialCtx, redialed)
	}()
	defer func() {
		cancel()
		<-done
		select {
		case conn := <-redialed:
			_ = conn.Close()
		default:
		}
	}()

	client.poll(ctx)
	ticker := time.NewTicker(client.options.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case conn := <-redialed:
			return conn, nil
		case <-ticker.C:
			client.poll(ctx)
		}
	}
}

// redial runs rounds of exponential backoff until a dial succeeds. Between
// rounds it waits one poll interval.
func (client *Client) redial(ctx context.Context, redialed chan<- *websocket.Conn) {
	for ctx.Err() == nil {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = client.options.RedialInitial
		policy.MaxElapsedTime = 0

		var conn *websocket.Conn
		err := backoff.Retry(func() error {
			dialed, err := client.dial(ctx)
			if err != nil {
				return err
			}
			conn = dialed
			return nil
		}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(client.options.RedialAttempts-1)), ctx))
		if err == nil {
			redialed <- conn
			return
		}

		client.logger.Debug("redial round failed", slog.Any("error", err))
		select {
		case <-ctx.Done():
		case <-time.After(client.options.PollInterval):
		}
	}
}

type listResponse struct {
	Success bool            `json:"success"`
	Count   int             `json:"count"`
	Data    []server.Sensor `json:"data"`
	Error   string          `json:"error"`
}

func (client *Client) poll(ctx context.Context) {
	sensors, err := client.fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			client.emit(ctx, Event{Kind: EventError, Err: err.Error(), Polled: true})
		}
		return
	}
	client.emit(ctx, Event{Kind: EventSnapshot, Timestamp: time.Now().UTC(), Sensors: sensors, Polled: true})
}

func (client *Client) fetch(ctx context.Context) ([]server.Sensor, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.options.RESTURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	response, err := client.options.HTTPClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("poll sensors: %w", err)
	}
	defer response.Body.Close()

	var body listResponse
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode sensors (status %d): %w", response.StatusCode, err)
	}
	if response.StatusCode != http.StatusOK || !body.Success {
		return nil, fmt.Errorf("poll sensors: status %d: %s", response.StatusCode, body.Error)
	}
	if body.Data == nil {
		body.Data = []server.Sensor{}
	}
	return body.Data, nil
}

func (client *Client) setState(ctx context.Context, state State) {
	client.mu.Lock()
	changed := client.state != state
	client.state = state
	client.mu.Unlock()

	if changed {
		client.logger.Info("subscriber state", slog.String("state", state.String()))
		client.emit(ctx, Event{Kind: EventStateChange, State: state})
	}
}

func (client *Client) emit(ctx context.Context, event Event) {
	select {
	case client.events <- event:
	case <-ctx.Done():
	}
}

func (client *Client) finish() {
	client.mu.Lock()
	client.state = StateClosed
	if client.conn != nil {
		_ = client.conn.Close()
		client.conn = nil
	}
	client.mu.Unlock()
	close(client.events)
}
