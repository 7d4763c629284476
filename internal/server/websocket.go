package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingPeriod      = (wsPongWait * 9) / 10
	wsMaxMessageBytes = 4096
)

// wsSink writes broadcaster messages to one socket. The broadcaster
// serializes calls, so Send is the socket's only data writer.
type wsSink struct {
	conn *websocket.Conn
}

func (sink wsSink) Send(message Message) error {
	if err := sink.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return sink.conn.WriteJSON(message)
}

func (api *API) newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(request *http.Request) bool {
			origin := request.Header.Get("Origin")
			return origin == "" || api.allowOrigin == "*" || origin == api.allowOrigin
		},
	}
}

func (api *API) handleSocket(response http.ResponseWriter, request *http.Request) {
	conn, err := api.upgrader.Upgrade(response, request, nil)
	if err != nil {
		api.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsMaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	id := uuid.New()
	if err := api.broadcaster.Attach(request.Context(), id, wsSink{conn: conn}); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(wsWriteWait))
		return
	}
	defer api.broadcaster.Detach(id)

	stop := make(chan struct{})
	defer close(stop)
	go keepAlive(conn, stop)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				api.logger.Info("websocket closed", slog.String("connection", id.String()), slog.Any("error", err))
			}
			return
		}

		var clientRequest ClientRequest
		if err := json.Unmarshal(payload, &clientRequest); err != nil {
			api.logger.Debug("ignoring malformed socket frame", slog.String("connection", id.String()))
			continue
		}

		switch clientRequest.Event {
		case EventRequestSensorData:
			if err := api.broadcaster.Request(request.Context(), id, clientRequest.SensorID); err != nil {
				if !errors.Is(err, ErrUnknownConnection) {
					api.logger.Info("sensor reply failed", slog.String("connection", id.String()), slog.Any("error", err))
				}
				return
			}
		default:
			api.logger.Debug("ignoring socket event", slog.String("event", clientRequest.Event))
		}
	}
}

// keepAlive pings until stop closes. WriteControl may run concurrently with
// the sink's writes.
func keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
