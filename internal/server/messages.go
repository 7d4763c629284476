package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Socket event names. Snapshot and its tick errors travel on sensorUpdate,
// single-sensor replies on sensorData.
const (
	EventSensorUpdate      = "sensorUpdate"
	EventSensorData        = "sensorData"
	EventRequestSensorData = "requestSensorData"
)

type MessageKind int

const (
	KindSnapshot MessageKind = iota + 1
	KindSensorReply
	KindError
)

func (kind MessageKind) String() string {
	switch kind {
	case KindSnapshot:
		return "snapshot"
	case KindSensorReply:
		return "sensor"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is one outbound frame on a broadcast connection. Build it with
// SnapshotMessage, SensorReplyMessage or ErrorMessage.
type Message struct {
	Kind      MessageKind
	Event     string
	Timestamp time.Time
	Sensors   []Sensor
	Sensor    *Sensor
	Err       string
}

func SnapshotMessage(sensors []Sensor, at time.Time) Message {
	if sensors == nil {
		sensors = []Sensor{}
	}
	return Message{Kind: KindSnapshot, Event: EventSensorUpdate, Timestamp: at, Sensors: sensors}
}

func SensorReplyMessage(sensor Sensor) Message {
	return Message{Kind: KindSensorReply, Event: EventSensorData, Sensor: &sensor}
}

func ErrorMessage(event string, message string) Message {
	return Message{Kind: KindError, Event: event, Err: message}
}

func (message Message) Validate() error {
	switch message.Kind {
	case KindSnapshot:
		if message.Event != EventSensorUpdate {
			return fmt.Errorf("snapshot must use event %s", EventSensorUpdate)
		}
		if message.Timestamp.IsZero() {
			return errors.New("snapshot requires a timestamp")
		}
	case KindSensorReply:
		if message.Sensor == nil {
			return errors.New("sensor reply requires a sensor")
		}
	case KindError:
		if message.Err == "" {
			return errors.New("error message requires an error string")
		}
	default:
		return fmt.Errorf("unknown message kind %d", message.Kind)
	}
	if message.Event == "" {
		return errors.New("message requires an event name")
	}
	return nil
}

type snapshotFrame struct {
	Event     string   `json:"event"`
	Success   bool     `json:"success"`
	Timestamp string   `json:"timestamp"`
	Data      []Sensor `json:"data"`
}

type sensorFrame struct {
	Event   string `json:"event"`
	Success bool   `json:"success"`
	Data    Sensor `json:"data"`
}

type errorFrame struct {
	Event   string `json:"event"`
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (message Message) MarshalJSON() ([]byte, error) {
	if err := message.Validate(); err != nil {
		return nil, err
	}

	switch message.Kind {
	case KindSnapshot:
		return json.Marshal(snapshotFrame{
			Event:     message.Event,
			Success:   true,
			Timestamp: message.Timestamp.UTC().Format(time.RFC3339Nano),
			Data:      message.Sensors,
		})
	case KindSensorReply:
		return json.Marshal(sensorFrame{Event: message.Event, Success: true, Data: *message.Sensor})
	default:
		return json.Marshal(errorFrame{Event: message.Event, Success: false, Error: message.Err})
	}
}

// ClientRequest is an inbound frame from a subscriber.
type ClientRequest struct {
	Event    string `json:"event"`
	SensorID string `json:"sensorId"`
}

// Frame is the decoded form of any outbound message, used by subscribers.
type Frame struct {
	Event     string          `json:"event"`
	Success   bool            `json:"success"`
	Timestamp string          `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Decode converts a received frame back into a Message.
func (frame Frame) Decode() (Message, error) {
	if !frame.Success {
		if frame.Error == "" {
			return Message{}, errors.New("failed frame without error string")
		}
		return ErrorMessage(frame.Event, frame.Error), nil
	}

	switch frame.Event {
	case EventSensorUpdate:
		at, err := time.Parse(time.RFC3339Nano, frame.Timestamp)
		if err != nil {
			return Message{}, fmt.Errorf("parse snapshot timestamp: %w", err)
		}
		var sensors []Sensor
		if err := json.Unmarshal(frame.Data, &sensors); err != nil {
			return Message{}, fmt.Errorf("decode snapshot data: %w", err)
		}
		return SnapshotMessage(sensors, at), nil
	case EventSensorData:
		var sensor Sensor
		if err := json.Unmarshal(frame.Data, &sensor); err != nil {
			return Message{}, fmt.Errorf("decode sensor data: %w", err)
		}
		return SensorReplyMessage(sensor), nil
	default:
		return Message{}, fmt.Errorf("unknown event %q", frame.Event)
	}
}
