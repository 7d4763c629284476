package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotFrameShape(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	encoded, err := json.Marshal(SnapshotMessage(nil, at))
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"sensorUpdate","success":true,"timestamp":"2025-03-01T09:30:00Z","data":[]}`, string(encoded))
}

func TestErrorFrameShape(t *testing.T) {
	encoded, err := json.Marshal(ErrorMessage(EventSensorData, "sensor SN-404 not found"))
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"sensorData","success":false,"error":"sensor SN-404 not found"}`, string(encoded))
}

func TestInvalidMessagesDoNotSerialize(t *testing.T) {
	invalid := []Message{
		{},
		{Kind: KindSnapshot, Event: EventSensorUpdate},
		{Kind: KindSnapshot, Event: EventSensorData, Timestamp: time.Now()},
		{Kind: KindSensorReply, Event: EventSensorData},
		{Kind: KindError, Event: EventSensorUpdate},
		ErrorMessage("", "boom"),
	}

	for _, message := range invalid {
		_, err := json.Marshal(message)
		require.Error(t, err, "message %+v", message)
	}
}

func TestFrameDecodeRoundTripsSensorReply(t *testing.T) {
	sensor := Sensor{SensorID: "SN-003", PM25: 12, AQI: 50, Status: StatusActive}
	encoded, err := json.Marshal(SensorReplyMessage(sensor))
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(encoded, &frame))
	message, err := frame.Decode()
	require.NoError(t, err)
	require.Equal(t, KindSensorReply, message.Kind)
	require.Equal(t, "SN-003", message.Sensor.SensorID)
	require.Equal(t, 50, message.Sensor.AQI)
}

func TestFrameDecodeRejectsUnknownEvent(t *testing.T) {
	_, err := Frame{Event: "chat", Success: true}.Decode()
	require.Error(t, err)

	_, err = Frame{Event: EventSensorUpdate, Success: false}.Decode()
	require.Error(t, err)
}
