package server

import (
	"context"
	"sync"
	"time"
)

const (
	defaultHistoryWindow = 24 * time.Hour
	maxHistoryWindow     = 7 * 24 * time.Hour
	defaultHistoryLimit  = 288
	maxHistoryLimit      = 5000
)

// HistoryPoint is one archived reading of a sensor.
type HistoryPoint struct {
	Time        time.Time `json:"time"`
	PM1         float64   `json:"pm1"`
	PM25        float64   `json:"pm25"`
	PM10        float64   `json:"pm10"`
	AQI         int       `json:"aqi"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
}

// Archive keeps reading history outside the live sensor store. Record must
// not block the ingest path.
type Archive interface {
	Record(sensor Sensor)
	History(ctx context.Context, sensorID string, window time.Duration, limit int) ([]HistoryPoint, error)
}

func historyPointOf(sensor Sensor) HistoryPoint {
	return HistoryPoint{
		Time:        sensor.LastReading,
		PM1:         sensor.PM1,
		PM25:        sensor.PM25,
		PM10:        sensor.PM10,
		AQI:         sensor.AQI,
		Temperature: sensor.Temperature,
		Humidity:    sensor.Humidity,
	}
}

// MemoryArchive keeps the most recent points per sensor in process. It backs
// the history endpoint when no InfluxDB is configured.
type MemoryArchive struct {
	mu       sync.RWMutex
	capacity int
	points   map[string][]HistoryPoint
	now      func() time.Time
}

func NewMemoryArchive(capacity int) *MemoryArchive {
	if capacity < 1 {
		capacity = 720
	}
	return &MemoryArchive{
		capacity: capacity,
		points:   make(map[string][]HistoryPoint),
		now:      time.Now,
	}
}

func (archive *MemoryArchive) Record(sensor Sensor) {
	archive.mu.Lock()
	defer archive.mu.Unlock()

	points := append(archive.points[sensor.SensorID], historyPointOf(sensor))
	if overflow := len(points) - archive.capacity; overflow > 0 {
		points = append([]HistoryPoint(nil), points[overflow:]...)
	}
	archive.points[sensor.SensorID] = points
}

func (archive *MemoryArchive) History(_ context.Context, sensorID string, window time.Duration, limit int) ([]HistoryPoint, error) {
	archive.mu.RLock()
	defer archive.mu.RUnlock()

	since := archive.now().Add(-window)
	output := make([]HistoryPoint, 0)
	for _, point := range archive.points[sensorID] {
		if !point.Time.Before(since) {
			output = append(output, point)
		}
	}
	if limit > 0 && len(output) > limit {
		output = output[len(output)-limit:]
	}
	return output, nil
}

var _ Archive = (*MemoryArchive)(nil)
