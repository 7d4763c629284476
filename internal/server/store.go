package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrSensorNotFound   = errors.New("sensor not found")
	ErrStoreUnavailable = errors.New("sensor store unavailable")
)

// Store owns persisted sensor records. Reads are safe to call concurrently.
type Store interface {
	ActiveSensors(ctx context.Context) ([]Sensor, error)
	AllSensors(ctx context.Context) ([]Sensor, error)
	SensorByID(ctx context.Context, sensorID string) (Sensor, error)
	Upsert(ctx context.Context, input SensorInput) (Sensor, error)
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close()
}

type MemoryStore struct {
	mu      sync.RWMutex
	sensors map[string]Sensor
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sensors: make(map[string]Sensor),
		now:     time.Now,
	}
}

func (store *MemoryStore) Upsert(_ context.Context, input SensorInput) (Sensor, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var existing *Sensor
	if current, ok := store.sensors[input.SensorID]; ok {
		existing = &current
	}

	sensor := input.Apply(existing, store.now().UTC())
	store.sensors[sensor.SensorID] = sensor
	return sensor.clone(), nil
}

func (store *MemoryStore) ActiveSensors(_ context.Context) ([]Sensor, error) {
	return store.list(func(sensor Sensor) bool { return sensor.Status == StatusActive }), nil
}

func (store *MemoryStore) AllSensors(_ context.Context) ([]Sensor, error) {
	return store.list(func(Sensor) bool { return true }), nil
}

func (store *MemoryStore) SensorByID(_ context.Context, sensorID string) (Sensor, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	sensor, ok := store.sensors[sensorID]
	if !ok {
		return Sensor{}, ErrSensorNotFound
	}
	return sensor.clone(), nil
}

func (store *MemoryStore) Count(_ context.Context) (int, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return len(store.sensors), nil
}

func (store *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (store *MemoryStore) Close() {}

func (store *MemoryStore) list(keep func(Sensor) bool) []Sensor {
	store.mu.RLock()
	defer store.mu.RUnlock()

	output := make([]Sensor, 0, len(store.sensors))
	for _, sensor := range store.sensors {
		if keep(sensor) {
			output = append(output, sensor.clone())
		}
	}
	sortSensors(output)
	return output
}

func sortSensors(sensors []Sensor) {
	sort.Slice(sensors, func(left, right int) bool {
		return sensors[left].SensorID < sensors[right].SensorID
	})
}

var _ Store = (*MemoryStore)(nil)
