package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerStore guards reads against a failing backend. While the breaker is
// open every read fails fast with ErrStoreUnavailable; writes pass through.
type BreakerStore struct {
	next    Store
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerStore(next Store, failures int, openFor time.Duration, logger *slog.Logger) *BreakerStore {
	if failures < 1 {
		failures = 1
	}
	if openFor <= 0 {
		openFor = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "sensor-store",
		Timeout: openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrSensorNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &BreakerStore{next: next, breaker: breaker}
}

func (store *BreakerStore) ActiveSensors(ctx context.Context) ([]Sensor, error) {
	return executeList(store.breaker, func() ([]Sensor, error) { return store.next.ActiveSensors(ctx) })
}

func (store *BreakerStore) AllSensors(ctx context.Context) ([]Sensor, error) {
	return executeList(store.breaker, func() ([]Sensor, error) { return store.next.AllSensors(ctx) })
}

func (store *BreakerStore) SensorByID(ctx context.Context, sensorID string) (Sensor, error) {
	result, err := store.breaker.Execute(func() (any, error) {
		return store.next.SensorByID(ctx, sensorID)
	})
	if err != nil {
		return Sensor{}, translateBreakerError(err)
	}
	return result.(Sensor), nil
}

func (store *BreakerStore) Count(ctx context.Context) (int, error) {
	result, err := store.breaker.Execute(func() (any, error) {
		return store.next.Count(ctx)
	})
	if err != nil {
		return 0, translateBreakerError(err)
	}
	return result.(int), nil
}

func (store *BreakerStore) Upsert(ctx context.Context, input SensorInput) (Sensor, error) {
	return store.next.Upsert(ctx, input)
}

func (store *BreakerStore) Ping(ctx context.Context) error {
	return store.next.Ping(ctx)
}

func (store *BreakerStore) Close() {
	store.next.Close()
}

func (store *BreakerStore) State() gobreaker.State {
	return store.breaker.State()
}

func executeList(breaker *gobreaker.CircuitBreaker, read func() ([]Sensor, error)) ([]Sensor, error) {
	result, err := breaker.Execute(func() (any, error) {
		return read()
	})
	if err != nil {
		return nil, translateBreakerError(err)
	}
	return result.([]Sensor), nil
}

func translateBreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

var _ Store = (*BreakerStore)(nil)
