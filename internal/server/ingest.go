package server

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	SourceHTTP = "http"
	SourceMQTT = "mqtt"
	SourceSeed = "seed"
)

// Ingestor is the single write path for sensor readings: it persists the
// reading, archives the stored record and counts it.
type Ingestor struct {
	store   Store
	archive Archive
	metrics *Metrics
	logger  *slog.Logger
}

func NewIngestor(store Store, archive Archive, metrics *Metrics, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: store, archive: archive, metrics: metrics, logger: logger}
}

func (ingestor *Ingestor) Ingest(ctx context.Context, source string, input SensorInput) (Sensor, error) {
	sensor, err := ingestor.store.Upsert(ctx, input)
	if err != nil {
		return Sensor{}, fmt.Errorf("upsert sensor %s: %w", input.SensorID, err)
	}

	if ingestor.archive != nil {
		ingestor.archive.Record(sensor)
	}
	ingestor.metrics.readingIngested(source)
	ingestor.logger.Debug("reading stored",
		slog.String("sensor", sensor.SensorID),
		slog.String("source", source),
		slog.Int("aqi", sensor.AQI),
	)
	return sensor, nil
}
