package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const airQualityMeasurement = "air_quality"

// InfluxArchive writes every stored reading to InfluxDB and serves history
// queries from it.
type InfluxArchive struct {
	client influxdb2.Client
	writer api.WriteAPI
	reader api.QueryAPI
	bucket string
	logger *slog.Logger
}

func NewInfluxArchive(url string, token string, org string, bucket string, logger *slog.Logger) *InfluxArchive {
	if logger == nil {
		logger = slog.Default()
	}

	client := influxdb2.NewClientWithOptions(url, token,
		influxdb2.DefaultOptions().
			SetBatchSize(100).
			SetFlushInterval(1000),
	)
	archive := &InfluxArchive{
		client: client,
		writer: client.WriteAPI(org, bucket),
		reader: client.QueryAPI(org),
		bucket: bucket,
		logger: logger,
	}

	go func() {
		for err := range archive.writer.Errors() {
			logger.Warn("influx write failed", slog.Any("error", err))
		}
	}()
	return archive
}

func (archive *InfluxArchive) Record(sensor Sensor) {
	archive.writer.WritePoint(airQualityPoint(sensor))
}

func (archive *InfluxArchive) History(ctx context.Context, sensorID string, window time.Duration, limit int) ([]HistoryPoint, error) {
	if !ValidSensorID(sensorID) {
		return nil, fmt.Errorf("invalid sensor id %q", sensorID)
	}

	result, err := archive.reader.Query(ctx, historyQuery(archive.bucket, sensorID, window, limit))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer result.Close()

	output := make([]HistoryPoint, 0, limit)
	for result.Next() {
		record := result.Record()
		output = append(output, HistoryPoint{
			Time:        record.Time().UTC(),
			PM1:         recordFloat(record.ValueByKey("pm1")),
			PM25:        recordFloat(record.ValueByKey("pm25")),
			PM10:        recordFloat(record.ValueByKey("pm10")),
			AQI:         int(recordFloat(record.ValueByKey("aqi"))),
			Temperature: recordFloat(record.ValueByKey("temperature")),
			Humidity:    recordFloat(record.ValueByKey("humidity")),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return output, nil
}

func (archive *InfluxArchive) Ping(ctx context.Context) error {
	healthy, err := archive.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !healthy {
		return errors.New("influxdb not ready")
	}
	return nil
}

// Close flushes pending points and releases the client.
func (archive *InfluxArchive) Close() {
	archive.writer.Flush()
	archive.client.Close()
}

func airQualityPoint(sensor Sensor) *write.Point {
	at := sensor.LastReading
	if at.IsZero() {
		at = time.Now().UTC()
	}

	return influxdb2.NewPoint(airQualityMeasurement,
		map[string]string{
			"sensor_id": sensor.SensorID,
			"status":    string(sensor.Status),
		},
		map[string]any{
			"pm1":         sensor.PM1,
			"pm25":        sensor.PM25,
			"pm10":        sensor.PM10,
			"o3":          sensor.O3,
			"no2":         sensor.NO2,
			"so2":         sensor.SO2,
			"co":          sensor.CO,
			"temperature": sensor.Temperature,
			"pressure":    sensor.Pressure,
			"humidity":    sensor.Humidity,
			"aqi":         int64(sensor.AQI),
		},
		at,
	)
}

// historyQuery expects a sensor id already checked by ValidSensorID.
func historyQuery(bucket string, sensorID string, window time.Duration, limit int) string {
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == %q and r.sensor_id == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)
  |> sort(columns: ["_time"])
`, bucket, int64(window/time.Second), airQualityMeasurement, sensorID, limit)
}

func recordFloat(value any) float64 {
	switch typed := value.(type) {
	case float64:
		return typed
	case int64:
		return float64(typed)
	case uint64:
		return float64(typed)
	default:
		return 0
	}
}

var _ Archive = (*InfluxArchive)(nil)
