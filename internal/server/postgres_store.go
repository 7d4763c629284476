package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	store := &PostgresStore{pool: pool, now: time.Now}
	if err := store.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return store, nil
}

func (store *PostgresStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sensors (
  sensor_id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  lat DOUBLE PRECISION NOT NULL DEFAULT 0,
  lng DOUBLE PRECISION NOT NULL DEFAULT 0,
  address TEXT NOT NULL DEFAULT '',
  city TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL DEFAULT '',
  country TEXT NOT NULL DEFAULT '',
  altitude DOUBLE PRECISION,
  speed DOUBLE PRECISION,
  pm1 DOUBLE PRECISION NOT NULL DEFAULT 0,
  pm25 DOUBLE PRECISION NOT NULL DEFAULT 0,
  pm10 DOUBLE PRECISION NOT NULL DEFAULT 0,
  o3 DOUBLE PRECISION NOT NULL DEFAULT 0,
  no2 DOUBLE PRECISION NOT NULL DEFAULT 0,
  so2 DOUBLE PRECISION NOT NULL DEFAULT 0,
  co DOUBLE PRECISION NOT NULL DEFAULT 0,
  temperature DOUBLE PRECISION NOT NULL DEFAULT 0,
  pressure DOUBLE PRECISION NOT NULL DEFAULT 0,
  humidity DOUBLE PRECISION NOT NULL DEFAULT 0,
  aqi INTEGER NOT NULL DEFAULT 0 CHECK (aqi BETWEEN 0 AND 500),
  status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'inactive', 'maintenance')),
  last_reading TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_sensors_status ON sensors(status);
`

	_, err := store.pool.Exec(ctx, schema)
	return err
}

const sensorColumns = `
sensor_id, name, lat, lng, address, city, state, country, altitude, speed,
pm1, pm25, pm10, o3, no2, so2, co, temperature, pressure, humidity,
aqi, status, last_reading, updated_at`

func (store *PostgresStore) Upsert(ctx context.Context, input SensorInput) (Sensor, error) {
	tx, err := store.pool.Begin(ctx)
	if err != nil {
		return Sensor{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing *Sensor
	current, err := scanSensor(tx.QueryRow(
		ctx,
		`SELECT `+sensorColumns+` FROM sensors WHERE sensor_id = $1 FOR UPDATE`,
		input.SensorID,
	))
	switch {
	case err == nil:
		existing = &current
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return Sensor{}, fmt.Errorf("load sensor %s: %w", input.SensorID, err)
	}

	sensor := input.Apply(existing, store.now().UTC())

	const query = `
INSERT INTO sensors (` + sensorColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
ON CONFLICT (sensor_id) DO UPDATE SET
  name = EXCLUDED.name,
  lat = EXCLUDED.lat,
  lng = EXCLUDED.lng,
  address = EXCLUDED.address,
  city = EXCLUDED.city,
  state = EXCLUDED.state,
  country = EXCLUDED.country,
  altitude = EXCLUDED.altitude,
  speed = EXCLUDED.speed,
  pm1 = EXCLUDED.pm1,
  pm25 = EXCLUDED.pm25,
  pm10 = EXCLUDED.pm10,
  o3 = EXCLUDED.o3,
  no2 = EXCLUDED.no2,
  so2 = EXCLUDED.so2,
  co = EXCLUDED.co,
  temperature = EXCLUDED.temperature,
  pressure = EXCLUDED.pressure,
  humidity = EXCLUDED.humidity,
  aqi = EXCLUDED.aqi,
  status = EXCLUDED.status,
  last_reading = EXCLUDED.last_reading,
  updated_at = EXCLUDED.updated_at
`

	var location Location
	if sensor.Location != nil {
		location = *sensor.Location
	}

	if _, err := tx.Exec(
		ctx,
		query,
		sensor.SensorID,
		sensor.Name,
		sensor.Lat,
		sensor.Lng,
		location.Address,
		location.City,
		location.State,
		location.Country,
		sensor.Altitude,
		sensor.Speed,
		sensor.PM1,
		sensor.PM25,
		sensor.PM10,
		sensor.O3,
		sensor.NO2,
		sensor.SO2,
		sensor.CO,
		sensor.Temperature,
		sensor.Pressure,
		sensor.Humidity,
		sensor.AQI,
		string(sensor.Status),
		sensor.LastReading,
		sensor.UpdatedAt,
	); err != nil {
		return Sensor{}, fmt.Errorf("write sensor %s: %w", sensor.SensorID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Sensor{}, fmt.Errorf("commit upsert: %w", err)
	}
	return sensor, nil
}

func (store *PostgresStore) ActiveSensors(ctx context.Context) ([]Sensor, error) {
	return store.query(
		ctx,
		`SELECT `+sensorColumns+` FROM sensors WHERE status = $1 ORDER BY sensor_id`,
		string(StatusActive),
	)
}

func (store *PostgresStore) AllSensors(ctx context.Context) ([]Sensor, error) {
	return store.query(ctx, `SELECT `+sensorColumns+` FROM sensors ORDER BY sensor_id`)
}

func (store *PostgresStore) SensorByID(ctx context.Context, sensorID string) (Sensor, error) {
	sensor, err := scanSensor(store.pool.QueryRow(
		ctx,
		`SELECT `+sensorColumns+` FROM sensors WHERE sensor_id = $1`,
		sensorID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Sensor{}, ErrSensorNotFound
	}
	if err != nil {
		return Sensor{}, err
	}
	return sensor, nil
}

func (store *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := store.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sensors`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (store *PostgresStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return store.pool.Ping(pingCtx)
}

func (store *PostgresStore) Close() {
	store.pool.Close()
}

func (store *PostgresStore) query(ctx context.Context, query string, args ...any) ([]Sensor, error) {
	rows, err := store.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sensors := make([]Sensor, 0)
	for rows.Next() {
		sensor, err := scanSensor(rows)
		if err != nil {
			return nil, err
		}
		sensors = append(sensors, sensor)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sensors, nil
}

func scanSensor(row pgx.Row) (Sensor, error) {
	var sensor Sensor
	var location Location
	var status string
	if err := row.Scan(
		&sensor.SensorID,
		&sensor.Name,
		&sensor.Lat,
		&sensor.Lng,
		&location.Address,
		&location.City,
		&location.State,
		&location.Country,
		&sensor.Altitude,
		&sensor.Speed,
		&sensor.PM1,
		&sensor.PM25,
		&sensor.PM10,
		&sensor.O3,
		&sensor.NO2,
		&sensor.SO2,
		&sensor.CO,
		&sensor.Temperature,
		&sensor.Pressure,
		&sensor.Humidity,
		&sensor.AQI,
		&status,
		&sensor.LastReading,
		&sensor.UpdatedAt,
	); err != nil {
		return Sensor{}, err
	}

	sensor.Status = Status(status)
	if !location.IsZero() {
		sensor.Location = &location
	}
	sensor.LastReading = sensor.LastReading.UTC()
	sensor.UpdatedAt = sensor.UpdatedAt.UTC()
	return sensor, nil
}

var _ Store = (*PostgresStore)(nil)
