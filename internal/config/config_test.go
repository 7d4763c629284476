package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("INGEST_API_KEY", "dev-ingest-key")
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MQTT_BROKER_URL", "")
	t.Setenv("INFLUX_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "5000", cfg.Port)
	require.Equal(t, int32(10), cfg.PGMaxConns)
	require.True(t, cfg.SeedOnEmpty)
	require.Equal(t, 5, cfg.BreakerFailures)
	require.Equal(t, 10*time.Second, cfg.BreakerOpenFor)
	require.Equal(t, "airwatch/sensors/+/readings", cfg.MQTTTopic)
	require.False(t, cfg.MQTTEnabled())
	require.False(t, cfg.InfluxEnabled())
}

func TestLoadRequiresIngestKey(t *testing.T) {
	t.Setenv("INGEST_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadClampsInvalidValues(t *testing.T) {
	t.Setenv("INGEST_API_KEY", "key")
	t.Setenv("PG_MAX_CONNS", "-3")
	t.Setenv("BREAKER_FAILURES", "nope")
	t.Setenv("SEED_ON_EMPTY", "false")
	t.Setenv("INFLUX_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, int32(1), cfg.PGMaxConns)
	require.Equal(t, 5, cfg.BreakerFailures)
	require.False(t, cfg.SeedOnEmpty)
}

func TestLoadRequiresInfluxTokenWhenArchiveEnabled(t *testing.T) {
	t.Setenv("INGEST_API_KEY", "key")
	t.Setenv("INFLUX_URL", "http://localhost:8086")
	t.Setenv("INFLUX_TOKEN", "")

	_, err := Load()
	require.Error(t, err)
}
