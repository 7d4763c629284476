package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port              string
	LogLevel          string
	LogFormat         string
	CORSAllowOrigin   string
	TrustProxyHeaders bool

	DatabaseURL string
	PGMaxConns  int32
	SeedOnEmpty bool

	IngestAPIKey    string
	IngestRateLimit int

	BreakerFailures int
	BreakerOpenFor  time.Duration

	MQTTBrokerURL string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
	MQTTTopic     string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

func Load() (Config, error) {
	// Optional: load local .env for development. Missing file is fine.
	_ = godotenv.Load()

	maxConns := getenvIntDefault("PG_MAX_CONNS", 10)
	if maxConns < 1 {
		maxConns = 1
	}

	rateLimit := getenvIntDefault("INGEST_RATE_LIMIT", 120)
	if rateLimit < 1 {
		rateLimit = 1
	}

	breakerFailures := getenvIntDefault("BREAKER_FAILURES", 5)
	if breakerFailures < 1 {
		breakerFailures = 1
	}

	breakerOpenSeconds := getenvIntDefault("BREAKER_OPEN_SECONDS", 10)
	if breakerOpenSeconds < 1 {
		breakerOpenSeconds = 1
	}

	cfg := Config{
		Port:              getenvDefault("PORT", "5000"),
		LogLevel:          getenvDefault("LOG_LEVEL", "info"),
		LogFormat:         getenvDefault("LOG_FORMAT", "text"),
		CORSAllowOrigin:   getenvDefault("CORS_ALLOW_ORIGIN", "*"),
		TrustProxyHeaders: getenvBoolDefault("TRUST_PROXY_HEADERS", false),

		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		PGMaxConns:  int32(maxConns),
		SeedOnEmpty: getenvBoolDefault("SEED_ON_EMPTY", true),

		IngestAPIKey:    strings.TrimSpace(os.Getenv("INGEST_API_KEY")),
		IngestRateLimit: rateLimit,

		BreakerFailures: breakerFailures,
		BreakerOpenFor:  time.Duration(breakerOpenSeconds) * time.Second,

		MQTTBrokerURL: strings.TrimSpace(os.Getenv("MQTT_BROKER_URL")),
		MQTTClientID:  getenvDefault("MQTT_CLIENT_ID", "airwatch-ingest"),
		MQTTUsername:  strings.TrimSpace(os.Getenv("MQTT_USERNAME")),
		MQTTPassword:  os.Getenv("MQTT_PASSWORD"),
		MQTTTopic:     getenvDefault("MQTT_TOPIC", "airwatch/sensors/+/readings"),

		InfluxURL:    strings.TrimSpace(os.Getenv("INFLUX_URL")),
		InfluxToken:  strings.TrimSpace(os.Getenv("INFLUX_TOKEN")),
		InfluxOrg:    getenvDefault("INFLUX_ORG", "airwatch"),
		InfluxBucket: getenvDefault("INFLUX_BUCKET", "air_quality"),
	}

	if cfg.IngestAPIKey == "" {
		return Config{}, errors.New("INGEST_API_KEY is required")
	}
	if cfg.InfluxURL != "" && cfg.InfluxToken == "" {
		return Config{}, errors.New("INFLUX_TOKEN is required when INFLUX_URL is set")
	}

	return cfg, nil
}

func (cfg Config) MQTTEnabled() bool {
	return cfg.MQTTBrokerURL != ""
}

func (cfg Config) InfluxEnabled() bool {
	return cfg.InfluxURL != ""
}

func getenvDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBoolDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
