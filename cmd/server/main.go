package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"airwatch/backend/internal/config"
	"airwatch/backend/internal/logging"
	"airwatch/backend/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	baseStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	store := server.NewBreakerStore(baseStore, cfg.BreakerFailures, cfg.BreakerOpenFor, logger)
	defer store.Close()

	var readiness []server.ReadinessCheck

	var archive server.Archive
	if cfg.InfluxEnabled() {
		influx := server.NewInfluxArchive(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, logger)
		defer influx.Close()
		archive = influx
		readiness = append(readiness, server.ReadinessCheck{Name: "influx", Check: influx.Ping})
		logger.Info("history archive enabled", slog.String("backend", "influx"), slog.String("bucket", cfg.InfluxBucket))
	} else {
		archive = server.NewMemoryArchive(0)
		logger.Info("history archive enabled", slog.String("backend", "memory"))
	}

	metrics := server.NewMetrics()
	ingestor := server.NewIngestor(store, archive, metrics, logger)

	if cfg.SeedOnEmpty {
		seeded, err := server.Seed(ctx, store, ingestor, rand.New(rand.NewSource(time.Now().UnixNano())))
		if err != nil {
			return err
		}
		if seeded > 0 {
			logger.Info("seeded sensor store", slog.Int("sensors", seeded))
		}
	}

	if cfg.MQTTEnabled() {
		mqttIngest := server.NewMQTTIngestor(server.MQTTOptions{
			BrokerURL:     cfg.MQTTBrokerURL,
			ClientID:      cfg.MQTTClientID,
			Username:      cfg.MQTTUsername,
			Password:      cfg.MQTTPassword,
			Topic:         cfg.MQTTTopic,
			RatePerMinute: cfg.IngestRateLimit,
		}, ingestor, logger)
		if err := mqttIngest.Start(ctx); err != nil {
			return err
		}
		defer mqttIngest.Stop()

		readiness = append(readiness, server.ReadinessCheck{Name: "mqtt", Check: func(context.Context) error {
			if !mqttIngest.Connected() {
				return errors.New("mqtt broker not connected")
			}
			return nil
		}})
	}

	broadcaster := server.NewBroadcaster(store,
		server.WithBroadcastLogger(logger),
		server.WithBroadcastMetrics(metrics),
	)
	defer broadcaster.Close()

	options := []server.APIOption{
		server.WithArchive(archive),
		server.WithMetrics(metrics),
		server.WithLogger(logger),
		server.WithIngest(cfg.IngestAPIKey, cfg.IngestRateLimit),
		server.WithCORSOrigin(cfg.CORSAllowOrigin),
		server.WithTrustedProxy(cfg.TrustProxyHeaders),
	}
	for _, check := range readiness {
		options = append(options, server.WithReadinessCheck(check))
	}
	api := server.NewAPI(store, broadcaster, ingestor, options...)

	// No WriteTimeout: it would cut long-lived socket connections.
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("airwatch listening", slog.String("addr", httpServer.Addr))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	broadcaster.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (server.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory sensor store")
		return server.NewMemoryStore(), nil
	}

	var store *server.PostgresStore
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err := backoff.RetryNotify(func() error {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		opened, err := server.NewPostgresStore(connectCtx, cfg.DatabaseURL, cfg.PGMaxConns)
		if err != nil {
			return err
		}
		store = opened
		return nil
	}, policy, func(err error, wait time.Duration) {
		logger.Warn("postgres not ready, retrying", slog.Any("error", err), slog.Duration("wait", wait))
	})
	if err != nil {
		return nil, err
	}

	logger.Info("postgres store ready", slog.Int("max_conns", int(cfg.PGMaxConns)))
	return store, nil
}
