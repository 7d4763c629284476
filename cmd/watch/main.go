package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"airwatch/backend/internal/aqi"
	"airwatch/backend/internal/logging"
	"airwatch/backend/internal/server"
	"airwatch/backend/internal/subscriber"
)

func main() {
	var baseURL string
	var sensorID string
	var pollInterval time.Duration
	var logLevel string

	flag.StringVar(&baseURL, "server", "http://localhost:5000", "airwatch server base URL")
	flag.StringVar(&sensorID, "sensor", "", "request details for this sensor whenever the channel goes live")
	flag.DurationVar(&pollInterval, "poll", 5*time.Second, "REST polling interval while in fallback")
	flag.StringVar(&logLevel, "log-level", "warn", "log level")
	flag.Parse()

	logger := logging.New(logLevel, "text")

	socketURL, restURL, err := subscriber.URLsFromBase(baseURL)
	if err != nil {
		logger.Error("invalid server url", slog.Any("error", err))
		os.Exit(2)
	}

	client := subscriber.New(subscriber.Options{
		SocketURL:    socketURL,
		RESTURL:      restURL,
		PollInterval: pollInterval,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("subscriber stopped", slog.Any("error", err))
		}
	}()

	for event := range client.Events() {
		switch event.Kind {
		case subscriber.EventStateChange:
			fmt.Printf("-- %s\n", event.State)
			if event.State == subscriber.StateLive && sensorID != "" {
				if err := client.RequestSensor(sensorID); err != nil {
					logger.Warn("sensor request failed", slog.String("sensor", sensorID), slog.Any("error", err))
				}
			}
		case subscriber.EventSnapshot:
			printSnapshot(event)
		case subscriber.EventSensor:
			printSensor(*event.Sensor)
		case subscriber.EventError:
			fmt.Printf("!! %s\n", event.Err)
		}
	}
}

func printSnapshot(event subscriber.Event) {
	source := "live"
	if event.Polled {
		source = "polled"
	}
	fmt.Printf("%s snapshot at %s: %d sensors\n", source, event.Timestamp.Local().Format(time.TimeOnly), len(event.Sensors))
	for _, sensor := range event.Sensors {
		fmt.Printf("  %-8s aqi=%3d %-32s pm2.5=%6.1f pm10=%6.1f temp=%5.1f\n",
			sensor.SensorID, sensor.AQI, aqi.CategoryOf(sensor.AQI), sensor.PM25, sensor.PM10, sensor.Temperature)
	}
}

func printSensor(sensor server.Sensor) {
	lines := []string{
		fmt.Sprintf("sensor %s (%s) status=%s", sensor.SensorID, sensor.Name, sensor.Status),
		fmt.Sprintf("  aqi=%d %s", sensor.AQI, sensor.Category()),
		fmt.Sprintf("  pm1=%.1f pm2.5=%.1f pm10=%.1f", sensor.PM1, sensor.PM25, sensor.PM10),
		fmt.Sprintf("  o3=%.1f no2=%.1f so2=%.1f co=%.2f", sensor.O3, sensor.NO2, sensor.SO2, sensor.CO),
		fmt.Sprintf("  temp=%.1f humidity=%.1f pressure=%.1f", sensor.Temperature, sensor.Humidity, sensor.Pressure),
		fmt.Sprintf("  last reading %s", sensor.LastReading.Local().Format(time.DateTime)),
	}
	fmt.Println(strings.Join(lines, "\n"))
}
