package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type sensorReading struct {
	SensorID    string  `json:"sensorId"`
	Timestamp   int64   `json:"timestamp"`
	PM1         float64 `json:"pm1"`
	PM25        float64 `json:"pm25"`
	PM10        float64 `json:"pm10"`
	O3          float64 `json:"o3"`
	NO2         float64 `json:"no2"`
	SO2         float64 `json:"so2"`
	CO          float64 `json:"co"`
	Temperature float64 `json:"temperature"`
	Pressure    float64 `json:"pressure"`
	Humidity    float64 `json:"humidity"`
}

// station drifts one sensor's readings around a baseline.
type station struct {
	sensorID     string
	pm25Baseline float64
	temperature  float64
	pressure     float64
	humidity     float64
	o3           float64
	no2          float64
	so2          float64
	co           float64
}

type publisher interface {
	publish(ctx context.Context, reading sensorReading) error
	close()
}

func main() {
	var mode string
	var targetURL string
	var apiKey string
	var brokerURL string
	var topicPattern string
	var sensors int
	var interval time.Duration
	var jitter time.Duration
	var timeout time.Duration
	var count int
	var seed int64

	flag.StringVar(&mode, "mode", "http", "delivery mode: http or mqtt")
	flag.StringVar(&targetURL, "url", "http://localhost:5000/api/ingest", "ingest endpoint URL (http mode)")
	flag.StringVar(&apiKey, "api-key", "dev-ingest-key", "ingest API key (http mode)")
	flag.StringVar(&brokerURL, "broker", "tcp://localhost:1883", "MQTT broker URL (mqtt mode)")
	flag.StringVar(&topicPattern, "topic", "airwatch/sensors/%s/readings", "MQTT topic, %s is the sensor id")
	flag.IntVar(&sensors, "sensors", 10, "number of simulated sensors (SN-001 onward)")
	flag.DurationVar(&interval, "interval", 5*time.Second, "base delay between rounds of readings")
	flag.DurationVar(&jitter, "jitter", 500*time.Millisecond, "max random delay added to each interval")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	flag.IntVar(&count, "count", 0, "number of rounds to emit (0 = infinite)")
	flag.Int64Var(&seed, "seed", 0, "random seed (0 = use current time)")
	flag.Parse()

	if interval <= 0 {
		log.Fatal("interval must be > 0")
	}
	if jitter < 0 {
		log.Fatal("jitter must be >= 0")
	}
	if timeout <= 0 {
		log.Fatal("timeout must be > 0")
	}
	if count < 0 {
		log.Fatal("count must be >= 0")
	}
	if sensors < 1 || sensors > 999 {
		log.Fatal("sensors must be between 1 and 999")
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	var out publisher
	switch mode {
	case "http":
		if apiKey == "" {
			log.Fatal("api-key is required in http mode")
		}
		out = httpPublisher{client: &http.Client{Timeout: timeout}, targetURL: targetURL, apiKey: apiKey}
	case "mqtt":
		if !strings.Contains(topicPattern, "%s") {
			log.Fatalf("topic must contain %%s for the sensor id")
		}
		mqttOut, err := newMQTTPublisher(brokerURL, topicPattern, timeout)
		if err != nil {
			log.Fatalf("connect broker: %v", err)
		}
		out = mqttOut
	default:
		log.Fatalf("unknown mode %q", mode)
	}
	defer out.close()

	stations := make([]*station, 0, sensors)
	for index := 1; index <= sensors; index++ {
		stations = append(stations, newStation(fmt.Sprintf("SN-%03d", index), rng))
	}
	log.Printf("simulator started seed=%d mode=%s sensors=%d interval=%s", seed, mode, sensors, interval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rounds := 0
	for {
		if count > 0 && rounds >= count {
			log.Printf("simulation complete (%d rounds sent)", rounds)
			return
		}

		sent := 0
		for _, current := range stations {
			reading := current.next(rng, time.Now())
			if err := out.publish(ctx, reading); err != nil {
				log.Printf("send %s failed: %v", reading.SensorID, err)
				continue
			}
			sent++
		}
		rounds++
		log.Printf("round #%d sent %d/%d readings", rounds, sent, len(stations))

		delay := interval
		if jitter > 0 {
			delay += time.Duration(rng.Int63n(int64(jitter) + 1))
		}

		select {
		case <-ctx.Done():
			log.Printf("simulation stopped")
			return
		case <-time.After(delay):
		}
	}
}

func newStation(sensorID string, rng *rand.Rand) *station {
	return &station{
		sensorID:     sensorID,
		pm25Baseline: 20 + rng.Float64()*60,
		temperature:  26 + rng.Float64()*8,
		pressure:     1008 + rng.Float64()*6,
		humidity:     55 + rng.Float64()*25,
		o3:           20 + rng.Float64()*40,
		no2:          15 + rng.Float64()*35,
		so2:          4 + rng.Float64()*12,
		co:           0.4 + rng.Float64()*1.2,
	}
}

func (current *station) next(rng *rand.Rand, now time.Time) sensorReading {
	current.temperature = clamp(current.temperature+rng.NormFloat64()*0.15, 18.0, 42.0)
	current.pressure = clamp(current.pressure+rng.NormFloat64()*0.25, 995.0, 1030.0)
	current.humidity = clamp(current.humidity+rng.NormFloat64()*0.7, 25.0, 98.0)
	current.o3 = clamp(current.o3+rng.NormFloat64()*1.5, 0, 200)
	current.no2 = clamp(current.no2+rng.NormFloat64()*1.2, 0, 200)
	current.so2 = clamp(current.so2+rng.NormFloat64()*0.5, 0, 80)
	current.co = clamp(current.co+rng.NormFloat64()*0.05, 0, 10)
	current.pm25Baseline = clamp(current.pm25Baseline+rng.NormFloat64()*1.5, 2.0, 220.0)

	pm25 := clamp(current.pm25Baseline+rng.NormFloat64()*2, 0.5, 400.0)

	// Occasional spikes mimic short-lived pollution events.
	if rng.Float64() < 0.04 {
		pm25 = clamp(pm25+rng.Float64()*60.0+10.0, 0.5, 400.0)
	}

	pm1 := clamp(pm25*0.62+rng.NormFloat64()*0.45, 0.2, 300.0)
	pm10 := clamp(pm25*1.45+rng.NormFloat64()*1.5, 0.5, 500.0)

	return sensorReading{
		SensorID:    current.sensorID,
		Timestamp:   now.UnixMilli(),
		PM1:         round1(pm1),
		PM25:        round1(pm25),
		PM10:        round1(pm10),
		O3:          round1(current.o3),
		NO2:         round1(current.no2),
		SO2:         round1(current.so2),
		CO:          round2(current.co),
		Temperature: round1(current.temperature),
		Pressure:    round1(current.pressure),
		Humidity:    round1(current.humidity),
	}
}

type httpPublisher struct {
	client    *http.Client
	targetURL string
	apiKey    string
}

func (out httpPublisher) publish(ctx context.Context, reading sensorReading) error {
	body, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, out.targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-API-Key", out.apiKey)

	response, err := out.client.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusMultipleChoices {
		responseBody, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("status %d: %s", response.StatusCode, string(responseBody))
	}
	return nil
}

func (out httpPublisher) close() {}

type mqttPublisher struct {
	client       mqtt.Client
	topicPattern string
	timeout      time.Duration
}

func newMQTTPublisher(brokerURL string, topicPattern string, timeout time.Duration) (*mqttPublisher, error) {
	options := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(fmt.Sprintf("airwatch-simulator-%d", os.Getpid())).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout)

	client := mqtt.NewClient(options)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connect %s: timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", brokerURL, err)
	}
	return &mqttPublisher{client: client, topicPattern: topicPattern, timeout: timeout}, nil
}

func (out *mqttPublisher) publish(ctx context.Context, reading sensorReading) error {
	body, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	token := out.client.Publish(fmt.Sprintf(out.topicPattern, reading.SensorID), 1, false, body)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(out.timeout):
		return fmt.Errorf("publish %s: timed out", reading.SensorID)
	}
}

func (out *mqttPublisher) close() {
	out.client.Disconnect(250)
}

func clamp(value float64, min float64, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func round1(value float64) float64 {
	return math.Round(value*10) / 10
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
