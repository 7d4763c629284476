package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTOptions struct {
	BrokerURL       string
	ClientID        string
	Username        string
	Password        string
	Topic           string
	ConnectAttempts int
	RatePerMinute   int
}

// MQTTIngestor subscribes to sensor reading topics and feeds each message
// through the Ingestor. The sensor id comes from the payload, or from the
// topic segment matched by the first '+' wildcard when the payload has none.
type MQTTIngestor struct {
	options  MQTTOptions
	ingestor *Ingestor
	limiter  *rateLimiter
	logger   *slog.Logger

	mu     sync.Mutex
	client mqtt.Client
	ctx    context.Context
}

func NewMQTTIngestor(options MQTTOptions, ingestor *Ingestor, logger *slog.Logger) *MQTTIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	if options.ConnectAttempts < 1 {
		options.ConnectAttempts = 5
	}
	if options.RatePerMinute < 1 {
		options.RatePerMinute = 120
	}

	return &MQTTIngestor{
		options:  options,
		ingestor: ingestor,
		limiter:  newRateLimiter(options.RatePerMinute, time.Minute),
		logger:   logger,
		ctx:      context.Background(),
	}
}

// Start connects to the broker, retrying with exponential backoff. The
// subscription is renewed on every reconnect.
func (ingest *MQTTIngestor) Start(ctx context.Context) error {
	clientOptions := mqtt.NewClientOptions().
		AddBroker(ingest.options.BrokerURL).
		SetClientID(ingest.options.ClientID).
		SetUsername(ingest.options.Username).
		SetPassword(ingest.options.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetOnConnectHandler(ingest.subscribe).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			ingest.logger.Warn("mqtt connection lost", slog.Any("error", err))
		})

	ingest.mu.Lock()
	ingest.ctx = ctx
	ingest.mu.Unlock()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(clientOptions)
		token := client.Connect()
		if !token.WaitTimeout(10 * time.Second) {
			return errors.New("mqtt connect timed out")
		}
		if err := token.Error(); err != nil {
			ingest.logger.Warn("mqtt connect failed", slog.String("broker", ingest.options.BrokerURL), slog.Any("error", err))
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(ingest.options.ConnectAttempts-1)), ctx))
	if err != nil {
		return fmt.Errorf("connect mqtt broker %s: %w", ingest.options.BrokerURL, err)
	}

	ingest.mu.Lock()
	ingest.client = client
	ingest.mu.Unlock()

	ingest.logger.Info("mqtt ingest connected",
		slog.String("broker", ingest.options.BrokerURL),
		slog.String("topic", ingest.options.Topic),
	)
	return nil
}

func (ingest *MQTTIngestor) Stop() {
	ingest.mu.Lock()
	client := ingest.client
	ingest.client = nil
	ingest.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Unsubscribe(ingest.options.Topic).WaitTimeout(time.Second)
		client.Disconnect(250)
	}
}

func (ingest *MQTTIngestor) Connected() bool {
	ingest.mu.Lock()
	defer ingest.mu.Unlock()
	return ingest.client != nil && ingest.client.IsConnectionOpen()
}

func (ingest *MQTTIngestor) subscribe(client mqtt.Client) {
	token := client.Subscribe(ingest.options.Topic, 1, ingest.handle)
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		ingest.logger.Error("mqtt subscribe failed",
			slog.String("topic", ingest.options.Topic),
			slog.Any("error", token.Error()),
		)
		return
	}
	ingest.logger.Info("mqtt subscribed", slog.String("topic", ingest.options.Topic))
}

func (ingest *MQTTIngestor) handle(_ mqtt.Client, message mqtt.Message) {
	ingest.mu.Lock()
	base := ingest.ctx
	ingest.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, 5*time.Second)
	defer cancel()

	if err := ingest.process(ctx, message.Topic(), message.Payload()); err != nil {
		ingest.logger.Warn("mqtt reading rejected",
			slog.String("topic", message.Topic()),
			slog.Any("error", err),
		)
	}
}

func (ingest *MQTTIngestor) process(ctx context.Context, topic string, payload []byte) error {
	input, err := decodeTopicReading(ingest.options.Topic, topic, payload)
	if err != nil {
		return err
	}

	if allowed, _ := ingest.limiter.allow(input.SensorID); !allowed {
		return fmt.Errorf("rate limit exceeded for sensor %s", input.SensorID)
	}

	_, err = ingest.ingestor.Ingest(ctx, SourceMQTT, input)
	return err
}

func decodeTopicReading(filter string, topic string, raw []byte) (SensorInput, error) {
	payload, err := decodeObject(raw)
	if err != nil {
		return SensorInput{}, fmt.Errorf("decode payload: %w", err)
	}

	if topicID := sensorIDFromTopic(filter, topic); topicID != "" {
		switch existing, present := payload["sensorId"]; {
		case !present || existing == nil || existing == "":
			payload["sensorId"] = topicID
		case existing != topicID:
			return SensorInput{}, fmt.Errorf("sensorId %v does not match topic %s", existing, topic)
		}
	}

	return decodeReadingPayload(payload)
}

func sensorIDFromTopic(filter string, topic string) string {
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	for index, level := range filterLevels {
		if level == "#" || index >= len(topicLevels) {
			return ""
		}
		if level == "+" {
			if len(filterLevels) != len(topicLevels) {
				return ""
			}
			return topicLevels[index]
		}
	}
	return ""
}
