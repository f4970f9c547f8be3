package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"identity-reconciliation/internal/config"
	"identity-reconciliation/internal/models"
)

// Kafka publishes cluster events to a single topic. Records are keyed by the
// cluster's primary id so every change to a cluster lands on one partition.
type Kafka struct {
	client  *kgo.Client
	topic   string
	timeout time.Duration
}

// NewKafka builds a producer for cfg. It does not contact the brokers; use
// Ping to check connectivity.
func NewKafka(cfg config.EventsConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ClientID(cfg.ClientID),
		kgo.AllowAutoTopicCreation(),
	}
	if cfg.PublishTimeout > 0 {
		opts = append(opts, kgo.RecordDeliveryTimeout(cfg.PublishTimeout))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Kafka{client: client, topic: cfg.Topic, timeout: cfg.PublishTimeout}, nil
}

// Publish produces events synchronously and returns the first failure.
// It gives up after the configured publish timeout even if ctx has no deadline.
func (k *Kafka) Publish(ctx context.Context, evts ...models.Event) error {
	if len(evts) == 0 {
		return nil
	}
	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}
	records, err := toRecords(k.topic, evts)
	if err != nil {
		return err
	}
	if err := k.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

// Ping checks that at least one broker is reachable.
func (k *Kafka) Ping(ctx context.Context) error {
	return k.client.Ping(ctx)
}

// Close releases the client connections.
func (k *Kafka) Close() {
	k.client.Close()
}

func toRecords(topic string, evts []models.Event) ([]*kgo.Record, error) {
	records := make([]*kgo.Record, 0, len(evts))
	for _, e := range evts {
		value, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
		}
		records = append(records, &kgo.Record{
			Topic: topic,
			Key:   []byte(strconv.FormatInt(e.PrimaryID, 10)),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "event-type", Value: []byte(e.Type)},
			},
			Timestamp: e.OccurredAt,
		})
	}
	return records, nil
}
