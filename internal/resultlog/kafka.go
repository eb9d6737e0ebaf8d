package resultlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/josephjohncox/vectorwing/pkg/connector"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaLog publishes every inference completion to a Kafka topic as JSON.
// Messages are keyed by (listener, document) so a compacted topic keeps the
// latest outcome per pair.
type KafkaLog struct {
	client *kgo.Client
	topic  string
}

func NewKafkaLog(brokers []string, topic string) (*KafkaLog, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &KafkaLog{client: client, topic: topic}, nil
}

func (k *KafkaLog) Publish(ctx context.Context, result connector.InferenceResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(result.Listener + "/" + result.DocumentID),
		Value: payload,
	}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce result: %w", err)
	}
	return nil
}

func (k *KafkaLog) Close(_ context.Context) error {
	k.client.Close()
	return nil
}

// NopLog discards results. Used when no result log is configured.
type NopLog struct{}

func (NopLog) Publish(context.Context, connector.InferenceResult) error { return nil }
func (NopLog) Close(context.Context) error                              { return nil }
