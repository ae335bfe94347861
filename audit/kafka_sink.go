package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// KafkaSink mirrors accepted events to a Kafka topic for downstream
// consumers (SIEM, warehouse). It is an optional side channel: the store
// remains the source of truth and sink errors never reach the caller.
type KafkaSink struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *slog.Logger
}

func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) (*KafkaSink, error) {
	if topic == "" {
		topic = "crm.audit.events"
	}
	if logger == nil {
		logger = slog.Default()
	}

	config := sarama.NewConfig()
	config.Producer.Return.Successes = false
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForLocal

	config.Producer.Flush.Frequency = 500 * time.Millisecond
	config.Producer.Flush.Messages = 100

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to start kafka producer: %w", err)
	}

	sink := &KafkaSink{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}

	go sink.drainErrors()

	return sink, nil
}

// Publish hands the event to the async producer. When the producer's input
// buffer is full the event is dropped rather than blocking ingestion.
func (k *KafkaSink) Publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		k.logger.Error("audit: kafka marshal failed", "error", err, "event_id", ev.ID)
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(ev.CorrelationID),
		Value: sarama.ByteEncoder(payload),
	}

	select {
	case k.producer.Input() <- msg:
	default:
		eventsDropped.WithLabelValues("kafka_backpressure").Inc()
	}
}

func (k *KafkaSink) drainErrors() {
	for err := range k.producer.Errors() {
		k.logger.Error("audit: failed to mirror event to kafka", "error", err)
	}
}

func (k *KafkaSink) Close() error {
	return k.producer.Close()
}
