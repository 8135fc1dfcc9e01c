package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/segmentio/kafka-go"

	"sharedcatalog/config"
	"sharedcatalog/logger"
	"sharedcatalog/metrics"
	"sharedcatalog/models"
)

// Handler processes one decoded catalog item.
type Handler func(ctx context.Context, item models.Item) error

const reasonHeader = "x-dlq-reason"

// Key partitions messages by subject so versions of one item stay ordered.
func Key(s models.Subject) []byte { return []byte(s.Topic + "/" + s.ID) }

func Encode(item models.Item) (kafka.Message, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal item: %w", err)
	}
	return kafka.Message{Key: Key(item.Subject), Value: b}, nil
}

func Decode(m kafka.Message) (models.Item, error) {
	var item models.Item
	if err := json.Unmarshal(m.Value, &item); err != nil {
		return item, fmt.Errorf("unmarshal item: %w", err)
	}
	if err := item.Validate(); err != nil {
		return item, err
	}
	return item, nil
}

func newWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:     kafka.TCP(config.KafkaBroker),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
}

// Writer publishes a single item to topic.
func Writer(ctx context.Context, topic string, item models.Item) error {
	logger.Debug("writing item to kafka", logger.FieldKV("topic", topic), logger.FieldKV("subject", item.Subject.String()))
	msg, err := Encode(item)
	if err != nil {
		return err
	}
	w := newWriter(topic)
	defer func() {
		if err := w.Close(); err != nil {
			logger.Error("failed to close kafka writer", err)
		}
	}()
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to %s: %w", topic, err)
	}
	return nil
}

// DLQWriter parks an item that could not be processed, tagged with reason.
func DLQWriter(ctx context.Context, item models.Item, reason string) error {
	msg, err := Encode(item)
	if err != nil {
		return err
	}
	msg.Headers = append(msg.Headers, kafka.Header{Key: reasonHeader, Value: []byte(reason)})
	w := newWriter(config.DLQTopic)
	defer w.Close()
	if err := w.WriteMessages(ctx, msg); err != nil {
		logger.Error("dlq write failed", err, logger.FieldKV("subject", item.Subject.String()), logger.FieldKV("reason", reason))
		return err
	}
	metrics.IncDLQWrites()
	return nil
}

func newReader(topic string) *kafka.Reader {
	cfg := kafka.ReaderConfig{
		Brokers:  []string{config.KafkaBroker},
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	}
	if config.KafkaGroupID != "" {
		cfg.GroupID = config.KafkaGroupID
	} else {
		cfg.Partition = 0
	}
	return kafka.NewReader(cfg)
}

// Reader consumes topic until ctx is done, handing every decoded item to h.
// Undecodable messages are skipped; items h rejects go to the DLQ.
func Reader(ctx context.Context, topic string, h Handler) error {
	logger.Info("starting kafka reader", logger.FieldKV("topic", topic))
	r := newReader(topic)
	defer func() {
		if err := r.Close(); err != nil {
			logger.Error("failed to close kafka reader", err)
		}
	}()

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read from %s: %w", topic, err)
		}
		logger.Debug("message read from kafka", logger.FieldKV("partition", m.Partition), logger.FieldKV("offset", m.Offset))
		Dispatch(ctx, m, h)
	}
}

// Dispatch decodes m and runs h on it.
func Dispatch(ctx context.Context, m kafka.Message, h Handler) {
	item, err := Decode(m)
	if err != nil {
		logger.Error("error decoding item from kafka", err, logger.FieldKV("offset", m.Offset))
		return
	}
	if err := h(ctx, item); err != nil {
		logger.Error("kafka item handler failed", err, logger.FieldKV("subject", item.Subject.String()))
		_ = DLQWriter(ctx, item, err.Error())
	}
}
