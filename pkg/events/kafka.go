package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"guardrail/pkg/stream"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaPublisher writes events keyed by request ID so all events of one
// request land on the same partition.
type KafkaPublisher struct {
	writer  kafkaWriter
	timeout time.Duration
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: false,
	}
	return &KafkaPublisher{writer: w, timeout: cfg.WriteTimeout}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt stream.Event) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka publisher not initialized")
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	msg := kafka.Message{
		Key:     []byte(evt.RequestID),
		Value:   value,
		Headers: []kafka.Header{{Key: "type", Value: []byte(evt.Type)}},
		Time:    evt.At,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
