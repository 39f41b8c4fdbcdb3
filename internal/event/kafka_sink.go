package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/layers/internal/log"
	"firestige.xyz/layers/internal/metrics"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = time.Second
	defaultCompression  = "snappy"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	Compression  string // none | gzip | snappy | lz4 | zstd
	BatchSize    int
	BatchTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON. Messages are keyed by flow so that all
// events of one flow land on the same partition.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink creates an asynchronous Kafka sink. Delivery failures are
// counted and logged from the writer's completion callback.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires brokers")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink requires topic")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	if cfg.Compression == "" {
		cfg.Compression = defaultCompression
	}
	codec, err := compressionOf(cfg.Compression)
	if err != nil {
		return nil, err
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Compression:  codec,
		Async:        true,
		Completion:   onCompletion,
	}
	return &KafkaSink{writer: w}, nil
}

func compressionOf(name string) (kafka.Compression, error) {
	switch name {
	case "none":
		return 0, nil
	case "gzip":
		return compress.Gzip, nil
	case "snappy":
		return compress.Snappy, nil
	case "lz4":
		return compress.Lz4, nil
	case "zstd":
		return compress.Zstd, nil
	default:
		return 0, fmt.Errorf("invalid compression type: %s", name)
	}
}

func onCompletion(messages []kafka.Message, err error) {
	if err != nil {
		metrics.EventsTotal.WithLabelValues("kafka", "error").Add(float64(len(messages)))
		log.GetLogger().WithError(err).WithField("messages", len(messages)).Warn("kafka event delivery failed")
		return
	}
	metrics.EventsTotal.WithLabelValues("kafka", "ok").Add(float64(len(messages)))
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ev *Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(ev.Key),
		Value: value,
		Time:  ev.Time,
	})
}

// Close flushes pending batches.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
