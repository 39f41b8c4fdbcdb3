package event

import (
	"fmt"

	"firestige.xyz/layers/internal/config"
)

// NewSink builds the sink selected in configuration.
func NewSink(cfg config.EventsConfig) (Sink, error) {
	switch cfg.Sink {
	case "", "log":
		return NewLogSink(nil), nil
	case "discard":
		return Discard, nil
	case "kafka":
		return NewKafkaSink(KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			Compression:  cfg.Kafka.Compression,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown event sink: %s", cfg.Sink)
	}
}
