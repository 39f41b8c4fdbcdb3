package event

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/layers/internal/config"
	"firestige.xyz/layers/internal/core"
	"firestige.xyz/layers/internal/log"
)

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func sampleEvent() *Event {
	return &Event{
		Time:      time.Unix(1700000000, 0).UTC(),
		SessionID: "6f1c6a2e-0000-4000-8000-000000000001",
		Key:       "10.0.0.1:1234 <-> 10.0.0.2:80",
		Client:    "10.0.0.1:1234",
		Server:    "10.0.0.2:80",
		Transport: "tcp",
		Proto:     "HTTP",
		Kind:      KindHTTPRequest,
		Labels:    core.Labels{core.LabelHTTPMethod: "GET"},
	}
}

func TestKafkaSinkEncodesEvent(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w}

	require.NoError(t, sink.Send(sampleEvent()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "10.0.0.1:1234 <-> 10.0.0.2:80", string(w.msgs[0].Key))

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	want := sampleEvent()
	assert.True(t, want.Time.Equal(decoded.Time))
	decoded.Time = want.Time
	assert.Equal(t, *want, decoded)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaSinkValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  KafkaConfig
		ok   bool
	}{
		{"no brokers", KafkaConfig{Topic: "t"}, false},
		{"no topic", KafkaConfig{Brokers: []string{"localhost:9092"}}, false},
		{"bad compression", KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t", Compression: "brotli"}, false},
		{"defaults", KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}, true},
		{"zstd", KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t", Compression: "zstd"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewKafkaSink(tt.cfg)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			w := sink.writer.(*kafka.Writer)
			assert.True(t, w.Async)
			assert.Equal(t, defaultBatchSize, w.BatchSize)
		})
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger, err := log.New(log.Config{Level: "info", Pattern: "%msg %field\n"}, &buf)
	require.NoError(t, err)

	require.NoError(t, NewLogSink(logger).Send(sampleEvent()))
	assert.Contains(t, buf.String(), "http.request ")
	assert.Contains(t, buf.String(), "http.method=GET")
	assert.Contains(t, buf.String(), "proto=HTTP")
}

func TestCollector(t *testing.T) {
	c := &Collector{}
	ev := sampleEvent()
	require.NoError(t, c.Send(ev))
	ev.Labels[core.LabelHTTPMethod] = "POST"

	require.Len(t, c.Events(), 1)
	assert.Equal(t, "GET", c.Events()[0].Labels[core.LabelHTTPMethod])
	assert.Equal(t, []string{KindHTTPRequest}, c.Kinds())
}

func TestNewSink(t *testing.T) {
	s, err := NewSink(config.EventsConfig{Sink: "discard"})
	require.NoError(t, err)
	assert.Equal(t, "discard", s.Name())

	s, err = NewSink(config.EventsConfig{Sink: "log"})
	require.NoError(t, err)
	assert.Equal(t, "log", s.Name())

	_, err = NewSink(config.EventsConfig{Sink: "syslog"})
	assert.Error(t, err)
}
