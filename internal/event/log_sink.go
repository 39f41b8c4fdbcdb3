package event

import (
	"firestige.xyz/layers/internal/log"
	"firestige.xyz/layers/internal/metrics"
)

// LogSink writes every event as a structured log line at info level.
type LogSink struct {
	logger log.Logger
}

// NewLogSink creates a sink over logger; nil means the global logger.
func NewLogSink(logger log.Logger) *LogSink {
	if logger == nil {
		logger = log.GetLogger()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ev *Event) error {
	fields := make(map[string]interface{}, len(ev.Labels)+5)
	for k, v := range ev.Labels {
		fields[k] = v
	}
	fields["session"] = ev.SessionID
	fields["client"] = ev.Client
	fields["server"] = ev.Server
	fields["transport"] = ev.Transport
	fields["proto"] = ev.Proto
	s.logger.WithFields(fields).Info(ev.Kind)
	metrics.EventsTotal.WithLabelValues(s.Name(), "ok").Inc()
	return nil
}

func (s *LogSink) Close() error { return nil }
