// Package engine wires capture, decoding, classification and dispatch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"

	"firestige.xyz/layers/internal/capture"
	"firestige.xyz/layers/internal/classifier"
	"firestige.xyz/layers/internal/config"
	"firestige.xyz/layers/internal/core"
	"firestige.xyz/layers/internal/core/decoder"
	"firestige.xyz/layers/internal/dispatch"
	"firestige.xyz/layers/internal/dissector"
	"firestige.xyz/layers/internal/dissector/builtin"
	"firestige.xyz/layers/internal/event"
	"firestige.xyz/layers/internal/flow"
	"firestige.xyz/layers/internal/log"
	"firestige.xyz/layers/internal/metrics"
)

// State is the engine lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Option overrides a component the engine would otherwise build from config.
type Option func(*Engine)

func WithSource(src capture.Source) Option {
	return func(e *Engine) { e.source = src }
}

func WithSink(sink event.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

func WithClassifier(c classifier.Engine) Option {
	return func(e *Engine) { e.classifier = c }
}

// Stats counts what the capture loop did with each packet.
type Stats struct {
	Received   uint64 `json:"received"`
	Malformed  uint64 `json:"malformed"`
	Skipped    uint64 `json:"skipped"`
	Dispatched uint64 `json:"dispatched"`
	Dropped    uint64 `json:"dropped"`
	Fragments  uint64 `json:"fragments"` // held or rejected by the defragmenter
}

// Engine runs one capture source through the flow-tracking pipeline.
type Engine struct {
	cfg config.GlobalConfig

	source     capture.Source
	decoder    *decoder.Decoder
	defrag     *decoder.Defragmenter // nil when disabled
	classifier classifier.Engine
	registry   *dissector.Registry
	sink       event.Sink
	dispatcher *dispatch.Dispatcher

	mu            sync.RWMutex
	state         State
	startedAt     time.Time
	stoppedAt     time.Time
	failureReason string

	received   atomic.Uint64
	malformed  atomic.Uint64
	skipped    atomic.Uint64
	dispatched atomic.Uint64
	dropped    atomic.Uint64
	fragments  atomic.Uint64
}

// New builds every component named by cfg. cfg must already be validated.
func New(cfg config.GlobalConfig, opts ...Option) (*Engine, error) {
	e := &Engine{cfg: cfg, state: StateCreated}
	for _, opt := range opts {
		opt(e)
	}

	registry, err := builtin.NewRegistry(cfg.Dissectors.Enabled, cfg.Dissectors.Options, cfg.Workspace)
	if err != nil {
		return nil, err
	}
	e.registry = registry
	e.decoder = decoder.New(decoder.Config{DisableIPv6: cfg.Decoder.DisableIPv6})
	if d := cfg.Decoder.Defrag; d.Enabled {
		e.defrag = decoder.NewDefragmenter(decoder.DefragConfig{
			Timeout:         d.Timeout,
			MaxFragments:    d.MaxFragments,
			MaxDatagramSize: d.MaxDatagramSize,
			MaxFragsPerIP:   d.MaxFragsPerIP,
			RateLimitWindow: d.RateLimitWindow,
		})
	}

	if e.classifier == nil {
		e.classifier = classifier.NewSignatureEngine(classifier.Options{
			GuessCacheTTL:     cfg.Classifier.GuessCacheTTL,
			GuessCacheCleanup: cfg.Classifier.GuessCacheCleanup,
		})
	}

	if e.sink == nil {
		sink, err := event.NewSink(cfg.Events)
		if err != nil {
			return nil, err
		}
		e.sink = sink
	}

	if e.source == nil {
		src, err := capture.Open(cfg.Capture)
		if err != nil {
			e.sink.Close()
			return nil, err
		}
		e.source = src
	}
	if lt := e.source.LinkType(); lt != layers.LinkTypeEthernet {
		e.source.Close()
		e.sink.Close()
		return nil, fmt.Errorf("%w: link type %s", core.ErrUnsupportedProto, lt)
	}

	return e, nil
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// setState must be called with mu held.
func (e *Engine) setState(s State) {
	e.state = s
	log.GetLogger().WithField("state", string(s)).Info("engine state changed")
}

func (e *Engine) Stats() Stats {
	return Stats{
		Received:   e.received.Load(),
		Malformed:  e.malformed.Load(),
		Skipped:    e.skipped.Load(),
		Dispatched: e.dispatched.Load(),
		Dropped:    e.dropped.Load(),
		Fragments:  e.fragments.Load(),
	}
}

// Registry returns the dissector registry the engine was built with.
func (e *Engine) Registry() *dissector.Registry { return e.registry }

// Run captures until the source is exhausted or ctx is done. Exhaustion
// drains every queued packet; cancellation abandons what is queued. Either
// way all sessions are released and the sink is closed before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateCreated {
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot run engine in state %s", core.ErrEngineState, e.state)
	}
	e.startedAt = time.Now()
	e.dispatcher = e.newDispatcher()
	e.setState(StateRunning)
	e.mu.Unlock()

	log.GetLogger().WithFields(map[string]interface{}{
		"workers":    e.dispatcher.Workers(),
		"dissectors": e.registry.Enabled(),
		"source":     e.cfg.Capture.Source,
	}).Info("engine started")

	err := e.captureLoop(ctx)

	e.mu.Lock()
	e.setState(StateStopping)
	e.mu.Unlock()

	if errors.Is(err, io.EOF) {
		e.dispatcher.Close()
		err = nil
	} else {
		e.dispatcher.Stop()
	}
	if cerr := e.source.Close(); cerr != nil {
		log.GetLogger().WithError(cerr).Warn("capture source close failed")
	}
	if cerr := e.sink.Close(); cerr != nil {
		log.GetLogger().WithError(cerr).Warn("event sink close failed")
	}

	stats := e.Stats()
	e.mu.Lock()
	e.stoppedAt = time.Now()
	if err != nil {
		e.failureReason = err.Error()
		e.setState(StateFailed)
	} else {
		e.setState(StateStopped)
	}
	e.mu.Unlock()

	log.GetLogger().WithFields(map[string]interface{}{
		"received":   stats.Received,
		"malformed":  stats.Malformed,
		"skipped":    stats.Skipped,
		"dispatched": stats.Dispatched,
		"dropped":    stats.Dropped,
		"fragments":  stats.Fragments,
		"uptime":     e.stoppedAt.Sub(e.startedAt).String(),
	}).Info("engine stopped")
	return err
}

func (e *Engine) newDispatcher() *dispatch.Dispatcher {
	policy, _ := dispatch.ParsePolicy(e.cfg.Workers.Backpressure)
	opts := flow.Options{
		Engine:            e.classifier,
		Registry:          e.registry,
		Sink:              e.sink,
		IdleTimeout:       e.cfg.Flow.IdleTimeout,
		MaxDetectAttempts: e.cfg.Flow.MaxDetectAttempts,
		ReorderWindow:     e.cfg.Flow.ReorderWindow,
	}
	return dispatch.New(dispatch.Config{
		Workers:       e.cfg.Workers.Count,
		QueueSize:     e.cfg.Workers.QueueSize,
		Policy:        policy,
		SweepInterval: e.cfg.Workers.SweepInterval,
	}, func(worker int) dispatch.Handler {
		return flow.NewWorkerTables(worker, opts)
	})
}

// captureLoop returns io.EOF when the source is exhausted, nil when ctx is
// done and any other read error as is.
func (e *Engine) captureLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		raw, err := e.source.ReadPacket()
		if err != nil {
			switch {
			case errors.Is(err, core.ErrReadTimeout):
				continue
			case errors.Is(err, io.EOF):
				log.GetLogger().Info("capture source exhausted")
				return io.EOF
			case ctx.Err() != nil:
				return nil
			default:
				return fmt.Errorf("capture failed: %w", err)
			}
		}
		e.handle(raw)
	}
}

func (e *Engine) handle(raw core.RawPacket) {
	e.received.Add(1)
	pkt := e.decoder.Decode(raw)
	if pkt.Flags.Has(core.FlagFragment) && e.defrag != nil {
		whole, ok := e.reassemble(pkt)
		if !ok {
			e.fragments.Add(1)
			return
		}
		pkt = e.decoder.Decode(whole)
	}

	switch {
	case pkt.Malformed():
		e.malformed.Add(1)
		metrics.PacketsTotal.WithLabelValues("malformed").Inc()
	case !pkt.IsTCP() && !pkt.IsUDP():
		e.skipped.Add(1)
		metrics.PacketsTotal.WithLabelValues("skipped").Inc()
	case e.dispatcher.Dispatch(pkt):
		e.dispatched.Add(1)
		metrics.PacketsTotal.WithLabelValues("dispatched").Inc()
	default:
		e.dropped.Add(1)
		metrics.PacketsTotal.WithLabelValues("dropped").Inc()
	}
}

// reassemble feeds one fragment to the defragmenter and reports whether it
// completed a datagram.
func (e *Engine) reassemble(pkt *core.Packet) (core.RawPacket, bool) {
	whole, ok, err := e.defrag.Reassemble(pkt)
	metrics.FragmentsPending.Set(float64(e.defrag.Pending()))
	switch {
	case err != nil:
		metrics.FragmentsTotal.WithLabelValues("rejected").Inc()
		log.GetLogger().WithError(err).Debugf("fragment from %s dropped", pkt.SrcIP)
	case ok:
		metrics.FragmentsTotal.WithLabelValues("reassembled").Inc()
	default:
		metrics.FragmentsTotal.WithLabelValues("held").Inc()
	}
	return whole, ok
}
