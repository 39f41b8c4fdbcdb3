// Package dispatch fans decoded packets out to worker goroutines by flow.
package dispatch

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"

	"firestige.xyz/layers/internal/core"
	"firestige.xyz/layers/internal/log"
	"firestige.xyz/layers/internal/metrics"
)

// Policy decides what Dispatch does when a worker queue is full.
type Policy string

const (
	PolicyDrop  Policy = "drop"
	PolicyBlock Policy = "block"
)

// ParsePolicy accepts "drop" (also the empty string) and "block".
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyDrop:
		return PolicyDrop, nil
	case PolicyBlock:
		return PolicyBlock, nil
	default:
		return "", fmt.Errorf("%w: backpressure policy %q", core.ErrConfigInvalid, s)
	}
}

const (
	DefaultQueueSize     = 4096
	DefaultSweepInterval = time.Second
)

type Config struct {
	Workers       int
	QueueSize     int
	Policy        Policy
	SweepInterval time.Duration
}

// Handler is the per-worker packet consumer. Each handler is used by exactly
// one goroutine.
type Handler interface {
	Handle(pkt *core.Packet)
	Sweep(now time.Time) int
	Close()
}

// HandlerFactory creates the handler owned by worker i.
type HandlerFactory func(worker int) Handler

// WorkerIndex selects the worker for a flow. Both directions of a flow map to
// the same worker.
func WorkerIndex(key core.FlowKey, n int) int {
	return int(key.Hash() % uint32(n))
}

// Dispatcher owns N workers, each with its own bounded queue and handler.
//
// Dispatch and Close must be called from one goroutine (the capture loop).
// Stop may be called from anywhere.
type Dispatcher struct {
	cfg      Config
	queues   []chan *core.Packet
	handlers []Handler
	drops    []prometheus.Counter

	running atomic.Bool
	closed  atomic.Bool
	stopCh  chan struct{}

	stopOnce  sync.Once
	closeOnce sync.Once
	wg        conc.WaitGroup

	dropped atomic.Uint64
}

// New creates the dispatcher and starts its workers.
func New(cfg Config, factory HandlerFactory) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyDrop
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	d := &Dispatcher{
		cfg:      cfg,
		queues:   make([]chan *core.Packet, cfg.Workers),
		handlers: make([]Handler, cfg.Workers),
		drops:    make([]prometheus.Counter, cfg.Workers),
		stopCh:   make(chan struct{}),
	}
	d.running.Store(true)
	for i := 0; i < cfg.Workers; i++ {
		d.queues[i] = make(chan *core.Packet, cfg.QueueSize)
		d.handlers[i] = factory(i)
		d.drops[i] = metrics.DispatchDropsTotal.WithLabelValues(strconv.Itoa(i))
	}
	for i := 0; i < cfg.Workers; i++ {
		i := i
		d.wg.Go(func() { d.run(i) })
	}

	log.GetLogger().WithField("workers", cfg.Workers).
		WithField("queue_size", cfg.QueueSize).
		WithField("policy", string(cfg.Policy)).
		Info("dispatcher started")
	return d
}

// Workers returns the number of workers.
func (d *Dispatcher) Workers() int { return len(d.queues) }

// Dropped returns how many packets were dropped on full queues.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Dispatch queues pkt on the worker owning its flow. It reports false when the
// packet was not queued: the queue was full under the drop policy, or the
// dispatcher is stopping.
func (d *Dispatcher) Dispatch(pkt *core.Packet) bool {
	if !d.running.Load() || d.closed.Load() {
		return false
	}
	i := WorkerIndex(pkt.Key(), len(d.queues))

	if d.cfg.Policy == PolicyBlock {
		select {
		case d.queues[i] <- pkt:
			return true
		case <-d.stopCh:
			return false
		}
	}

	select {
	case d.queues[i] <- pkt:
		return true
	default:
		d.dropped.Add(1)
		d.drops[i].Inc()
		return false
	}
}

// Stop makes every worker exit at its next iteration, abandoning queued
// packets, and returns once all of them have released their sessions.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.running.Store(false)
		close(d.stopCh)
	})
	d.wg.Wait()
}

// Close closes the worker queues. Workers drain what is queued, release their
// sessions and exit; Close returns when they are done.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		for _, q := range d.queues {
			close(q)
		}
	})
	d.wg.Wait()
}

func (d *Dispatcher) run(i int) {
	h := d.handlers[i]
	q := d.queues[i]
	defer h.Close()

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	var clock captureClock
	for d.running.Load() {
		select {
		case pkt, ok := <-q:
			if !ok {
				return
			}
			clock.observe(pkt.Timestamp)
			h.Handle(pkt)
		case <-ticker.C:
			h.Sweep(clock.now())
		case <-d.stopCh:
			return
		}
	}
}
