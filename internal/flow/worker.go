package flow

import (
	"time"

	"firestige.xyz/layers/internal/core"
)

// WorkerTables holds one worker's TCP and UDP tables. The flow key carries no
// transport, so equal tuples on TCP and UDP are tracked apart.
type WorkerTables struct {
	tcp *Table
	udp *Table
}

// NewWorkerTables creates both tables for worker from a template.
func NewWorkerTables(worker int, opts Options) *WorkerTables {
	opts.Worker = worker
	tcpOpts, udpOpts := opts, opts
	tcpOpts.Transport = core.TransportTCP
	udpOpts.Transport = core.TransportUDP
	return &WorkerTables{tcp: NewTable(tcpOpts), udp: NewTable(udpOpts)}
}

// Handle routes a packet by transport. Packets without TCP or UDP are ignored.
func (w *WorkerTables) Handle(pkt *core.Packet) {
	switch core.TransportOf(pkt) {
	case core.TransportTCP:
		w.tcp.Handle(pkt)
	case core.TransportUDP:
		w.udp.Handle(pkt)
	}
}

func (w *WorkerTables) Sweep(now time.Time) int {
	return w.tcp.Sweep(now) + w.udp.Sweep(now)
}

func (w *WorkerTables) Close() {
	w.tcp.Close()
	w.udp.Close()
}

// Len returns the number of live sessions across both tables.
func (w *WorkerTables) Len() int { return w.tcp.Len() + w.udp.Len() }
