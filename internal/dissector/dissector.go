// Package dissector binds detected protocols to content inspectors.
package dissector

import (
	"net/netip"
	"time"

	"firestige.xyz/layers/internal/classifier"
	"firestige.xyz/layers/internal/core"
	"firestige.xyz/layers/internal/event"
	"firestige.xyz/layers/internal/log"
)

// Inspector consumes the ordered payload of one flow. A returned error stops
// all further delivery to the inspector. Inspectors that also implement
// io.Closer are closed when their session is released.
type Inspector interface {
	OnClientData(data []byte) error
	OnServerData(data []byte) error
}

// Factory creates an inspector for a flow whose protocol was just detected.
type Factory func(ctx *classifier.Context, flow Flow) Inspector

// Flow describes the session an inspector is bound to.
type Flow struct {
	ID        string
	Key       core.FlowKey
	Client    netip.AddrPort
	Server    netip.AddrPort
	Transport core.Transport
	Proto     string
	Sink      event.Sink
}

// Emit sends an event for the flow. Sink failures are logged and swallowed so
// that output problems never stop inspection.
func (f Flow) Emit(kind string, labels core.Labels) {
	if f.Sink == nil {
		return
	}
	ev := &event.Event{
		Time:      time.Now(),
		SessionID: f.ID,
		Key:       f.Key.String(),
		Client:    f.Client.String(),
		Server:    f.Server.String(),
		Transport: f.Transport.String(),
		Proto:     f.Proto,
		Kind:      kind,
		Labels:    labels,
	}
	if err := f.Sink.Send(ev); err != nil {
		log.GetLogger().WithError(err).WithField("sink", f.Sink.Name()).Debug("event dropped")
	}
}

// noInspector is bound when no dissector serves the detected protocol.
type noInspector struct{}

func (noInspector) OnClientData([]byte) error { return core.ErrNoInspector }
func (noInspector) OnServerData([]byte) error { return core.ErrNoInspector }

// Default returns the inspector used when nothing is registered for a protocol.
func Default() Inspector { return noInspector{} }
