// Package core defines sentinel errors.
package core

import "errors"

var (
	// Packet decoding errors
	ErrPacketTooShort   = errors.New("layers: packet too short")
	ErrUnsupportedProto = errors.New("layers: unsupported protocol")
	ErrFragmentRejected = errors.New("layers: fragment rejected")

	// Dissector errors
	ErrDissectorNotFound = errors.New("layers: dissector not found")
	ErrNoInspector       = errors.New("layers: no inspector bound")
	ErrInspectorBuffer   = errors.New("layers: inspector buffer limit exceeded")
	ErrInspectorPanic    = errors.New("layers: inspector panicked")

	// Capture errors
	ErrSourceClosed      = errors.New("layers: capture source closed")
	ErrUnknownSourceType = errors.New("layers: unknown capture source")
	ErrReadTimeout       = errors.New("layers: capture read timeout")

	// Engine errors
	ErrEngineState    = errors.New("layers: invalid engine state")
	ErrDispatcherStop = errors.New("layers: dispatcher stopped")

	// Configuration errors
	ErrConfigInvalid = errors.New("layers: invalid configuration")
)
