package ipc

import "github.com/gosuda/pipefabric/ipc/wire"

// Transport is the external collaborator described by spec section 1: a
// reliable, ordered, frame-level carrier between exactly two endpoints,
// capable of attaching platform handles to a frame. Its implementation
// (byte framing, retransmission, handle duplication) lives outside this
// package; RoutedChannel only relies on the contract below.
//
// A Transport delivers inbound frames and failures to a single
// TransportDelegate, set once via Start, on its own dedicated I/O worker
// goroutine. RoutedChannel calls Close from inside its OnTransportError
// callback, so Close must be safe to call on that stack.
type Transport interface {
	// Start registers d as the recipient of inbound frames and failures.
	// Must be called at most once.
	Start(d TransportDelegate)

	// SendFrame queues f for delivery, taking ownership of handles. Never
	// blocks; the Transport is assumed to have internal queuing capacity
	// sufficient for the caller (no flow control in this core, per
	// spec.md's Non-goals).
	SendFrame(f wire.Frame, handles []PlatformHandle) error

	// Close tears the transport down. Idempotent.
	Close() error
}

// TransportDelegate receives frames and failures from a Transport. Both
// methods are invoked on the Transport's I/O worker.
type TransportDelegate interface {
	// OnFrame delivers one successfully-decoded inbound frame. Frames
	// smaller than wire.HeaderLen never reach this method -- the
	// Transport itself discards them (spec section 6/8-S6).
	OnFrame(f wire.Frame, handles []PlatformHandle)

	// OnTransportError reports that the transport has failed and is now
	// (or is about to be) closed. Delivered at most once.
	OnTransportError(err error)
}
