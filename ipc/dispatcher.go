package ipc

import (
	"time"

	"github.com/gosuda/pipefabric/ipc/wire"
)

// Dispatcher is the closed, two-method capability surface a RoutedChannel
// drives a bound route through. Modeled as a small interface rather than
// an inheritance hierarchy per design notes section 9 ("Dynamic
// dispatch").
type Dispatcher interface {
	// OnReadMessage delivers one payload plus its handles, in strict FIFO
	// order with respect to the peer's writes on this pipe (invariant 3).
	// Only called with the RoutedChannel's internal lock held when it is
	// draining messages buffered before AddRoute bound this dispatcher;
	// on the live-frame path (a frame arriving for an already-bound
	// route) the lock is released before this is invoked. Either way,
	// implementations must not call back into the same RoutedChannel
	// (AddRoute, RemoveRoute, WriteMessage) on this stack -- schedule any
	// such follow-up through a TaskRunner instead.
	OnReadMessage(payload []byte, handles []PlatformHandle)

	// OnError reports a terminal condition for this route: ErrReadShutdown
	// once the peer has closed (invariant 4, delivered exactly once), or a
	// wrapped transport/protocol error if the owning RoutedChannel is
	// tearing down. The dispatcher remains bound until its owner calls
	// RemoveRoute.
	OnError(err error)
}

// PendingMessage is a FramedMessage buffered because no dispatcher was
// registered yet for its route. Handle ownership is held by the
// RoutedChannel until the message is drained into a Dispatcher (or closed,
// if the channel is destroyed first).
type PendingMessage struct {
	RouteID  uint64
	Payload  []byte
	Handles  []PlatformHandle
	QueuedAt time.Time
}

func frameToPending(f wire.Frame, handles []PlatformHandle) PendingMessage {
	payload := make([]byte, len(f.Payload))
	copy(payload, f.Payload)
	return PendingMessage{RouteID: f.RouteID, Payload: payload, Handles: handles, QueuedAt: time.Now()}
}
