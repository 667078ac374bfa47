package ipc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/pipefabric/ipc/wire"
)

// ChannelStats is a point-in-time snapshot of a RoutedChannel's routing
// table, exposed for the idle/leak sweep and for diagnostics. Grounded on
// SessionManagerV2.GetSessionStats's shape in the teacher stack.
type ChannelStats struct {
	BoundRoutes     int
	PendingMessages int
	ClosedRoutes    int
	TransportDown   bool
}

// RoutedChannel owns one Transport to a specific remote process and fans
// its inbound frames out to the correct local Dispatcher, keyed by
// PipeID. See spec.md section 4.2 for the full contract; this type
// implements it directly.
type RoutedChannel struct {
	mu sync.Mutex

	transport Transport
	runner    TaskRunner
	log       zerolog.Logger

	routes       map[uint64]Dispatcher
	pending      []PendingMessage
	closedRoutes map[uint64]struct{}

	transportDown bool
	destroyed     bool
	onDestroy     func()

	// Ledger tracks handle delivery vs. closure for invariant 6. Nil is a
	// valid, no-op tracker; set it before traffic starts to observe
	// counts (see Registry.SetLedger).
	Ledger *HandleLedger
}

// NewRoutedChannel constructs a RoutedChannel over transport, using runner
// to schedule self-destruction and dispatcher follow-up work. onDestroy is
// invoked at most once, from runner, when the channel has both lost its
// transport and emptied its routing table (invariant 7); the caller uses
// it to drop its own reference (e.g. remove the entry from a
// ProcessID-keyed registry).
func NewRoutedChannel(transport Transport, runner TaskRunner, onDestroy func()) *RoutedChannel {
	rc := &RoutedChannel{
		transport:    transport,
		runner:       runner,
		log:          log.With().Str("component", "RoutedChannel").Logger(),
		routes:       make(map[uint64]Dispatcher),
		closedRoutes: make(map[uint64]struct{}),
		onDestroy:    onDestroy,
	}
	transport.Start(rc)
	return rc
}

// AddRoute binds dispatcher to pipeID. pipeID must be nonzero (invariant
// 2) and not already bound (invariant 1). Any PendingMessage already
// buffered for pipeID is drained into dispatcher.OnReadMessage in
// original FIFO order before AddRoute returns; if the peer had already
// sent ROUTE_CLOSED for pipeID, dispatcher.OnError(ErrReadShutdown)
// follows the drained messages.
func (rc *RoutedChannel) AddRoute(pipeID uint64, dispatcher Dispatcher) error {
	if pipeID == 0 {
		return wrapErr(InvalidArgument, "pipe id 0 is reserved for the control route", nil)
	}
	if dispatcher == nil {
		return wrapErr(InvalidArgument, "nil dispatcher", nil)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if _, bound := rc.routes[pipeID]; bound {
		return wrapErr(FailedPrecondition, fmt.Sprintf("pipe %d already bound", pipeID), nil)
	}
	rc.routes[pipeID] = dispatcher

	var toDeliver []PendingMessage
	remaining := make([]PendingMessage, 0, len(rc.pending))
	for _, pm := range rc.pending {
		if pm.RouteID == pipeID {
			toDeliver = append(toDeliver, pm)
		} else {
			remaining = append(remaining, pm)
		}
	}
	rc.pending = remaining

	_, wasClosed := rc.closedRoutes[pipeID]

	// Deliver under the lock: this is the splice point that guarantees
	// FIFO ordering against any frame racing in on the I/O worker for the
	// same pipe ID (spec section 4.2, "Ordering & tie-breaks"). Dispatcher
	// implementations must not reenter this RoutedChannel from here.
	for _, pm := range toDeliver {
		rc.Ledger.RecordDelivered(len(pm.Handles))
		dispatcher.OnReadMessage(pm.Payload, pm.Handles)
	}
	if wasClosed {
		dispatcher.OnError(ErrReadShutdown)
	}
	return nil
}

// RemoveRoute unbinds pipeID, which must currently be bound to exactly
// dispatcher. If the peer already closed this route, the closed-routes
// entry is simply erased (invariant 4: only one side ever sends
// ROUTE_CLOSED). Otherwise, if the transport is alive, a ROUTE_CLOSED
// control frame is sent. If the transport is down and the routing table
// becomes empty, destruction is scheduled through the TaskRunner -- never
// inline, to avoid reentering a caller still upstack (e.g. a broker
// callback).
func (rc *RoutedChannel) RemoveRoute(pipeID uint64, dispatcher Dispatcher) error {
	rc.mu.Lock()

	bound, ok := rc.routes[pipeID]
	if !ok || bound != dispatcher {
		rc.mu.Unlock()
		return wrapErr(FailedPrecondition, fmt.Sprintf("pipe %d not bound to this dispatcher", pipeID), nil)
	}
	delete(rc.routes, pipeID)

	_, peerAlreadyClosed := rc.closedRoutes[pipeID]
	if peerAlreadyClosed {
		delete(rc.closedRoutes, pipeID)
	}

	transportDown := rc.transportDown
	shouldDestroy := transportDown && len(rc.routes) == 0
	t := rc.transport
	rc.mu.Unlock()

	if !peerAlreadyClosed && !transportDown {
		payload := wire.EncodeRouteClosed(pipeID)
		frame := wire.Frame{Type: wire.TypeInternal, RouteID: 0, Payload: payload}
		if err := t.SendFrame(frame, nil); err != nil {
			rc.log.Warn().Err(err).Uint64("pipe_id", pipeID).Msg("[RoutedChannel] failed to send ROUTE_CLOSED")
		}
	}

	if shouldDestroy {
		rc.scheduleDestroy()
	}
	return nil
}

// WriteMessage stamps bytes with route_id = pipeID and hands the frame to
// the Transport. pipeID need not be bound locally -- a write only
// requires that the local RoutedChannel is still attached to a live
// transport; the peer's dispatcher registration is its own business.
func (rc *RoutedChannel) WriteMessage(pipeID uint64, bytes []byte, handles []PlatformHandle) error {
	rc.mu.Lock()
	if rc.transportDown {
		rc.mu.Unlock()
		closeAllLedgered(rc.Ledger, handles)
		return ErrFailedPrecondition
	}
	t := rc.transport
	rc.mu.Unlock()

	frame := wire.Frame{
		Type:       wire.TypeData,
		RouteID:    pipeID,
		NumHandles: uint32(len(handles)),
		Payload:    bytes,
	}
	return t.SendFrame(frame, handles)
}

// OnFrame implements TransportDelegate. It is invoked on the Transport's
// I/O worker for every successfully-decoded inbound frame.
func (rc *RoutedChannel) OnFrame(f wire.Frame, handles []PlatformHandle) {
	if f.RouteID == 0 {
		rc.handleControlFrame(f, handles)
		return
	}

	rc.mu.Lock()
	dispatcher, bound := rc.routes[f.RouteID]
	if bound {
		payload := f.Payload
		rc.mu.Unlock()
		rc.Ledger.RecordDelivered(len(handles))
		dispatcher.OnReadMessage(payload, handles)
		return
	}
	rc.pending = append(rc.pending, frameToPending(f, handles))
	rc.mu.Unlock()
}

func (rc *RoutedChannel) handleControlFrame(f wire.Frame, handles []PlatformHandle) {
	closeAllLedgered(rc.Ledger, handles) // the control route never carries handles

	if f.Type != wire.TypeInternal {
		rc.teardown(fmt.Errorf("%w: route 0 frame with type %d, want INTERNAL", ErrProtocolViolation, f.Type))
		return
	}

	pipeID, err := wire.DecodeRouteClosed(f.Payload)
	if err != nil {
		if errors.Is(err, wire.ErrControlFrameTooShort) {
			rc.log.Warn().Err(err).Msg("[RoutedChannel] undersized control frame discarded, route 0 stays live")
			return
		}
		rc.teardown(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
		return
	}

	rc.mu.Lock()
	if _, dup := rc.closedRoutes[pipeID]; dup {
		rc.mu.Unlock()
		rc.teardown(fmt.Errorf("%w: duplicate ROUTE_CLOSED for pipe %d", ErrProtocolViolation, pipeID))
		return
	}
	rc.closedRoutes[pipeID] = struct{}{}
	dispatcher, bound := rc.routes[pipeID]
	if bound {
		dispatcher.OnError(ErrReadShutdown)
	}
	rc.mu.Unlock()
}

// OnTransportError implements TransportDelegate. Per spec section 4.2: the
// transport is shut first, then every bound dispatcher is told OnError(e).
// If no routes remain at that instant, destruction is scheduled
// immediately; otherwise it waits for the last RemoveRoute.
func (rc *RoutedChannel) OnTransportError(err error) {
	rc.mu.Lock()
	if rc.transportDown {
		rc.mu.Unlock()
		return
	}
	rc.transportDown = true
	dispatchers := make([]Dispatcher, 0, len(rc.routes))
	for _, d := range rc.routes {
		dispatchers = append(dispatchers, d)
	}
	empty := len(rc.routes) == 0
	rc.mu.Unlock()

	rc.log.Warn().Err(err).Int("bound_routes", len(dispatchers)).Msg("[RoutedChannel] transport failed")
	_ = rc.transport.Close()

	for _, d := range dispatchers {
		d.OnError(err)
	}
	if empty {
		rc.scheduleDestroy()
	}
}

// teardown is the fatal path for control-route protocol violations:
// logged, the transport is shut, every bound dispatcher is notified, and
// destruction is scheduled once the table empties. User-level write
// failures are never routed here -- per spec section 7 they stay local to
// one pipe and do not affect the rest of the channel.
func (rc *RoutedChannel) teardown(err error) {
	rc.log.Error().Err(err).Msg("[RoutedChannel] control protocol violation, tearing down")
	rc.OnTransportError(err)
}

func (rc *RoutedChannel) scheduleDestroy() {
	rc.runner.Post(func() {
		rc.mu.Lock()
		if rc.destroyed {
			rc.mu.Unlock()
			return
		}
		shouldDestroy := rc.transportDown && len(rc.routes) == 0
		if !shouldDestroy {
			rc.mu.Unlock()
			return
		}
		rc.destroyed = true
		leaked := rc.pending
		rc.pending = nil
		rc.mu.Unlock()

		for _, pm := range leaked {
			closeAllLedgered(rc.Ledger, pm.Handles)
		}
		if rc.onDestroy != nil {
			rc.onDestroy()
		}
	})
}

// StalePending logs (and counts, but does not close or drop) every
// PendingMessage that has sat unclaimed longer than threshold. Ownership
// of those messages is unchanged -- per spec.md section 5, a
// PendingMessage is only closed on channel destruction or drained by a
// real AddRoute; this sweep exists purely to surface registration-race
// bugs that would otherwise leak silently until destruction.
func (rc *RoutedChannel) StalePending(threshold time.Duration) int {
	rc.mu.Lock()
	now := time.Now()
	stale := 0
	for _, pm := range rc.pending {
		if now.Sub(pm.QueuedAt) >= threshold {
			stale++
		}
	}
	rc.mu.Unlock()

	if stale > 0 {
		rc.log.Warn().Int("stale_pending", stale).Dur("threshold", threshold).
			Msg("[RoutedChannel] pending messages unclaimed past threshold, possible registration-race leak")
	}
	return stale
}

// Stats returns a snapshot of the routing table for diagnostics.
func (rc *RoutedChannel) Stats() ChannelStats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return ChannelStats{
		BoundRoutes:     len(rc.routes),
		PendingMessages: len(rc.pending),
		ClosedRoutes:    len(rc.closedRoutes),
		TransportDown:   rc.transportDown,
	}
}
