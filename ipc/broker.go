package ipc

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/pipefabric/ipc/wire"
)

// NewProcessID generates a fresh opaque ProcessID. Grounded on the
// teacher stack's preference for google/uuid wherever an opaque
// collision-resistant identifier is needed (see vanity-id/main.go).
func NewProcessID() ProcessID {
	return ProcessID(uuid.NewString())
}

// HandleFactory produces a linked pair of fresh, not-yet-started Transport
// endpoints, one for each of two children being introduced; each endpoint
// is then passed to that child's BrokerHost.ConnectToProcess, which sends
// it as the handle attached to CONNECT_TO_PROCESS. BrokerHost does not
// take or call a HandleFactory itself: it accepts whatever endpoint the
// caller supplies, so it stays agnostic of the concrete Transport
// (PipeTransport, a yamux stream, an os.Pipe) used to introduce children.
type HandleFactory func() (local, remote Transport)

// BrokerHost is the broker-process half of spec.md section 4.3's control
// protocol: one instance per connected child, owning a dedicated control
// Transport to that child. It never tracks the liveness of any
// RoutedChannel it introduces -- per section 4.3, "neither broker half
// tracks the liveness of that channel afterward".
type BrokerHost struct {
	mu sync.Mutex

	transport Transport
	processID ProcessID
	log       zerolog.Logger

	onHello   func(childProcessID string)
	destroyed bool
	onDestroy func()
}

// NewBrokerHost constructs a BrokerHost over transport, assigning it
// processID (the broker's own identifier for this child, handed back in
// subsequent CONNECT_MESSAGE_PIPE messages to name the *other* sibling).
// onDestroy fires once, when the control transport fails.
func NewBrokerHost(transport Transport, processID ProcessID, onDestroy func()) *BrokerHost {
	h := &BrokerHost{
		transport: transport,
		processID: processID,
		log:       log.With().Str("component", "BrokerHost").Str("process_id", string(processID)).Logger(),
		onDestroy: onDestroy,
	}
	transport.Start(h)
	return h
}

// OnHello installs a callback invoked when the child's HELLO arrives.
// Optional: a host that already knows its child's identity (e.g. assigned
// it at spawn time) need not set this.
func (h *BrokerHost) OnHello(fn func(childProcessID string)) {
	h.mu.Lock()
	h.onHello = fn
	h.mu.Unlock()
}

// ConnectToProcess introduces this host's child to peer by sending
// CONNECT_TO_PROCESS{peer_process_id} with handle attached. The caller
// supplies the paired Transport endpoint (e.g. from a HandleFactory); this
// host takes no further part once the message is sent -- the two children
// independently construct their own RoutedChannel over their respective
// ends.
func (h *BrokerHost) ConnectToProcess(peer ProcessID, endpoint Transport) error {
	payload := wire.EncodeConnectToProcess(string(peer))
	frame := wire.Frame{
		Type:    wire.TypeInternal,
		RouteID: 0,
		Payload: wire.EncodeBrokerMessage(wire.BrokerConnectToProcess, payload),
	}
	return h.transport.SendFrame(frame, []PlatformHandle{&transportHandle{t: endpoint}})
}

// ConnectMessagePipe tells the child which sibling holds the other end of
// pipeID by sending CONNECT_MESSAGE_PIPE{pipe_id, peer_process_id}.
func (h *BrokerHost) ConnectMessagePipe(pipeID uint64, peer ProcessID) error {
	payload := wire.EncodeConnectMessagePipe(pipeID, string(peer))
	frame := wire.Frame{
		Type:    wire.TypeInternal,
		RouteID: 0,
		Payload: wire.EncodeBrokerMessage(wire.BrokerConnectMessagePipe, payload),
	}
	return h.transport.SendFrame(frame, nil)
}

// OnFrame implements TransportDelegate: it decodes the one message type a
// host expects inbound from its child, HELLO.
func (h *BrokerHost) OnFrame(f wire.Frame, handles []PlatformHandle) {
	closeAll(handles)

	if f.RouteID != 0 || f.Type != wire.TypeInternal {
		h.log.Warn().Uint64("route_id", f.RouteID).Msg("[BrokerHost] unexpected frame on control transport")
		return
	}
	tag, payload, err := wire.DecodeBrokerMessage(f.Payload)
	if err != nil {
		h.log.Warn().Err(err).Msg("[BrokerHost] malformed broker message")
		return
	}
	if tag != wire.BrokerHello {
		h.log.Warn().Uint8("tag", uint8(tag)).Msg("[BrokerHost] unexpected broker tag from child")
		return
	}
	childID, err := wire.DecodeHello(payload)
	if err != nil {
		h.log.Warn().Err(err).Msg("[BrokerHost] malformed HELLO")
		return
	}

	h.mu.Lock()
	cb := h.onHello
	h.mu.Unlock()
	if cb != nil {
		cb(childID)
	}
}

// OnTransportError implements TransportDelegate: the host self-destructs
// when its control transport to this child is gone (section 4.3, "self-
// destructs on Transport error").
func (h *BrokerHost) OnTransportError(err error) {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.destroyed = true
	h.mu.Unlock()

	h.log.Warn().Err(err).Msg("[BrokerHost] control transport failed")
	if h.onDestroy != nil {
		h.onDestroy()
	}
}

// BrokerClient is the child-process half of the control protocol. It
// drives a Registry: CONNECT_TO_PROCESS makes the client attach a fresh
// RoutedChannel for the introduced peer and bind every dispatcher parked
// for that peer by AwaitMessagePipe. CONNECT_MESSAGE_PIPE calls
// Registry.ConnectMessagePipe only for a dispatcher that is still parked
// when it arrives; a dispatcher already bound is left as it is, and the
// message is logged and dropped.
type BrokerClient struct {
	mu sync.Mutex

	transport Transport
	registry  *Registry
	log       zerolog.Logger

	pendingPipes map[pendingPipeKey]Dispatcher
}

type pendingPipeKey struct {
	pipeID uint64
	peer   ProcessID
}

// NewBrokerClient constructs a BrokerClient over the broker's dedicated
// control transport, driving registry as introductions and pipe handoffs
// arrive.
func NewBrokerClient(transport Transport, registry *Registry) *BrokerClient {
	c := &BrokerClient{
		transport:    transport,
		registry:     registry,
		log:          log.With().Str("component", "BrokerClient").Logger(),
		pendingPipes: make(map[pendingPipeKey]Dispatcher),
	}
	transport.Start(c)
	return c
}

// Hello sends this child's HELLO{child_process_id} to the broker.
func (c *BrokerClient) Hello(selfID ProcessID) error {
	frame := wire.Frame{
		Type:    wire.TypeInternal,
		RouteID: 0,
		Payload: wire.EncodeBrokerMessage(wire.BrokerHello, wire.EncodeHello(string(selfID))),
	}
	return c.transport.SendFrame(frame, nil)
}

// AwaitMessagePipe registers dispatcher to be bound to pipeID on the
// channel to peer as soon as that channel exists. If the channel already
// exists (CONNECT_TO_PROCESS already landed), the bind happens
// immediately; otherwise dispatcher is parked and bound when
// CONNECT_TO_PROCESS for peer attaches the channel. The bind does not wait
// for CONNECT_MESSAGE_PIPE for pipeID.
func (c *BrokerClient) AwaitMessagePipe(pipeID uint64, peer ProcessID, dispatcher Dispatcher) error {
	if _, ok := c.registry.Channel(peer); ok {
		return c.registry.ConnectMessagePipe(pipeID, peer, dispatcher)
	}
	c.mu.Lock()
	c.pendingPipes[pendingPipeKey{pipeID, peer}] = dispatcher
	c.mu.Unlock()
	return nil
}

// OnFrame implements TransportDelegate.
func (c *BrokerClient) OnFrame(f wire.Frame, handles []PlatformHandle) {
	if f.RouteID != 0 || f.Type != wire.TypeInternal {
		closeAll(handles)
		c.log.Warn().Uint64("route_id", f.RouteID).Msg("[BrokerClient] unexpected frame on control transport")
		return
	}
	tag, payload, err := wire.DecodeBrokerMessage(f.Payload)
	if err != nil {
		closeAll(handles)
		c.log.Warn().Err(err).Msg("[BrokerClient] malformed broker message")
		return
	}

	switch tag {
	case wire.BrokerConnectToProcess:
		c.handleConnectToProcess(payload, handles)
	case wire.BrokerConnectMessagePipe:
		closeAll(handles)
		c.handleConnectMessagePipe(payload)
	default:
		closeAll(handles)
		c.log.Warn().Uint8("tag", uint8(tag)).Msg("[BrokerClient] unknown broker tag")
	}
}

func (c *BrokerClient) handleConnectToProcess(payload []byte, handles []PlatformHandle) {
	peerID, err := wire.DecodeConnectToProcess(payload)
	if err != nil {
		closeAll(handles)
		c.log.Warn().Err(err).Msg("[BrokerClient] malformed CONNECT_TO_PROCESS")
		return
	}
	if len(handles) != 1 {
		closeAll(handles)
		c.log.Warn().Int("handle_count", len(handles)).Msg("[BrokerClient] CONNECT_TO_PROCESS without exactly one handle")
		return
	}
	th, ok := handles[0].(*transportHandle)
	if !ok {
		closeAll(handles)
		c.log.Warn().Msg("[BrokerClient] CONNECT_TO_PROCESS handle is not a transport endpoint")
		return
	}

	rc := c.registry.AttachChannel(ProcessID(peerID), th.t)

	c.mu.Lock()
	var toBind []struct {
		key pendingPipeKey
		d   Dispatcher
	}
	for k, d := range c.pendingPipes {
		if k.peer == ProcessID(peerID) {
			toBind = append(toBind, struct {
				key pendingPipeKey
				d   Dispatcher
			}{k, d})
		}
	}
	for _, e := range toBind {
		delete(c.pendingPipes, e.key)
	}
	c.mu.Unlock()

	for _, e := range toBind {
		if err := rc.AddRoute(e.key.pipeID, e.d); err != nil {
			c.log.Warn().Err(err).Uint64("pipe_id", e.key.pipeID).Msg("[BrokerClient] deferred AddRoute failed")
		}
	}
}

func (c *BrokerClient) handleConnectMessagePipe(payload []byte) {
	pipeID, peerID, err := wire.DecodeConnectMessagePipe(payload)
	if err != nil {
		c.log.Warn().Err(err).Msg("[BrokerClient] malformed CONNECT_MESSAGE_PIPE")
		return
	}

	key := pendingPipeKey{pipeID, ProcessID(peerID)}
	c.mu.Lock()
	dispatcher, ok := c.pendingPipes[key]
	if ok {
		delete(c.pendingPipes, key)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn().Uint64("pipe_id", pipeID).Str("peer", peerID).
			Msg("[BrokerClient] CONNECT_MESSAGE_PIPE with no awaiting dispatcher")
		return
	}
	if err := c.registry.ConnectMessagePipe(pipeID, ProcessID(peerID), dispatcher); err != nil {
		c.log.Warn().Err(err).Uint64("pipe_id", pipeID).Msg("[BrokerClient] ConnectMessagePipe failed")
	}
}

// OnTransportError implements TransportDelegate: loss of the control
// transport to the broker is logged; existing RoutedChannels to siblings
// are unaffected since they run over their own Transports.
func (c *BrokerClient) OnTransportError(err error) {
	c.log.Warn().Err(err).Msg("[BrokerClient] control transport to broker failed")
}

// transportHandle adapts a not-yet-started Transport so it can ride as the
// PlatformHandle attached to CONNECT_TO_PROCESS, modeling section 6's "OS
// handle attached to a frame" for the in-process/test transports this
// package ships. A real cross-process broker instead attaches a
// PlatformHandle whose wire form is a duplicated OS handle/fd and
// rehydrates a Transport from it on the receiving side; see
// DESIGN.md for why that adaptation is left to the embedder.
type transportHandle struct {
	t Transport
}

func (h *transportHandle) Close() error {
	if h.t == nil {
		return nil
	}
	return h.t.Close()
}

var _ fmt.Stringer = (*ProcessID)(nil)

// String implements fmt.Stringer for log friendliness.
func (p *ProcessID) String() string {
	if p == nil {
		return ""
	}
	return string(*p)
}
