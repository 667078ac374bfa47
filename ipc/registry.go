package ipc

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ProcessID identifies a peer process, unique within the broker's scope.
// Opaque per spec.md section 3; the broker decides the encoding (this
// stack uses the string form of a uuid, see broker.go).
type ProcessID string

// Registry is the process-local table mapping ProcessID to the
// RoutedChannel that carries traffic to that peer. It is the Go
// realization of spec.md section 4.4's "channels" map; the conceptual
// "pipes" map (PipeID to dispatcher) is not centralized here -- ownership
// of that mapping lives with whichever RoutedChannel a pipe is routed
// through, exactly as section 4.4 specifies ("kept by dispatcher itself;
// registry is conceptual").
type Registry struct {
	mu       sync.Mutex
	channels map[ProcessID]*RoutedChannel
	runner   TaskRunner
	log      zerolog.Logger
	ledger   *HandleLedger
}

// NewRegistry creates an empty Registry. runner is handed to every
// RoutedChannel the Registry creates, so all channels in a process share
// one I/O worker unless the caller wires up more than one Registry.
func NewRegistry(runner TaskRunner) *Registry {
	return &Registry{
		channels: make(map[ProcessID]*RoutedChannel),
		runner:   runner,
		log:      log.With().Str("component", "Registry").Logger(),
		ledger:   &HandleLedger{},
	}
}

// SetLedger replaces the HandleLedger every RoutedChannel created from
// this point on will record handle delivery/closure against. Channels
// already attached keep whatever ledger they were created with.
func (r *Registry) SetLedger(ledger *HandleLedger) {
	r.mu.Lock()
	r.ledger = ledger
	r.mu.Unlock()
}

// Ledger returns the HandleLedger new channels are wired to.
func (r *Registry) Ledger() *HandleLedger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger
}

// AttachChannel registers a newly-introduced Transport to peer, wrapping
// it in a RoutedChannel whose self-destruction removes this entry. This
// is called when a BrokerClient receives CONNECT_TO_PROCESS for a peer it
// does not yet have a channel to (spec.md section 4.3).
//
// If a channel to peer already exists, the new transport is closed and
// the existing channel is returned: the broker is assumed not to
// re-introduce a pair of children it has already introduced, but this
// keeps a duplicate introduction harmless rather than silently dropping a
// live channel.
func (r *Registry) AttachChannel(peer ProcessID, transport Transport) *RoutedChannel {
	r.mu.Lock()
	if existing, ok := r.channels[peer]; ok {
		r.mu.Unlock()
		r.log.Warn().Str("peer", string(peer)).Msg("[Registry] duplicate CONNECT_TO_PROCESS, closing new transport")
		_ = transport.Close()
		return existing
	}
	r.mu.Unlock()

	var rc *RoutedChannel
	rc = NewRoutedChannel(transport, r.runner, func() {
		r.mu.Lock()
		if r.channels[peer] == rc {
			delete(r.channels, peer)
		}
		r.mu.Unlock()
		r.log.Debug().Str("peer", string(peer)).Msg("[Registry] channel destroyed")
	})
	rc.Ledger = r.Ledger()

	r.mu.Lock()
	r.channels[peer] = rc
	r.mu.Unlock()
	return rc
}

// Channel returns the RoutedChannel for peer, if one is currently
// registered.
func (r *Registry) Channel(peer ProcessID) (*RoutedChannel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.channels[peer]
	return rc, ok
}

// ConnectMessagePipe implements the broker-driven half of the pipe
// handoff: on CONNECT_MESSAGE_PIPE{pipe_id, peer_process_id}, bind
// dispatcher to pipeID on the channel already established to peer.
//
// The channel must already exist (established via AttachChannel when the
// prior CONNECT_TO_PROCESS arrived); see DESIGN.md for why this resolves
// spec.md's "look up or lazily create" as look-up-only rather than
// fabricating a Transport out of nothing.
func (r *Registry) ConnectMessagePipe(pipeID uint64, peer ProcessID, dispatcher Dispatcher) error {
	rc, ok := r.Channel(peer)
	if !ok {
		return wrapErr(FailedPrecondition, fmt.Sprintf("no channel to process %s yet", peer), nil)
	}
	return rc.AddRoute(pipeID, dispatcher)
}

// DisconnectMessagePipe unbinds pipeID from the channel to peer, the
// mirror of ConnectMessagePipe. The dispatcher drops its own reference to
// the channel after this call; the channel itself keeps going (or
// self-destructs) per RoutedChannel.RemoveRoute's contract.
func (r *Registry) DisconnectMessagePipe(pipeID uint64, peer ProcessID, dispatcher Dispatcher) error {
	rc, ok := r.Channel(peer)
	if !ok {
		return wrapErr(FailedPrecondition, fmt.Sprintf("no channel to process %s", peer), nil)
	}
	return rc.RemoveRoute(pipeID, dispatcher)
}

// Channels returns every currently-registered RoutedChannel, for use by
// the idle/leak sweep and other diagnostics that must walk the whole
// table rather than look up one peer.
func (r *Registry) Channels() []*RoutedChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*RoutedChannel, 0, len(r.channels))
	for _, rc := range r.channels {
		out = append(out, rc)
	}
	return out
}

// Stats aggregates ChannelStats across every live channel, keyed by peer.
func (r *Registry) Stats() map[ProcessID]ChannelStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[ProcessID]ChannelStats, len(r.channels))
	for peer, rc := range r.channels {
		out[peer] = rc.Stats()
	}
	return out
}
