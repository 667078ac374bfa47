package ipc

import (
	"sync"
	"time"
)

// MaxMessagePayload is the implausibility ceiling applied to WriteMessage:
// anything larger is rejected with ResourceExhausted rather than queued.
const MaxMessagePayload = 256 * 1024 * 1024

// WaitFlags selects which conditions a Waiter cares about.
type WaitFlags uint32

const (
	// Readable is satisfied once the port's incoming queue is nonempty.
	Readable WaitFlags = 1 << iota
	// Writable is satisfied while the peer port is open.
	Writable
)

// ReadFlags modifies ReadMessage's behavior when the supplied buffer is
// too small for the head message.
type ReadFlags uint32

// MayDiscard tells ReadMessage to pop and drop an oversized head message
// instead of leaving it queued.
const MayDiscard ReadFlags = 1 << 0

// Msg is one queued entry: application bytes plus the platform handles
// that traveled with them.
type Msg struct {
	Bytes   []byte
	Handles []PlatformHandle
}

// Waiter is a one-shot, condition-variable-like notification armed by
// AddWaiter and fulfilled exactly once, either by the condition becoming
// satisfied, by Close, or by CancelAllWaiters.
type Waiter struct {
	Ctx      uint64
	flags    WaitFlags
	resultCh chan Code
}

// NewWaiter creates a Waiter carrying an opaque context value the caller
// can use to correlate completions (e.g. an index into its own waiter
// table).
func NewWaiter(ctx uint64) *Waiter {
	return &Waiter{Ctx: ctx, resultCh: make(chan Code, 1)}
}

func (w *Waiter) wake(code Code) {
	select {
	case w.resultCh <- code:
	default:
	}
}

// Wait blocks until w is woken or timeout elapses, returning the waker's
// Code or DeadlineExceeded.
func (w *Waiter) Wait(timeout time.Duration) Code {
	if timeout <= 0 {
		return <-w.resultCh
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c := <-w.resultCh:
		return c
	case <-t.C:
		return DeadlineExceeded
	}
}

type port struct {
	incoming []Msg
	closed   bool
	waiters  map[*Waiter]struct{}
}

// MessagePipe is an in-process, two-port buffered pipe: local endpoint
// semantics for one logical pipe. RoutedChannel drains remote frames into
// one port via the dispatcher that wraps it; application code reads and
// writes the other.
type MessagePipe struct {
	mu     sync.Mutex
	ports  [2]*port
	Ledger *HandleLedger
}

// NewMessagePipe creates a pipe with both ports open and empty.
func NewMessagePipe() *MessagePipe {
	return &MessagePipe{
		ports: [2]*port{
			{waiters: make(map[*Waiter]struct{})},
			{waiters: make(map[*Waiter]struct{})},
		},
	}
}

func (mp *MessagePipe) other(p int) int { return 1 - p }

// WriteMessage enqueues a copy of bytes, plus handles, on the incoming
// queue of port p's peer. Fails
// FailedPrecondition if the peer port is already closed, and
// ResourceExhausted if the payload exceeds MaxMessagePayload.
func (mp *MessagePipe) WriteMessage(p int, bytes []byte, handles []PlatformHandle) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	peer := mp.ports[mp.other(p)]
	if peer.closed {
		return ErrFailedPrecondition
	}
	if len(bytes) > MaxMessagePayload {
		return ErrResourceExhausted
	}

	cp := make([]byte, len(bytes))
	copy(cp, bytes)
	peer.incoming = append(peer.incoming, Msg{Bytes: cp, Handles: handles})

	for w := range peer.waiters {
		if w.flags&Readable != 0 {
			w.wake(Code(OK))
			delete(peer.waiters, w)
		}
	}
	return nil
}

// ReadMessage pops the head message from port p's queue into buf.
//
//   - Empty queue, peer open: NotFound.
//   - Empty queue, peer closed: FailedPrecondition.
//   - buf too small: ResourceExhausted. With MayDiscard the head is popped
//     and its handles closed; without, the head is left in place.
//   - Success: OK, n is the number of bytes copied, handles is the
//     message's handle set (ownership passes to the caller).
//
// nextSize reports the head message's size whenever the result is OK or
// ResourceExhausted; it is meaningless for any other result.
func (mp *MessagePipe) ReadMessage(p int, buf []byte, flags ReadFlags) (n int, handles []PlatformHandle, nextSize int, err error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	self := mp.ports[p]
	peer := mp.ports[mp.other(p)]

	if len(self.incoming) == 0 {
		if !peer.closed {
			return 0, nil, 0, ErrNotFound
		}
		return 0, nil, 0, ErrFailedPrecondition
	}

	head := self.incoming[0]
	size := len(head.Bytes)
	if size > len(buf) {
		if flags&MayDiscard != 0 {
			self.incoming = self.incoming[1:]
			closeAllLedgered(mp.Ledger, head.Handles)
		}
		return 0, nil, size, ErrResourceExhausted
	}

	self.incoming = self.incoming[1:]
	n = copy(buf, head.Bytes)
	mp.Ledger.RecordDelivered(len(head.Handles))
	return n, head.Handles, size, nil
}

// AddWaiter arms w on port p for the given flags. If the condition is
// already satisfied it is rejected synchronously with AlreadyExists
// (never armed); if the condition can never be satisfied it is rejected
// with FailedPrecondition. Otherwise w is registered and later woken by
// WriteMessage, Close, or CancelAllWaiters.
func (mp *MessagePipe) AddWaiter(p int, w *Waiter, flags WaitFlags) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	self := mp.ports[p]
	peer := mp.ports[mp.other(p)]

	satisfied := false
	if flags&Readable != 0 && len(self.incoming) > 0 {
		satisfied = true
	}
	if flags&Writable != 0 && !peer.closed {
		satisfied = true
	}
	if satisfied {
		return ErrAlreadyExists
	}

	unsatisfiable := false
	if flags&Readable != 0 && peer.closed && len(self.incoming) == 0 {
		unsatisfiable = true
	}
	if flags&Writable != 0 && peer.closed {
		unsatisfiable = true
	}
	if unsatisfiable {
		return ErrFailedPrecondition
	}

	w.flags = flags
	self.waiters[w] = struct{}{}
	return nil
}

// CancelAllWaiters wakes every waiter registered on port p with Cancelled
// and clears the registration. Used on explicit teardown paths other than
// Close (e.g. process shutdown abandoning in-flight waits).
func (mp *MessagePipe) CancelAllWaiters(p int) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	self := mp.ports[p]
	for w := range self.waiters {
		w.wake(Cancelled)
	}
	self.waiters = make(map[*Waiter]struct{})
}

// Close closes port p. It is idempotent: closing an already-closed port
// is a no-op and returns nil, satisfying invariant 5 (well-defined status,
// no corruption).
//
// Close drains p's own registered waiters with Cancelled, then marks the
// peer port's view of p as closed and wakes every peer waiter -- both
// Readable (now permanently unsatisfiable once the queue drains) and
// Writable (unsatisfiable immediately) -- with FailedPrecondition.
func (mp *MessagePipe) Close(p int) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	self := mp.ports[p]
	if self.closed {
		return nil
	}
	self.closed = true

	for w := range self.waiters {
		w.wake(Cancelled)
	}
	self.waiters = make(map[*Waiter]struct{})

	peer := mp.ports[mp.other(p)]
	for w := range peer.waiters {
		w.wake(FailedPrecondition)
	}
	peer.waiters = make(map[*Waiter]struct{})

	return nil
}

// Closed reports whether port p has been closed locally.
func (mp *MessagePipe) Closed(p int) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.ports[p].closed
}

// PeerClosed reports whether port p's peer has been closed.
func (mp *MessagePipe) PeerClosed(p int) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.ports[mp.other(p)].closed
}
