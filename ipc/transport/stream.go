package transport

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/pipefabric/ipc"
	"github.com/gosuda/pipefabric/ipc/wire"
)

// ErrHandlesUnsupported is returned by StreamTransport.SendFrame when the
// caller attaches handles: a plain byte stream has no side channel for
// platform handles (real fd-passing needs SCM_RIGHTS over a Unix domain
// socket, or handle duplication over Windows named pipes -- neither is
// implemented by this adapter). Use PipeTransport when a test or demo
// needs to exercise handle transfer.
var ErrHandlesUnsupported = errors.New("transport: stream transport cannot carry platform handles")

// StreamTransport adapts any io.ReadWriteCloser -- a TCP conn, a
// hashicorp/yamux Stream, a unix socket -- into an ipc.Transport by
// framing messages with wire.Encode/wire.Decode, the same "wrap whatever
// the caller hands us" shape as the teacher's YamuxSession adapter.
type StreamTransport struct {
	conn io.ReadWriteCloser
	log  zerolog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	delegate ipc.TransportDelegate
	closed   bool
}

// NewStreamTransport wraps conn. Start must be called before any frame
// written by the peer will be delivered.
func NewStreamTransport(conn io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{
		conn: conn,
		log:  log.With().Str("component", "StreamTransport").Logger(),
	}
}

// Start implements ipc.Transport: it launches the read loop that decodes
// frames and delivers them to d, the "dedicated I/O worker" for this
// transport.
func (t *StreamTransport) Start(d ipc.TransportDelegate) {
	t.mu.Lock()
	t.delegate = d
	t.mu.Unlock()
	go t.readLoop()
}

func (t *StreamTransport) readLoop() {
	lenBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(t.conn, lenBuf); err != nil {
			t.fail(err)
			return
		}
		total := binary.LittleEndian.Uint32(lenBuf)
		if total < wire.HeaderLen {
			// Undersized frame: discard per spec section 6/8-S6, but a
			// byte stream has no frame boundary to resync on other than
			// trusting the length we were just given, so treat this as
			// fatal for the stream rather than silently resyncing on
			// garbage.
			t.fail(wire.ErrFrameTooShort)
			return
		}
		rest := make([]byte, total)
		copy(rest, lenBuf)
		if _, err := io.ReadFull(t.conn, rest[4:]); err != nil {
			t.fail(err)
			return
		}
		f, err := wire.Decode(rest)
		if err != nil {
			t.log.Warn().Err(err).Msg("[StreamTransport] dropping undersized frame")
			continue
		}

		t.mu.Lock()
		d := t.delegate
		t.mu.Unlock()
		if d != nil {
			d.OnFrame(f, nil)
		}
	}
}

func (t *StreamTransport) fail(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	d := t.delegate
	t.mu.Unlock()

	_ = t.conn.Close()
	if d != nil {
		d.OnTransportError(err)
	}
}

// SendFrame implements ipc.Transport.
func (t *StreamTransport) SendFrame(f wire.Frame, handles []ipc.PlatformHandle) error {
	if len(handles) > 0 {
		closeAllHandles(handles)
		return ErrHandlesUnsupported
	}
	buf := wire.Encode(f)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.conn.Write(buf)
	return err
}

// Close implements ipc.Transport.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}
