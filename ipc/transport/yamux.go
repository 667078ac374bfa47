package transport

import (
	"io"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/gosuda/pipefabric/ipc"
)

// defaultYamuxConfig mirrors the teacher stack's tuning for long-lived
// multiplexed sessions: generous stream windows and open/close timeouts
// suited to a control-plane link that may sit idle between introductions.
func defaultYamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.Logger = nil
	cfg.MaxStreamWindowSize = 4 * 1024 * 1024
	cfg.StreamOpenTimeout = 30 * time.Second
	cfg.StreamCloseTimeout = 1 * time.Minute
	return cfg
}

// NewYamuxClientChannelTransport opens a yamux session over conn as a
// client, opens one stream on it, and wraps that stream as an
// ipc.Transport. Used to carry either the broker's dedicated control
// channel or a single per-peer RoutedChannel's traffic over a real
// connection (TCP, unix socket, os.Pipe) instead of the in-memory
// PipeTransport used in tests.
func NewYamuxClientChannelTransport(conn io.ReadWriteCloser) (ipc.Transport, error) {
	sess, err := yamux.Client(conn, defaultYamuxConfig())
	if err != nil {
		return nil, err
	}
	stream, err := sess.OpenStream()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	return &sessionBoundStream{StreamTransport: NewStreamTransport(stream), sess: sess}, nil
}

// NewYamuxServerChannelTransport is the server-side counterpart: it
// accepts the single stream the client side opens.
func NewYamuxServerChannelTransport(conn io.ReadWriteCloser) (ipc.Transport, error) {
	sess, err := yamux.Server(conn, defaultYamuxConfig())
	if err != nil {
		return nil, err
	}
	stream, err := sess.AcceptStream()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	return &sessionBoundStream{StreamTransport: NewStreamTransport(stream), sess: sess}, nil
}

// sessionBoundStream closes the owning yamux.Session once the stream
// transport itself closes, so a failed or torn-down RoutedChannel doesn't
// leak the underlying multiplexed session.
type sessionBoundStream struct {
	*StreamTransport
	sess *yamux.Session
}

func (s *sessionBoundStream) Close() error {
	err := s.StreamTransport.Close()
	_ = s.sess.Close()
	return err
}
