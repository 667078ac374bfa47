package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/pipefabric/ipc"
	"github.com/gosuda/pipefabric/ipc/wire"
)

func TestStreamTransportRoundTrip(t *testing.T) {
	connA, connB := net.Pipe()
	a := NewStreamTransport(connA)
	b := NewStreamTransport(connB)
	defer a.Close()
	defer b.Close()

	da, db := newCaptureDelegate(), newCaptureDelegate()
	a.Start(da)
	b.Start(db)

	require.NoError(t, a.SendFrame(wire.Frame{Type: wire.TypeData, RouteID: 3, Payload: []byte("stream-hi")}, nil))

	select {
	case <-db.ready:
	case <-time.After(time.Second):
		t.Fatal("frame never arrived over stream")
	}
	require.Len(t, db.frames, 1)
	assert.Equal(t, "stream-hi", string(db.frames[0].Payload))
	assert.Equal(t, uint64(3), db.frames[0].RouteID)
}

func TestStreamTransportRejectsHandles(t *testing.T) {
	connA, connB := net.Pipe()
	a := NewStreamTransport(connA)
	defer a.Close()
	defer connB.Close()
	a.Start(newCaptureDelegate())

	h := &closeTrackingHandle{}
	err := a.SendFrame(wire.Frame{RouteID: 1}, []ipc.PlatformHandle{h})
	assert.ErrorIs(t, err, ErrHandlesUnsupported)
	assert.True(t, h.closed, "rejected handles must still be closed, never leaked")
}

func TestStreamTransportClosePropagatesToPeer(t *testing.T) {
	connA, connB := net.Pipe()
	a := NewStreamTransport(connA)
	b := NewStreamTransport(connB)
	db := newCaptureDelegate()
	a.Start(newCaptureDelegate())
	b.Start(db)

	require.NoError(t, a.Close())

	select {
	case <-db.ready:
	case <-time.After(time.Second):
		t.Fatal("peer never observed close")
	}
	require.Len(t, db.errs, 1)
}
