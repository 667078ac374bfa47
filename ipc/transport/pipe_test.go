package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/pipefabric/ipc"
	"github.com/gosuda/pipefabric/ipc/wire"
)

type captureDelegate struct {
	mu     sync.Mutex
	frames []wire.Frame
	errs   []error
	ready  chan struct{}
}

func newCaptureDelegate() *captureDelegate {
	return &captureDelegate{ready: make(chan struct{}, 16)}
}

func (d *captureDelegate) OnFrame(f wire.Frame, handles []ipc.PlatformHandle) {
	d.mu.Lock()
	d.frames = append(d.frames, f)
	d.mu.Unlock()
	for _, h := range handles {
		_ = h.Close()
	}
	d.ready <- struct{}{}
}

func (d *captureDelegate) OnTransportError(err error) {
	d.mu.Lock()
	d.errs = append(d.errs, err)
	d.mu.Unlock()
	d.ready <- struct{}{}
}

func TestPipeTransportDeliversFrames(t *testing.T) {
	a, b := NewPipeTransportPair()
	defer a.Close()
	defer b.Close()

	da, db := newCaptureDelegate(), newCaptureDelegate()
	a.Start(da)
	b.Start(db)

	require.NoError(t, a.SendFrame(wire.Frame{RouteID: 1, Payload: []byte("to-b")}, nil))
	select {
	case <-db.ready:
	case <-time.After(time.Second):
		t.Fatal("frame never delivered")
	}
	require.Len(t, db.frames, 1)
	assert.Equal(t, "to-b", string(db.frames[0].Payload))
}

func TestPipeTransportCloseNotifiesPeer(t *testing.T) {
	a, b := NewPipeTransportPair()
	da, db := newCaptureDelegate(), newCaptureDelegate()
	a.Start(da)
	b.Start(db)

	require.NoError(t, a.Close())

	select {
	case <-db.ready:
	case <-time.After(time.Second):
		t.Fatal("peer never notified of close")
	}
	require.Len(t, db.errs, 1)
	assert.ErrorIs(t, db.errs[0], ErrClosed)
}

func TestPipeTransportSendAfterCloseFailsAndClosesHandles(t *testing.T) {
	a, b := NewPipeTransportPair()
	require.NoError(t, a.Close())
	defer b.Close()

	h := &closeTrackingHandle{}
	err := a.SendFrame(wire.Frame{RouteID: 1}, []ipc.PlatformHandle{h})
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, h.closed)
}

func TestPipeTransportCloseIsIdempotent(t *testing.T) {
	a, b := NewPipeTransportPair()
	defer b.Close()
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

type closeTrackingHandle struct {
	closed bool
}

func (h *closeTrackingHandle) Close() error {
	h.closed = true
	return nil
}
