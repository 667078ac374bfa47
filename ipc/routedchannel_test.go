package ipc

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/pipefabric/ipc/wire"
)

// fakeTransport is an in-process ipc.Transport double that records
// outbound frames and lets the test inject inbound ones, without any of
// PipeTransport's peer-linking -- useful when a test wants to control
// exactly when a frame "arrives" relative to an AddRoute/RemoveRoute call.
type fakeTransport struct {
	mu       sync.Mutex
	delegate TransportDelegate
	sent     []wire.Frame
	sentH    [][]PlatformHandle
	closed   bool
	sendErr  error
}

func (t *fakeTransport) Start(d TransportDelegate) {
	t.mu.Lock()
	t.delegate = d
	t.mu.Unlock()
}

func (t *fakeTransport) SendFrame(f wire.Frame, handles []PlatformHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		closeAll(handles)
		return t.sendErr
	}
	t.sent = append(t.sent, f)
	t.sentH = append(t.sentH, handles)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) deliver(f wire.Frame, handles []PlatformHandle) {
	t.mu.Lock()
	d := t.delegate
	t.mu.Unlock()
	d.OnFrame(f, handles)
}

func (t *fakeTransport) fail(err error) {
	t.mu.Lock()
	d := t.delegate
	t.mu.Unlock()
	d.OnTransportError(err)
}

func (t *fakeTransport) sentFrames() []wire.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wire.Frame, len(t.sent))
	copy(out, t.sent)
	return out
}

// recordingDispatcher captures every OnReadMessage/OnError call in order,
// so tests can assert both the payloads delivered and their sequencing
// relative to OnError (invariant 2/3).
type recordingDispatcher struct {
	mu     sync.Mutex
	reads  [][]byte
	errs   []error
	events []string
}

func (d *recordingDispatcher) OnReadMessage(payload []byte, handles []PlatformHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	d.reads = append(d.reads, cp)
	d.events = append(d.events, fmt.Sprintf("read:%s", cp))
	closeAll(handles)
}

func (d *recordingDispatcher) OnError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
	d.events = append(d.events, fmt.Sprintf("error:%v", err))
}

func (d *recordingDispatcher) snapshot() (reads [][]byte, errs []error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.reads...), append([]error(nil), d.errs...)
}

func syncRunner() TaskRunner { return &inlineRunner{} }

// inlineRunner runs posted work synchronously, for tests that want
// deterministic ordering without sleeping on a real goroutine-backed
// IOLoop.
type inlineRunner struct{}

func (inlineRunner) Post(fn func()) { fn() }
func (inlineRunner) Close()         {}

func dataFrame(routeID uint64, payload string) wire.Frame {
	return wire.Frame{Type: wire.TypeData, RouteID: routeID, Payload: []byte(payload)}
}

// TestRoutedChannelRegistrationRace is scenario S3: frames for a pipe
// arrive (buffered into `pending`) before AddRoute, followed by
// ROUTE_CLOSED; AddRoute must observe reads then exactly one OnError, in
// that order.
func TestRoutedChannelRegistrationRace(t *testing.T) {
	ft := &fakeTransport{}
	rc := NewRoutedChannel(ft, syncRunner(), func() {})

	ft.deliver(dataFrame(7, "F1"), nil)
	ft.deliver(dataFrame(7, "F2"), nil)
	ft.deliver(wire.Frame{Type: wire.TypeInternal, RouteID: 0, Payload: wire.EncodeRouteClosed(7)}, nil)

	d := &recordingDispatcher{}
	require.NoError(t, rc.AddRoute(7, d))

	reads, errs := d.snapshot()
	require.Len(t, reads, 2)
	assert.Equal(t, "F1", string(reads[0]))
	assert.Equal(t, "F2", string(reads[1]))
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrReadShutdown)
	assert.Equal(t, []string{"read:F1", "read:F2", "error:ipc: READ_SHUTDOWN"}, d.events)
}

func TestRoutedChannelAddRouteRejectsReservedPipe(t *testing.T) {
	ft := &fakeTransport{}
	rc := NewRoutedChannel(ft, syncRunner(), func() {})
	err := rc.AddRoute(0, &recordingDispatcher{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRoutedChannelAddRouteRejectsDoubleBind(t *testing.T) {
	ft := &fakeTransport{}
	rc := NewRoutedChannel(ft, syncRunner(), func() {})
	require.NoError(t, rc.AddRoute(1, &recordingDispatcher{}))
	err := rc.AddRoute(1, &recordingDispatcher{})
	assert.ErrorIs(t, err, ErrFailedPrecondition)
}

// TestRoutedChannelNoFramesBetweenRemoveAndReAdd is invariant 3 directly:
// after RemoveRoute and before a fresh AddRoute, no frame for that pipe
// reaches any dispatcher -- it must sit in `pending` instead.
func TestRoutedChannelNoFramesBetweenRemoveAndReAdd(t *testing.T) {
	ft := &fakeTransport{}
	rc := NewRoutedChannel(ft, syncRunner(), func() {})

	d1 := &recordingDispatcher{}
	require.NoError(t, rc.AddRoute(9, d1))
	require.NoError(t, rc.RemoveRoute(9, d1))

	ft.deliver(dataFrame(9, "late"), nil)

	reads, _ := d1.snapshot()
	assert.Empty(t, reads, "old dispatcher must not see a frame after RemoveRoute")

	d2 := &recordingDispatcher{}
	require.NoError(t, rc.AddRoute(9, d2))
	reads2, _ := d2.snapshot()
	require.Len(t, reads2, 1)
	assert.Equal(t, "late", string(reads2[0]))
}

func TestRoutedChannelRemoveRouteSendsRouteClosed(t *testing.T) {
	ft := &fakeTransport{}
	rc := NewRoutedChannel(ft, syncRunner(), func() {})
	d := &recordingDispatcher{}
	require.NoError(t, rc.AddRoute(3, d))
	require.NoError(t, rc.RemoveRoute(3, d))

	sent := ft.sentFrames()
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(0), sent[0].RouteID)
	pipeID, err := wire.DecodeRouteClosed(sent[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), pipeID)
}

// TestRoutedChannelSymmetricCloseNoPingPong is scenario S4: if the peer's
// ROUTE_CLOSED for a pipe already arrived before the local RemoveRoute,
// RemoveRoute must not send its own ROUTE_CLOSED back.
func TestRoutedChannelSymmetricCloseNoPingPong(t *testing.T) {
	ft := &fakeTransport{}
	rc := NewRoutedChannel(ft, syncRunner(), func() {})
	d := &recordingDispatcher{}
	require.NoError(t, rc.AddRoute(5, d))

	ft.deliver(wire.Frame{Type: wire.TypeInternal, RouteID: 0, Payload: wire.EncodeRouteClosed(5)}, nil)
	_, errs := d.snapshot()
	require.Len(t, errs, 1)

	require.NoError(t, rc.RemoveRoute(5, d))
	assert.Empty(t, ft.sentFrames(), "must not echo ROUTE_CLOSED back to a peer that already sent it")
}

func TestRoutedChannelRemoveRouteWrongDispatcherFails(t *testing.T) {
	ft := &fakeTransport{}
	rc := NewRoutedChannel(ft, syncRunner(), func() {})
	d1 := &recordingDispatcher{}
	d2 := &recordingDispatcher{}
	require.NoError(t, rc.AddRoute(1, d1))
	err := rc.RemoveRoute(1, d2)
	assert.ErrorIs(t, err, ErrFailedPrecondition)
}

// TestRoutedChannelDuplicateRouteClosedIsFatal: receiving ROUTE_CLOSED
// twice for the same pipe is a hard protocol error and tears the channel
// down.
func TestRoutedChannelDuplicateRouteClosedIsFatal(t *testing.T) {
	ft := &fakeTransport{}
	rc := NewRoutedChannel(ft, syncRunner(), func() {})
	d := &recordingDispatcher{}
	require.NoError(t, rc.AddRoute(2, d))

	ft.deliver(wire.Frame{Type: wire.TypeInternal, RouteID: 0, Payload: wire.EncodeRouteClosed(2)}, nil)
	ft.deliver(wire.Frame{Type: wire.TypeInternal, RouteID: 0, Payload: wire.EncodeRouteClosed(2)}, nil)

	_, errs := d.snapshot()
	require.Len(t, errs, 2, "first ROUTE_CLOSED delivers OnError(ReadShutdown), duplicate tears down the channel (OnTransportError)")
	assert.ErrorIs(t, errs[0], ErrReadShutdown)
	assert.True(t, ft.closed, "teardown must close the transport")
}

// TestRoutedChannelTransportFailureNotifiesAllRoutes is scenario S5: every
// bound dispatcher observes exactly one OnError, and destruction is
// scheduled (not inline) once the table empties.
func TestRoutedChannelTransportFailureNotifiesAllRoutes(t *testing.T) {
	ft := &fakeTransport{}
	destroyed := make(chan struct{})
	var runnerCalls int
	runner := &countingRunner{inner: &inlineRunner{}, calls: &runnerCalls}
	rc := NewRoutedChannel(ft, runner, func() { close(destroyed) })

	d3, d5, d7 := &recordingDispatcher{}, &recordingDispatcher{}, &recordingDispatcher{}
	require.NoError(t, rc.AddRoute(3, d3))
	require.NoError(t, rc.AddRoute(5, d5))
	require.NoError(t, rc.AddRoute(7, d7))

	boom := errors.New("boom")
	ft.fail(boom)

	for _, d := range []*recordingDispatcher{d3, d5, d7} {
		_, errs := d.snapshot()
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], boom)
	}

	require.NoError(t, rc.RemoveRoute(3, d3))
	require.NoError(t, rc.RemoveRoute(5, d5))

	select {
	case <-destroyed:
		t.Fatal("must not destroy before the last RemoveRoute")
	default:
	}

	require.NoError(t, rc.RemoveRoute(7, d7))
	select {
	case <-destroyed:
	default:
		t.Fatal("channel should have scheduled destruction after last RemoveRoute")
	}
	assert.Equal(t, 1, runnerCalls, "destruction must go through the TaskRunner, never inline")
}

type countingRunner struct {
	inner TaskRunner
	calls *int
}

func (r *countingRunner) Post(fn func()) {
	*r.calls++
	r.inner.Post(fn)
}
func (r *countingRunner) Close() { r.inner.Close() }

// TestRoutedChannelUndersizedControlFrameIsDiscarded is scenario S6: a
// control-route frame whose payload is too short to be ROUTE_CLOSED is
// discarded silently -- no delegate callback fires and the channel stays
// up -- and a subsequent valid frame on a bound route is still delivered
// normally.
func TestRoutedChannelUndersizedControlFrameIsDiscarded(t *testing.T) {
	ft := &fakeTransport{}
	rc := NewRoutedChannel(ft, syncRunner(), func() {})
	d := &recordingDispatcher{}
	require.NoError(t, rc.AddRoute(1, d))

	ft.deliver(wire.Frame{Type: wire.TypeInternal, RouteID: 0, Payload: []byte{0}}, nil)

	assert.False(t, ft.closed, "the transport must not be torn down over an undersized control frame")
	reads, errs := d.snapshot()
	assert.Empty(t, errs, "no delegate callback fires for the discarded frame")
	assert.Empty(t, reads)

	ft.deliver(dataFrame(1, "still alive"), nil)
	reads, errs = d.snapshot()
	require.Len(t, reads, 1, "a subsequent valid frame must still be processed normally")
	assert.Equal(t, "still alive", string(reads[0]))
	assert.Empty(t, errs)
}

func TestRoutedChannelWriteMessageStampsRouteID(t *testing.T) {
	ft := &fakeTransport{}
	rc := NewRoutedChannel(ft, syncRunner(), func() {})
	require.NoError(t, rc.WriteMessage(42, []byte("hi"), nil))

	sent := ft.sentFrames()
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(42), sent[0].RouteID)
	assert.Equal(t, wire.TypeData, sent[0].Type)
}

func TestRoutedChannelStatsReflectsTable(t *testing.T) {
	ft := &fakeTransport{}
	rc := NewRoutedChannel(ft, syncRunner(), func() {})
	require.NoError(t, rc.AddRoute(1, &recordingDispatcher{}))
	ft.deliver(dataFrame(2, "buffered"), nil)

	st := rc.Stats()
	assert.Equal(t, 1, st.BoundRoutes)
	assert.Equal(t, 1, st.PendingMessages)
	assert.False(t, st.TransportDown)
}

func TestRoutedChannelStalePendingLogsWithoutDropping(t *testing.T) {
	ft := &fakeTransport{}
	rc := NewRoutedChannel(ft, syncRunner(), func() {})
	ft.deliver(dataFrame(11, "stuck"), nil)

	require.Equal(t, 0, rc.StalePending(time.Hour))
	require.Equal(t, 1, rc.StalePending(0))

	d := &recordingDispatcher{}
	require.NoError(t, rc.AddRoute(11, d))
	reads, _ := d.snapshot()
	require.Len(t, reads, 1, "sweep must not have dropped the message")
	assert.Equal(t, "stuck", string(reads[0]))
}

func TestRoutedChannelHandleLedgerTracksDeliveryAndClosure(t *testing.T) {
	ft := &fakeTransport{}
	rc := NewRoutedChannel(ft, syncRunner(), func() {})
	rc.Ledger = &HandleLedger{}

	h := &fakeHandle{}
	d := &recordingDispatcher{}
	require.NoError(t, rc.AddRoute(1, d))
	ft.deliver(dataFrame(1, "x"), []PlatformHandle{h})

	snap := rc.Ledger.Snapshot()
	assert.EqualValues(t, 1, snap.Delivered)
	assert.EqualValues(t, 0, snap.Closed)
}
