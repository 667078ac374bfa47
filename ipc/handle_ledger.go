package ipc

import "sync/atomic"

// HandleLedger counts handles delivered to a dispatcher versus closed on a
// discard/failure path, so invariant 6 (exactly one delivery or close, no
// leaks, no double-close) is observable in tests rather than relying
// solely on go test -race. Grounded on the atomic counter style
// ConnLimitManager uses for its per-lease active counts.
type HandleLedger struct {
	delivered atomic.Int64
	closed    atomic.Int64
}

// RecordDelivered marks n handles as having reached a Dispatcher's
// OnReadMessage, passing ownership to application code.
func (l *HandleLedger) RecordDelivered(n int) {
	if l == nil || n == 0 {
		return
	}
	l.delivered.Add(int64(n))
}

// RecordClosed marks n handles as having been closed on a discard path
// (oversized-read MayDiscard, dropped/undersized frame, channel
// destruction with leaked pending messages).
func (l *HandleLedger) RecordClosed(n int) {
	if l == nil || n == 0 {
		return
	}
	l.closed.Add(int64(n))
}

// LedgerSnapshot is a point-in-time read of a HandleLedger.
type LedgerSnapshot struct {
	Delivered int64
	Closed    int64
}

// Snapshot returns the current counts.
func (l *HandleLedger) Snapshot() LedgerSnapshot {
	if l == nil {
		return LedgerSnapshot{}
	}
	return LedgerSnapshot{Delivered: l.delivered.Load(), Closed: l.closed.Load()}
}

// closeAllLedgered closes every handle in hs exactly once and records the
// closures against ledger (which may be nil, in which case it is a
// no-op tracker).
func closeAllLedgered(ledger *HandleLedger, hs []PlatformHandle) {
	closeAll(hs)
	ledger.RecordClosed(len(hs))
}
