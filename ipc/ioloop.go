package ipc

import "sync"

// TaskRunner is the injected I/O worker: the dedicated, single-threaded,
// cooperative loop that section 5 requires for all RoutedChannel inbound
// dispatch and Transport callbacks. Per the design notes, the runner is an
// explicit dependency with a documented lifecycle rather than a
// process-wide singleton -- embedders own exactly one (or one per
// RoutedChannel, for stricter isolation) and tear it down on shutdown.
type TaskRunner interface {
	// Post schedules fn to run later on the worker. Never invoked
	// inline from the caller's stack; this is how self-destruction and
	// dispatcher follow-up work avoid reentering a channel mid-callback.
	Post(fn func())

	// Close stops the worker. Tasks already posted still run to
	// completion; Close blocks until the worker goroutine exits.
	Close()
}

// IOLoop is the default TaskRunner: a single goroutine draining a task
// queue, in the same stop-channel-plus-waitgroup shape the rest of this
// stack uses for its background workers.
type IOLoop struct {
	tasks  chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewIOLoop starts an IOLoop with the given task queue depth.
func NewIOLoop(queueDepth int) *IOLoop {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	l := &IOLoop{
		tasks:  make(chan func(), queueDepth),
		stopCh: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *IOLoop) run() {
	defer l.wg.Done()
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.stopCh:
			// Drain whatever is already queued before exiting so
			// deferred self-destruction callbacks posted just before
			// shutdown still fire.
			for {
				select {
				case fn := <-l.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post implements TaskRunner.
func (l *IOLoop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.stopCh:
	}
}

// Close implements TaskRunner.
func (l *IOLoop) Close() {
	close(l.stopCh)
	l.wg.Wait()
}
