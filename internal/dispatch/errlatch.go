package dispatch

import (
	"sync"
)

// errLatch is a cancel-on-first-error fatal-error latch: once any
// component reports a fatal error (store unreachable, configuration
// invalid — spec §7 "Supervisor-fatal"), it records the first one and
// triggers shutdown. Modeled on the errorForwarder in
// github.com/ygrebnov/workers, simplified to latch-and-read rather
// than forward-and-drain since checkActive() only needs to observe
// "has a fatal error occurred", not stream every one.
type errLatch struct {
	mu      sync.Mutex
	err     error
	onFirst func(error)
}

func newErrLatch(onFirst func(error)) *errLatch {
	return &errLatch{onFirst: onFirst}
}

// report records err if this is the first report, and invokes onFirst
// (typically cancel the root context) exactly once.
func (l *errLatch) report(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	first := l.err == nil
	if first {
		l.err = err
	}
	l.mu.Unlock()

	if first && l.onFirst != nil {
		l.onFirst(err)
	}
}

// fatal returns the first reported fatal error, or nil if none has occurred.
func (l *errLatch) fatal() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
