package eeprom

import (
	"fmt"
	"sync"
)

// bankLock is a FIFO ticket lock. Waiters are served in arrival order so the
// maintenance goroutine cannot be starved by foreground traffic. Closing the
// lock fails every current and future waiter until it is reopened.
type bankLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
	gen     uint64
	closed  bool
}

func newBankLock() *bankLock {
	l := &bankLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *bankLock) acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("%w: lock closed", ErrOS)
	}
	gen := l.gen
	ticket := l.next
	l.next++
	for ticket != l.serving && gen == l.gen {
		l.cond.Wait()
	}
	if gen != l.gen {
		return fmt.Errorf("%w: lock closed while waiting", ErrOS)
	}
	return nil
}

func (l *bankLock) release() {
	l.mu.Lock()
	l.serving++
	l.cond.Broadcast()
	l.mu.Unlock()
}

// close must be called by the current holder. Waiters queued behind it
// belong to the old generation and fail.
func (l *bankLock) close() {
	l.mu.Lock()
	l.closed = true
	l.gen++
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (l *bankLock) reopen() {
	l.mu.Lock()
	l.closed = false
	l.next = 0
	l.serving = 0
	l.mu.Unlock()
}
