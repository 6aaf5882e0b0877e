// Package sync provides synchronization primitives that can be used before
// the scheduler and the Go runtime are fully initialized.
package sync

import "sync/atomic"

// attemptsBeforeYielding is the number of failed acquisition attempts after
// which Acquire invokes yieldFn (if set).
const attemptsBeforeYielding = 1024

var (
	// yieldFn is invoked by spinning tasks to give up the CPU. It stays nil
	// while the kernel runs without a scheduler.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked Spinlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempts := uint32(0); !l.TryToAcquire(); attempts++ {
		if attempts >= attemptsBeforeYielding && yieldFn != nil {
			yieldFn()
			attempts = 0
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
