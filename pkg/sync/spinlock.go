// Copyright 2024 The Asterinas Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

package sync

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a mutual-exclusion lock that spins instead of sleeping.
//
// Nothing in the privileged layer may block in a sleep/yield sense: the only
// way a CPU stops running its task is an explicit context switch performed by
// the layer above. Critical sections guarded by a SpinLock must therefore be
// short and must never themselves acquire a lock that can spin on this one.
//
// The zero value is unlocked.
type SpinLock struct {
	locked atomic.Uint32
}

// Lock acquires the lock, spinning until it is available.
func (l *SpinLock) Lock() {
	for !l.TryLock() {
		// On real hardware this is a PAUSE loop. Under the Go runtime a
		// pure spin can livelock GOMAXPROCS=1 test runs, so yield the
		// processor between attempts.
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the lock without spinning.
func (l *SpinLock) TryLock() bool {
	return l.locked.CompareAndSwap(0, 1)
}

// Unlock releases the lock.
//
// Unlocking an unlocked SpinLock indicates a lost wakeup or a double unlock
// and is unrecoverable.
func (l *SpinLock) Unlock() {
	if !l.locked.CompareAndSwap(1, 0) {
		panic("sync: unlock of unlocked SpinLock")
	}
}

// IRQState is the interrupt controller a lock runs against. The machine layer
// provides the real implementation; only local-CPU interrupt state is ever
// touched, matching the strict per-CPU ownership rule.
type IRQState interface {
	// DisableInterrupts disables interrupts on the calling CPU and
	// returns true if they were previously enabled.
	DisableInterrupts() bool

	// EnableInterrupts re-enables interrupts on the calling CPU.
	EnableInterrupts()
}

// IRQLock couples a SpinLock with a scoped interrupt-disable on the local
// CPU. It is the lock used for every structure that can be touched from both
// task context and a trap handler, e.g. the physical frame pool: with
// interrupts disabled for the duration of the critical section, a handler on
// the same CPU cannot re-enter the lock and deadlock.
type IRQLock struct {
	lock SpinLock

	// irq is the interrupt state of the acquiring CPU. Stored under the
	// lock so Unlock restores the right CPU's state.
	irq IRQState

	// wasEnabled records whether interrupts must be re-enabled on unlock.
	wasEnabled bool
}

// Lock disables local interrupts and then acquires the lock.
//
// The interrupt disable must come first: disabling after acquiring would
// leave a window in which a handler on this CPU could spin on the lock we
// already hold.
func (l *IRQLock) Lock(irq IRQState) {
	wasEnabled := irq.DisableInterrupts()
	l.lock.Lock()
	l.irq = irq
	l.wasEnabled = wasEnabled
}

// Unlock releases the lock and restores the interrupt state captured by Lock.
func (l *IRQLock) Unlock() {
	irq, wasEnabled := l.irq, l.wasEnabled
	l.irq = nil
	l.lock.Unlock()
	if wasEnabled {
		irq.EnableInterrupts()
	}
}

// WithIRQDisabled runs fn with interrupts disabled on the local CPU,
// restoring the previous state on every exit path including panics.
func WithIRQDisabled(irq IRQState, fn func()) {
	wasEnabled := irq.DisableInterrupts()
	defer func() {
		if wasEnabled {
			irq.EnableInterrupts()
		}
	}()
	fn()
}
