// Copyright 2024 The roOs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mutex provides the kernel mutex built on the futex. It adds
// recursive locking, ownership tracking, a FIFO or strict-priority queuing
// discipline, and optional priority elevation of the holder to avoid
// priority inversion.
package mutex

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Oxmose/roOs-sub003/pkg/errors/kernelerr"
	"github.com/Oxmose/roOs-sub003/pkg/kernel/futex"
	"github.com/Oxmose/roOs-sub003/pkg/sched"
)

// Flags configures a Mutex at creation time.
type Flags uint32

const (
	// FlagQueuingFIFO releases waiters in lock-call order. This is the
	// default and conflicts with FlagQueuingPriority.
	FlagQueuingFIFO Flags = 1 << iota

	// FlagQueuingPriority releases the most urgent waiter first.
	FlagQueuingPriority

	// FlagRecursive allows the holder to re-lock, balanced by as many
	// unlocks.
	FlagRecursive

	// FlagPriorityElevation raises the holder to a more urgent waiter's
	// priority for the duration of the critical section. Requires
	// FlagQueuingPriority.
	FlagPriorityElevation
)

// Lock-state cell values. The futex waits on stateHeld.
const (
	stateHeld int32 = 0
	stateFree int32 = 1
)

// Mutex is the kernel mutex.
//
// The zero value is not usable; mutexes are created with New and must be
// destroyed with Destroy to release any blocked waiter.
type Mutex struct {
	mgr   *futex.Manager
	sched sched.Scheduler
	flags Flags

	// mu guards every field below. It nests outside the futex manager's
	// registry lock.
	mu sync.Mutex

	// lockState is the futex cell: stateFree when the mutex can be
	// claimed, stateHeld otherwise.
	lockState int32

	// holder is the thread owning the mutex, nil when free.
	holder sched.Thread

	// holderPriority is the holder's priority at claim time, restored
	// after a priority elevation.
	holderPriority uint8

	recursion    uint32
	maxRecursion uint32
	init         bool

	handle *futex.Handle
}

// New creates a mutex. FlagQueuingFIFO and FlagQueuingPriority are mutually
// exclusive and FlagPriorityElevation requires FlagQueuingPriority.
func New(mgr *futex.Manager, s sched.Scheduler, flags Flags) (*Mutex, error) {
	if mgr == nil || s == nil {
		return nil, kernelerr.NullPointer
	}
	if flags&FlagQueuingFIFO != 0 && flags&FlagQueuingPriority != 0 {
		return nil, kernelerr.IncorrectValue
	}
	if flags&FlagPriorityElevation != 0 && flags&FlagQueuingPriority == 0 {
		return nil, kernelerr.IncorrectValue
	}

	m := &Mutex{
		mgr:          mgr,
		sched:        s,
		flags:        flags,
		lockState:    stateFree,
		maxRecursion: mgr.Tunables().MaxMutexRecursion,
		init:         true,
	}

	discipline := futex.FIFO
	if flags&FlagQueuingPriority != 0 {
		discipline = futex.Priority
	}
	m.handle = futex.NewHandle(&m.lockState, discipline)

	return m, nil
}

// claimLocked records cur as the holder.
//
// Preconditions: m.mu is held and the lock state is free or being handed
// over by an unlocker.
func (m *Mutex) claimLocked(cur sched.Thread) {
	atomic.StoreInt32(&m.lockState, stateHeld)
	m.holder = cur
	m.holderPriority = cur.Priority()
}

// Lock acquires the mutex, blocking until it is available. A recursive
// mutex may be re-locked by its holder up to the recursion bound. If the
// mutex is destroyed while the caller is blocked, Lock returns Destroyed
// without claiming anything.
func (m *Mutex) Lock() error {
	if m == nil {
		return kernelerr.NullPointer
	}

	m.mu.Lock()
	if !m.init {
		m.mu.Unlock()
		return kernelerr.NotInitialized
	}

	cur := m.sched.Current()

	// Fast path: the mutex is free.
	if atomic.LoadInt32(&m.lockState) == stateFree {
		m.claimLocked(cur)
		m.mu.Unlock()
		return nil
	}

	// Recursive re-lock by the holder.
	if m.flags&FlagRecursive != 0 && m.holder != nil && m.holder.ID() == cur.ID() {
		if m.recursion >= m.maxRecursion {
			m.mu.Unlock()
			return kernelerr.OutOfBound
		}
		m.recursion++
		m.mu.Unlock()
		return nil
	}

	// The holder is less urgent than us: elevate it before blocking behind
	// it.
	if m.flags&FlagPriorityElevation != 0 && m.holder != nil &&
		m.holder.Priority() > cur.Priority() {
		if err := m.sched.UpdatePriority(m.holder, cur.Priority()); err != nil {
			m.mu.Unlock()
			return err
		}
	}

	var reason futex.WakeReason
	var err error
	for {
		m.mu.Unlock()
		reason, err = m.mgr.Wait(m.handle, stateHeld)
		m.mu.Lock()

		if kernelerr.Equals(kernelerr.NotBlocked, err) {
			// The lock state flipped between our check and the wait call.
			// The futex only leaves the state free when its queue is empty,
			// so claiming here never starves a queued waiter.
			if atomic.LoadInt32(&m.lockState) == stateFree {
				reason, err = futex.WakeReasonWoken, nil
			} else {
				reason, err = futex.WakeReasonCanceled, kernelerr.Canceled
			}
		}

		if !(reason == futex.WakeReasonCanceled && kernelerr.Equals(kernelerr.Canceled, err)) {
			break
		}
	}

	if reason == futex.WakeReasonWoken && m.init {
		m.claimLocked(cur)
		m.mu.Unlock()
		return nil
	}

	destroyed := !m.init || reason == futex.WakeReasonDestroyed
	m.mu.Unlock()
	if destroyed {
		return kernelerr.Destroyed
	}
	// The scheduler refused to block the caller; surface its error.
	return err
}

// TryLock attempts the fast path without ever suspending. It returns the
// pre-attempt lock state, stateFree (1) or stateHeld (0), regardless of
// outcome; the error is nil when the mutex was claimed and Blocked when it
// was already held.
func (m *Mutex) TryLock() (int32, error) {
	if m == nil {
		return stateHeld, kernelerr.NullPointer
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.init {
		return stateHeld, kernelerr.NotInitialized
	}

	state := atomic.LoadInt32(&m.lockState)
	if state != stateFree {
		return state, kernelerr.Blocked
	}

	m.claimLocked(m.sched.Current())
	return state, nil
}

// Waiters returns the number of threads currently suspended in Lock.
func (m *Mutex) Waiters() (int, error) {
	if m == nil {
		return 0, kernelerr.NullPointer
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.init {
		return 0, kernelerr.NotInitialized
	}
	return m.mgr.NumWaiters(m.handle)
}

// Unlock releases the mutex. Only the recorded holder may unlock; a
// recursive mutex needs as many unlocks as nested locks. Ownership is
// transferred directly to the woken waiter, if any, so the lock state never
// stays open to a racing fast path.
func (m *Mutex) Unlock() error {
	if m == nil {
		return kernelerr.NullPointer
	}

	m.mu.Lock()
	if !m.init {
		m.mu.Unlock()
		return kernelerr.NotInitialized
	}

	cur := m.sched.Current()
	if m.holder == nil || m.holder.ID() != cur.ID() {
		m.mu.Unlock()
		return kernelerr.UnauthorizedAction
	}

	if m.flags&FlagRecursive != 0 && m.recursion > 0 {
		m.recursion--
		m.mu.Unlock()
		return nil
	}

	m.holder = nil

	// If elevation was applied, restore our original priority. The drop may
	// make another thread the most urgent, so reschedule after releasing.
	reschedule := false
	if m.flags&FlagPriorityElevation != 0 && m.holderPriority > cur.Priority() {
		if err := m.sched.UpdatePriority(cur, m.holderPriority); err != nil {
			panic(fmt.Sprintf("mutex: failed to restore holder priority: %v", err))
		}
		reschedule = true
	}

	atomic.StoreInt32(&m.lockState, stateFree)
	woken, err := m.mgr.Wake(m.handle, 1)
	if err != nil {
		panic(fmt.Sprintf("mutex: failed to wake waiter: %v", err))
	}
	if woken > 0 {
		// Hand the mutex to the woken thread.
		atomic.StoreInt32(&m.lockState, stateHeld)
	}
	m.mu.Unlock()

	if reschedule {
		m.sched.Reschedule()
	}

	return nil
}

// Destroy retires the mutex and releases every blocked waiter with a
// Destroyed result. Any further operation fails with NotInitialized.
func (m *Mutex) Destroy() error {
	if m == nil {
		return kernelerr.NullPointer
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.init {
		return kernelerr.NotInitialized
	}

	m.init = false
	m.holder = nil
	m.recursion = 0
	atomic.StoreInt32(&m.lockState, stateFree)

	// Retire before the drain so every waiter observes a Destroyed wake.
	m.handle.Retire()
	if _, err := m.mgr.Wake(m.handle, m.mgr.Tunables().MaxWaitersPerFutex); err != nil {
		panic(fmt.Sprintf("mutex: failed to drain waiters: %v", err))
	}

	return nil
}
