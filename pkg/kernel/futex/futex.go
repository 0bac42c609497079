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

// Package futex provides the kernel futex, the base block for the higher
// level synchronization primitives such as mutexes. A thread waits on a
// memory cell holding an expected value; another thread wakes a bounded
// number of waiters once the value has changed.
//
// Waiters are correlated by the physical address backing the watched cell,
// so two threads reaching the same physical memory through different
// virtual mappings observe the same futex.
package futex

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/Oxmose/roOs-sub003/pkg/config"
	"github.com/Oxmose/roOs-sub003/pkg/errors/kernelerr"
	"github.com/Oxmose/roOs-sub003/pkg/log"
	"github.com/Oxmose/roOs-sub003/pkg/registry"
	"github.com/Oxmose/roOs-sub003/pkg/sched"
	"github.com/Oxmose/roOs-sub003/pkg/waitqueue"
)

// WakeReason tells a woken waiter why it resumed.
type WakeReason int

const (
	// WakeReasonCanceled is the initial reason of every waiter. A waiter
	// resuming with this reason was unblocked without a matching value
	// change, e.g. by a timeout layer injecting a wakeup; the caller should
	// re-check its condition and re-wait.
	WakeReasonCanceled WakeReason = iota

	// WakeReasonWoken is a regular wakeup from Wake after the cell value
	// changed.
	WakeReasonWoken

	// WakeReasonDestroyed reports that the handle died while the waiter was
	// blocked.
	WakeReasonDestroyed
)

// String implements fmt.Stringer.String.
func (r WakeReason) String() string {
	switch r {
	case WakeReasonCanceled:
		return "Canceled"
	case WakeReasonWoken:
		return "Woken"
	case WakeReasonDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// Discipline selects the order in which blocked threads are released.
type Discipline uint8

const (
	// FIFO releases waiters in wait-call order.
	FIFO Discipline = iota

	// Priority releases the most urgent waiter first, FIFO among equal
	// priorities.
	Priority
)

// Memory abstracts the address translation consumed by the futex. The
// translation failure of a watched cell is surfaced to the futex caller as
// an IncorrectValue error.
type Memory interface {
	// PhysicalAddress returns the physical address backing the given
	// virtual address.
	PhysicalAddress(virt uintptr) (uintptr, error)
}

// IdentityMemory is a Memory whose physical addresses equal the virtual
// ones. It serves platforms without paging and tests.
type IdentityMemory struct{}

// PhysicalAddress implements Memory.PhysicalAddress.
func (IdentityMemory) PhysicalAddress(virt uintptr) (uintptr, error) {
	return virt, nil
}

// Handle is the long-lived anchor of a futex, embedded in the owning
// primitive. It binds the watched cell to a queuing discipline and carries
// the alive flag cleared once, under the owner's lock, when the primitive
// is destroyed.
type Handle struct {
	cell       *int32
	alive      atomic.Bool
	discipline Discipline
}

// NewHandle returns a live handle watching the given cell.
func NewHandle(cell *int32, discipline Discipline) *Handle {
	h := &Handle{
		cell:       cell,
		discipline: discipline,
	}
	h.alive.Store(true)
	return h
}

// Alive returns true until the owning primitive retires the handle.
func (h *Handle) Alive() bool {
	return h.alive.Load()
}

// Retire marks the handle dead: no new waits may begin and every current
// waiter is eligible for a Destroyed wakeup. The owner calls this exactly
// once, under its own lock, before the final drain Wake.
func (h *Handle) Retire() {
	h.alive.Store(false)
}

// waiter is the transient per-wait-call state. It lives on the waiting
// call's stack and is linked into the futex data's queue only for the
// duration of the call.
type waiter struct {
	// thread is the blocked thread, handed back to the scheduler by the
	// waker.
	thread sched.Thread

	// value is the cell value recorded at wait time. The wake scan only
	// releases waiters whose recorded value differs from the current one.
	value int32

	// reason is written by the waker before the thread is made ready.
	reason WakeReason
}

// futexData is the shared state of one futex identity: the queue of blocked
// threads and the live waiter count. It is created lazily by the first
// waiter and freed by the last one once the handle died. The registry is
// the authoritative owner; futexData is looked up, never cached across
// calls.
type futexData struct {
	// mu protects the queue and waiters. Nests inside the manager lock.
	mu sync.Mutex

	queue   waitqueue.Queue
	waiters int
}

// readyFailLog rate limits the scheduler failure path so a wedged thread
// cannot flood the log from every wake scan.
var readyFailLog = log.NewRateLimited(nil, 5*time.Second)

// Manager owns the process-wide futex registry. It is constructed once at
// kernel init time and passed explicitly to the primitives built on it.
type Manager struct {
	mem        Memory
	sched      sched.Scheduler
	tunables   config.Tunables
	maxWaiters int

	// mu is the process-wide registry lock, serializing creation and
	// teardown of futexData against concurrent first and last waiters. It
	// nests inside the owning primitive's lock and outside futexData.mu.
	mu    sync.Mutex
	table *registry.Table
}

// NewManager creates a futex manager using the given collaborators and
// tunables.
func NewManager(mem Memory, s sched.Scheduler, tunables config.Tunables) (*Manager, error) {
	if mem == nil || s == nil {
		return nil, kernelerr.NullPointer
	}
	table, err := registry.New(registry.Options{
		InitialCapacity:    tunables.RegistryInitialCapacity,
		MaxLoadFactor:      tunables.RegistryMaxLoadFactor,
		MaxGraveyardFactor: tunables.RegistryMaxGraveyardFactor,
	})
	if err != nil {
		return nil, err
	}
	return &Manager{
		mem:        mem,
		sched:      s,
		tunables:   tunables,
		maxWaiters: tunables.MaxWaitersPerFutex,
		table:      table,
	}, nil
}

// Tunables returns the tunables the manager was built with.
func (m *Manager) Tunables() config.Tunables {
	return m.tunables
}

// NumIdentities returns the number of identities with live wait state.
func (m *Manager) NumIdentities() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Len()
}

// NumWaiters returns the number of threads currently queued on h's
// identity.
func (m *Manager) NumWaiters(h *Handle) (int, error) {
	if h == nil || h.cell == nil {
		return 0, kernelerr.NullPointer
	}

	identity, err := m.identity(h)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.table.Get(identity)
	if !ok {
		return 0, nil
	}
	data := v.(*futexData)
	data.mu.Lock()
	defer data.mu.Unlock()
	return data.queue.Len(), nil
}

// identity computes the futex identity of the handle's cell from its
// physical backing.
func (m *Manager) identity(h *Handle) (uintptr, error) {
	phys, err := m.mem.PhysicalAddress(uintptr(unsafe.Pointer(h.cell)))
	if err != nil {
		return 0, kernelerr.IncorrectValue
	}
	return phys, nil
}

// Wait blocks the calling thread until the cell watched by h no longer
// holds expected and a waker releases it.
//
// If the cell already differs from expected, or the handle is dead, Wait
// returns NotBlocked immediately: the condition that would cause blocking
// has already changed and the caller should re-check it. On a regular
// wakeup the returned reason is WakeReasonWoken and the error is nil; a
// Destroyed reason comes with a Destroyed error and a Canceled reason,
// meaning a wakeup with no value change, comes with a Canceled error so
// the caller can apply its own retry policy.
func (m *Manager) Wait(h *Handle, expected int32) (WakeReason, error) {
	if h == nil || h.cell == nil {
		return WakeReasonCanceled, kernelerr.NullPointer
	}

	m.mu.Lock()

	if !h.alive.Load() || atomic.LoadInt32(h.cell) != expected {
		m.mu.Unlock()
		return WakeReasonCanceled, kernelerr.NotBlocked
	}

	identity, err := m.identity(h)
	if err != nil {
		m.mu.Unlock()
		return WakeReasonCanceled, err
	}

	var data *futexData
	if v, ok := m.table.Get(identity); ok {
		data = v.(*futexData)
		if data.queue.Len() >= m.maxWaiters {
			m.mu.Unlock()
			return WakeReasonCanceled, kernelerr.NoMoreMemory
		}
	} else {
		data = &futexData{}
		if err := m.table.Set(identity, data); err != nil {
			m.mu.Unlock()
			return WakeReasonCanceled, kernelerr.NoMoreMemory
		}
		log.Debugf("futex: created wait state for identity %#x", identity)
	}

	w := waiter{
		thread: m.sched.Current(),
		value:  expected,
		reason: WakeReasonCanceled,
	}
	var node waitqueue.Node
	node.Payload = &w

	data.mu.Lock()
	data.waiters++

	var blockErr error
	if err := m.sched.SetCurrentWaiting(); err == nil {
		if h.discipline == Priority {
			data.queue.PushPriority(&node, w.thread.Priority())
		} else {
			data.queue.Push(&node)
		}

		// Suspension point. All locks are dropped so the wake scan can run,
		// and so no lock is held across the context switch.
		data.mu.Unlock()
		m.mu.Unlock()
		m.sched.Reschedule()
		m.mu.Lock()
		data.mu.Lock()

		if w.reason == WakeReasonCanceled {
			// Nobody delisted us; the wakeup was injected.
			data.queue.Remove(&node, true)
		}
	} else {
		blockErr = err
		log.Warningf("futex: failed to block thread on futex: %v", err)
	}

	data.waiters--

	// The last waiter on a dead handle tears the wait state down.
	if !h.alive.Load() && data.waiters == 0 {
		m.table.Remove(identity)
		log.Debugf("futex: released wait state for identity %#x", identity)
	}
	data.mu.Unlock()
	m.mu.Unlock()

	if node.Queue() != nil {
		panic("futex: waiter still queued after wakeup")
	}

	switch {
	case blockErr != nil:
		return WakeReasonCanceled, blockErr
	case w.reason == WakeReasonWoken:
		return w.reason, nil
	case w.reason == WakeReasonDestroyed:
		return w.reason, kernelerr.Destroyed
	default:
		return w.reason, kernelerr.Canceled
	}
}

// Wake releases up to maxCount threads blocked on h's identity. A waiter is
// only eligible if its recorded expected value differs from the cell's
// current value; matching waiters are skipped without consuming the wake
// budget. The number of threads actually woken is returned.
//
// An identity with no wait state is not an error: nobody was waiting and
// the woken count is zero.
//
// Skipped waiters stay queued, so a cell value that churns back and forth
// between wake scans can starve a waiter indefinitely. This is part of the
// contract: the caller owns the cell protocol and decides whether that
// matters.
func (m *Manager) Wake(h *Handle, maxCount int) (int, error) {
	if h == nil || h.cell == nil {
		return 0, kernelerr.NullPointer
	}

	identity, err := m.identity(h)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	v, ok := m.table.Get(identity)
	if !ok {
		m.mu.Unlock()
		return 0, nil
	}
	data := v.(*futexData)
	data.mu.Lock()

	alive := h.alive.Load()
	woken := 0
	for node := data.queue.Tail(); woken < maxCount && node != nil; {
		w := node.Payload.(*waiter)

		if w.value == atomic.LoadInt32(h.cell) {
			// Still matching, a wake would be spurious: scan past it.
			node = node.Prev()
			continue
		}

		if alive {
			w.reason = WakeReasonWoken
		} else {
			w.reason = WakeReasonDestroyed
		}

		woke := node
		node = node.Prev()
		data.queue.Remove(woke, true)

		if err := m.sched.SetReady(w.thread); err != nil {
			readyFailLog.Warningf("futex: failed to ready woken thread: %v", err)
		}
		woken++
	}

	data.mu.Unlock()
	m.mu.Unlock()

	return woken, nil
}
