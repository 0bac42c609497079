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

// Package gosched implements the sched.Scheduler collaborator on top of
// goroutines. A goroutine becomes a schedulable thread by calling Adopt;
// parking and unparking use a one-slot wake channel so that a wakeup
// delivered before the park is never lost.
package gosched

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/elliotchance/orderedmap"
	"github.com/petermattis/goid"

	"github.com/Oxmose/roOs-sub003/pkg/errors/kernelerr"
	"github.com/Oxmose/roOs-sub003/pkg/sched"
)

// Thread is an adopted goroutine.
type Thread struct {
	gid      int64
	priority atomic.Uint32

	// waiting is set by SetCurrentWaiting and cleared when the wakeup is
	// consumed by Reschedule.
	waiting atomic.Bool

	// wake carries at most one pending wakeup.
	wake chan struct{}
}

// ID implements sched.Thread.ID. The identifier is the goroutine ID.
func (t *Thread) ID() int64 { return t.gid }

// Priority implements sched.Thread.Priority.
func (t *Thread) Priority() uint8 { return uint8(t.priority.Load()) }

// Sched implements sched.Scheduler over adopted goroutines.
type Sched struct {
	mu      sync.Mutex
	threads map[int64]*Thread

	// roster keeps adopted threads in adoption order for introspection.
	roster *orderedmap.OrderedMap
}

// New creates an empty scheduler.
func New() *Sched {
	return &Sched{
		threads: make(map[int64]*Thread),
		roster:  orderedmap.NewOrderedMap(),
	}
}

// Adopt registers the calling goroutine as a thread with the given priority.
// Lower priority values are more urgent. Adopting twice is fatal.
func (s *Sched) Adopt(priority uint8) *Thread {
	gid := goid.Get()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[gid]; ok {
		panic("gosched: goroutine adopted twice")
	}

	t := &Thread{
		gid:  gid,
		wake: make(chan struct{}, 1),
	}
	t.priority.Store(uint32(priority))
	s.threads[gid] = t
	s.roster.Set(gid, t)

	return t
}

// Release unregisters the calling goroutine. It must not be blocked in or
// racing any synchronization operation.
func (s *Sched) Release() {
	gid := goid.Get()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[gid]; !ok {
		panic("gosched: releasing a goroutine that was never adopted")
	}
	delete(s.threads, gid)
	s.roster.Delete(gid)
}

// Threads returns all adopted threads in adoption order.
func (s *Sched) Threads() []sched.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]sched.Thread, 0, s.roster.Len())
	for _, key := range s.roster.Keys() {
		t, _ := s.roster.Get(key)
		all = append(all, t.(*Thread))
	}
	return all
}

func (s *Sched) current() *Thread {
	gid := goid.Get()

	s.mu.Lock()
	t := s.threads[gid]
	s.mu.Unlock()

	if t == nil {
		panic("gosched: calling goroutine was not adopted")
	}
	return t
}

// Current implements sched.Scheduler.Current.
func (s *Sched) Current() sched.Thread {
	return s.current()
}

// SetCurrentWaiting implements sched.Scheduler.SetCurrentWaiting.
func (s *Sched) SetCurrentWaiting() error {
	t := s.current()
	if !t.waiting.CompareAndSwap(false, true) {
		return kernelerr.UnauthorizedAction
	}
	return nil
}

// Reschedule implements sched.Scheduler.Reschedule. A waiting thread parks
// until its wakeup arrives; a running thread only yields the processor.
func (s *Sched) Reschedule() {
	t := s.current()
	if !t.waiting.Load() {
		runtime.Gosched()
		return
	}
	<-t.wake
	t.waiting.Store(false)
}

// SetReady implements sched.Scheduler.SetReady. Extra wakeups for an
// already-ready thread collapse into the single slot.
func (s *Sched) SetReady(ref sched.Thread) error {
	t, ok := ref.(*Thread)
	if t == nil || !ok {
		return kernelerr.NullPointer
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// UpdatePriority implements sched.Scheduler.UpdatePriority.
func (s *Sched) UpdatePriority(ref sched.Thread, priority uint8) error {
	t, ok := ref.(*Thread)
	if t == nil || !ok {
		return kernelerr.NullPointer
	}
	t.priority.Store(uint32(priority))
	return nil
}
