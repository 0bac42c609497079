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

// Package semaphore provides the kernel counting and binary semaphores.
//
// Unlike the mutex, the semaphore does not watch a memory cell: posts and
// waits pair up directly through the semaphore's own wait queue, so it
// needs no futex identity.
package semaphore

import (
	"sync"
	"time"

	"github.com/Oxmose/roOs-sub003/pkg/errors/kernelerr"
	"github.com/Oxmose/roOs-sub003/pkg/log"
	"github.com/Oxmose/roOs-sub003/pkg/sched"
	"github.com/Oxmose/roOs-sub003/pkg/waitqueue"
)

// Flags configures a Semaphore at creation time.
type Flags uint32

const (
	// FlagQueuingFIFO releases waiters in wait-call order. This is the
	// default and conflicts with FlagQueuingPriority.
	FlagQueuingFIFO Flags = 1 << iota

	// FlagQueuingPriority releases the most urgent waiter first.
	FlagQueuingPriority

	// FlagBinary caps the level at one: posts beyond an already-signaled
	// binary semaphore saturate instead of accumulating.
	FlagBinary
)

// maxLevel bounds the counting level; a post past it fails with OutOfBound.
const maxLevel = int32(0x7FFFFFFF)

// Waiter release statuses.
const (
	statusPending = iota
	statusPosted
	statusDestroyed
)

// readyFailLog rate limits the scheduler failure path of the destroy drain.
var readyFailLog = log.NewRateLimited(nil, 5*time.Second)

// waiter lives on the waiting call's stack for the duration of the call.
type waiter struct {
	thread sched.Thread

	// status is written under the semaphore lock by the releasing side
	// before the thread is made ready.
	status int
}

// Semaphore is the kernel semaphore.
//
// The zero value is not usable; semaphores are created with New and must be
// destroyed with Destroy to release any blocked waiter.
type Semaphore struct {
	sched sched.Scheduler
	flags Flags

	// mu guards every field below.
	mu sync.Mutex

	level int32
	queue waitqueue.Queue
	init  bool
}

// New creates a semaphore with the given initial level. FlagQueuingFIFO and
// FlagQueuingPriority are mutually exclusive; a binary semaphore clamps any
// nonzero initial level to one.
func New(s sched.Scheduler, initialLevel int32, flags Flags) (*Semaphore, error) {
	if s == nil {
		return nil, kernelerr.NullPointer
	}
	if flags&FlagQueuingFIFO != 0 && flags&FlagQueuingPriority != 0 {
		return nil, kernelerr.IncorrectValue
	}
	if initialLevel < 0 {
		return nil, kernelerr.IncorrectValue
	}
	if flags&FlagBinary != 0 && initialLevel > 1 {
		initialLevel = 1
	}

	return &Semaphore{
		sched: s,
		flags: flags,
		level: initialLevel,
		init:  true,
	}, nil
}

// Wait decrements the level, blocking until a post pairs up with the caller
// when the level is exhausted. If the semaphore is destroyed while the
// caller is blocked, Wait returns Destroyed.
func (s *Semaphore) Wait() error {
	if s == nil {
		return kernelerr.NullPointer
	}

	s.mu.Lock()
	if !s.init {
		s.mu.Unlock()
		return kernelerr.NotInitialized
	}

	if s.level > 0 {
		s.level--
		s.mu.Unlock()
		return nil
	}

	w := waiter{
		thread: s.sched.Current(),
		status: statusPending,
	}
	var node waitqueue.Node
	node.Payload = &w

	if err := s.sched.SetCurrentWaiting(); err != nil {
		s.mu.Unlock()
		return err
	}

	if s.flags&FlagQueuingPriority != 0 {
		s.queue.PushPriority(&node, w.thread.Priority())
	} else {
		s.queue.Push(&node)
	}

	// Suspension point. The lock is dropped so the posting side can run.
	s.mu.Unlock()
	s.sched.Reschedule()

	// The releasing side delisted the node before readying us.
	if node.Queue() != nil {
		panic("semaphore: waiter still queued after wakeup")
	}

	if w.status == statusDestroyed {
		return kernelerr.Destroyed
	}
	return nil
}

// TryWait attempts to decrement the level without ever suspending. It
// returns the pre-attempt level regardless of outcome; the error is nil when
// the level was taken and Blocked when it was exhausted.
func (s *Semaphore) TryWait() (int32, error) {
	if s == nil {
		return 0, kernelerr.NullPointer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.init {
		return 0, kernelerr.NotInitialized
	}

	level := s.level
	if level == 0 {
		return level, kernelerr.Blocked
	}

	s.level--
	return level, nil
}

// Post increments the level or hands the token directly to the oldest
// eligible waiter. A binary semaphore saturates at level one; a counting
// semaphore at the level bound fails with OutOfBound.
func (s *Semaphore) Post() error {
	if s == nil {
		return kernelerr.NullPointer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.init {
		return kernelerr.NotInitialized
	}

	if node := s.queue.Pop(); node != nil {
		w := node.Payload.(*waiter)
		w.status = statusPosted
		return s.sched.SetReady(w.thread)
	}

	if s.flags&FlagBinary != 0 {
		// Saturate.
		s.level = 1
		return nil
	}

	if s.level == maxLevel {
		return kernelerr.OutOfBound
	}
	s.level++
	return nil
}

// Waiters returns the number of threads currently blocked in Wait.
func (s *Semaphore) Waiters() (int, error) {
	if s == nil {
		return 0, kernelerr.NullPointer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.init {
		return 0, kernelerr.NotInitialized
	}
	return s.queue.Len(), nil
}

// Level returns the current level.
func (s *Semaphore) Level() (int32, error) {
	if s == nil {
		return 0, kernelerr.NullPointer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.init {
		return 0, kernelerr.NotInitialized
	}
	return s.level, nil
}

// Destroy retires the semaphore and releases every blocked waiter with a
// Destroyed result. Any further operation fails with NotInitialized.
func (s *Semaphore) Destroy() error {
	if s == nil {
		return kernelerr.NullPointer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.init {
		return kernelerr.NotInitialized
	}

	s.init = false
	s.level = 0

	// The drain must empty the queue no matter what: a waiter left queued
	// here would hang forever.
	for node := s.queue.Pop(); node != nil; node = s.queue.Pop() {
		w := node.Payload.(*waiter)
		w.status = statusDestroyed
		if err := s.sched.SetReady(w.thread); err != nil {
			readyFailLog.Warningf("semaphore: failed to ready destroyed waiter: %v", err)
		}
	}
	s.queue.Destroy()

	return nil
}
