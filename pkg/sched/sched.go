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

// Package sched defines the scheduler collaborator consumed by the
// synchronization core. The core never selects threads to run; it only
// marks the calling thread as blocked on a resource, yields, and hands
// woken threads back as ready.
package sched

// Thread is an opaque reference to a schedulable thread.
type Thread interface {
	// ID returns a process-unique thread identifier.
	ID() int64

	// Priority returns the thread's current scheduling priority. Lower
	// values are more urgent.
	Priority() uint8
}

// Scheduler is the entry point set consumed by the synchronization core.
//
// Reschedule is the single suspension point of the core: a thread marked
// waiting by SetCurrentWaiting does not run past Reschedule until another
// thread hands it to SetReady.
type Scheduler interface {
	// Current returns the calling thread.
	Current() Thread

	// SetCurrentWaiting marks the calling thread blocked on a resource. It
	// returns an error if the thread cannot block, e.g. when called from an
	// interrupt context.
	SetCurrentWaiting() error

	// Reschedule yields the CPU. If the calling thread is marked waiting,
	// Reschedule returns only once the thread has been made ready again.
	Reschedule()

	// SetReady hands a woken thread back to the scheduler.
	SetReady(t Thread) error

	// UpdatePriority changes a thread's scheduling priority, typically for
	// priority elevation of a lock holder.
	UpdatePriority(t Thread, priority uint8) error
}
