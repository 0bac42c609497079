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

package futex

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marusama/cyclicbarrier"
	"golang.org/x/sync/errgroup"

	"github.com/Oxmose/roOs-sub003/pkg/config"
	"github.com/Oxmose/roOs-sub003/pkg/errors/kernelerr"
	"github.com/Oxmose/roOs-sub003/pkg/sched/gosched"
)

const pollTimeout = 5 * time.Second

func newTestManager(t *testing.T, tunables config.Tunables) (*Manager, *gosched.Sched) {
	t.Helper()
	s := gosched.New()
	mgr, err := NewManager(IdentityMemory{}, s, tunables)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr, s
}

// waitForWaiters polls until exactly want threads are queued on h.
func waitForWaiters(t *testing.T, mgr *Manager, h *Handle, want int) {
	t.Helper()
	deadline := time.Now().Add(pollTimeout)
	for {
		got, err := mgr.NumWaiters(h)
		if err != nil {
			t.Fatalf("NumWaiters: %v", err)
		}
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d queued waiters, want %d", got, want)
		}
		time.Sleep(time.Millisecond)
	}
}

type waitResult struct {
	id     int
	reason WakeReason
	err    error
}

// spawnWaiter starts an adopted goroutine blocking on h and reporting its
// outcome. It returns once the waiter is queued.
func spawnWaiter(t *testing.T, mgr *Manager, s *gosched.Sched, h *Handle, id int, priority uint8, expected int32, results chan<- waitResult) {
	t.Helper()
	before, err := mgr.NumWaiters(h)
	if err != nil {
		t.Fatalf("NumWaiters: %v", err)
	}
	go func() {
		s.Adopt(priority)
		defer s.Release()
		reason, err := mgr.Wait(h, expected)
		results <- waitResult{id: id, reason: reason, err: err}
	}()
	waitForWaiters(t, mgr, h, before+1)
}

func TestWaitNilHandle(t *testing.T) {
	mgr, _ := newTestManager(t, config.Default())
	if _, err := mgr.Wait(nil, 0); !kernelerr.Equals(kernelerr.NullPointer, err) {
		t.Errorf("Wait(nil) error = %v, want NullPointer", err)
	}
	if _, err := mgr.Wake(nil, 1); !kernelerr.Equals(kernelerr.NullPointer, err) {
		t.Errorf("Wake(nil) error = %v, want NullPointer", err)
	}
}

func TestWaitNotBlocked(t *testing.T) {
	mgr, s := newTestManager(t, config.Default())
	s.Adopt(1)
	defer s.Release()

	var cell int32
	h := NewHandle(&cell, FIFO)

	// The cell already differs from the expected value.
	reason, err := mgr.Wait(h, 1)
	if !kernelerr.Equals(kernelerr.NotBlocked, err) {
		t.Errorf("Wait error = %v, want NotBlocked", err)
	}
	if reason != WakeReasonCanceled {
		t.Errorf("Wait reason = %v, want Canceled", reason)
	}
	if got, _ := mgr.NumWaiters(h); got != 0 {
		t.Errorf("got %d queued waiters after NotBlocked, want 0", got)
	}
	if got := mgr.NumIdentities(); got != 0 {
		t.Errorf("got %d identities after NotBlocked, want 0", got)
	}

	// A dead handle refuses new waits the same way.
	h.Retire()
	if _, err := mgr.Wait(h, 0); !kernelerr.Equals(kernelerr.NotBlocked, err) {
		t.Errorf("Wait on dead handle error = %v, want NotBlocked", err)
	}
}

func TestWakeNobodyWaiting(t *testing.T) {
	mgr, _ := newTestManager(t, config.Default())
	var cell int32
	h := NewHandle(&cell, FIFO)

	woken, err := mgr.Wake(h, 10)
	if err != nil || woken != 0 {
		t.Errorf("Wake = (%d, %v), want (0, nil)", woken, err)
	}
}

func TestWaitWake(t *testing.T) {
	mgr, s := newTestManager(t, config.Default())
	var cell int32
	h := NewHandle(&cell, FIFO)

	results := make(chan waitResult, 1)
	spawnWaiter(t, mgr, s, h, 0, 1, 0, results)

	// The cell still matches the recorded value: the scan must skip the
	// waiter and wake nobody.
	if woken, err := mgr.Wake(h, 1); err != nil || woken != 0 {
		t.Errorf("Wake before value change = (%d, %v), want (0, nil)", woken, err)
	}

	atomic.StoreInt32(&cell, 1)
	if woken, err := mgr.Wake(h, 1); err != nil || woken != 1 {
		t.Errorf("Wake = (%d, %v), want (1, nil)", woken, err)
	}

	r := <-results
	if r.reason != WakeReasonWoken || r.err != nil {
		t.Errorf("waiter got (%v, %v), want (Woken, nil)", r.reason, r.err)
	}
	if got, _ := mgr.NumWaiters(h); got != 0 {
		t.Errorf("got %d queued waiters after wake, want 0", got)
	}
}

func TestWakeBudget(t *testing.T) {
	mgr, s := newTestManager(t, config.Default())
	var cell int32
	h := NewHandle(&cell, FIFO)

	results := make(chan waitResult, 3)
	for id := 0; id < 3; id++ {
		spawnWaiter(t, mgr, s, h, id, 1, 0, results)
	}

	atomic.StoreInt32(&cell, 1)
	if woken, err := mgr.Wake(h, 2); err != nil || woken != 2 {
		t.Fatalf("Wake(2) = (%d, %v), want (2, nil)", woken, err)
	}

	// FIFO: the two oldest waiters are released first.
	got := map[int]bool{}
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Errorf("waiter %d error = %v, want nil", r.id, r.err)
		}
		got[r.id] = true
	}
	if !got[0] || !got[1] {
		t.Errorf("woken waiters = %v, want {0, 1}", got)
	}

	if n, _ := mgr.NumWaiters(h); n != 1 {
		t.Fatalf("got %d queued waiters, want 1", n)
	}
	if woken, err := mgr.Wake(h, 2); err != nil || woken != 1 {
		t.Errorf("second Wake(2) = (%d, %v), want (1, nil)", woken, err)
	}
	if r := <-results; r.id != 2 || r.err != nil {
		t.Errorf("last waiter = %+v, want id 2 and nil error", r)
	}
}

func TestWakeSkipDoesNotConsumeBudget(t *testing.T) {
	mgr, s := newTestManager(t, config.Default())
	var cell int32 = 1
	h := NewHandle(&cell, FIFO)

	results := make(chan waitResult, 2)

	// Waiter 0 records value 1, waiter 1 records value 0.
	spawnWaiter(t, mgr, s, h, 0, 1, 1, results)
	atomic.StoreInt32(&cell, 0)
	spawnWaiter(t, mgr, s, h, 1, 1, 0, results)

	// With the cell back at 1, the older waiter 0 still matches and sits at
	// the scan start. A budget of one must skip it for free and reach
	// waiter 1.
	atomic.StoreInt32(&cell, 1)
	if woken, err := mgr.Wake(h, 1); err != nil || woken != 1 {
		t.Fatalf("Wake(1) = (%d, %v), want (1, nil)", woken, err)
	}
	if r := <-results; r.id != 1 || r.reason != WakeReasonWoken {
		t.Errorf("woken waiter = %+v, want id 1, reason Woken", r)
	}

	if n, _ := mgr.NumWaiters(h); n != 1 {
		t.Fatalf("got %d queued waiters, want 1", n)
	}
	atomic.StoreInt32(&cell, 2)
	if woken, err := mgr.Wake(h, 1); err != nil || woken != 1 {
		t.Fatalf("Wake(1) = (%d, %v), want (1, nil)", woken, err)
	}
	if r := <-results; r.id != 0 {
		t.Errorf("woken waiter = %+v, want id 0", r)
	}
}

func TestPriorityDiscipline(t *testing.T) {
	mgr, s := newTestManager(t, config.Default())
	var cell int32
	h := NewHandle(&cell, Priority)

	results := make(chan waitResult, 3)
	for id, priority := range []uint8{3, 1, 2} {
		spawnWaiter(t, mgr, s, h, id, priority, 0, results)
	}

	atomic.StoreInt32(&cell, 1)

	// One wake at a time must release by urgency: priorities 1, 2, 3.
	wantIDs := []int{1, 2, 0}
	for i, want := range wantIDs {
		if woken, err := mgr.Wake(h, 1); err != nil || woken != 1 {
			t.Fatalf("Wake #%d = (%d, %v), want (1, nil)", i, woken, err)
		}
		if r := <-results; r.id != want {
			t.Errorf("wake #%d released waiter %d, want %d", i, r.id, want)
		}
	}
}

func TestDestroyedWake(t *testing.T) {
	mgr, s := newTestManager(t, config.Default())
	var cell int32
	h := NewHandle(&cell, FIFO)

	results := make(chan waitResult, 2)
	spawnWaiter(t, mgr, s, h, 0, 1, 0, results)
	spawnWaiter(t, mgr, s, h, 1, 1, 0, results)

	h.Retire()
	atomic.StoreInt32(&cell, 1)
	if woken, err := mgr.Wake(h, 10); err != nil || woken != 2 {
		t.Fatalf("drain Wake = (%d, %v), want (2, nil)", woken, err)
	}

	for i := 0; i < 2; i++ {
		r := <-results
		if r.reason != WakeReasonDestroyed || !kernelerr.Equals(kernelerr.Destroyed, r.err) {
			t.Errorf("waiter %d got (%v, %v), want (Destroyed, Destroyed)", r.id, r.reason, r.err)
		}
	}

	// The last waiter out releases the wait state of the dead identity.
	deadline := time.Now().Add(pollTimeout)
	for mgr.NumIdentities() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("wait state not released, %d identities remain", mgr.NumIdentities())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWaiterCap(t *testing.T) {
	tunables := config.Default()
	tunables.MaxWaitersPerFutex = 1
	mgr, s := newTestManager(t, tunables)

	var cell int32
	h := NewHandle(&cell, FIFO)

	results := make(chan waitResult, 1)
	spawnWaiter(t, mgr, s, h, 0, 1, 0, results)

	// The identity is full: an extra waiter is refused.
	errs := make(chan error, 1)
	go func() {
		s.Adopt(1)
		defer s.Release()
		_, err := mgr.Wait(h, 0)
		errs <- err
	}()
	if err := <-errs; !kernelerr.Equals(kernelerr.NoMoreMemory, err) {
		t.Errorf("overflow Wait error = %v, want NoMoreMemory", err)
	}

	atomic.StoreInt32(&cell, 1)
	if woken, err := mgr.Wake(h, 1); err != nil || woken != 1 {
		t.Fatalf("Wake = (%d, %v), want (1, nil)", woken, err)
	}
	<-results
}

func TestSharedIdentity(t *testing.T) {
	mgr, s := newTestManager(t, config.Default())
	var cell int32

	// Two handles watching the same cell share one identity: a wake through
	// one releases a waiter queued through the other.
	h1 := NewHandle(&cell, FIFO)
	h2 := NewHandle(&cell, FIFO)

	results := make(chan waitResult, 1)
	spawnWaiter(t, mgr, s, h1, 0, 1, 0, results)

	if got := mgr.NumIdentities(); got != 1 {
		t.Errorf("got %d identities, want 1", got)
	}

	atomic.StoreInt32(&cell, 1)
	if woken, err := mgr.Wake(h2, 1); err != nil || woken != 1 {
		t.Fatalf("Wake through aliased handle = (%d, %v), want (1, nil)", woken, err)
	}
	if r := <-results; r.reason != WakeReasonWoken {
		t.Errorf("waiter got reason %v, want Woken", r.reason)
	}
}

func TestIndependentIdentities(t *testing.T) {
	mgr, s := newTestManager(t, config.Default())
	var cellA, cellB int32
	hA := NewHandle(&cellA, FIFO)
	hB := NewHandle(&cellB, FIFO)

	resultsA := make(chan waitResult, 1)
	resultsB := make(chan waitResult, 1)
	spawnWaiter(t, mgr, s, hA, 0, 1, 0, resultsA)
	spawnWaiter(t, mgr, s, hB, 1, 1, 0, resultsB)

	if got := mgr.NumIdentities(); got != 2 {
		t.Errorf("got %d identities, want 2", got)
	}

	atomic.StoreInt32(&cellA, 1)
	if woken, err := mgr.Wake(hA, 10); err != nil || woken != 1 {
		t.Fatalf("Wake(hA) = (%d, %v), want (1, nil)", woken, err)
	}
	<-resultsA

	// The other identity is untouched.
	if n, _ := mgr.NumWaiters(hB); n != 1 {
		t.Errorf("got %d waiters on hB, want 1", n)
	}
	atomic.StoreInt32(&cellB, 1)
	if _, err := mgr.Wake(hB, 10); err != nil {
		t.Fatalf("Wake(hB): %v", err)
	}
	<-resultsB
}

type brokenMemory struct{}

func (brokenMemory) PhysicalAddress(virt uintptr) (uintptr, error) {
	return 0, kernelerr.IncorrectValue
}

func TestTranslationFailure(t *testing.T) {
	s := gosched.New()
	mgr, err := NewManager(brokenMemory{}, s, config.Default())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	s.Adopt(1)
	defer s.Release()

	var cell int32
	h := NewHandle(&cell, FIFO)

	if _, err := mgr.Wait(h, 0); !kernelerr.Equals(kernelerr.IncorrectValue, err) {
		t.Errorf("Wait error = %v, want IncorrectValue", err)
	}
	if _, err := mgr.Wake(h, 1); !kernelerr.Equals(kernelerr.IncorrectValue, err) {
		t.Errorf("Wake error = %v, want IncorrectValue", err)
	}
}

func TestStress(t *testing.T) {
	const (
		waiters    = 8
		iterations = 50
	)

	mgr, s := newTestManager(t, config.Default())
	var cell int32
	h := NewHandle(&cell, FIFO)

	barrier := cyclicbarrier.New(waiters)
	var remaining atomic.Int32
	remaining.Store(waiters)

	var g errgroup.Group
	for i := 0; i < waiters; i++ {
		g.Go(func() error {
			s.Adopt(1)
			defer s.Release()
			defer remaining.Add(-1)

			if err := barrier.Await(context.Background()); err != nil {
				return err
			}
			for j := 0; j < iterations; j++ {
				reason, err := mgr.Wait(h, 0)
				switch {
				case err == nil && reason == WakeReasonWoken:
				case kernelerr.Equals(kernelerr.NotBlocked, err):
				default:
					return err
				}
			}
			return nil
		})
	}

	// Churn the cell and wake everything until every waiter is through.
	stop := make(chan struct{})
	wakerDone := make(chan struct{})
	go func() {
		defer close(wakerDone)
		for remaining.Load() > 0 {
			select {
			case <-stop:
				return
			default:
			}
			atomic.StoreInt32(&cell, 1)
			if _, err := mgr.Wake(h, waiters); err != nil {
				t.Errorf("Wake: %v", err)
				return
			}
			atomic.StoreInt32(&cell, 0)
			time.Sleep(time.Microsecond)
		}
	}()

	if err := g.Wait(); err != nil {
		t.Errorf("waiter failed: %v", err)
	}
	close(stop)
	<-wakerDone
}
