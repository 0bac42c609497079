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

package waitqueue

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func assertPanics(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic, got none", name)
		}
	}()
	f()
}

// drain pops every node and returns the payloads in pop order.
func drain(q *Queue) []any {
	var out []any
	for n := q.Pop(); n != nil; n = q.Pop() {
		out = append(out, n.Payload)
	}
	return out
}

func TestEmptyQueue(t *testing.T) {
	var q Queue
	if !q.Empty() {
		t.Errorf("new queue not empty")
	}
	if got := q.Len(); got != 0 {
		t.Errorf("got Len() = %d, want 0", got)
	}
	if q.Head() != nil || q.Tail() != nil {
		t.Errorf("empty queue has a head or a tail")
	}
	if q.Pop() != nil {
		t.Errorf("Pop on empty queue returned a node")
	}
}

func TestPushPopFIFO(t *testing.T) {
	var q Queue
	for _, payload := range []string{"a", "b", "c", "d"} {
		q.Push(NewNode(payload))
	}
	if got := q.Len(); got != 4 {
		t.Fatalf("got Len() = %d, want 4", got)
	}

	got := drain(&q)
	want := []any{"a", "b", "c", "d"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pop order mismatch (-want +got):\n%s", diff)
	}
	if !q.Empty() {
		t.Errorf("queue not empty after drain")
	}
}

func TestPushClearsAndSetsBackReference(t *testing.T) {
	var q Queue
	n := NewNode("a")
	if n.Queue() != nil {
		t.Fatalf("fresh node already queued")
	}
	q.Push(n)
	if n.Queue() != &q {
		t.Errorf("queued node does not reference its queue")
	}
	q.Pop()
	if n.Queue() != nil {
		t.Errorf("popped node still references a queue")
	}
}

func TestPushPriorityOrder(t *testing.T) {
	var q Queue
	for i, priority := range []uint8{3, 1, 4, 1, 5} {
		n := NewNode(i)
		q.PushPriority(n, priority)
	}

	var priorities []uint8
	var payloads []any
	for n := q.Tail(); n != nil; n = n.Prev() {
		priorities = append(priorities, n.Priority())
		payloads = append(payloads, n.Payload)
	}

	// Most urgent first, FIFO among equal priorities: the priority-1 node
	// inserted first (payload 1) is released before the one inserted later
	// (payload 3).
	if diff := cmp.Diff([]uint8{1, 1, 3, 4, 5}, priorities); diff != "" {
		t.Errorf("priority order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]any{1, 3, 0, 2, 4}, payloads); diff != "" {
		t.Errorf("equal-priority FIFO mismatch (-want +got):\n%s", diff)
	}
}

func TestPushPriorityPop(t *testing.T) {
	var q Queue
	for _, priority := range []uint8{3, 1, 4, 1, 5} {
		q.PushPriority(NewNode(priority), priority)
	}

	got := drain(&q)
	want := []any{uint8(1), uint8(1), uint8(3), uint8(4), uint8(5)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pop order mismatch (-want +got):\n%s", diff)
	}
}

func TestRemove(t *testing.T) {
	var q Queue
	nodes := make([]*Node, 5)
	for i := range nodes {
		nodes[i] = NewNode(i)
		q.Push(nodes[i])
	}

	// Middle, head-most and tail-most removals.
	for _, i := range []int{2, 4, 0} {
		if !q.Remove(nodes[i], true) {
			t.Fatalf("Remove(nodes[%d]) = false, want true", i)
		}
		if nodes[i].Queue() != nil {
			t.Errorf("removed node %d still references a queue", i)
		}
	}

	got := drain(&q)
	if diff := cmp.Diff([]any{1, 3}, got); diff != "" {
		t.Errorf("pop order after removals (-want +got):\n%s", diff)
	}
}

func TestRemoveMissing(t *testing.T) {
	var q Queue
	q.Push(NewNode("a"))

	stranger := NewNode("b")
	if q.Remove(stranger, false) {
		t.Errorf("Remove of unqueued node returned true")
	}
	assertPanics(t, "Remove mustExist", func() { q.Remove(stranger, true) })
}

func TestFind(t *testing.T) {
	var q Queue
	for i := 0; i < 4; i++ {
		q.Push(NewNode(i))
	}

	n := q.Find(func(n *Node) bool { return n.Payload.(int) == 2 })
	if n == nil || n.Payload.(int) != 2 {
		t.Errorf("Find returned %v, want node with payload 2", n)
	}
	if q.Find(func(n *Node) bool { return false }) != nil {
		t.Errorf("Find with false predicate returned a node")
	}
}

func TestStructuralViolationsAreFatal(t *testing.T) {
	var q Queue
	n := NewNode("a")
	q.Push(n)

	assertPanics(t, "double push", func() { q.Push(n) })

	var other Queue
	assertPanics(t, "push into second queue", func() { other.Push(n) })
	assertPanics(t, "push nil", func() { q.Push(nil) })
	assertPanics(t, "destroy non-empty", func() { q.Destroy() })

	q.Pop()
	q.Destroy()
}
