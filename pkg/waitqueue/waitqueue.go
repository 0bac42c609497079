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

// Package waitqueue provides the intrusive wait queue used to park waiting
// threads. Entries are added to or removed from a queue in O(1) time (O(n)
// for priority insertion and removal by reference) with no additional memory
// allocations: nodes are owned by the waiting call's stack frame and only
// borrowed by the queue for the duration of the wait.
//
// Queues are not thread safe; callers serialize access with the lock that
// guards the enclosing structure.
//
// Because the queue parks threads, a corrupted queue means lost or duplicate
// wakeups. Every structural invariant violation is therefore fatal and
// panics instead of returning an error.
package waitqueue

// Node is a single entry of a Queue.
//
// A node is a member of at most one queue at a time. Insertion sets the
// owning queue back-reference and removal clears it, so the stack frame that
// owns the node can assert it was unlinked before returning.
//
// The zero value is an unqueued node.
type Node struct {
	next *Node
	prev *Node

	// queue is the queue currently holding this node, nil if unqueued.
	queue *Queue

	// priority is the ordering key recorded by PushPriority. Lower values
	// are more urgent.
	priority uint8

	// Payload is the caller's data, opaque to the queue.
	Payload any
}

// NewNode returns an unqueued node carrying the given payload.
func NewNode(payload any) *Node {
	return &Node{Payload: payload}
}

// Next returns the node closer to the tail, nil at the tail.
func (n *Node) Next() *Node { return n.next }

// Prev returns the node closer to the head, nil at the head.
func (n *Node) Prev() *Node { return n.prev }

// Queue returns the queue currently holding n, nil if n is unqueued.
func (n *Node) Queue() *Queue { return n.queue }

// Priority returns the ordering key recorded by the last PushPriority.
func (n *Node) Priority() uint8 { return n.priority }

// Queue is a doubly-linked, optionally priority-ordered wait queue.
//
// The zero value is an empty queue ready to use.
type Queue struct {
	head *Node
	tail *Node
	size int
}

// Len returns the number of queued nodes.
func (q *Queue) Len() int {
	if q == nil {
		panic("waitqueue: Len on nil queue")
	}
	return q.size
}

// Empty returns true iff the queue holds no node.
func (q *Queue) Empty() bool {
	return q.Len() == 0
}

// Head returns the most recently pushed node, nil if the queue is empty.
func (q *Queue) Head() *Node {
	if q == nil {
		panic("waitqueue: Head on nil queue")
	}
	return q.head
}

// Tail returns the oldest node, the next to be popped. Wake scans walk from
// here towards the head via Prev.
func (q *Queue) Tail() *Node {
	if q == nil {
		panic("waitqueue: Tail on nil queue")
	}
	return q.tail
}

func checkArgs(q *Queue, n *Node) {
	if q == nil || n == nil {
		panic("waitqueue: nil queue or nil node")
	}
	if n.queue != nil {
		panic("waitqueue: node is already queued")
	}
}

// checkLinks panics if the insertion produced a trivial cycle.
func checkLinks(n *Node) {
	if n.next == n.prev && n.next != nil {
		panic("waitqueue: cycle detected")
	}
}

// Push inserts n at the head of the queue. Combined with Pop this yields
// FIFO order.
func (q *Queue) Push(n *Node) {
	checkArgs(q, n)

	if q.head == nil {
		q.head = n
		q.tail = n
		n.next = nil
		n.prev = nil
	} else {
		n.next = q.head
		n.prev = nil
		q.head.prev = n
		q.head = n
	}

	q.size++
	n.queue = q
	checkLinks(n)
}

// PushPriority inserts n ordered by priority, lower values closer to the
// tail so that Pop returns the most urgent node. Among equal priorities the
// insertion order is preserved: a new node is placed before (closer to the
// head than) existing nodes of the same priority.
func (q *Queue) PushPriority(n *Node, priority uint8) {
	checkArgs(q, n)

	n.priority = priority

	if q.head == nil {
		q.head = n
		q.tail = n
		n.next = nil
		n.prev = nil
	} else {
		cursor := q.head
		for cursor != nil && cursor.priority > priority {
			cursor = cursor.next
		}

		if cursor != nil {
			n.next = cursor
			n.prev = cursor.prev
			cursor.prev = n
			if n.prev != nil {
				n.prev.next = n
			} else {
				q.head = n
			}
		} else {
			n.prev = q.tail
			n.next = nil
			q.tail.next = n
			q.tail = n
		}
	}

	q.size++
	n.queue = q
	checkLinks(n)
}

// Pop removes and returns the tail node, nil if the queue is empty.
func (q *Queue) Pop() *Node {
	if q == nil {
		panic("waitqueue: Pop on nil queue")
	}

	if q.head == nil {
		return nil
	}

	n := q.tail
	if n.prev != nil {
		n.prev.next = nil
		q.tail = n.prev
	} else {
		q.head = nil
		q.tail = nil
	}

	q.size--
	n.next = nil
	n.prev = nil
	n.queue = nil

	return n
}

// Remove unlinks n from anywhere in the queue by scanning. If n is not
// found, Remove panics when mustExist is set and returns false otherwise.
func (q *Queue) Remove(n *Node, mustExist bool) bool {
	if q == nil || n == nil {
		panic("waitqueue: nil queue or nil node")
	}

	cursor := q.head
	for cursor != nil && cursor != n {
		cursor = cursor.next
	}
	if cursor == nil {
		if mustExist {
			panic("waitqueue: node to remove is not queued here")
		}
		return false
	}

	switch {
	case cursor.prev != nil && cursor.next != nil:
		cursor.prev.next = cursor.next
		cursor.next.prev = cursor.prev
	case cursor.prev == nil && cursor.next != nil:
		q.head = cursor.next
		cursor.next.prev = nil
	case cursor.prev != nil && cursor.next == nil:
		q.tail = cursor.prev
		cursor.prev.next = nil
	default:
		q.head = nil
		q.tail = nil
	}

	q.size--
	n.next = nil
	n.prev = nil
	n.queue = nil

	return true
}

// Find returns the first node, scanning head to tail, for which pred returns
// true, nil if there is none.
func (q *Queue) Find(pred func(*Node) bool) *Node {
	if q == nil || pred == nil {
		panic("waitqueue: nil queue or nil predicate")
	}

	for n := q.head; n != nil; n = n.next {
		if pred(n) {
			return n
		}
	}
	return nil
}

// Destroy marks the end of the queue's life. Destroying a queue that still
// holds waiters would strand threads, so it is fatal.
func (q *Queue) Destroy() {
	if q == nil {
		panic("waitqueue: Destroy on nil queue")
	}
	if q.head != nil || q.tail != nil {
		panic("waitqueue: Destroy on non-empty queue")
	}
	q.size = 0
}
