// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
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

package offload

import (
	"sync"
	"sync/atomic"
)

// EntryQueue is the FIFO between the producer offering entries and the
// drainer encoding them. Bytes always equals the summed payload length of
// the queued entries.
type EntryQueue struct {
	mu      sync.Mutex
	entries []*Entry
	head    int
	bytes   atomic.Int64
}

// NewEntryQueue creates an empty queue.
func NewEntryQueue() *EntryQueue {
	return &EntryQueue{}
}

// Push appends e. The queue takes over the reference the caller passes in.
func (q *EntryQueue) Push(e *Entry) {
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.bytes.Add(int64(e.Length()))
	q.mu.Unlock()
}

// Peek returns the oldest entry without removing it, or nil.
func (q *EntryQueue) Peek() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.entries) {
		return nil
	}
	return q.entries[q.head]
}

// Pop removes and returns the oldest entry, or nil. The caller owns the
// returned reference.
func (q *EntryQueue) Pop() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.entries) {
		return nil
	}
	e := q.entries[q.head]
	q.entries[q.head] = nil
	q.head++
	q.bytes.Add(-int64(e.Length()))
	if q.head == len(q.entries) {
		q.entries = q.entries[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.entries) {
		n := copy(q.entries, q.entries[q.head:])
		clear(q.entries[n:])
		q.entries = q.entries[:n]
		q.head = 0
	}
	return e
}

// Len returns the number of queued entries.
func (q *EntryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) - q.head
}

// Bytes returns the payload bytes currently queued.
func (q *EntryQueue) Bytes() int64 {
	return q.bytes.Load()
}

// Drain removes every queued entry and returns them in FIFO order.
func (q *EntryQueue) Drain() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Entry, 0, len(q.entries)-q.head)
	for _, e := range q.entries[q.head:] {
		out = append(out, e)
		q.bytes.Add(-int64(e.Length()))
	}
	q.entries = nil
	q.head = 0
	return out
}

// headRun describes the run of entries at the head of the queue that would
// go into the next data block.
type headRun struct {
	first      Position
	count      int
	frameBytes int64
	// full is set when the run stopped because the next entry no longer fits.
	full bool
	// boundary is set when the run stopped at a ledger change.
	boundary bool
}

// peekRun scans the head of the queue for consecutive entries of the head's
// ledger whose frames fit into maxFrameBytes.
func (q *EntryQueue) peekRun(maxFrameBytes int64) (headRun, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.entries) {
		return headRun{}, false
	}
	run := headRun{first: q.entries[q.head].Position()}
	for _, e := range q.entries[q.head:] {
		if e.LedgerID() != run.first.LedgerID {
			run.boundary = true
			break
		}
		size := int64(FrameHeaderSize + e.Length())
		if run.frameBytes+size > maxFrameBytes {
			run.full = true
			break
		}
		run.frameBytes += size
		run.count++
	}
	return run, true
}
