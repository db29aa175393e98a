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
	"testing"

	"github.com/google/uuid"
)

func TestPositionFollows(t *testing.T) {
	prev := Position{LedgerID: 4, EntryID: 9}
	if !(Position{LedgerID: 4, EntryID: 10}).Follows(prev) {
		t.Fatalf("next entry of the same ledger should follow")
	}
	if !(Position{LedgerID: 7, EntryID: 0}).Follows(prev) {
		t.Fatalf("entry 0 of a later ledger should follow")
	}
	if (Position{LedgerID: 4, EntryID: 11}).Follows(prev) {
		t.Fatalf("gap inside a ledger must not follow")
	}
	if (Position{LedgerID: 5, EntryID: 1}).Follows(prev) {
		t.Fatalf("later ledger not starting at 0 must not follow")
	}
	if (Position{LedgerID: 3, EntryID: 0}).Follows(prev) {
		t.Fatalf("earlier ledger must not follow")
	}
}

func TestEntryRefCounting(t *testing.T) {
	released := 0
	e := NewEntryWithRelease(1, 2, []byte("payload"), func() { released++ })
	e.Retain()
	if e.RefCount() != 2 {
		t.Fatalf("expected 2 refs, got %d", e.RefCount())
	}
	e.Release()
	if released != 0 {
		t.Fatalf("hook ran before the last release")
	}
	e.Release()
	if released != 1 || e.RefCount() != 0 {
		t.Fatalf("expected hook once and 0 refs, got %d %d", released, e.RefCount())
	}
}

func TestEntryDoubleReleasePanics(t *testing.T) {
	e := NewEntry(1, 0, nil)
	e.Release()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double release")
		}
	}()
	e.Release()
}

func TestEntryRetainAfterReleasePanics(t *testing.T) {
	e := NewEntry(1, 0, nil)
	e.Release()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on retain of a released entry")
		}
	}()
	e.Retain()
}

func TestSegmentInfoResultBeforeClose(t *testing.T) {
	seg := NewSegmentInfo(uuid.New(), 3, 7, "memory", map[string]string{"k": "v"})
	if _, err := seg.Result(); err != ErrSegmentOpen {
		t.Fatalf("expected ErrSegmentOpen, got %v", err)
	}
	if _, ok := seg.End(); ok || seg.IsClosed() {
		t.Fatalf("open segment reports an end")
	}
	seg.Close(4, 2)
	res, err := seg.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Begin() != (Position{3, 7}) || res.End() != (Position{4, 2}) {
		t.Fatalf("unexpected result %+v", res)
	}
	if seg.ClosedAt().IsZero() {
		t.Fatalf("closed at not set")
	}
	md := seg.DriverMetadata()
	md["k"] = "changed"
	if seg.DriverMetadata()["k"] != "v" {
		t.Fatalf("driver metadata is not copied")
	}
}

func TestSegmentInfoDoubleClosePanics(t *testing.T) {
	seg := NewSegmentInfo(uuid.New(), 1, 0, "memory", nil)
	seg.Close(1, 5)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on second close")
		}
	}()
	seg.Close(1, 6)
}

func TestSegmentInfoPublishIsAtomic(t *testing.T) {
	seg := NewSegmentInfo(uuid.New(), 1, 0, "memory", nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if end, ok := seg.End(); ok && end != (Position{9, 99}) {
					t.Errorf("partial end observed: %v", end)
					return
				}
			}
		}()
	}
	seg.Close(9, 99)
	wg.Wait()
}

func TestEntryQueueCounter(t *testing.T) {
	q := NewEntryQueue()
	q.Push(NewEntry(1, 0, make([]byte, 10)))
	q.Push(NewEntry(1, 1, make([]byte, 5)))
	q.Push(NewEntry(2, 0, make([]byte, 7)))
	if q.Len() != 3 || q.Bytes() != 22 {
		t.Fatalf("expected 3 entries and 22 bytes, got %d %d", q.Len(), q.Bytes())
	}
	if e := q.Pop(); e.EntryID() != 0 || q.Bytes() != 12 {
		t.Fatalf("unexpected pop %v bytes %d", e.Position(), q.Bytes())
	}
	run, ok := q.peekRun(1024)
	if !ok || run.count != 1 || !run.boundary || run.full {
		t.Fatalf("expected single entry run stopped at ledger change, got %+v", run)
	}
	drained := q.Drain()
	if len(drained) != 2 || q.Len() != 0 || q.Bytes() != 0 {
		t.Fatalf("drain left %d entries, %d bytes", q.Len(), q.Bytes())
	}
	if q.Peek() != nil || q.Pop() != nil {
		t.Fatalf("empty queue returned an entry")
	}
}

func TestEntryQueuePeekRunFull(t *testing.T) {
	q := NewEntryQueue()
	for i := int64(0); i < 4; i++ {
		q.Push(NewEntry(1, i, make([]byte, 10)))
	}
	run, ok := q.peekRun(3 * (FrameHeaderSize + 10))
	if !ok || run.count != 3 || !run.full || run.frameBytes != 66 {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.first != (Position{1, 0}) {
		t.Fatalf("unexpected run start %v", run.first)
	}
}

func TestEntryQueueCompacts(t *testing.T) {
	q := NewEntryQueue()
	for i := int64(0); i < 200; i++ {
		q.Push(NewEntry(1, i, []byte{1}))
	}
	for i := int64(0); i < 150; i++ {
		if e := q.Pop(); e.EntryID() != i {
			t.Fatalf("expected entry %d, got %d", i, e.EntryID())
		}
	}
	if q.Len() != 50 || q.Bytes() != 50 {
		t.Fatalf("unexpected queue state %d %d", q.Len(), q.Bytes())
	}
	if e := q.Peek(); e.EntryID() != 150 {
		t.Fatalf("expected head 150 after compaction, got %d", e.EntryID())
	}
}
