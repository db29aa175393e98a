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
	"fmt"
	"sync/atomic"
)

// Position identifies an entry in the source log.
type Position struct {
	LedgerID int64
	EntryID  int64
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.LedgerID, p.EntryID)
}

// Less reports whether p sorts before q.
func (p Position) Less(q Position) bool {
	if p.LedgerID != q.LedgerID {
		return p.LedgerID < q.LedgerID
	}
	return p.EntryID < q.EntryID
}

// Follows reports whether p is the immediate successor of prev: the next entry
// of the same ledger, or the first entry of a later ledger.
func (p Position) Follows(prev Position) bool {
	if p.LedgerID == prev.LedgerID {
		return p.EntryID == prev.EntryID+1
	}
	return p.LedgerID > prev.LedgerID && p.EntryID == 0
}

// Entry is one reference counted log entry. The creator holds the first
// reference; every Retain must be paired with exactly one Release.
type Entry struct {
	pos       Position
	data      []byte
	refs      atomic.Int32
	onRelease func()
}

// NewEntry wraps payload without copying it. The returned entry has one reference.
func NewEntry(ledgerID, entryID int64, payload []byte) *Entry {
	return NewEntryWithRelease(ledgerID, entryID, payload, nil)
}

// NewEntryWithRelease is NewEntry with a hook invoked once the last reference is released,
// typically to hand a pooled buffer back to its owner.
func NewEntryWithRelease(ledgerID, entryID int64, payload []byte, onRelease func()) *Entry {
	e := &Entry{
		pos:       Position{LedgerID: ledgerID, EntryID: entryID},
		data:      payload,
		onRelease: onRelease,
	}
	e.refs.Store(1)
	return e
}

func (e *Entry) LedgerID() int64    { return e.pos.LedgerID }
func (e *Entry) EntryID() int64     { return e.pos.EntryID }
func (e *Entry) Position() Position { return e.pos }
func (e *Entry) Length() int        { return len(e.data) }

// Data returns the payload. Callers must hold a reference while reading it.
func (e *Entry) Data() []byte { return e.data }

// RefCount returns the number of outstanding references.
func (e *Entry) RefCount() int32 { return e.refs.Load() }

// Retain adds a reference. Retaining a fully released entry panics.
func (e *Entry) Retain() *Entry {
	if e.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("offload: retain of released entry %s", e.pos))
	}
	return e
}

// Release drops a reference. Releasing more often than retained panics.
func (e *Entry) Release() {
	n := e.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("offload: entry %s released twice", e.pos))
	}
	if n == 0 && e.onRelease != nil {
		e.onRelease()
	}
}
