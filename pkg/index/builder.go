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

package index

import (
	"fmt"
)

// Entry is one breakpoint: the first entry id stored in a data block, the
// part that holds the block and the block's byte offset in the data object.
type Entry struct {
	EntryID    int64
	PartID     int32
	Offset     int64
	DataOffset int64
}

// Builder accumulates ledger metadata and breakpoints while a segment is
// written. It is not safe for concurrent use.
type Builder struct {
	order            []int64
	meta             map[int64]LedgerMetadata
	blocks           map[int64][]Entry
	dataObjectLength int64
	headerLength     int64
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		meta:   make(map[int64]LedgerMetadata),
		blocks: make(map[int64][]Entry),
	}
}

// AddLedgerMeta registers a ledger. Ledgers are serialized in the order they were first registered.
func (b *Builder) AddLedgerMeta(ledgerID int64, meta LedgerMetadata) *Builder {
	if _, ok := b.meta[ledgerID]; !ok {
		b.order = append(b.order, ledgerID)
	}
	meta.LedgerID = ledgerID
	b.meta[ledgerID] = meta.Clone()
	return b
}

func (b *Builder) WithDataObjectLength(n int64) *Builder {
	b.dataObjectLength = n
	return b
}

func (b *Builder) WithDataBlockHeaderLength(n int64) *Builder {
	b.headerLength = n
	return b
}

// AddBlock records a breakpoint. Blocks for a ledger must arrive in
// non-decreasing entry id order; Build rejects anything else rather than sorting.
func (b *Builder) AddBlock(ledgerID, entryID int64, partID int32, offset int64) *Builder {
	b.blocks[ledgerID] = append(b.blocks[ledgerID], Entry{
		EntryID: entryID,
		PartID:  partID,
		Offset:  offset,
	})
	return b
}

// Build seals the accumulated state into an immutable Index.
func (b *Builder) Build() (*Index, error) {
	if len(b.order) == 0 {
		return nil, ErrNoLedgers
	}
	for ledgerID := range b.blocks {
		if _, ok := b.meta[ledgerID]; !ok {
			return nil, fmt.Errorf("%w: ledger %d has blocks but no metadata", ErrInvalidIndex, ledgerID)
		}
	}
	idx := &Index{
		order:            append([]int64(nil), b.order...),
		meta:             make(map[int64]LedgerMetadata, len(b.meta)),
		entries:          make(map[int64][]Entry, len(b.order)),
		dataObjectLength: b.dataObjectLength,
		headerLength:     b.headerLength,
	}
	for _, ledgerID := range b.order {
		idx.meta[ledgerID] = b.meta[ledgerID].Clone()
		src := b.blocks[ledgerID]
		entries := make([]Entry, len(src))
		for i, e := range src {
			if i > 0 && e.EntryID < src[i-1].EntryID {
				return nil, fmt.Errorf("%w: ledger %d entry %d after %d", ErrUnsortedBreakpoints, ledgerID, e.EntryID, src[i-1].EntryID)
			}
			e.DataOffset = e.Offset + b.headerLength
			entries[i] = e
		}
		idx.entries[ledgerID] = entries
	}
	return idx, nil
}
