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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
)

const (
	// Magic starts every serialized index block.
	Magic uint32 = 0x3D1FB0BC

	// HeaderSize is magic + index block length + data object length + data block header length.
	HeaderSize = 4 + 4 + 8 + 8

	ledgerHeaderSize = 8 + 4 + 4
	entrySize        = 8 + 4 + 8
)

// Index is a sealed offload index. All accessors return copies.
type Index struct {
	order            []int64
	meta             map[int64]LedgerMetadata
	entries          map[int64][]Entry
	dataObjectLength int64
	headerLength     int64
}

// Ledgers returns the covered ledger ids in serialization order.
func (x *Index) Ledgers() []int64 {
	return append([]int64(nil), x.order...)
}

func (x *Index) DataObjectLength() int64 { return x.dataObjectLength }

func (x *Index) DataBlockHeaderLength() int64 { return x.headerLength }

// LedgerMetadata returns the metadata recorded for ledgerID.
func (x *Index) LedgerMetadata(ledgerID int64) (LedgerMetadata, error) {
	meta, ok := x.meta[ledgerID]
	if !ok {
		return LedgerMetadata{}, fmt.Errorf("%w: %d", ErrLedgerNotFound, ledgerID)
	}
	return meta.Clone(), nil
}

// Entries returns the breakpoint table of ledgerID.
func (x *Index) Entries(ledgerID int64) ([]Entry, error) {
	entries, ok := x.entries[ledgerID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrLedgerNotFound, ledgerID)
	}
	return append([]Entry(nil), entries...), nil
}

// EntryCount returns the number of breakpoints recorded for ledgerID.
func (x *Index) EntryCount(ledgerID int64) int {
	return len(x.entries[ledgerID])
}

// Lookup returns the breakpoint of the block holding entryID: the last
// breakpoint whose entry id is not greater than entryID.
func (x *Index) Lookup(ledgerID, entryID int64) (Entry, error) {
	meta, ok := x.meta[ledgerID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %d", ErrLedgerNotFound, ledgerID)
	}
	entries := x.entries[ledgerID]
	if entryID > meta.LastEntryID || len(entries) == 0 || entryID < entries[0].EntryID {
		first := int64(0)
		if len(entries) > 0 {
			first = entries[0].EntryID
		}
		return Entry{}, &EntryOutOfRangeError{
			LedgerID:     ledgerID,
			EntryID:      entryID,
			FirstEntryID: first,
			LastEntryID:  meta.LastEntryID,
		}
	}
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].EntryID > entryID
	})
	return entries[i-1], nil
}

// Size returns the serialized length in bytes.
func (x *Index) Size() (int, error) {
	size := HeaderSize
	for _, ledgerID := range x.order {
		raw, err := x.meta[ledgerID].MarshalBinary()
		if err != nil {
			return 0, err
		}
		size += ledgerHeaderSize + len(raw) + entrySize*len(x.entries[ledgerID])
	}
	return size, nil
}

// Bytes serializes the index.
func (x *Index) Bytes() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 256))
	if _, err := x.WriteTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo writes the serialized index to w.
func (x *Index) WriteTo(w io.Writer) (int64, error) {
	size, err := x.Size()
	if err != nil {
		return 0, err
	}
	if size > math.MaxUint32 {
		return 0, fmt.Errorf("%w: index length %d exceeds 32 bits", ErrInvalidIndex, size)
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if err := binary.Write(buf, binary.BigEndian, Magic); err != nil {
		return 0, err
	}
	if err := binary.Write(buf, binary.BigEndian, uint32(size)); err != nil {
		return 0, err
	}
	if err := binary.Write(buf, binary.BigEndian, x.dataObjectLength); err != nil {
		return 0, err
	}
	if err := binary.Write(buf, binary.BigEndian, x.headerLength); err != nil {
		return 0, err
	}
	for _, ledgerID := range x.order {
		raw, err := x.meta[ledgerID].MarshalBinary()
		if err != nil {
			return 0, fmt.Errorf("encode ledger %d metadata: %w", ledgerID, err)
		}
		entries := x.entries[ledgerID]
		if err := binary.Write(buf, binary.BigEndian, ledgerID); err != nil {
			return 0, err
		}
		if err := binary.Write(buf, binary.BigEndian, int32(len(entries))); err != nil {
			return 0, err
		}
		if err := binary.Write(buf, binary.BigEndian, int32(len(raw))); err != nil {
			return 0, err
		}
		buf.Write(raw)
		for _, e := range entries {
			if err := binary.Write(buf, binary.BigEndian, e.EntryID); err != nil {
				return 0, err
			}
			if err := binary.Write(buf, binary.BigEndian, e.PartID); err != nil {
				return 0, err
			}
			if err := binary.Write(buf, binary.BigEndian, e.Offset); err != nil {
				return 0, err
			}
		}
	}
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// FromBytes parses a serialized index.
func FromBytes(data []byte) (*Index, error) {
	return FromReader(bytes.NewReader(data))
}

// FromReader reads exactly one serialized index from r. The magic word is
// checked before anything else is trusted, and a stream shorter than the
// declared index length fails with io.ErrUnexpectedEOF.
func FromReader(r io.Reader) (*Index, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:4]); err != nil {
		return nil, fmt.Errorf("read index magic: %w", unexpectedEOF(err))
	}
	if magic := binary.BigEndian.Uint32(header[:4]); magic != Magic {
		return nil, fmt.Errorf("%w: 0x%08x", ErrInvalidMagic, magic)
	}
	if _, err := io.ReadFull(r, header[4:]); err != nil {
		return nil, fmt.Errorf("read index header: %w", unexpectedEOF(err))
	}
	total := int64(binary.BigEndian.Uint32(header[4:8]))
	if total < HeaderSize {
		return nil, fmt.Errorf("%w: declared length %d shorter than header", ErrInvalidIndex, total)
	}
	x := &Index{
		meta:             make(map[int64]LedgerMetadata),
		entries:          make(map[int64][]Entry),
		dataObjectLength: int64(binary.BigEndian.Uint64(header[8:16])),
		headerLength:     int64(binary.BigEndian.Uint64(header[16:24])),
	}
	// the declared length is untrusted; grow the body only as bytes arrive
	var body bytes.Buffer
	want := total - HeaderSize
	if n, err := io.CopyN(&body, r, want); err != nil {
		return nil, fmt.Errorf("read index body: %d of %d bytes: %w", n, want, unexpectedEOF(err))
	}
	reader := bytes.NewReader(body.Bytes())
	for reader.Len() > 0 {
		if err := x.readLedger(reader); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (x *Index) readLedger(reader *bytes.Reader) error {
	var (
		ledgerID int64
		count    int32
		metaLen  int32
	)
	if err := binary.Read(reader, binary.BigEndian, &ledgerID); err != nil {
		return fmt.Errorf("read ledger id: %w", unexpectedEOF(err))
	}
	if err := binary.Read(reader, binary.BigEndian, &count); err != nil {
		return fmt.Errorf("read ledger %d entry count: %w", ledgerID, unexpectedEOF(err))
	}
	if err := binary.Read(reader, binary.BigEndian, &metaLen); err != nil {
		return fmt.Errorf("read ledger %d metadata length: %w", ledgerID, unexpectedEOF(err))
	}
	if count < 0 || metaLen < 0 {
		return fmt.Errorf("%w: ledger %d negative length", ErrInvalidIndex, ledgerID)
	}
	if _, dup := x.meta[ledgerID]; dup {
		return fmt.Errorf("%w: ledger %d listed twice", ErrInvalidIndex, ledgerID)
	}
	if int64(metaLen) > int64(reader.Len()) {
		return fmt.Errorf("read ledger %d metadata: %w", ledgerID, io.ErrUnexpectedEOF)
	}
	raw := make([]byte, metaLen)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return fmt.Errorf("read ledger %d metadata: %w", ledgerID, unexpectedEOF(err))
	}
	var meta LedgerMetadata
	if err := meta.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("%w: ledger %d metadata: %v", ErrInvalidIndex, ledgerID, err)
	}
	if int64(count)*entrySize > int64(reader.Len()) {
		return fmt.Errorf("read ledger %d entries: %w", ledgerID, io.ErrUnexpectedEOF)
	}
	entries := make([]Entry, count)
	for i := range entries {
		var e Entry
		if err := binary.Read(reader, binary.BigEndian, &e.EntryID); err != nil {
			return unexpectedEOF(err)
		}
		if err := binary.Read(reader, binary.BigEndian, &e.PartID); err != nil {
			return unexpectedEOF(err)
		}
		if err := binary.Read(reader, binary.BigEndian, &e.Offset); err != nil {
			return unexpectedEOF(err)
		}
		e.DataOffset = e.Offset + x.headerLength
		entries[i] = e
	}
	x.order = append(x.order, ledgerID)
	x.meta[ledgerID] = meta
	x.entries[ledgerID] = entries
	return nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
