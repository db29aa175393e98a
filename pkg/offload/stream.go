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
	"encoding/binary"
	"io"
)

type streamPhase int

const (
	phaseHeader streamPhase = iota
	phaseEntries
	phasePadding
	phaseDone
)

// BlockStream lazily encodes one data block of exactly blockSize bytes from
// the head of an EntryQueue. It pulls entries only as the reader asks for
// bytes, so at most one entry is held outside the queue at a time.
//
// Frames stop at the first entry of a different ledger, at an entry that
// would not fit, or past the segment end once the segment is closed; the
// rest of the block is padding. The stream is single pass: after the block is
// complete every Read returns io.EOF. A block longer than the 32-bit length
// field allows fails every Read with ErrInvalidBlock.
type BlockStream struct {
	blockSize int64
	queue     *EntryQueue
	segment   *SegmentInfo
	ledgerID  int64

	header   [BlockHeaderSize]byte
	phase    streamPhase
	written  int64
	padStart int64

	cur      *Entry
	frameHdr [FrameHeaderSize]byte
	frameOff int

	entries int
	payload int64
	last    Position

	err error
}

// NewBlockStream prepares a block for ledgerID whose first frame is firstEntryID.
func NewBlockStream(blockSize int64, queue *EntryQueue, segment *SegmentInfo, ledgerID, firstEntryID int64) *BlockStream {
	if blockSize < BlockHeaderSize {
		blockSize = BlockHeaderSize
	}
	header, err := BlockHeader{BlockLength: blockSize, FirstEntryID: firstEntryID}.encode()
	return &BlockStream{
		blockSize: blockSize,
		queue:     queue,
		segment:   segment,
		ledgerID:  ledgerID,
		header:    header,
		err:       err,
	}
}

// BlockSize returns the total number of bytes the stream produces.
func (s *BlockStream) BlockSize() int64 { return s.blockSize }

// EntryCount returns how many entries have been taken from the queue so far.
func (s *BlockStream) EntryCount() int { return s.entries }

// PayloadBytes returns the payload bytes of the frames emitted so far.
func (s *BlockStream) PayloadBytes() int64 { return s.payload }

// LastEntry returns the position of the last entry taken from the queue.
func (s *BlockStream) LastEntry() (Position, bool) {
	return s.last, s.entries > 0
}

func (s *BlockStream) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n := 0
	for n < len(p) {
		switch s.phase {
		case phaseHeader:
			c := copy(p[n:], s.header[s.written:])
			n += c
			s.written += int64(c)
			if s.written == BlockHeaderSize {
				s.phase = phaseEntries
			}
		case phaseEntries:
			if s.cur == nil && !s.nextEntry() {
				s.phase = phasePadding
				s.padStart = s.written
				continue
			}
			var c int
			if s.frameOff < FrameHeaderSize {
				c = copy(p[n:], s.frameHdr[s.frameOff:])
			} else {
				c = copy(p[n:], s.cur.Data()[s.frameOff-FrameHeaderSize:])
			}
			n += c
			s.frameOff += c
			s.written += int64(c)
			if s.frameOff == FrameHeaderSize+s.cur.Length() {
				s.cur.Release()
				s.cur = nil
			}
		case phasePadding:
			remaining := s.blockSize - s.written
			if remaining == 0 {
				s.phase = phaseDone
				continue
			}
			c := int64(len(p) - n)
			if c > remaining {
				c = remaining
			}
			for i := int64(0); i < c; i++ {
				p[n+int(i)] = paddingBytes[(s.written-s.padStart+i)%4]
			}
			n += int(c)
			s.written += c
		case phaseDone:
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}
	}
	return n, nil
}

// nextEntry moves the head of the queue into cur when it belongs in this block.
func (s *BlockStream) nextEntry() bool {
	e := s.queue.Peek()
	if e == nil || e.LedgerID() != s.ledgerID {
		return false
	}
	if int64(FrameHeaderSize+e.Length()) > s.blockSize-s.written {
		return false
	}
	if end, closed := s.segment.End(); closed && end.Less(e.Position()) {
		return false
	}
	s.cur = s.queue.Pop()
	binary.BigEndian.PutUint32(s.frameHdr[0:4], uint32(s.cur.Length()))
	binary.BigEndian.PutUint64(s.frameHdr[4:12], uint64(s.cur.EntryID()))
	s.frameOff = 0
	s.entries++
	s.payload += int64(s.cur.Length())
	s.last = s.cur.Position()
	return true
}

// Close releases the entry being encoded if the reader stopped mid frame.
// Entries still in the queue are untouched.
func (s *BlockStream) Close() error {
	if s.cur != nil {
		s.cur.Release()
		s.cur = nil
	}
	s.phase = phaseDone
	return nil
}
