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
	"fmt"
	"math"
)

const (
	// BlockMagic starts every data block.
	BlockMagic uint32 = 0x26A66D32
	// BlockHeaderSize is magic + block length + first entry id.
	BlockHeaderSize = 4 + 4 + 8
	// FrameHeaderSize is entry length + entry id.
	FrameHeaderSize = 4 + 8
	// PaddingWord fills the unused tail of a block.
	PaddingWord uint32 = 0xFEDCDEAD
)

var paddingBytes = [4]byte{0xFE, 0xDC, 0xDE, 0xAD}

// maxBlockLength is the largest block the 32-bit length field can describe.
var maxBlockLength int64 = math.MaxUint32

// BlockHeader is the fixed header of a data block.
type BlockHeader struct {
	BlockLength  int64
	FirstEntryID int64
}

func (h BlockHeader) encode() ([BlockHeaderSize]byte, error) {
	var b [BlockHeaderSize]byte
	if h.BlockLength < BlockHeaderSize || h.BlockLength > maxBlockLength {
		return b, fmt.Errorf("%w: block length %d out of range", ErrInvalidBlock, h.BlockLength)
	}
	binary.BigEndian.PutUint32(b[0:4], BlockMagic)
	binary.BigEndian.PutUint32(b[4:8], uint32(h.BlockLength))
	binary.BigEndian.PutUint64(b[8:16], uint64(h.FirstEntryID))
	return b, nil
}

// ParseBlockHeader decodes the first BlockHeaderSize bytes of data.
func ParseBlockHeader(data []byte) (BlockHeader, error) {
	if len(data) < BlockHeaderSize {
		return BlockHeader{}, fmt.Errorf("%w: %d header bytes", ErrBlockTruncated, len(data))
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != BlockMagic {
		return BlockHeader{}, fmt.Errorf("%w: magic 0x%08x", ErrInvalidBlock, magic)
	}
	h := BlockHeader{
		BlockLength:  int64(binary.BigEndian.Uint32(data[4:8])),
		FirstEntryID: int64(binary.BigEndian.Uint64(data[8:16])),
	}
	if h.BlockLength < BlockHeaderSize {
		return BlockHeader{}, fmt.Errorf("%w: block length %d", ErrInvalidBlock, h.BlockLength)
	}
	return h, nil
}

// Frame is one entry decoded from a data block. Payload aliases the block bytes.
type Frame struct {
	EntryID int64
	Payload []byte
}

// DataBlock is a decoded data block.
type DataBlock struct {
	Header BlockHeader
	Frames []Frame
	// Padding is the number of sentinel bytes after the last frame.
	Padding int
}

// DecodeBlock parses a whole data block and checks that the bytes after the
// last frame are the padding sentinel.
func DecodeBlock(data []byte) (*DataBlock, error) {
	h, err := ParseBlockHeader(data)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) < h.BlockLength {
		return nil, fmt.Errorf("%w: have %d of %d bytes", ErrBlockTruncated, len(data), h.BlockLength)
	}
	block := &DataBlock{Header: h}
	data = data[:h.BlockLength]
	pos := BlockHeaderSize
	for len(data)-pos >= FrameHeaderSize {
		length := binary.BigEndian.Uint32(data[pos : pos+4])
		if length == PaddingWord {
			break
		}
		end := pos + FrameHeaderSize + int(length)
		if end > len(data) {
			return nil, fmt.Errorf("%w: frame at %d overruns block (%d bytes)", ErrInvalidBlock, pos, length)
		}
		entryID := int64(binary.BigEndian.Uint64(data[pos+4 : pos+12]))
		if len(block.Frames) == 0 && entryID != h.FirstEntryID {
			return nil, fmt.Errorf("%w: first frame entry %d, header says %d", ErrInvalidBlock, entryID, h.FirstEntryID)
		}
		block.Frames = append(block.Frames, Frame{
			EntryID: entryID,
			Payload: data[pos+FrameHeaderSize : end],
		})
		pos = end
	}
	for i, b := range data[pos:] {
		if b != paddingBytes[i%4] {
			return nil, fmt.Errorf("%w: bad padding at offset %d", ErrInvalidBlock, pos+i)
		}
	}
	block.Padding = len(data) - pos
	return block, nil
}

// Find returns the payload of entryID, if the block holds it.
func (b *DataBlock) Find(entryID int64) ([]byte, bool) {
	for _, f := range b.Frames {
		if f.EntryID == entryID {
			return f.Payload, true
		}
	}
	return nil, false
}
