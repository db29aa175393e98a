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
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// LedgerMetadata describes one source ledger as recorded inside an offload index.
type LedgerMetadata struct {
	LedgerID        int64
	EnsembleSize    int32
	WriteQuorumSize int32
	AckQuorumSize   int32
	LastEntryID     int64
	Length          int64
	DigestType      string
	Closed          bool
	CreatedAt       time.Time
	Custom          map[string][]byte
}

const (
	fieldLedgerID        protowire.Number = 1
	fieldEnsembleSize    protowire.Number = 2
	fieldWriteQuorumSize protowire.Number = 3
	fieldAckQuorumSize   protowire.Number = 4
	fieldLastEntryID     protowire.Number = 5
	fieldLength          protowire.Number = 6
	fieldDigestType      protowire.Number = 7
	fieldClosed          protowire.Number = 8
	fieldCreatedAt       protowire.Number = 9
	fieldCustom          protowire.Number = 10

	fieldCustomKey   protowire.Number = 1
	fieldCustomValue protowire.Number = 2
)

// Clone returns a deep copy.
func (m LedgerMetadata) Clone() LedgerMetadata {
	out := m
	if m.Custom != nil {
		out.Custom = make(map[string][]byte, len(m.Custom))
		for k, v := range m.Custom {
			out.Custom[k] = append([]byte(nil), v...)
		}
	}
	return out
}

// MarshalBinary encodes the metadata in protobuf wire format. Custom keys are
// written in sorted order so equal metadata always produces equal bytes.
func (m LedgerMetadata) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldLedgerID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.LedgerID))
	b = protowire.AppendTag(b, fieldEnsembleSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.EnsembleSize))
	b = protowire.AppendTag(b, fieldWriteQuorumSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.WriteQuorumSize))
	b = protowire.AppendTag(b, fieldAckQuorumSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.AckQuorumSize))
	// last entry id is -1 for an empty ledger
	b = protowire.AppendTag(b, fieldLastEntryID, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.LastEntryID))
	b = protowire.AppendTag(b, fieldLength, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Length))
	if m.DigestType != "" {
		b = protowire.AppendTag(b, fieldDigestType, protowire.BytesType)
		b = protowire.AppendString(b, m.DigestType)
	}
	b = protowire.AppendTag(b, fieldClosed, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(m.Closed))
	if !m.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixMilli()))
	}
	keys := make([]string, 0, len(m.Custom))
	for k := range m.Custom {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var kv []byte
		kv = protowire.AppendTag(kv, fieldCustomKey, protowire.BytesType)
		kv = protowire.AppendString(kv, k)
		kv = protowire.AppendTag(kv, fieldCustomValue, protowire.BytesType)
		kv = protowire.AppendBytes(kv, m.Custom[k])
		b = protowire.AppendTag(b, fieldCustom, protowire.BytesType)
		b = protowire.AppendBytes(b, kv)
	}
	return b, nil
}

// UnmarshalBinary decodes metadata written by MarshalBinary. Unknown fields are skipped.
func (m *LedgerMetadata) UnmarshalBinary(b []byte) error {
	*m = LedgerMetadata{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("ledger metadata tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldDigestType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("ledger metadata digest type: %w", protowire.ParseError(n))
			}
			m.DigestType = v
			b = b[n:]
		case num == fieldCustom && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("ledger metadata custom entry: %w", protowire.ParseError(n))
			}
			if err := m.consumeCustom(v); err != nil {
				return err
			}
			b = b[n:]
		case typ == protowire.VarintType && num >= fieldLedgerID && num <= fieldCreatedAt:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("ledger metadata field %d: %w", num, protowire.ParseError(n))
			}
			m.setVarint(num, v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("ledger metadata field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func (m *LedgerMetadata) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fieldLedgerID:
		m.LedgerID = int64(v)
	case fieldEnsembleSize:
		m.EnsembleSize = int32(v)
	case fieldWriteQuorumSize:
		m.WriteQuorumSize = int32(v)
	case fieldAckQuorumSize:
		m.AckQuorumSize = int32(v)
	case fieldLastEntryID:
		m.LastEntryID = protowire.DecodeZigZag(v)
	case fieldLength:
		m.Length = int64(v)
	case fieldClosed:
		m.Closed = protowire.DecodeBool(v)
	case fieldCreatedAt:
		m.CreatedAt = time.UnixMilli(int64(v))
	}
}

func (m *LedgerMetadata) consumeCustom(b []byte) error {
	var (
		key   string
		value []byte
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("custom metadata tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("custom metadata field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("custom metadata field %d: %w", num, protowire.ParseError(n))
		}
		switch num {
		case fieldCustomKey:
			key = string(v)
		case fieldCustomValue:
			value = append([]byte(nil), v...)
		}
		b = b[n:]
	}
	if m.Custom == nil {
		m.Custom = make(map[string][]byte)
	}
	m.Custom[key] = value
	return nil
}
