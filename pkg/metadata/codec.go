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

package metadata

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultKeyPrefix roots every record written by the etcd and pebble stores.
const DefaultKeyPrefix = "/tieredlog"

// SegmentKey returns the key holding the record for uid.
func SegmentKey(prefix, uid string) string {
	return fmt.Sprintf("%s/segments/%s", strings.TrimRight(prefix, "/"), uid)
}

// SegmentsPrefix returns the prefix under which all segment records live.
func SegmentsPrefix(prefix string) string {
	return strings.TrimRight(prefix, "/") + "/segments/"
}

// LedgerSegmentKey returns the secondary key linking ledgerID to uid.
// Ledger ids are zero padded so keys sort numerically.
func LedgerSegmentKey(prefix string, ledgerID int64, uid string) string {
	return fmt.Sprintf("%s%s", LedgerPrefix(prefix, ledgerID), uid)
}

// LedgerPrefix returns the prefix of all secondary keys for ledgerID.
func LedgerPrefix(prefix string, ledgerID int64) string {
	return fmt.Sprintf("%s/ledgers/%020d/", strings.TrimRight(prefix, "/"), ledgerID)
}

// EncodeSegment serializes a segment record.
func EncodeSegment(seg Segment) ([]byte, error) {
	if err := seg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(seg)
}

// DecodeSegment parses a segment record.
func DecodeSegment(data []byte) (Segment, error) {
	var seg Segment
	if err := json.Unmarshal(data, &seg); err != nil {
		return Segment{}, fmt.Errorf("decode segment: %w", err)
	}
	if err := seg.Validate(); err != nil {
		return Segment{}, err
	}
	return seg, nil
}
