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
	"errors"
	"fmt"
)

var (
	// ErrInvalidMagic is returned when an index stream does not start with the index magic word.
	ErrInvalidMagic = errors.New("invalid magic word")
	// ErrInvalidIndex reports a structurally inconsistent index block.
	ErrInvalidIndex = errors.New("invalid index block")
	// ErrLedgerNotFound is returned when a lookup names a ledger the index does not cover.
	ErrLedgerNotFound = errors.New("ledger not found in index")
	// ErrEntryOutOfRange matches every *EntryOutOfRangeError.
	ErrEntryOutOfRange = errors.New("entry out of range")
	// ErrNoLedgers is returned by Build when no ledger metadata was added.
	ErrNoLedgers = errors.New("index has no ledger metadata")
	// ErrUnsortedBreakpoints is returned by Build when a ledger's blocks were added out of order.
	ErrUnsortedBreakpoints = errors.New("breakpoints not in entry id order")
)

// EntryOutOfRangeError reports a lookup outside the entry ids a ledger's table covers.
type EntryOutOfRangeError struct {
	LedgerID     int64
	EntryID      int64
	FirstEntryID int64
	LastEntryID  int64
}

func (e *EntryOutOfRangeError) Error() string {
	if e.EntryID < e.FirstEntryID {
		return fmt.Sprintf("entry index: %d before first entry id: %d (ledger %d)", e.EntryID, e.FirstEntryID, e.LedgerID)
	}
	return fmt.Sprintf("entry index: %d beyond last entry id: %d (ledger %d)", e.EntryID, e.LastEntryID, e.LedgerID)
}

func (e *EntryOutOfRangeError) Is(target error) bool {
	return target == ErrEntryOutOfRange
}
