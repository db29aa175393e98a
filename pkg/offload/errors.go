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
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSegmentOpen is returned by SegmentInfo.Result before the segment is closed.
	ErrSegmentOpen = errors.New("segment not closed")
	// ErrSessionAborted rejects the result of an aborted session. It wraps context.Canceled.
	ErrSessionAborted = fmt.Errorf("offload session aborted: %w", context.Canceled)
	// ErrSegmentEmpty rejects the result of a session completed before any entry was accepted.
	ErrSegmentEmpty = errors.New("offload segment is empty")
	// ErrNotConsecutive is returned by Pipeline.Append for a gap in the entry stream.
	ErrNotConsecutive = errors.New("entry does not follow the last offered entry")
	// ErrEntryTooLarge is returned by Pipeline.Append for an entry no data block can frame.
	ErrEntryTooLarge = errors.New("entry too large for a data block")
	// ErrStreamingUnsupported is returned by AsStreaming for drivers without streaming offload.
	ErrStreamingUnsupported = errors.New("streaming offload not supported by driver")
	// ErrNoSegments is returned by ReadOffloaded when no complete segment covers the ledger.
	ErrNoSegments = errors.New("no offloaded segment covers ledger")
	// ErrInvalidBlock reports a data block with a bad magic word or inconsistent frames.
	ErrInvalidBlock = errors.New("invalid data block")
	// ErrBlockTruncated reports a data block shorter than its declared length.
	ErrBlockTruncated = errors.New("data block truncated")
	// ErrEntryNotFound is returned when a block does not hold the requested entry.
	ErrEntryNotFound = errors.New("entry not found in offloaded data")
	// ErrClosed is returned by operations on a closed offloader or pipeline.
	ErrClosed = errors.New("offloader closed")
)
