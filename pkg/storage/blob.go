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

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrObjectNotFound is returned when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ErrWriterClosed is returned by a BlobWriter after Seal or Abort.
var ErrWriterClosed = errors.New("blob writer closed")

// ByteRange represents an inclusive byte range in an object.
type ByteRange struct {
	Start int64
	End   int64
}

func (br *ByteRange) headerValue() *string {
	if br == nil {
		return nil
	}
	val := fmt.Sprintf("bytes=%d-%d", br.Start, br.End)
	return &val
}

// Len returns the number of bytes covered by the range.
func (br *ByteRange) Len() int64 {
	return br.End - br.Start + 1
}

// BlobStore is the object storage used for offloaded data and index objects.
type BlobStore interface {
	// NewWriter opens a streaming upload for key. The object becomes visible on Seal.
	NewWriter(ctx context.Context, key string) (BlobWriter, error)
	PutObject(ctx context.Context, key string, body []byte) error
	// ReadRange reads rng of key, or the whole object when rng is nil.
	ReadRange(ctx context.Context, key string, rng *ByteRange) ([]byte, error)
	HeadObject(ctx context.Context, key string) (BlobObject, error)
	DeleteObject(ctx context.Context, key string) error
	ListObjects(ctx context.Context, prefix string) ([]BlobObject, error)
	EnsureBucket(ctx context.Context) error
}

// BlobWriter uploads one object as a sequence of numbered parts.
type BlobWriter interface {
	// WritePart uploads exactly size bytes read from body as part partID.
	// Part ids start at 1 and must increase.
	WritePart(ctx context.Context, partID int32, body io.Reader, size int64) error
	// Seal completes the upload and makes the object readable.
	Seal(ctx context.Context) error
	// Abort discards every uploaded part.
	Abort(ctx context.Context) error
}

// BlobObject describes a stored object.
type BlobObject struct {
	Key  string
	Size int64
}

// S3Config describes connection details for AWS S3 or compatible endpoints.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	KMSKeyARN       string
}

// readPart reads exactly size bytes of a part body.
func readPart(body io.Reader, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(body, buf); err != nil {
		return nil, fmt.Errorf("read part body: %w", err)
	}
	return buf, nil
}

// sliceRange applies rng to data using the same clamping rules as S3.
func sliceRange(key string, data []byte, rng *ByteRange) ([]byte, error) {
	if rng == nil {
		return append([]byte(nil), data...), nil
	}
	start := rng.Start
	end := rng.End
	if start < 0 {
		start = 0
	}
	if end >= int64(len(data)) {
		end = int64(len(data)) - 1
	}
	if start > end || start >= int64(len(data)) {
		return nil, fmt.Errorf("object %s range %d-%d invalid", key, rng.Start, rng.End)
	}
	return append([]byte(nil), data[start:end+1]...), nil
}
