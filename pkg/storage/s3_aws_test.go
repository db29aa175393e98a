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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type fakeS3 struct {
	putInputs      []*s3.PutObjectInput
	getInput       *s3.GetObjectInput
	getData        []byte
	createInput    *s3.CreateMultipartUploadInput
	partInputs     []*s3.UploadPartInput
	partBodies     [][]byte
	completeInput  *s3.CompleteMultipartUploadInput
	abortInput     *s3.AbortMultipartUploadInput
	deleteInput    *s3.DeleteObjectInput
	listPages      []*s3.ListObjectsV2Output
	listCalls      int
	headObjectSize int64
	putErr         error
	getErr         error
	headErr        error
	headObjectErr  error
	createErr      error
	listErr        error
	partErr        error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.putInputs = append(f.putInputs, params)
	return &s3.PutObjectOutput{}, f.putErr
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.getInput = params
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(f.getData)),
	}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headObjectErr != nil {
		return nil, f.headObjectErr
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(f.headObjectSize)}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deleteInput = params
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func (f *fakeS3) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	return &s3.CreateBucketOutput{}, f.createErr
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.listCalls >= len(f.listPages) {
		return &s3.ListObjectsV2Output{}, nil
	}
	page := f.listPages[f.listCalls]
	f.listCalls++
	return page, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.createInput = params
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if f.partErr != nil {
		return nil, f.partErr
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.partInputs = append(f.partInputs, params)
	f.partBodies = append(f.partBodies, body)
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", aws.ToInt32(params.PartNumber)))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.completeInput = params
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.abortInput = params
	return &s3.AbortMultipartUploadOutput{}, nil
}

type fakeAPIError struct{ code string }

func (e fakeAPIError) Error() string                 { return e.code }
func (e fakeAPIError) ErrorCode() string             { return e.code }
func (e fakeAPIError) ErrorMessage() string          { return e.code }
func (e fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

func TestS3StorePutObject(t *testing.T) {
	api := &fakeS3{}
	store := newS3StoreWithAPI("test-bucket", "us-east-1", "arn:kms", api)

	if err := store.PutObject(context.Background(), "ledgers/abc-index", []byte("payload")); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if len(api.putInputs) != 1 {
		t.Fatalf("expected 1 put input got %d", len(api.putInputs))
	}
	input := api.putInputs[0]
	if *input.Bucket != "test-bucket" || *input.Key != "ledgers/abc-index" {
		t.Fatalf("bucket/key mismatch: %#v", input)
	}
	if input.ServerSideEncryption == "" || input.SSEKMSKeyId == nil || *input.SSEKMSKeyId != "arn:kms" {
		t.Fatalf("expected kms encryption: %#v", input)
	}
}

func TestS3StoreReadRange(t *testing.T) {
	api := &fakeS3{getData: []byte("hello")}
	store := newS3StoreWithAPI("test-bucket", "us-east-1", "", api)

	rng := &ByteRange{Start: 0, End: 10}
	data, err := store.ReadRange(context.Background(), "ledgers/abc", rng)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected data: %s", data)
	}
	if api.getInput == nil || api.getInput.Range == nil || *api.getInput.Range != "bytes=0-10" {
		t.Fatalf("range header missing: %#v", api.getInput)
	}
	if *api.getInput.Bucket != "test-bucket" {
		t.Fatalf("bucket mismatch: %s", aws.ToString(api.getInput.Bucket))
	}
}

func TestS3StoreReadMissingObject(t *testing.T) {
	api := &fakeS3{getErr: &types.NoSuchKey{}}
	store := newS3StoreWithAPI("test-bucket", "us-east-1", "", api)

	_, err := store.ReadRange(context.Background(), "ledgers/missing", nil)
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if api.getInput.Range != nil {
		t.Fatalf("full read should not send a range header")
	}
}

func TestS3StoreMultipartWriter(t *testing.T) {
	api := &fakeS3{}
	store := newS3StoreWithAPI("test-bucket", "eu-west-1", "arn:kms", api)
	ctx := context.Background()

	w, err := store.NewWriter(ctx, "ledgers/seg")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if api.createInput == nil || api.createInput.SSEKMSKeyId == nil {
		t.Fatalf("expected kms on multipart create: %#v", api.createInput)
	}
	if err := w.WritePart(ctx, 1, bytes.NewReader([]byte("block-one")), 9); err != nil {
		t.Fatalf("WritePart 1: %v", err)
	}
	if err := w.WritePart(ctx, 2, bytes.NewReader([]byte("block-two")), 9); err != nil {
		t.Fatalf("WritePart 2: %v", err)
	}
	if err := w.WritePart(ctx, 2, bytes.NewReader([]byte("again")), 5); err == nil {
		t.Fatalf("expected out of order part to fail")
	}
	if err := w.Seal(ctx); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if len(api.partInputs) != 2 {
		t.Fatalf("expected 2 parts got %d", len(api.partInputs))
	}
	if aws.ToInt32(api.partInputs[1].PartNumber) != 2 || aws.ToInt64(api.partInputs[1].ContentLength) != 9 {
		t.Fatalf("unexpected part input: %#v", api.partInputs[1])
	}
	if string(api.partBodies[0]) != "block-one" {
		t.Fatalf("unexpected part body %q", api.partBodies[0])
	}
	parts := api.completeInput.MultipartUpload.Parts
	if len(parts) != 2 || aws.ToString(parts[0].ETag) != "etag-1" || aws.ToInt32(parts[1].PartNumber) != 2 {
		t.Fatalf("unexpected completed parts: %#v", parts)
	}
	if aws.ToString(api.completeInput.UploadId) != "upload-1" {
		t.Fatalf("upload id mismatch")
	}
	if err := w.Seal(ctx); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed on second seal, got %v", err)
	}
}

func TestS3StoreWriterAbort(t *testing.T) {
	api := &fakeS3{partErr: errors.New("boom")}
	store := newS3StoreWithAPI("test-bucket", "us-east-1", "", api)
	ctx := context.Background()

	w, err := store.NewWriter(ctx, "ledgers/seg")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WritePart(ctx, 1, bytes.NewReader([]byte("data")), 4); err == nil {
		t.Fatalf("expected part failure")
	}
	if err := w.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if api.abortInput == nil || aws.ToString(api.abortInput.UploadId) != "upload-1" {
		t.Fatalf("expected abort call: %#v", api.abortInput)
	}
	if api.completeInput != nil {
		t.Fatalf("aborted upload must not complete")
	}
}

func TestS3StoreSealWithoutParts(t *testing.T) {
	api := &fakeS3{}
	store := newS3StoreWithAPI("test-bucket", "us-east-1", "", api)
	ctx := context.Background()

	w, err := store.NewWriter(ctx, "ledgers/empty")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Seal(ctx); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if api.abortInput == nil || len(api.putInputs) != 1 {
		t.Fatalf("expected abort + empty put, got abort=%v puts=%d", api.abortInput, len(api.putInputs))
	}
}

func TestS3StoreListObjectsPaginates(t *testing.T) {
	api := &fakeS3{listPages: []*s3.ListObjectsV2Output{
		{
			Contents:              []types.Object{{Key: aws.String("ledgers/a"), Size: aws.Int64(3)}},
			IsTruncated:           aws.Bool(true),
			NextContinuationToken: aws.String("next"),
		},
		{
			Contents: []types.Object{{Key: aws.String("ledgers/b"), Size: aws.Int64(5)}, {Key: nil}},
		},
	}}
	store := newS3StoreWithAPI("test-bucket", "us-east-1", "", api)

	objs, err := store.ListObjects(context.Background(), "ledgers/")
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(objs) != 2 || objs[1].Key != "ledgers/b" || objs[1].Size != 5 {
		t.Fatalf("unexpected objects: %#v", objs)
	}
}

func TestS3StoreEnsureBucketCreatesMissing(t *testing.T) {
	api := &fakeS3{headErr: fakeAPIError{code: "NotFound"}, createErr: fakeAPIError{code: "BucketAlreadyOwnedByYou"}}
	store := newS3StoreWithAPI("test-bucket", "eu-west-1", "", api)
	if err := store.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
}

func TestS3StoreHeadAndDelete(t *testing.T) {
	api := &fakeS3{headObjectSize: 42}
	store := newS3StoreWithAPI("test-bucket", "us-east-1", "", api)
	ctx := context.Background()

	obj, err := store.HeadObject(ctx, "ledgers/a")
	if err != nil {
		t.Fatalf("HeadObject: %v", err)
	}
	if obj.Size != 42 {
		t.Fatalf("unexpected size %d", obj.Size)
	}
	if err := store.DeleteObject(ctx, "ledgers/a"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if aws.ToString(api.deleteInput.Key) != "ledgers/a" {
		t.Fatalf("delete key mismatch")
	}

	api.headObjectErr = fakeAPIError{code: "NotFound"}
	if _, err := store.HeadObject(ctx, "ledgers/b"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}
