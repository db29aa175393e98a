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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type awsS3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

type s3Store struct {
	bucket string
	region string
	api    awsS3API
	kmsKey string
}

// NewS3Store returns an AWS-backed BlobStore. Streaming writers map one
// written part to one multipart upload part.
func NewS3Store(ctx context.Context, cfg S3Config) (BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	if cfg.Region == "" {
		return nil, errors.New("s3 region required")
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return newS3StoreWithAPI(cfg.Bucket, cfg.Region, cfg.KMSKeyARN, client), nil
}

func newS3StoreWithAPI(bucket, region, kmsKey string, api awsS3API) *s3Store {
	return &s3Store{
		bucket: bucket,
		region: region,
		api:    api,
		kmsKey: kmsKey,
	}
}

func (c *s3Store) EnsureBucket(ctx context.Context) error {
	if err := c.headBucket(ctx); err == nil {
		return nil
	} else if !errors.Is(err, errBucketMissing) {
		return err
	}

	input := &s3.CreateBucketInput{
		Bucket: aws.String(c.bucket),
	}
	if cfg := c.bucketLocationConfig(); cfg != nil {
		input.CreateBucketConfiguration = cfg
	}
	_, err := c.api.CreateBucket(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
				return nil
			}
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	return nil
}

var errBucketMissing = errors.New("bucket missing")

func (c *s3Store) headBucket(ctx context.Context) error {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchBucket" {
			return errBucketMissing
		}
	}
	return fmt.Errorf("head bucket %s: %w", c.bucket, err)
}

func (c *s3Store) bucketLocationConfig() *types.CreateBucketConfiguration {
	if c.region == "" || c.region == "us-east-1" {
		return nil
	}
	constraint := types.BucketLocationConstraint(c.region)
	return &types.CreateBucketConfiguration{LocationConstraint: constraint}
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func (c *s3Store) PutObject(ctx context.Context, key string, body []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if c.kmsKey != "" {
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(c.kmsKey)
	}
	_, err := c.api.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (c *s3Store) ReadRange(ctx context.Context, key string, rng *ByteRange) ([]byte, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if header := rng.headerValue(); header != nil {
		input.Range = header
	}
	resp, err := c.api.GetObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", key, err)
	}
	return data, nil
}

func (c *s3Store) HeadObject(ctx context.Context, key string) (BlobObject, error) {
	resp, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return BlobObject{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return BlobObject{}, fmt.Errorf("head object %s: %w", key, err)
	}
	return BlobObject{Key: key, Size: aws.ToInt64(resp.ContentLength)}, nil
}

func (c *s3Store) DeleteObject(ctx context.Context, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (c *s3Store) ListObjects(ctx context.Context, prefix string) ([]BlobObject, error) {
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	out := make([]BlobObject, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			out = append(out, BlobObject{
				Key:  *obj.Key,
				Size: aws.ToInt64(obj.Size),
			})
		}
	}
	return out, nil
}

func (c *s3Store) NewWriter(ctx context.Context, key string) (BlobWriter, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if c.kmsKey != "" {
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(c.kmsKey)
	}
	resp, err := c.api.CreateMultipartUpload(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("create multipart upload %s: %w", key, err)
	}
	if resp.UploadId == nil {
		return nil, fmt.Errorf("create multipart upload %s: missing upload id", key)
	}
	return &s3Writer{store: c, key: key, uploadID: *resp.UploadId}, nil
}

// s3Writer buffers one part at a time; a part is a single data block, so
// memory stays bounded by the block size rather than the object size.
type s3Writer struct {
	store    *s3Store
	key      string
	uploadID string
	parts    []types.CompletedPart
	done     bool
}

func (w *s3Writer) WritePart(ctx context.Context, partID int32, body io.Reader, size int64) error {
	if w.done {
		return ErrWriterClosed
	}
	if n := len(w.parts); n > 0 && partID <= aws.ToInt32(w.parts[n-1].PartNumber) {
		return fmt.Errorf("object %s part %d out of order", w.key, partID)
	}
	data, err := readPart(body, size)
	if err != nil {
		return err
	}
	resp, err := w.store.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(w.store.bucket),
		Key:           aws.String(w.key),
		UploadId:      aws.String(w.uploadID),
		PartNumber:    aws.Int32(partID),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("upload part %d of %s: %w", partID, w.key, err)
	}
	w.parts = append(w.parts, types.CompletedPart{
		ETag:       resp.ETag,
		PartNumber: aws.Int32(partID),
	})
	return nil
}

func (w *s3Writer) Seal(ctx context.Context) error {
	if w.done {
		return ErrWriterClosed
	}
	if len(w.parts) == 0 {
		// S3 refuses to complete an upload without parts.
		if err := w.Abort(ctx); err != nil {
			return err
		}
		return w.store.PutObject(ctx, w.key, nil)
	}
	w.done = true
	_, err := w.store.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(w.store.bucket),
		Key:             aws.String(w.key),
		UploadId:        aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: w.parts},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload %s: %w", w.key, err)
	}
	return nil
}

func (w *s3Writer) Abort(ctx context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	_, err := w.store.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.store.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload %s: %w", w.key, err)
	}
	return nil
}
