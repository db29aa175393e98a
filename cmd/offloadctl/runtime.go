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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/novatechflow/tieredlog/pkg/cache"
	"github.com/novatechflow/tieredlog/pkg/config"
	"github.com/novatechflow/tieredlog/pkg/metadata"
	"github.com/novatechflow/tieredlog/pkg/metrics"
	"github.com/novatechflow/tieredlog/pkg/offload"
	"github.com/novatechflow/tieredlog/pkg/storage"
)

// runtime holds the stores and the offloader shared by every subcommand.
type runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	health    *storage.HealthMonitor
	blobs     storage.BlobStore
	meta      metadata.Store
	offloader *offload.BlobOffloader
}

func openRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, onHealth func(prev, next storage.HealthState)) (*runtime, error) {
	health := storage.NewHealthMonitor(storage.HealthConfig{OnChange: onHealth})
	blobs, err := buildBlobStore(ctx, cfg.Storage, func(op string, latency time.Duration, err error) {
		metrics.ObserveStorageOp(op, latency, err)
		health.RecordOperation(op, latency, err)
	})
	if err != nil {
		return nil, err
	}
	meta, err := buildMetadataStore(cfg.Metadata)
	if err != nil {
		return nil, err
	}
	var blockCache *cache.BlockCache
	if cfg.Cache.Bytes > 0 {
		blockCache = cache.NewBlockCache(cfg.Cache.Bytes)
	}
	offloader, err := offload.NewBlobOffloader(offload.BlobOffloaderConfig{
		Store:           blobs,
		Driver:          driverName(cfg.Storage.Driver),
		Bucket:          cfg.Storage.Bucket,
		KeyPrefix:       cfg.Storage.KeyPrefix,
		Session:         sessionConfig(cfg.Offload, logger),
		Cache:           blockCache,
		ReadConcurrency: cfg.Offload.ReadConcurrency,
		Logger:          logger,
	})
	if err != nil {
		_ = meta.Close()
		return nil, err
	}
	return &runtime{
		cfg:       cfg,
		logger:    logger,
		health:    health,
		blobs:     blobs,
		meta:      meta,
		offloader: offloader,
	}, nil
}

func (r *runtime) Close() error {
	return errors.Join(r.offloader.Close(), r.meta.Close())
}

func driverName(driver string) string {
	if driver == "s3" {
		return "aws-s3"
	}
	return driver
}

func sessionConfig(cfg config.OffloadConfig, logger *slog.Logger) offload.SessionConfig {
	return offload.SessionConfig{
		MaxSegmentSize:     cfg.MaxSegmentBytes,
		MaxSegmentDuration: cfg.MaxSegmentDuration,
		MaxBlockSize:       cfg.MaxBlockBytes,
		MinBlockSize:       cfg.MinBlockBytes,
		PollInterval:       cfg.PollInterval,
		MaxSegmentLedgers:  cfg.MaxSegmentLedgers,
		Logger:             logger,
	}
}

// buildBlobStore opens the configured backend and wraps it so every call is
// bounded and reported to onOp.
func buildBlobStore(ctx context.Context, cfg config.StorageConfig, onOp func(op string, latency time.Duration, err error)) (storage.BlobStore, error) {
	var store storage.BlobStore
	switch cfg.Driver {
	case "memory":
		store = storage.NewMemoryStore()
	case "filesystem":
		fs, err := storage.NewFilesystemStore(cfg.Root)
		if err != nil {
			return nil, err
		}
		store = fs
	case "s3":
		s3, err := buildS3Store(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = s3
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
	return storage.NewObservedStore(store, storage.ObservedConfig{
		MaxConcurrent: cfg.MaxConcurrent,
		OnOperation:   onOp,
	}), nil
}

func buildS3Store(ctx context.Context, cfg config.StorageConfig) (storage.BlobStore, error) {
	writeCfg := storage.S3Config{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		ForcePathStyle:  cfg.PathStyle,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		SessionToken:    cfg.SessionToken,
		KMSKeyARN:       cfg.KMSKeyARN,
	}
	writer, err := storage.NewS3Store(ctx, writeCfg)
	if err != nil {
		return nil, err
	}
	if err := writer.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}
	if cfg.ReadBucket == "" && cfg.ReadRegion == "" && cfg.ReadEndpoint == "" {
		return writer, nil
	}
	readCfg := writeCfg
	if cfg.ReadBucket != "" {
		readCfg.Bucket = cfg.ReadBucket
	}
	if cfg.ReadRegion != "" {
		readCfg.Region = cfg.ReadRegion
	}
	if cfg.ReadEndpoint != "" {
		readCfg.Endpoint = cfg.ReadEndpoint
	}
	reader, err := storage.NewS3Store(ctx, readCfg)
	if err != nil {
		return nil, err
	}
	return storage.NewDualStore(writer, reader), nil
}

func buildMetadataStore(cfg config.MetadataConfig) (metadata.Store, error) {
	switch cfg.Backend {
	case "memory":
		return metadata.NewInMemoryStore(), nil
	case "etcd":
		return metadata.NewEtcdStore(metadata.EtcdStoreConfig{
			Endpoints:   cfg.Etcd.Endpoints,
			Username:    cfg.Etcd.Username,
			Password:    cfg.Etcd.Password,
			DialTimeout: 5 * time.Second,
			KeyPrefix:   cfg.Etcd.KeyPrefix,
		})
	case "pebble":
		return metadata.OpenPebbleStore(cfg.PebbleDir)
	default:
		return nil, fmt.Errorf("unsupported metadata backend %q", cfg.Backend)
	}
}
