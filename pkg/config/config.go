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

package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the offloadctl configuration file schema.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Offload  OffloadConfig  `yaml:"offload"`
	Metadata MetadataConfig `yaml:"metadata"`
	Cache    CacheConfig    `yaml:"cache"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

type StorageConfig struct {
	// Driver is one of memory, s3 or filesystem.
	Driver          string `yaml:"driver"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	KMSKeyARN       string `yaml:"kms_key_arn"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	// ReadBucket names an optional read replica of Bucket.
	ReadBucket    string `yaml:"read_bucket"`
	ReadRegion    string `yaml:"read_region"`
	ReadEndpoint  string `yaml:"read_endpoint"`
	Root          string `yaml:"root"`
	KeyPrefix     string `yaml:"key_prefix"`
	MaxConcurrent int64  `yaml:"max_concurrent"`
}

type OffloadConfig struct {
	MaxSegmentBytes    int64         `yaml:"max_segment_bytes"`
	MaxSegmentDuration time.Duration `yaml:"max_segment_duration"`
	MaxBlockBytes      int64         `yaml:"max_block_bytes"`
	MinBlockBytes      int64         `yaml:"min_block_bytes"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	MaxSegmentLedgers  int           `yaml:"max_segment_ledgers"`
	ReadConcurrency    int           `yaml:"read_concurrency"`
}

type MetadataConfig struct {
	// Backend is one of memory, etcd or pebble.
	Backend   string     `yaml:"backend"`
	Etcd      EtcdConfig `yaml:"etcd"`
	PebbleDir string     `yaml:"pebble_dir"`
}

type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	KeyPrefix string   `yaml:"key_prefix"`
}

type CacheConfig struct {
	Bytes int `yaml:"bytes"`
}

type KafkaConfig struct {
	Brokers   []string `yaml:"brokers"`
	Topic     string   `yaml:"topic"`
	Partition int32    `yaml:"partition"`
	ClientID  string   `yaml:"client_id"`
	// EntriesPerLedger rolls to the next ledger after this many records.
	EntriesPerLedger int64 `yaml:"entries_per_ledger"`
	FirstLedgerID    int64 `yaml:"first_ledger_id"`
}

type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	HealthAddr  string `yaml:"health_addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Driver:        "memory",
			Region:        "us-east-1",
			KeyPrefix:     "offload",
			MaxConcurrent: 8,
		},
		Offload: OffloadConfig{
			MaxSegmentBytes:    1 << 30,
			MaxSegmentDuration: 10 * time.Minute,
			MaxBlockBytes:      64 << 20,
			MinBlockBytes:      5 << 20,
			PollInterval:       100 * time.Millisecond,
			ReadConcurrency:    4,
		},
		Metadata: MetadataConfig{
			Backend: "memory",
			Etcd:    EtcdConfig{KeyPrefix: "/tieredlog"},
		},
		Cache: CacheConfig{Bytes: 256 << 20},
		Kafka: KafkaConfig{
			ClientID:         "tieredlog-offloader",
			EntriesPerLedger: 50000,
			FirstLedgerID:    1,
		},
		Server: ServerConfig{
			MetricsAddr: ":9093",
			HealthAddr:  ":9094",
		},
		Log: LogConfig{Level: "warn"},
	}
}

// Load reads path over the defaults, applies TIEREDLOG_* environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	s := &cfg.Storage
	s.Driver = envOrDefault("TIEREDLOG_STORAGE_DRIVER", s.Driver)
	s.Bucket = envOrDefault("TIEREDLOG_S3_BUCKET", s.Bucket)
	s.Region = envOrDefault("TIEREDLOG_S3_REGION", s.Region)
	s.Endpoint = envOrDefault("TIEREDLOG_S3_ENDPOINT", s.Endpoint)
	s.PathStyle = parseEnvBool("TIEREDLOG_S3_PATH_STYLE", s.PathStyle)
	s.KMSKeyARN = envOrDefault("TIEREDLOG_S3_KMS_ARN", s.KMSKeyARN)
	s.AccessKeyID = envOrDefault("TIEREDLOG_S3_ACCESS_KEY", s.AccessKeyID)
	s.SecretAccessKey = envOrDefault("TIEREDLOG_S3_SECRET_KEY", s.SecretAccessKey)
	s.SessionToken = envOrDefault("TIEREDLOG_S3_SESSION_TOKEN", s.SessionToken)
	s.ReadBucket = envOrDefault("TIEREDLOG_S3_READ_BUCKET", s.ReadBucket)
	s.ReadRegion = envOrDefault("TIEREDLOG_S3_READ_REGION", s.ReadRegion)
	s.ReadEndpoint = envOrDefault("TIEREDLOG_S3_READ_ENDPOINT", s.ReadEndpoint)
	s.Root = envOrDefault("TIEREDLOG_FS_ROOT", s.Root)
	s.KeyPrefix = envOrDefault("TIEREDLOG_KEY_PREFIX", s.KeyPrefix)
	s.MaxConcurrent = parseEnvInt64("TIEREDLOG_STORAGE_MAX_CONCURRENT", s.MaxConcurrent)

	o := &cfg.Offload
	o.MaxSegmentBytes = parseEnvInt64("TIEREDLOG_MAX_SEGMENT_BYTES", o.MaxSegmentBytes)
	o.MaxSegmentDuration = parseEnvDuration("TIEREDLOG_MAX_SEGMENT_DURATION", o.MaxSegmentDuration)
	o.MaxBlockBytes = parseEnvInt64("TIEREDLOG_MAX_BLOCK_BYTES", o.MaxBlockBytes)
	o.MinBlockBytes = parseEnvInt64("TIEREDLOG_MIN_BLOCK_BYTES", o.MinBlockBytes)
	o.PollInterval = parseEnvDuration("TIEREDLOG_POLL_INTERVAL", o.PollInterval)
	o.MaxSegmentLedgers = parseEnvInt("TIEREDLOG_MAX_SEGMENT_LEDGERS", o.MaxSegmentLedgers)

	m := &cfg.Metadata
	m.Backend = envOrDefault("TIEREDLOG_METADATA_BACKEND", m.Backend)
	m.Etcd.Endpoints = parseEnvList("TIEREDLOG_ETCD_ENDPOINTS", m.Etcd.Endpoints)
	m.Etcd.Username = envOrDefault("TIEREDLOG_ETCD_USERNAME", m.Etcd.Username)
	m.Etcd.Password = envOrDefault("TIEREDLOG_ETCD_PASSWORD", m.Etcd.Password)
	m.PebbleDir = envOrDefault("TIEREDLOG_PEBBLE_DIR", m.PebbleDir)

	cfg.Cache.Bytes = parseEnvInt("TIEREDLOG_CACHE_BYTES", cfg.Cache.Bytes)

	k := &cfg.Kafka
	k.Brokers = parseEnvList("TIEREDLOG_KAFKA_BROKERS", k.Brokers)
	k.Topic = envOrDefault("TIEREDLOG_KAFKA_TOPIC", k.Topic)
	k.Partition = parseEnvInt32("TIEREDLOG_KAFKA_PARTITION", k.Partition)
	k.EntriesPerLedger = parseEnvInt64("TIEREDLOG_ENTRIES_PER_LEDGER", k.EntriesPerLedger)

	cfg.Server.MetricsAddr = envOrDefault("TIEREDLOG_METRICS_ADDR", cfg.Server.MetricsAddr)
	cfg.Server.HealthAddr = envOrDefault("TIEREDLOG_HEALTH_ADDR", cfg.Server.HealthAddr)
	cfg.Log.Level = envOrDefault("TIEREDLOG_LOG_LEVEL", cfg.Log.Level)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for storage.driver=s3")
		}
	case "filesystem":
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for storage.driver=filesystem")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if c.Storage.MaxConcurrent < 0 {
		return fmt.Errorf("storage.max_concurrent must not be negative")
	}
	if c.Offload.MaxSegmentBytes <= 0 {
		return fmt.Errorf("offload.max_segment_bytes must be positive")
	}
	if c.Offload.MaxBlockBytes <= 0 {
		return fmt.Errorf("offload.max_block_bytes must be positive")
	}
	if c.Offload.MaxBlockBytes > math.MaxUint32 {
		return fmt.Errorf("offload.max_block_bytes must not exceed %d", uint32(math.MaxUint32))
	}
	if c.Offload.MinBlockBytes < 0 || c.Offload.MinBlockBytes > c.Offload.MaxBlockBytes {
		return fmt.Errorf("offload.min_block_bytes must be between 0 and offload.max_block_bytes")
	}
	if c.Offload.MaxSegmentDuration < 0 {
		return fmt.Errorf("offload.max_segment_duration must not be negative")
	}
	if c.Offload.MaxSegmentLedgers < 0 {
		return fmt.Errorf("offload.max_segment_ledgers must not be negative")
	}
	switch c.Metadata.Backend {
	case "memory":
	case "etcd":
		if len(c.Metadata.Etcd.Endpoints) == 0 {
			return fmt.Errorf("metadata.etcd.endpoints is required for metadata.backend=etcd")
		}
	case "pebble":
		if c.Metadata.PebbleDir == "" {
			return fmt.Errorf("metadata.pebble_dir is required for metadata.backend=pebble")
		}
	default:
		return fmt.Errorf("metadata.backend %q is not supported", c.Metadata.Backend)
	}
	if c.Kafka.EntriesPerLedger <= 0 {
		return fmt.Errorf("kafka.entries_per_ledger must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not supported", c.Log.Level)
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		return val
	}
	return fallback
}

func parseEnvInt(name string, fallback int) int {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvInt32(name string, fallback int32) int32 {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 32); err == nil {
			return int32(parsed)
		}
	}
	return fallback
}

func parseEnvInt64(name string, fallback int64) int64 {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvBool(name string, fallback bool) bool {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		switch strings.ToLower(val) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func parseEnvDuration(name string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvList(name string, fallback []string) []string {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
