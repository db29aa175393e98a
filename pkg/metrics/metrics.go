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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tieredlog"

var (
	OfferTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offer_total",
			Help:      "Entries offered to offload sessions by admission result.",
		},
		[]string{"result"},
	)
	OfferedBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offered_bytes_total",
			Help:      "Payload bytes accepted by offload sessions.",
		},
	)
	SegmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Finished offload segments by close reason or failure.",
		},
		[]string{"reason"},
	)
	SegmentBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_bytes",
			Help:      "Size of sealed data objects in bytes.",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 8),
		},
	)
	BlocksWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_written_total",
			Help:      "Data blocks uploaded.",
		},
	)
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Offload sessions not yet finished.",
		},
	)
	StorageOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_op_duration_seconds",
			Help:      "Blob storage call latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	StorageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Failed blob storage calls.",
		},
		[]string{"op"},
	)
	ReadEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_entries_total",
			Help:      "Entries served from offloaded segments.",
		},
	)
	BlockCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_cache_total",
			Help:      "Block cache lookups by result.",
		},
		[]string{"result"},
	)
	SourceRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_records_total",
			Help:      "Records consumed from the upstream source.",
		},
		[]string{"topic"},
	)
)

func init() {
	prometheus.MustRegister(
		OfferTotal,
		OfferedBytesTotal,
		SegmentsTotal,
		SegmentBytes,
		BlocksWrittenTotal,
		SessionsActive,
		StorageOpDuration,
		StorageErrorsTotal,
		ReadEntriesTotal,
		BlockCacheTotal,
		SourceRecordsTotal,
	)
}

// ObserveStorageOp records one blob storage call. It has the shape of the
// storage package's operation callback.
func ObserveStorageOp(op string, latency time.Duration, err error) {
	StorageOpDuration.WithLabelValues(op).Observe(latency.Seconds())
	if err != nil {
		StorageErrorsTotal.WithLabelValues(op).Inc()
	}
}
