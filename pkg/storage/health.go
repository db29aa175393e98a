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
	"sort"
	"sync"
	"time"
)

// HealthState models the offloader's view of blob storage availability.
type HealthState string

const (
	StateHealthy     HealthState = "healthy"
	StateDegraded    HealthState = "degraded"
	StateUnavailable HealthState = "unavailable"
)

// HealthConfig defines thresholds for transitioning between states.
type HealthConfig struct {
	Window      time.Duration
	LatencyWarn time.Duration
	LatencyCrit time.Duration
	ErrorWarn   float64
	ErrorCrit   float64
	MaxSamples  int
	// OnChange is called after every state transition, outside the monitor lock.
	OnChange func(prev, next HealthState)
}

// HealthMonitor aggregates recent storage operations into a health state.
type HealthMonitor struct {
	cfg HealthConfig

	mu         sync.Mutex
	samples    []opSample
	state      HealthState
	stateSince time.Time
	avgLatency time.Duration
	errorRate  float64
}

type opSample struct {
	ts      time.Time
	op      string
	latency time.Duration
	err     bool
}

// HealthSnapshot captures the monitor's public metrics.
type HealthSnapshot struct {
	State      HealthState
	Since      time.Time
	AvgLatency time.Duration
	ErrorRate  float64
	// FailingOps lists operations with at least one error in the window.
	FailingOps []string
}

// NewHealthMonitor builds a health monitor with sane defaults.
func NewHealthMonitor(cfg HealthConfig) *HealthMonitor {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.LatencyWarn <= 0 {
		cfg.LatencyWarn = 500 * time.Millisecond
	}
	if cfg.LatencyCrit <= 0 {
		cfg.LatencyCrit = 3 * time.Second
	}
	if cfg.ErrorWarn <= 0 {
		cfg.ErrorWarn = 0.2
	}
	if cfg.ErrorCrit <= 0 {
		cfg.ErrorCrit = 0.6
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 512
	}
	return &HealthMonitor{
		cfg:        cfg,
		state:      StateHealthy,
		stateSince: time.Now(),
	}
}

// RecordOperation records one storage operation outcome. Its signature
// matches ObservedConfig.OnOperation.
func (m *HealthMonitor) RecordOperation(op string, latency time.Duration, err error) {
	m.mu.Lock()
	now := time.Now()
	m.samples = append(m.samples, opSample{
		ts:      now,
		op:      op,
		latency: latency,
		err:     err != nil,
	})
	if len(m.samples) > m.cfg.MaxSamples {
		m.samples = m.samples[len(m.samples)-m.cfg.MaxSamples:]
	}
	m.truncateLocked(now)
	prev := m.state
	m.recomputeLocked(now)
	next := m.state
	m.mu.Unlock()

	if prev != next && m.cfg.OnChange != nil {
		m.cfg.OnChange(prev, next)
	}
}

// Snapshot returns the current state and key aggregates.
func (m *HealthMonitor) Snapshot() HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	failing := make(map[string]struct{})
	for _, sample := range m.samples {
		if sample.err {
			failing[sample.op] = struct{}{}
		}
	}
	ops := make([]string, 0, len(failing))
	for op := range failing {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return HealthSnapshot{
		State:      m.state,
		Since:      m.stateSince,
		AvgLatency: m.avgLatency,
		ErrorRate:  m.errorRate,
		FailingOps: ops,
	}
}

// State returns just the current health state.
func (m *HealthMonitor) State() HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready reports whether new offloads should be started.
func (m *HealthMonitor) Ready() bool {
	return m.State() != StateUnavailable
}

func (m *HealthMonitor) truncateLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	idx := sort.Search(len(m.samples), func(i int) bool {
		return m.samples[i].ts.After(cutoff)
	})
	switch {
	case idx >= len(m.samples):
		m.samples = nil
	case idx > 0:
		m.samples = append([]opSample(nil), m.samples[idx:]...)
	}
}

func (m *HealthMonitor) recomputeLocked(now time.Time) {
	if len(m.samples) == 0 {
		m.avgLatency = 0
		m.errorRate = 0
		m.setStateLocked(now, StateHealthy)
		return
	}
	var (
		totalLatency time.Duration
		errorCount   int
	)
	for _, sample := range m.samples {
		totalLatency += sample.latency
		if sample.err {
			errorCount++
		}
	}
	m.avgLatency = totalLatency / time.Duration(len(m.samples))
	m.errorRate = float64(errorCount) / float64(len(m.samples))

	nextState := StateHealthy
	if m.avgLatency >= m.cfg.LatencyCrit || m.errorRate >= m.cfg.ErrorCrit {
		nextState = StateUnavailable
	} else if m.avgLatency >= m.cfg.LatencyWarn || m.errorRate >= m.cfg.ErrorWarn {
		nextState = StateDegraded
	}
	m.setStateLocked(now, nextState)
}

func (m *HealthMonitor) setStateLocked(now time.Time, next HealthState) {
	if next == m.state {
		return
	}
	m.state = next
	m.stateSince = now
}
