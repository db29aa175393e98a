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
	"errors"
	"testing"
	"time"
)

func TestHealthStateTransitions(t *testing.T) {
	var transitions []HealthState
	monitor := NewHealthMonitor(HealthConfig{
		Window:      time.Second,
		LatencyWarn: time.Millisecond,
		LatencyCrit: time.Hour,
		ErrorWarn:   0.5,
		ErrorCrit:   0.8,
		MaxSamples:  64,
		OnChange: func(prev, next HealthState) {
			transitions = append(transitions, next)
		},
	})

	if got := monitor.State(); got != StateHealthy {
		t.Fatalf("expected initial state healthy got %s", got)
	}

	monitor.RecordOperation("write_part", 2*time.Millisecond, nil)
	if got := monitor.State(); got != StateDegraded {
		t.Fatalf("expected degraded after high latency got %s", got)
	}

	for i := 0; i < 10; i++ {
		monitor.RecordOperation("read_range", 100*time.Microsecond, errors.New("boom"))
	}
	if got := monitor.State(); got != StateUnavailable {
		t.Fatalf("expected unavailable after repeated errors got %s", got)
	}
	if monitor.Ready() {
		t.Fatalf("unavailable storage should not be ready")
	}
	snap := monitor.Snapshot()
	if len(snap.FailingOps) != 1 || snap.FailingOps[0] != "read_range" {
		t.Fatalf("unexpected failing ops: %v", snap.FailingOps)
	}

	// Recover with several healthy uploads.
	for i := 0; i < 20; i++ {
		monitor.RecordOperation("write_part", 100*time.Microsecond, nil)
	}
	time.Sleep(10 * time.Millisecond)
	monitor.RecordOperation("read_range", 100*time.Microsecond, nil)
	if got := monitor.State(); got != StateHealthy {
		t.Fatalf("expected healthy after recovery got %s", got)
	}

	if len(transitions) < 3 || transitions[0] != StateDegraded || transitions[len(transitions)-1] != StateHealthy {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
}

func TestHealthWindowExpiresSamples(t *testing.T) {
	monitor := NewHealthMonitor(HealthConfig{Window: 20 * time.Millisecond, ErrorWarn: 0.1, ErrorCrit: 0.5})
	monitor.RecordOperation("put_object", time.Microsecond, errors.New("boom"))
	if monitor.State() != StateUnavailable {
		t.Fatalf("expected unavailable, got %s", monitor.State())
	}
	time.Sleep(40 * time.Millisecond)
	monitor.RecordOperation("put_object", time.Microsecond, nil)
	if monitor.State() != StateHealthy {
		t.Fatalf("expected healthy once the error left the window, got %s", monitor.State())
	}
}
