// Copyright 2025 The Ringmaster Authors
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

package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// taskTotal tracks executed tasks by aggregate outcome
	taskTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringmaster_tasks_total",
			Help: "Total executed tasks by aggregate status",
		},
		[]string{"status"},
	)

	// callTotal tracks calls by terminal status
	callTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringmaster_task_calls_total",
			Help: "Total task calls by terminal status",
		},
		[]string{"status"},
	)

	// callDuration tracks per-call execution time
	callDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ringmaster_task_call_duration_seconds",
			Help:    "Tool call execution time within tasks",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 13),
		},
	)
)

// recordTask increments the task counter for an outcome
func recordTask(status TaskStatus) {
	taskTotal.WithLabelValues(string(status)).Inc()
}

// recordCall increments the call counter and observes the run duration
func recordCall(status CallStatus, d time.Duration) {
	callTotal.WithLabelValues(string(status)).Inc()
	if status == CallSucceeded || status == CallFailed || status == CallTimedOut {
		callDuration.Observe(d.Seconds())
	}
}
