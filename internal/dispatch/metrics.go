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

package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// busDepth tracks queued jobs per band
	busDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ringmaster_dispatch_queue_depth",
			Help: "Number of queued jobs by priority band",
		},
		[]string{"band"},
	)

	// busProcessed tracks completed jobs per band and outcome
	busProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringmaster_dispatch_jobs_total",
			Help: "Total processed jobs by priority band and outcome",
		},
		[]string{"band", "outcome"},
	)

	// busQueueWait tracks time spent queued before a worker picked the job up
	busQueueWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ringmaster_dispatch_queue_wait_seconds",
			Help:    "Time jobs spent queued by priority band",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"band"},
	)

	// busRunDuration tracks job execution time
	busRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ringmaster_dispatch_run_duration_seconds",
			Help:    "Job execution time by priority band",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"band"},
	)
)

// recordDepth sets the queue depth gauge for a band
func recordDepth(band Band, depth int) {
	busDepth.WithLabelValues(band.String()).Set(float64(depth))
}

// recordProcessed increments the processed counter
func recordProcessed(band Band, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	busProcessed.WithLabelValues(band.String(), outcome).Inc()
}

// recordQueueWait observes queue wait time
func recordQueueWait(band Band, d time.Duration) {
	busQueueWait.WithLabelValues(band.String()).Observe(d.Seconds())
}

// recordRunDuration observes job execution time
func recordRunDuration(band Band, d time.Duration) {
	busRunDuration.WithLabelValues(band.String()).Observe(d.Seconds())
}
