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

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ringmaster_cache_hits_total",
		Help: "Number of cache lookups served from the cache.",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ringmaster_cache_misses_total",
		Help: "Number of cache lookups that required a computation.",
	})

	cacheSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ringmaster_cache_swept_entries_total",
		Help: "Number of expired cache entries removed by the sweeper.",
	})
)

func recordCacheHit()  { cacheHits.Inc() }
func recordCacheMiss() { cacheMisses.Inc() }

func recordCacheSweep(removed int) {
	cacheSwept.Add(float64(removed))
}
