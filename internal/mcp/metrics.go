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

package mcp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// mcpStateTransitions tracks connection state machine transitions
	mcpStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringmaster_mcp_state_transitions_total",
			Help: "Total connection state transitions by server, from state, and to state",
		},
		[]string{"server", "from", "to"},
	)

	// mcpConnectedServers tracks the number of currently connected servers
	mcpConnectedServers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ringmaster_mcp_connected_servers",
			Help: "Number of servers currently in the connected state",
		},
	)

	// mcpCalls tracks tool call outcomes
	mcpCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringmaster_mcp_tool_calls_total",
			Help: "Total tool calls by server and outcome",
		},
		[]string{"server", "outcome"},
	)

	// mcpCallDuration tracks tool call latency
	mcpCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ringmaster_mcp_tool_call_duration_seconds",
			Help:    "Tool call latency by server",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"server"},
	)

	// mcpHeldCalls tracks calls waiting out a degraded connection
	mcpHeldCalls = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ringmaster_mcp_held_calls",
			Help: "Calls currently held waiting for a connection to recover",
		},
		[]string{"server"},
	)

	// mcpReconnects tracks reconnect attempt outcomes
	mcpReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringmaster_mcp_reconnects_total",
			Help: "Total reconnect attempts by server and outcome",
		},
		[]string{"server", "outcome"},
	)

	// mcpProbes tracks health probe outcomes
	mcpProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringmaster_mcp_probes_total",
			Help: "Total health probes by server and outcome",
		},
		[]string{"server", "outcome"},
	)
)

// recordTransition increments the transition counter and maintains the
// connected-servers gauge
func recordTransition(server, from, to string) {
	mcpStateTransitions.WithLabelValues(server, from, to).Inc()
	if to == "connected" && from != "connected" {
		mcpConnectedServers.Inc()
	}
	if from == "connected" && to != "connected" {
		mcpConnectedServers.Dec()
	}
}

// recordCall increments the call counter and observes latency
func recordCall(server string, ok bool, d time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	mcpCalls.WithLabelValues(server, outcome).Inc()
	mcpCallDuration.WithLabelValues(server).Observe(d.Seconds())
}

// recordHeld adjusts the held-calls gauge
func recordHeld(server string, delta float64) {
	mcpHeldCalls.WithLabelValues(server).Add(delta)
}

// recordReconnect increments the reconnect counter
func recordReconnect(server string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	mcpReconnects.WithLabelValues(server, outcome).Inc()
}

// recordProbe increments the probe counter
func recordProbe(server string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	mcpProbes.WithLabelValues(server, outcome).Inc()
}
