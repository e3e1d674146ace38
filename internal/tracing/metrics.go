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

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TurnMetrics records session-level instruments through the global meter
// provider. The prometheus bridge installed by Setup exposes them on the
// same /metrics endpoint as the native collectors; without Setup the
// instruments are no-ops.
type TurnMetrics struct {
	completions metric.Int64Counter
	tokens      metric.Int64Counter
	turnSeconds metric.Float64Histogram
}

// NewTurnMetrics builds the session instruments.
func NewTurnMetrics() (*TurnMetrics, error) {
	meter := otel.Meter(serviceName)
	m := &TurnMetrics{}

	var err error
	m.completions, err = meter.Int64Counter(
		"ringmaster_session_completions",
		metric.WithDescription("Completions obtained per turn, by model and source"),
		metric.WithUnit("{completion}"),
	)
	if err != nil {
		return nil, err
	}

	m.tokens, err = meter.Int64Counter(
		"ringmaster_session_tokens",
		metric.WithDescription("Tokens consumed and produced by completions"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	m.turnSeconds, err = meter.Float64Histogram(
		"ringmaster_session_turn_duration",
		metric.WithDescription("End-to-end duration of one session turn"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordCompletion counts one completion and its token usage. source is
// "provider" for a live stream and "cache" for a replayed response.
func (m *TurnMetrics) RecordCompletion(ctx context.Context, model, source string, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("source", source),
	)
	m.completions.Add(ctx, 1, attrs)
	if inputTokens > 0 {
		m.tokens.Add(ctx, int64(inputTokens), metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("direction", "input"),
		))
	}
	if outputTokens > 0 {
		m.tokens.Add(ctx, int64(outputTokens), metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("direction", "output"),
		))
	}
}

// RecordTurn records one finished turn.
func (m *TurnMetrics) RecordTurn(ctx context.Context, seconds float64, truncated bool) {
	if m == nil {
		return
	}
	m.turnSeconds.Record(ctx, seconds, metric.WithAttributes(
		attribute.Bool("truncated", truncated),
	))
}
