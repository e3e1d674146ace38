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

// Package tracing wires the OpenTelemetry SDK into ringmaster. Setup
// installs the global tracer provider; packages then obtain tracers
// through otel.Tracer and never import the SDK directly.
package tracing

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials"

	"github.com/ringmaster-sh/ringmaster/pkg/errors"
)

const serviceName = "ringmaster"

// Config controls span export.
type Config struct {
	// Enabled turns tracing on. When false, Setup is a no-op.
	Enabled bool

	// Exporter is "console", "otlp-grpc", or "otlp-http".
	Exporter string

	// Endpoint is the OTLP collector address (host:port). Ignored by the
	// console exporter.
	Endpoint string

	// Insecure disables TLS on the OTLP connection.
	Insecure bool

	// Headers are attached to OTLP export requests.
	Headers map[string]string

	// SampleRatio is the fraction of new traces to sample. Values outside
	// (0, 1] mean sample everything.
	SampleRatio float64

	// ServiceVersion is reported as the service.version resource
	// attribute.
	ServiceVersion string
}

// ShutdownFunc flushes pending spans and releases the provider.
type ShutdownFunc func(ctx context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup installs the global tracer provider and propagators. The returned
// shutdown must be called before exit so batched spans flush.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		// No schema URL: merging two schema versions is an error.
		resource.NewWithAttributes("",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Meter readings land in the default prometheus registry, the same one
	// the /metrics endpoint serves.
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus metric bridge: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		tErr := tp.Shutdown(ctx)
		if mErr := mp.Shutdown(ctx); tErr == nil {
			tErr = mErr
		}
		return tErr
	}, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "console":
		// Stdout belongs to command output; spans go to stderr.
		return stdouttrace.New(
			stdouttrace.WithWriter(os.Stderr),
			stdouttrace.WithPrettyPrint(),
		)

	case "otlp-grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
			opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP gRPC exporter: %w", err)
		}
		return exporter, nil

	case "otlp-http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		} else {
			opts = append(opts, otlptracehttp.WithTLSClientConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP HTTP exporter: %w", err)
		}
		return exporter, nil

	default:
		return nil, &errors.ConfigError{
			Key:    "tracing.exporter",
			Reason: fmt.Sprintf("unknown exporter %q (use console, otlp-grpc, or otlp-http)", cfg.Exporter),
		}
	}
}
