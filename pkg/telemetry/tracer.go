// Copyright 2025 Kadir Pekel
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

// Package telemetry wires the ambient tracing and metrics surface the
// Execution Tree, Gadget Executor, and Rate-Limit Tracker each accept as an
// optional collaborator. It is trimmed from the teacher's
// pkg/observability down to what this module's own go.mod carries: no OTLP
// exporter or resource-detection package is pulled in, so spans are
// recorded in-process (consumed directly through a Tracer, e.g. by
// exectree.WithTracer) rather than shipped to a collector. A real
// deployment wires its own sdktrace.WithBatcher exporter over the
// *sdktrace.TracerProvider this package returns.
package telemetry

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerConfig controls whether NewTracerProvider does anything beyond
// returning a tracer that drops every span, mirroring the teacher's
// TracerConfig.Enabled / SamplingRate fields.
type TracerConfig struct {
	Enabled      bool
	SamplingRate float64
}

// NewTracerProvider creates a TracerProvider. When cfg.Enabled is false it
// still returns a usable provider (with an always-off sampler) rather than
// nil, so callers never need a nil check before calling Tracer.
func NewTracerProvider(cfg TracerConfig) *sdktrace.TracerProvider {
	sampler := sdktrace.NeverSample()
	if cfg.Enabled {
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithSampler(sampler))
}

// Tracer returns a named tracer from provider, the same indirection the
// teacher's GetTracer helper provides over the global otel package.
func Tracer(provider trace.TracerProvider, name string) trace.Tracer {
	return provider.Tracer(name)
}

// Shutdown flushes and stops provider, for orderly process exit.
func Shutdown(ctx context.Context, provider *sdktrace.TracerProvider) error {
	return provider.Shutdown(ctx)
}
