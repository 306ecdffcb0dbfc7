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

package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsConfig controls whether NewMetrics registers any collectors.
type MetricsConfig struct {
	Enabled   bool
	Namespace string
}

// Metrics tracks Agent Loop-level iteration counts, durations, and cost,
// trimmed from the teacher's Metrics.initAgentMetrics (agentCalls /
// agentCallDuration) down to the single "agent" subsystem this module's
// Agent Loop actually emits against — the per-gadget and per-LLM-call
// metrics live closer to their own components (pkg/gadgetexec.Metrics,
// pkg/ratelimit's own metrics) rather than duplicated here.
type Metrics struct {
	iterations        *prometheus.CounterVec
	iterationDuration *prometheus.HistogramVec
	costTotal         *prometheus.CounterVec
}

// NewMetrics creates a Metrics registered against reg, or (nil, nil) if
// cfg is nil or disabled.
func NewMetrics(cfg *MetricsConfig, reg prometheus.Registerer) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	m := &Metrics{
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "agent",
			Name:      "iterations_total",
			Help:      "Agent Loop iterations by outcome.",
		}, []string{"outcome"}),
		iterationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "agent",
			Name:      "iteration_duration_seconds",
			Help:      "Agent Loop iteration duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"outcome"}),
		costTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "agent",
			Name:      "cost_total",
			Help:      "Accumulated monetary cost observed across LLM calls and gadgets.",
		}, []string{"iteration_kind"}),
	}

	for _, c := range []prometheus.Collector{m.iterations, m.iterationDuration, m.costTotal} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveIteration records one Agent Loop iteration's outcome and latency.
func (m *Metrics) ObserveIteration(outcome string, elapsed time.Duration) {
	m.iterations.WithLabelValues(outcome).Inc()
	m.iterationDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// AddCost accumulates cost observed for one iteration's LLM call or its
// gadgets.
func (m *Metrics) AddCost(iterationKind string, cost float64) {
	if cost == 0 {
		return
	}
	m.costTotal.WithLabelValues(iterationKind).Add(cost)
}
