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

package gadgetexec

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsConfig controls whether NewMetrics registers any collectors,
// mirroring ratelimit.MetricsConfig.
type MetricsConfig struct {
	Enabled   bool
	Namespace string
}

// Metrics exposes per-gadget call counts, outcomes, and latency, grounded
// on the teacher's f.agent.metricsRecorder.RecordToolCall/RecordToolError
// calls in pkg/agent/llmagent/flow.go.
type Metrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewMetrics creates a Metrics registered against reg, or (nil, nil) if
// cfg is nil or disabled.
func NewMetrics(cfg *MetricsConfig, reg prometheus.Registerer) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "gadgetexec",
			Name:      "calls_total",
			Help:      "Gadget calls by name and outcome.",
		}, []string{"gadget", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "gadgetexec",
			Name:      "call_duration_seconds",
			Help:      "Gadget call latency by name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"gadget"}),
	}

	for _, c := range []prometheus.Collector{m.calls, m.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(gadgetName, outcome string, elapsed time.Duration) {
	m.calls.WithLabelValues(gadgetName, outcome).Inc()
	m.latency.WithLabelValues(gadgetName).Observe(elapsed.Seconds())
}
