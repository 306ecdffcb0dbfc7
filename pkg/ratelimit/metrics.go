// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsConfig controls whether and how Metrics registers its collectors.
type MetricsConfig struct {
	// Enabled controls whether NewMetrics produces a non-nil Metrics.
	Enabled bool

	// Namespace is the Prometheus namespace prefix for every metric.
	Namespace string
}

// Metrics exposes the Rate-Limit Tracker's usage as Prometheus gauges, one
// observation per (scope, limit type, window) combination touched by
// RecordRequest.
type Metrics struct {
	usage           *prometheus.GaugeVec
	usagePercentage *prometheus.GaugeVec
	windowResetsIn  *prometheus.GaugeVec
}

// NewMetrics creates a Metrics registered against reg. Returns (nil, nil)
// if cfg is nil or disabled, so callers can pass the result straight into
// NewTracker without a nil check at call sites that don't care about
// metrics.
func NewMetrics(cfg *MetricsConfig, reg prometheus.Registerer) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	m := &Metrics{
		usage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "ratelimit",
			Name:      "usage",
			Help:      "Current usage amount for a scope/limit_type/window.",
		}, []string{"scope", "limit_type", "window"}),
		usagePercentage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "ratelimit",
			Name:      "usage_percentage",
			Help:      "Current usage as a percentage of the configured limit.",
		}, []string{"scope", "limit_type", "window"}),
		windowResetsIn: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "ratelimit",
			Name:      "window_resets_in_seconds",
			Help:      "Seconds remaining until the active window resets.",
		}, []string{"scope", "limit_type", "window"}),
	}

	for _, c := range []prometheus.Collector{m.usage, m.usagePercentage, m.windowResetsIn} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// observeUsage records a single limit's updated usage. identifier is
// deliberately not a label: a label's cardinality grows with the number of
// distinct sessions/users, which would make this metric unusable at scale.
func (m *Metrics) observeUsage(scope Scope, _ string, limitType LimitType, window TimeWindow, current, limit int64, windowEnd time.Time) {
	labels := prometheus.Labels{
		"scope":      string(scope),
		"limit_type": string(limitType),
		"window":     string(window),
	}
	m.usage.With(labels).Set(float64(current))
	if limit > 0 {
		m.usagePercentage.With(labels).Set(float64(current) / float64(limit) * 100)
	}
	m.windowResetsIn.With(labels).Set(time.Until(windowEnd).Seconds())
}
