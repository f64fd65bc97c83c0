// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the receiver metrics of one director.
type Metrics struct {
	queueLength  *prometheus.GaugeVec
	warningCount *prometheus.CounterVec
}

// NewMetrics creates receiver metrics and registers them to registry.
// A nil registry leaves the metrics unregistered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueLength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "kpn",
				Subsystem: "receiver",
				Name:      "queue_length",
				Help:      "number of tokens queued in the receiver",
			}, []string{"receiver"}),
		warningCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kpn",
				Subsystem: "receiver",
				Name:      "warnings_total",
				Help:      "number of times the receiver crossed its warning size",
			}, []string{"receiver"}),
	}
	if registry != nil {
		registry.MustRegister(m.queueLength)
		registry.MustRegister(m.warningCount)
	}
	return m
}

func (m *Metrics) setQueueLength(receiver string, n int) {
	if m == nil {
		return
	}
	m.queueLength.WithLabelValues(receiver).Set(float64(n))
}

func (m *Metrics) incWarning(receiver string) {
	if m == nil {
		return
	}
	m.warningCount.WithLabelValues(receiver).Inc()
}

// QueueLength returns the queue length gauge of receiver.
func (m *Metrics) QueueLength(receiver string) prometheus.Gauge {
	return m.queueLength.WithLabelValues(receiver)
}

// Warnings returns the warning counter of receiver.
func (m *Metrics) Warnings(receiver string) prometheus.Counter {
	return m.warningCount.WithLabelValues(receiver)
}
