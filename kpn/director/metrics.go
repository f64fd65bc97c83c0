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

package director

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the metrics of the director.
type Metrics struct {
	activeThreads *prometheus.GaugeVec
	deadlocks     *prometheus.CounterVec
}

// NewMetrics creates director metrics and registers them to registry.
// A nil registry leaves the metrics unregistered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeThreads: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "kpn",
				Subsystem: "director",
				Name:      "active_threads",
				Help:      "number of actor threads still running",
			}, []string{"model"}),
		deadlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kpn",
				Subsystem: "director",
				Name:      "deadlocks_total",
				Help:      "number of deadlocks detected",
			}, []string{"model"}),
	}
	if registry != nil {
		registry.MustRegister(m.activeThreads)
		registry.MustRegister(m.deadlocks)
	}
	return m
}

func (m *Metrics) setActiveThreads(model string, n int64) {
	if m == nil {
		return
	}
	m.activeThreads.WithLabelValues(model).Set(float64(n))
}

func (m *Metrics) incDeadlock(model string) {
	if m == nil {
		return
	}
	m.deadlocks.WithLabelValues(model).Inc()
}

// ActiveThreads returns the active threads gauge of model.
func (m *Metrics) ActiveThreads(model string) prometheus.Gauge {
	return m.activeThreads.WithLabelValues(model)
}

// Deadlocks returns the deadlock counter of model.
func (m *Metrics) Deadlocks(model string) prometheus.Counter {
	return m.deadlocks.WithLabelValues(model)
}
