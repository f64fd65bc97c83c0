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

package actor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the actor metrics of a model.
type Metrics struct {
	iterationCount *prometheus.CounterVec
	errorCount     *prometheus.CounterVec
	fireDuration   *prometheus.HistogramVec
}

// NewMetrics creates actor metrics and registers them to registry.
// A nil registry leaves the metrics unregistered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		iterationCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kpn",
				Subsystem: "actor",
				Name:      "iterations_total",
				Help:      "number of iterations of the actor",
			}, []string{"actor"}),
		errorCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kpn",
				Subsystem: "actor",
				Name:      "errors_total",
				Help:      "number of errors raised by the actor",
			}, []string{"actor", "phase"}),
		fireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "kpn",
				Subsystem: "actor",
				Name:      "fire_duration_seconds",
				Help:      "Bucketed histogram of the fire duration of the actor",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18),
			}, []string{"actor"}),
	}
	if registry != nil {
		registry.MustRegister(m.iterationCount)
		registry.MustRegister(m.errorCount)
		registry.MustRegister(m.fireDuration)
	}
	return m
}

func (m *Metrics) incIteration(actor string) {
	if m == nil {
		return
	}
	m.iterationCount.WithLabelValues(actor).Inc()
}

func (m *Metrics) incError(actor string, phase Phase) {
	if m == nil {
		return
	}
	m.errorCount.WithLabelValues(actor, string(phase)).Inc()
}

func (m *Metrics) observeFire(actor string, d time.Duration) {
	if m == nil {
		return
	}
	m.fireDuration.WithLabelValues(actor).Observe(d.Seconds())
}

// Iterations returns the iteration counter of actor.
func (m *Metrics) Iterations(actor string) prometheus.Counter {
	return m.iterationCount.WithLabelValues(actor)
}

// Errors returns the error counter of actor in phase.
func (m *Metrics) Errors(actor string, phase Phase) prometheus.Counter {
	return m.errorCount.WithLabelValues(actor, string(phase))
}
