// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package protocol

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics publishes run counters to a Prometheus registry.
type Metrics struct {
	samples       *prometheus.CounterVec
	judgeFailures prometheus.Counter
	sampleSeconds prometheus.Histogram
	metricValues  *prometheus.GaugeVec
}

// NewMetrics registers the run metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		samples: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gauntlet",
			Name:      "samples_total",
			Help:      "Evaluated samples by outcome.",
		}, []string{"outcome"}),
		judgeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gauntlet",
			Name:      "judge_failures_total",
			Help:      "Responses the judge could not interpret.",
		}),
		sampleSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gauntlet",
			Name:      "sample_duration_seconds",
			Help:      "Wall time per sample.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		metricValues: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gauntlet",
			Name:      "judge_metric",
			Help:      "Latest scalar metric per name from a scoring judge.",
		}, []string{"metric"}),
	}
}

// IncJudgeFailure records one uninterpretable response.
func (m *Metrics) IncJudgeFailure() { m.judgeFailures.Inc() }

// ObserveSample records one finished sample.
func (m *Metrics) ObserveSample(record *SampleRecord, elapsed time.Duration) {
	outcome := "correct"
	switch {
	case record.Failed:
		outcome = "failed"
	case !record.Correct:
		outcome = "incorrect"
	}
	m.samples.WithLabelValues(outcome).Inc()
	m.sampleSeconds.Observe(elapsed.Seconds())
	for name, value := range record.Metrics {
		m.metricValues.WithLabelValues(name).Set(value)
	}
}
