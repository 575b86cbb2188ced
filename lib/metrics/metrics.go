// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package metrics collects protocol diagnostics for a single run in a
// private prometheus registry, so they can be dumped in textfile format at
// exit.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Round trip kinds.
const (
	KindQuery = "query"
	KindWrite = "write"
)

// Recorder holds the collectors. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	reg *prometheus.Registry

	RoundTrips         *prometheus.CounterVec
	RoundTripDuration  prometheus.Histogram
	MeasurementRetries prometheus.Counter
	SampleReports      prometheus.Counter
}

// NewRecorder creates a Recorder with all collectors registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		RoundTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hmc804x_roundtrips_total",
				Help: "Protocol round trips issued to the instrument",
			},
			[]string{"kind"},
		),
		RoundTripDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hmc804x_roundtrip_duration_seconds",
			Help:    "Duration of protocol round trips",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		MeasurementRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hmc804x_measurement_retries_total",
			Help: "Extra reads issued after an empty measurement response",
		}),
		SampleReports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hmc804x_sample_reports_total",
			Help: "Current reports emitted by the sampling loop",
		}),
	}
	r.reg.MustRegister(
		r.RoundTrips,
		r.RoundTripDuration,
		r.MeasurementRetries,
		r.SampleReports,
	)
	return r
}

// ObserveRoundTrip counts one round trip of the given kind.
func (r *Recorder) ObserveRoundTrip(kind string, d time.Duration) {
	if r == nil {
		return
	}
	r.RoundTrips.WithLabelValues(kind).Inc()
	r.RoundTripDuration.Observe(d.Seconds())
}

// MeasurementRetried counts an extra read after an empty measurement.
func (r *Recorder) MeasurementRetried() {
	if r == nil {
		return
	}
	r.MeasurementRetries.Inc()
}

// Reported counts one emitted sampling report.
func (r *Recorder) Reported() {
	if r == nil {
		return
	}
	r.SampleReports.Inc()
}

// Gatherer exposes the private registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// WriteTextfile writes all collected metrics to filename in the text
// exposition format, suitable for the node_exporter textfile collector.
func (r *Recorder) WriteTextfile(filename string) error {
	return prometheus.WriteToTextfile(filename, r.Gatherer())
}
