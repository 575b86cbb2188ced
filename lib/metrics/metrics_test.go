// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.ObserveRoundTrip(KindQuery, time.Millisecond)
	r.MeasurementRetried()
	r.Reported()
	mfs, err := r.Gatherer().Gather()
	if err != nil || len(mfs) != 0 {
		t.Errorf("nil recorder gathered %d families, %v", len(mfs), err)
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.ObserveRoundTrip(KindQuery, 2*time.Millisecond)
	r.ObserveRoundTrip(KindQuery, 3*time.Millisecond)
	r.ObserveRoundTrip(KindWrite, time.Millisecond)
	r.MeasurementRetried()
	r.Reported()
	r.Reported()

	if got := testutil.ToFloat64(r.RoundTrips.WithLabelValues(KindQuery)); got != 2 {
		t.Errorf("queries = %g, want 2", got)
	}
	if got := testutil.ToFloat64(r.MeasurementRetries); got != 1 {
		t.Errorf("retries = %g, want 1", got)
	}
	if got := testutil.ToFloat64(r.SampleReports); got != 2 {
		t.Errorf("reports = %g, want 2", got)
	}
	if got := testutil.CollectAndCount(r.RoundTripDuration); got != 1 {
		t.Errorf("histogram collected %d metrics, want 1", got)
	}

	path := filepath.Join(t.TempDir(), "hmc804x.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`hmc804x_roundtrips_total{kind="write"} 1`,
		"hmc804x_roundtrip_duration_seconds_count 3",
		"hmc804x_sample_reports_total 2",
	} {
		if !strings.Contains(string(b), want) {
			t.Errorf("textfile lacks %q:\n%s", want, b)
		}
	}
}
