// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package sampler

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gotmc/hmc804x"
	"github.com/gotmc/hmc804x/lib/metrics"
	"github.com/gotmc/hmc804x/lib/sim"
)

type fakeClock struct {
	t     time.Time
	slept []time.Duration
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.t = c.t.Add(d)
	c.slept = append(c.slept, d)
	return nil
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func run(t *testing.T, dev *sim.Instrument, cfg Config, opts ...Option) ([]Report, error) {
	t.Helper()
	inst := hmc804x.NewInstrument(dev)
	s, err := New(inst, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	var reports []Report
	err = s.Run(context.Background(), func(r Report) error {
		reports = append(reports, r)
		return nil
	})
	return reports, err
}

func TestThresholdReports(t *testing.T) {
	clk := newClock()
	rec := metrics.NewRecorder()
	dev := sim.New("HMC8043", sim.WithMilliamps(3, 638, 742, 644, 709))
	cfg := DefaultConfig(3)
	cfg.Count = 4
	reports, err := run(t, dev, cfg, WithClock(clk.now, clk.sleep), WithMetrics(rec))
	if err != nil {
		t.Fatal(err)
	}
	wantPercent := []int{0, 16, -13, 10}
	wantDelta := []float64{0, 104, -98, 65}
	if len(reports) != len(wantPercent) {
		t.Fatalf("got %d reports, want %d", len(reports), len(wantPercent))
	}
	for i, r := range reports {
		if r.Percent != wantPercent[i] {
			t.Errorf("report %d: percent %d, want %d", i, r.Percent, wantPercent[i])
		}
		if math.Abs(r.Delta-wantDelta[i]) > 1e-6 {
			t.Errorf("report %d: delta %g, want %g", i, r.Delta, wantDelta[i])
		}
	}
	if reports[1].SincePrevious != 200*time.Millisecond {
		t.Errorf("since previous %s, want one sample interval", reports[1].SincePrevious)
	}
	if got := testutil.ToFloat64(rec.SampleReports); got != 4 {
		t.Errorf("reports counted %g, want 4", got)
	}
}

func TestSmallChangesAreSuppressed(t *testing.T) {
	clk := newClock()
	dev := sim.New("HMC8043", sim.WithMilliamps(1, 500, 510, 505, 514, 600))
	cfg := DefaultConfig(1)
	cfg.Count = 2
	reports, err := run(t, dev, cfg, WithClock(clk.now, clk.sleep))
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}
	// 510, 505 and 514 are within 3% of 500
	if math.Abs(reports[1].Current-600) > 1e-6 || reports[1].Percent != 20 {
		t.Errorf("second report %+v", reports[1])
	}
	if reports[1].SincePrevious != 800*time.Millisecond {
		t.Errorf("since previous %s, want 800ms", reports[1].SincePrevious)
	}
}

func TestZeroBaseline(t *testing.T) {
	clk := newClock()
	dev := sim.New("HMC8041", sim.WithMilliamps(1, 0, 0, 5))
	cfg := DefaultConfig(1)
	cfg.Count = 2
	reports, err := run(t, dev, cfg, WithClock(clk.now, clk.sleep))
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}
	if reports[1].Percent != 100 {
		t.Errorf("leaving zero reported %d%%, want 100%%", reports[1].Percent)
	}
}

func TestDeadline(t *testing.T) {
	clk := newClock()
	dev := sim.New("HMC8043", sim.WithMilliamps(2, 250))
	cfg := DefaultConfig(2)
	cfg.Duration = time.Second
	reports, err := run(t, dev, cfg, WithClock(clk.now, clk.sleep))
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 {
		t.Errorf("got %d reports for a steady reading, want the baseline only", len(reports))
	}
	// baseline plus one sample every 200ms up to and including the 1s mark
	if got := len(dev.Sent("MEASure:CURRent?")); got != 6 {
		t.Errorf("took %d samples, want 6", got)
	}
	for _, d := range clk.slept {
		if d != 200*time.Millisecond {
			t.Errorf("slept %s, want 200ms", d)
		}
	}
}

func TestCancel(t *testing.T) {
	dev := sim.New("HMC8043")
	s, err := New(hmc804x.NewInstrument(dev), DefaultConfig(1))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	err = s.Run(ctx, func(Report) error {
		n++
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if n != 1 {
		t.Errorf("got %d reports, want the baseline only", n)
	}
}

func TestEmitErrorStops(t *testing.T) {
	clk := newClock()
	dev := sim.New("HMC8043", sim.WithMilliamps(1, 100, 200, 300))
	inst := hmc804x.NewInstrument(dev)
	s, err := New(inst, DefaultConfig(1), WithClock(clk.now, clk.sleep))
	if err != nil {
		t.Fatal(err)
	}
	stop := errors.New("stdout closed")
	err = s.Run(context.Background(), func(r Report) error {
		if r.Delta != 0 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Errorf("got %v, want the emit error", err)
	}
}

func TestMeasurementErrorStops(t *testing.T) {
	dev := sim.New("HMC8042")
	_, err := run(t, dev, DefaultConfig(3))
	if !errors.Is(err, hmc804x.ErrValidation) {
		t.Errorf("got %v, want validation error for channel 3 of an HMC8042", err)
	}
}

func TestConfigValidation(t *testing.T) {
	for name, mod := range map[string]func(*Config){
		"negative count":     func(c *Config) { c.Count = -1 },
		"negative threshold": func(c *Config) { c.Threshold = -3 },
		"zero duration":      func(c *Config) { c.Duration = 0 },
		"zero frequency":     func(c *Config) { c.Frequency = 0 },
	} {
		cfg := DefaultConfig(1)
		mod(&cfg)
		if _, err := New(nil, cfg); !errors.Is(err, hmc804x.ErrValidation) {
			t.Errorf("%s: got %v, want validation error", name, err)
		}
	}
}

func TestReportString(t *testing.T) {
	r := Report{
		Time:          time.Date(2024, 3, 1, 15, 4, 5, 123e6, time.UTC),
		SincePrevious: 1234 * time.Millisecond,
		Channel:       3,
		Current:       638,
	}
	want := "15:04:05.123 +1.234s ch3 638.0mA Δ +0.0mA +0%"
	if got := r.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	r.Delta, r.Percent = -98, -13
	want = "15:04:05.123 +1.234s ch3 638.0mA Δ -98.0mA -13%"
	if got := r.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
