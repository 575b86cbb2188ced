// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package sampler watches the output current of one channel and reports
// only the changes that exceed a percentage threshold.
package sampler

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gotmc/hmc804x"
	"github.com/gotmc/hmc804x/lib/cmdlog"
	"github.com/gotmc/hmc804x/lib/metrics"
)

// Defaults for the optional Config fields.
const (
	DefaultThreshold = 3.0
	DefaultDuration  = 9999 * time.Second
	DefaultFrequency = 5.0
)

// Measurer takes one current reading, in amps. *hmc804x.Instrument is one.
type Measurer interface {
	MeasureCurrent(idx int) (float64, error)
}

// Config selects what to watch and when to stop.
type Config struct {
	Channel   int
	Count     int           // stop after this many reports, baseline included; 0 is unbounded
	Threshold float64       // percent change needed to report
	Duration  time.Duration // time budget
	Frequency float64       // samples per second
}

// DefaultConfig watches channel ch until the time budget runs out.
func DefaultConfig(ch int) Config {
	return Config{
		Channel:   ch,
		Threshold: DefaultThreshold,
		Duration:  DefaultDuration,
		Frequency: DefaultFrequency,
	}
}

func (c Config) validate() error {
	switch {
	case c.Count < 0:
		return hmc804x.Validationf("count", "%d is negative", c.Count)
	case c.Threshold < 0:
		return hmc804x.Validationf("threshold", "%g%% is negative", c.Threshold)
	case c.Duration <= 0:
		return hmc804x.Validationf("duration", "%s is not positive", c.Duration)
	case c.Frequency <= 0 || math.IsInf(c.Frequency, 0) || math.IsNaN(c.Frequency):
		return hmc804x.Validationf("frequency", "%g Hz is not a usable rate", c.Frequency)
	}
	return nil
}

// Report is one emitted reading.
type Report struct {
	Time          time.Time
	SincePrevious time.Duration
	Channel       int
	Current       float64 // mA
	Delta         float64 // mA, relative to the previous report
	Percent       int     // rounded change relative to the previous report
}

func (r Report) String() string {
	return fmt.Sprintf("%s %+.3fs ch%d %.1fmA Δ %+.1fmA %+d%%",
		r.Time.Format("15:04:05.000"), r.SincePrevious.Seconds(),
		r.Channel, r.Current, r.Delta, r.Percent)
}

// Sampler runs one sampling session.
type Sampler struct {
	m       Measurer
	cfg     Config
	log     *logrus.Entry
	metrics *metrics.Recorder
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option applies an option to the sampler.
type Option func(*Sampler)

// WithLogger logs samples at trace level to log.
func WithLogger(log *logrus.Logger) Option {
	return func(s *Sampler) { s.log = log.WithField("component", "sampler") }
}

// WithMetrics counts emitted reports in r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Sampler) { s.metrics = r }
}

// WithClock replaces the wall clock and the inter-sample sleep.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Sampler) {
		s.now = now
		s.sleep = sleep
	}
}

// New creates a sampler reading from m.
func New(m Measurer, cfg Config, opts ...Option) (*Sampler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := Sampler{
		m:     m,
		cfg:   cfg,
		now:   time.Now,
		sleep: Sleep,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.log == nil {
		s.log = logrus.NewEntry(cmdlog.Discard())
	}
	return &s, nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run emits a baseline report immediately, then samples at the configured
// rate and emits a report whenever the reading moved by at least the
// threshold since the last report. It returns nil once the report count or
// the time budget is reached.
func (s *Sampler) Run(ctx context.Context, emit func(Report) error) error {
	interval := time.Duration(float64(time.Second) / s.cfg.Frequency)
	start := s.now()
	deadline := start.Add(s.cfg.Duration)

	current, err := s.sample()
	if err != nil {
		return err
	}
	last := Report{Time: start, Channel: s.cfg.Channel, Current: current}
	if err := s.report(last, emit); err != nil {
		return err
	}
	reports := 1
	samples := 1

	for s.cfg.Count == 0 || reports < s.cfg.Count {
		if err := s.sleep(ctx, interval); err != nil {
			return err
		}
		t := s.now()
		if t.After(deadline) {
			s.log.Debugf("time budget of %s used up after %d samples", s.cfg.Duration, samples)
			return nil
		}
		current, err := s.sample()
		if err != nil {
			return err
		}
		samples++
		delta := current - last.Current
		percent := 100.
		if last.Current != 0 {
			percent = (current/last.Current - 1) * 100
		}
		s.log.Tracef("sample %d: %.1f mA, %+.1f mA, %+.1f%%", samples, current, delta, percent)
		if delta == 0 || math.Abs(percent) < s.cfg.Threshold {
			continue
		}
		r := Report{
			Time:          t,
			SincePrevious: t.Sub(last.Time),
			Channel:       s.cfg.Channel,
			Current:       current,
			Delta:         delta,
			Percent:       int(math.Round(percent)),
		}
		if err := s.report(r, emit); err != nil {
			return err
		}
		last = r
		reports++
	}
	s.log.Debugf("%d reports from %d samples", reports, samples)
	return nil
}

func (s *Sampler) sample() (float64, error) {
	a, err := s.m.MeasureCurrent(s.cfg.Channel)
	if err != nil {
		return 0, err
	}
	return a * 1000, nil
}

func (s *Sampler) report(r Report, emit func(Report) error) error {
	s.metrics.Reported()
	return emit(r)
}
