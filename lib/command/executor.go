// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/gotmc/hmc804x"
	"github.com/gotmc/hmc804x/lib/cmdlog"
	"github.com/gotmc/hmc804x/lib/metrics"
	"github.com/gotmc/hmc804x/lib/sampler"
)

// Session is the part of *hmc804x.Instrument the commands use.
type Session interface {
	Enable(idx int, on bool) error
	SetVoltage(idx int, volts float64) error
	SetCurrent(idx int, amps float64) error
	SetMaster(on bool) error
	PrintStatus(w io.Writer) error
	DrainErrors() error
	MeasureCurrent(idx int) (float64, error)
	MeasureVoltage(idx int) (float64, error)
	WaitOperationComplete(ctx context.Context, timeout time.Duration) error
	Clear() error
}

// Executor runs invocations against one session, writing command output
// to out.
type Executor struct {
	inst      Session
	out       io.Writer
	log       *logrus.Entry
	logger    *logrus.Logger
	metrics   *metrics.Recorder
	sleep     func(ctx context.Context, d time.Duration) error
	samplerOp []sampler.Option
}

// ExecutorOption applies an option to the executor.
type ExecutorOption func(*Executor)

// WithLogger logs each invocation to log.
func WithLogger(log *logrus.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = log
		e.log = log.WithField("component", "executor")
	}
}

// WithMetrics passes r on to the sampling loop.
func WithMetrics(r *metrics.Recorder) ExecutorOption {
	return func(e *Executor) { e.metrics = r }
}

// WithSleep replaces the sleep used by toggle and wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleep = sleep }
}

// WithSamplerOptions adds options to every sampling loop the executor starts.
func WithSamplerOptions(opts ...sampler.Option) ExecutorOption {
	return func(e *Executor) { e.samplerOp = append(e.samplerOp, opts...) }
}

// NewExecutor creates an executor for inst.
func NewExecutor(inst Session, out io.Writer, opts ...ExecutorOption) *Executor {
	e := Executor{
		inst:  inst,
		out:   out,
		sleep: sampler.Sleep,
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.log == nil {
		e.logger = cmdlog.Discard()
		e.log = logrus.NewEntry(e.logger)
	}
	return &e
}

// Run executes invs strictly in order and stops at the first failure.
func (e *Executor) Run(ctx context.Context, invs []Invocation) error {
	for i, inv := range invs {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.log.WithField("token", inv.Token).Infof("running %s", inv)
		start := time.Now()
		if err := inv.Cmd.run(ctx, e, inv.Args); err != nil {
			return fmt.Errorf("%s (argument %d of %d): %w", inv.Token, i+1, len(invs), err)
		}
		e.log.Debugf("%s done in %s", inv.Cmd.Name, time.Since(start).Round(time.Millisecond))
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func runEnable(on bool) handler {
	return func(_ context.Context, e *Executor, args []float64) error {
		return e.inst.Enable(int(args[0]), on)
	}
}

func runToggle(ctx context.Context, e *Executor, args []float64) error {
	idx := int(args[0])
	if err := e.inst.Enable(idx, false); err != nil {
		return err
	}
	if err := e.sleep(ctx, seconds(args[1])); err != nil {
		return err
	}
	return e.inst.Enable(idx, true)
}

func runVoltage(_ context.Context, e *Executor, args []float64) error {
	return e.inst.SetVoltage(int(args[0]), args[1])
}

func runCurrent(_ context.Context, e *Executor, args []float64) error {
	return e.inst.SetCurrent(int(args[0]), args[1])
}

func runMaster(_ context.Context, e *Executor, args []float64) error {
	return e.inst.SetMaster(args[0] != 0)
}

func runWait(ctx context.Context, e *Executor, args []float64) error {
	return e.sleep(ctx, seconds(args[0]))
}

func runStatus(_ context.Context, e *Executor, _ []float64) error {
	return e.inst.PrintStatus(e.out)
}

// runErrors prints the queue contents. Reading them is the point of the
// command, so queue entries do not fail the run; failing to read the queue
// does.
func runErrors(_ context.Context, e *Executor, _ []float64) error {
	var entries []*hmc804x.InstrumentError
	var failed error
	for _, qe := range multierr.Errors(e.inst.DrainErrors()) {
		var ie *hmc804x.InstrumentError
		if errors.As(qe, &ie) {
			entries = append(entries, ie)
			continue
		}
		failed = multierr.Append(failed, qe)
	}
	if len(entries) == 0 && failed == nil {
		_, err := fmt.Fprintln(e.out, "no errors")
		return err
	}
	for _, ie := range entries {
		if _, err := fmt.Fprintln(e.out, ie); err != nil {
			return multierr.Append(failed, err)
		}
	}
	return failed
}

func runMeasureCurrent(ctx context.Context, e *Executor, args []float64) error {
	cfg := sampler.Config{
		Channel:   int(args[0]),
		Count:     int(args[1]),
		Threshold: args[2],
		Duration:  seconds(args[3]),
		Frequency: args[4],
	}
	opts := append([]sampler.Option{
		sampler.WithLogger(e.logger),
		sampler.WithMetrics(e.metrics),
	}, e.samplerOp...)
	s, err := sampler.New(e.inst, cfg, opts...)
	if err != nil {
		return err
	}
	return s.Run(ctx, func(r sampler.Report) error {
		_, err := fmt.Fprintln(e.out, r)
		return err
	})
}

func runMeasureVoltage(_ context.Context, e *Executor, args []float64) error {
	idx := int(args[0])
	v, err := e.inst.MeasureVoltage(idx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(e.out, "ch%d %.3f V\n", idx, v)
	return err
}

func runSync(ctx context.Context, e *Executor, args []float64) error {
	return e.inst.WaitOperationComplete(ctx, seconds(args[0]))
}

func runFlush(_ context.Context, e *Executor, _ []float64) error {
	return e.inst.Clear()
}
