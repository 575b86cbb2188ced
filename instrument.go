// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package hmc804x drives Rohde & Schwarz HMC804x bench power supplies over
// SCPI.
package hmc804x

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/gotmc/hmc804x/lib/cmdlog"
	"github.com/gotmc/hmc804x/lib/metrics"
)

const (
	// DefaultFamily is the model prefix every supported instrument reports.
	DefaultFamily = "HMC804"

	defaultPollInterval = 100 * time.Millisecond

	// maxErrorPops bounds DrainErrors against a device that never reports 0.
	maxErrorPops = 32
)

// currentCeiling is the maximum current limit in amps, by channel count.
var currentCeiling = map[int]float64{
	1: 10,
	2: 5,
	3: 3,
}

// Identity is the parsed *IDN? response.
type Identity struct {
	Vendor   string
	Model    string
	Serial   string
	Hardware string
	Firmware string
	Channels int
}

func (id Identity) String() string {
	return fmt.Sprintf("%s %s (serial %s, firmware %s, %d channels)",
		id.Vendor, id.Model, id.Serial, id.Firmware, id.Channels)
}

// Instrument is a session with one power supply. It is not safe for
// concurrent use.
type Instrument struct {
	link         Link
	log          *logrus.Entry
	metrics      *metrics.Recorder
	family       string
	readTimeout  time.Duration
	pollInterval time.Duration

	id       *Identity
	selected int // channel of the last INST OUT sent, 0 if unknown
	elapsed  time.Duration
}

// InstrumentOption applies an option to the instrument.
type InstrumentOption func(*Instrument)

// NewInstrument creates a session on an open link. The link is owned by the
// session from here on.
func NewInstrument(link Link, opts ...InstrumentOption) *Instrument {
	inst := Instrument{
		link:         link,
		family:       DefaultFamily,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(&inst)
	}
	if inst.log == nil {
		inst.log = logrus.NewEntry(cmdlog.Discard())
	}
	return &inst
}

// WithLogger logs session activity to log.
func WithLogger(log *logrus.Logger) InstrumentOption {
	return func(inst *Instrument) { inst.log = log.WithField("component", "session") }
}

// WithMetrics records round trips in r.
func WithMetrics(r *metrics.Recorder) InstrumentOption {
	return func(inst *Instrument) { inst.metrics = r }
}

// WithFamily overrides the model prefix accepted by Identify.
func WithFamily(token string) InstrumentOption {
	return func(inst *Instrument) { inst.family = token }
}

// WithReadTimeout overrides the link's default read timeout.
func WithReadTimeout(d time.Duration) InstrumentOption {
	return func(inst *Instrument) { inst.readTimeout = d }
}

// WithPollInterval sets the sleep between *OPC? polls.
func WithPollInterval(d time.Duration) InstrumentOption {
	return func(inst *Instrument) { inst.pollInterval = d }
}

// RoundTripTime is the total time spent in protocol exchanges so far.
func (inst *Instrument) RoundTripTime() time.Duration { return inst.elapsed }

func (inst *Instrument) account(kind string, d time.Duration) {
	inst.elapsed += d
	inst.metrics.ObserveRoundTrip(kind, d)
}

// Command formats according to a format specifier if provided and sends the
// result to the instrument without waiting for a reply.
func (inst *Instrument) Command(format string, a ...any) error {
	cmd := format
	if a != nil {
		cmd = fmt.Sprintf(format, a...)
	}
	cmd = strings.TrimSpace(cmd)
	start := time.Now()
	err := inst.link.WriteLine(cmd)
	d := time.Since(start)
	inst.account(metrics.KindWrite, d)
	if err != nil {
		return fmt.Errorf("sending %q: %w", cmd, err)
	}
	cmdlog.Exchange(inst.log, cmd, "", false, d)
	return nil
}

// Query sends cmd and returns the raw response line.
func (inst *Instrument) Query(cmd string) (string, error) {
	cmd = strings.TrimSpace(cmd)
	start := time.Now()
	if err := inst.link.WriteLine(cmd); err != nil {
		inst.account(metrics.KindQuery, time.Since(start))
		return "", fmt.Errorf("sending %q: %w", cmd, err)
	}
	resp, err := inst.link.ReadLine(inst.readTimeout)
	d := time.Since(start)
	inst.account(metrics.KindQuery, d)
	if err != nil {
		return "", fmt.Errorf("reading response to %q: %w", cmd, err)
	}
	cmdlog.Exchange(inst.log, cmd, resp, true, d)
	return resp, nil
}

// Identify queries *IDN? once and caches the result.
func (inst *Instrument) Identify() (Identity, error) {
	if inst.id != nil {
		return *inst.id, nil
	}
	resp, err := inst.Query("*IDN?")
	if err != nil {
		return Identity{}, err
	}
	fields := strings.Split(resp, ",")
	if len(fields) < 2 {
		return Identity{}, &ProtocolError{Op: "*IDN?", Expected: "vendor,model,serial,hw,sw", Got: resp}
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	for len(fields) < 5 {
		fields = append(fields, "")
	}
	id := Identity{
		Vendor:   fields[0],
		Model:    fields[1],
		Serial:   fields[2],
		Hardware: fields[3],
		Firmware: fields[4],
	}
	if id.Model == "" || !strings.HasPrefix(id.Model, inst.family) {
		return Identity{}, fmt.Errorf("%w: model %q does not belong to the %s family", ErrUnsupported, id.Model, inst.family)
	}
	n, err := strconv.Atoi(id.Model[len(id.Model)-1:])
	if err != nil || n < 1 || n > 3 {
		return Identity{}, fmt.Errorf("%w: cannot derive channel count from model %q", ErrUnsupported, id.Model)
	}
	id.Channels = n
	inst.id = &id
	inst.log.WithField("idn", resp).Debugf("identified %s", id)
	return id, nil
}

// Channels returns the channel count, identifying the instrument if needed.
func (inst *Instrument) Channels() (int, error) {
	id, err := inst.Identify()
	if err != nil {
		return 0, err
	}
	return id.Channels, nil
}

func (inst *Instrument) checkChannel(idx int) error {
	n, err := inst.Channels()
	if err != nil {
		return err
	}
	if idx < 1 || idx > n {
		return Validationf("channel", "%d is out of range 1..%d", idx, n)
	}
	return nil
}

// SelectChannel makes idx the target of channel-scoped commands. Nothing is
// sent when idx is already selected.
func (inst *Instrument) SelectChannel(idx int) error {
	if err := inst.checkChannel(idx); err != nil {
		return err
	}
	if inst.selected == idx {
		return nil
	}
	if err := inst.Command("INST OUT%d", idx); err != nil {
		inst.selected = 0
		return err
	}
	inst.selected = idx
	return nil
}

// ResetSelection forgets the cached channel selection, so the next
// channel-scoped command selects explicitly.
func (inst *Instrument) ResetSelection() { inst.selected = 0 }

// SetVoltage sets the voltage setpoint of channel idx in volts.
func (inst *Instrument) SetVoltage(idx int, volts float64) error {
	if err := inst.SelectChannel(idx); err != nil {
		return err
	}
	cmd := fmt.Sprintf("VOLT %f", volts)
	if err := inst.Command(cmd); err != nil {
		return err
	}
	return inst.checkAfter(cmd)
}

// Voltage returns the voltage setpoint of channel idx.
func (inst *Instrument) Voltage(idx int) (float64, error) {
	if err := inst.SelectChannel(idx); err != nil {
		return 0, err
	}
	return inst.queryFloat("VOLT?")
}

// SetCurrent sets the current limit of channel idx in amps. Values above
// the model's ceiling are rejected before anything is sent.
func (inst *Instrument) SetCurrent(idx int, amps float64) error {
	if err := inst.checkChannel(idx); err != nil {
		return err
	}
	ceiling := currentCeiling[inst.id.Channels]
	if amps > ceiling {
		return Validationf("current", "%g A exceeds the %g A limit of the %s", amps, ceiling, inst.id.Model)
	}
	if amps < 0 {
		return Validationf("current", "%g A is negative", amps)
	}
	if err := inst.SelectChannel(idx); err != nil {
		return err
	}
	cmd := fmt.Sprintf("CURR %f", amps)
	if err := inst.Command(cmd); err != nil {
		return err
	}
	return inst.checkAfter(cmd)
}

// Current returns the current limit of channel idx.
func (inst *Instrument) Current(idx int) (float64, error) {
	if err := inst.SelectChannel(idx); err != nil {
		return 0, err
	}
	return inst.queryFloat("CURRent?")
}

// Enable switches the output of channel idx on or off.
func (inst *Instrument) Enable(idx int, on bool) error {
	if err := inst.SelectChannel(idx); err != nil {
		return err
	}
	return inst.Command("OUTPut:CHAN %s", onOff(on))
}

// IsEnabled reports whether the output of channel idx is on.
func (inst *Instrument) IsEnabled(idx int) (bool, error) {
	if err := inst.SelectChannel(idx); err != nil {
		return false, err
	}
	return inst.queryBool("OUTPut:CHAN?")
}

// SetMaster switches the master output, which gates all channels.
func (inst *Instrument) SetMaster(on bool) error {
	return inst.Command("OUTPUT:MASTER %s", onOff(on))
}

// IsMasterEnabled reports whether the master output is on.
func (inst *Instrument) IsMasterEnabled() (bool, error) {
	return inst.queryBool("OUTPUT:MASTER?")
}

// MeasureCurrent returns the live output current of channel idx in amps.
func (inst *Instrument) MeasureCurrent(idx int) (float64, error) {
	return inst.measure(idx, "MEASure:CURRent?")
}

// MeasureVoltage returns the live output voltage of channel idx in volts.
func (inst *Instrument) MeasureVoltage(idx int) (float64, error) {
	return inst.measure(idx, "MEASure:VOLT?")
}

// measure tolerates one empty response: the instrument sometimes answers
// before the reading has settled and sends the value as a second line.
func (inst *Instrument) measure(idx int, cmd string) (float64, error) {
	if err := inst.SelectChannel(idx); err != nil {
		return 0, err
	}
	resp, err := inst.Query(cmd)
	if err != nil {
		return 0, err
	}
	if resp == "" {
		inst.metrics.MeasurementRetried()
		inst.log.Debugf("empty response to %s, reading again", cmd)
		start := time.Now()
		resp, err = inst.link.ReadLine(inst.readTimeout)
		inst.elapsed += time.Since(start)
		if err != nil {
			return 0, fmt.Errorf("reading retried response to %q: %w", cmd, err)
		}
		if resp == "" {
			return 0, &ProtocolError{Op: cmd, Expected: "a numeric reading", Got: resp}
		}
	}
	return parseFloat(cmd, resp)
}

// WaitOperationComplete polls *OPC? until the instrument reports that all
// pending operations are done, or timeout passes.
func (inst *Instrument) WaitOperationComplete(ctx context.Context, timeout time.Duration) error {
	var fatal error
	op := func() error {
		resp, err := inst.Query("*OPC?")
		switch {
		case errors.Is(err, ErrTimeout):
			return err
		case err != nil:
			fatal = err
			return backoff.Permanent(err)
		case resp == "1":
			return nil
		}
		return fmt.Errorf("*OPC? returned %q", resp)
	}
	var b backoff.BackOff = &backoff.StopBackOff{}
	if timeout > 0 {
		b = &backoff.ExponentialBackOff{
			InitialInterval:     inst.pollInterval,
			RandomizationFactor: 0,
			Multiplier:          1,
			MaxInterval:         inst.pollInterval,
			MaxElapsedTime:      timeout,
			Clock:               backoff.SystemClock,
		}
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		inst.log.Debugf("operation not complete (%v), polling again in %s", err, next)
	})
	switch {
	case err == nil:
		return nil
	case fatal != nil:
		return fatal
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return fmt.Errorf("%w: operation not complete after %s: %v", ErrTimeout, timeout, err)
}

// Clear clears the status registers and the error queue (*CLS).
func (inst *Instrument) Clear() error {
	return inst.Command("*CLS")
}

// Local returns the instrument to front panel control (SYSTem:LOCal).
func (inst *Instrument) Local() error {
	return inst.Command("SYSTem:LOCal")
}

// CheckError pops one entry from the error queue and returns it as an
// *InstrumentError, or nil when the queue is empty.
func (inst *Instrument) CheckError() error {
	ie, err := inst.popError()
	if err != nil {
		return err
	}
	if ie == nil {
		return nil
	}
	return ie
}

func (inst *Instrument) checkAfter(cmd string) error {
	ie, err := inst.popError()
	if err != nil {
		return err
	}
	if ie == nil {
		return nil
	}
	ie.Command = cmd
	return ie
}

// DrainErrors pops the error queue until it reports no error and returns
// every entry found, combined.
func (inst *Instrument) DrainErrors() error {
	var errs error
	for i := 0; i < maxErrorPops; i++ {
		ie, err := inst.popError()
		if err != nil {
			return multierr.Append(errs, err)
		}
		if ie == nil {
			return errs
		}
		errs = multierr.Append(errs, ie)
	}
	return multierr.Append(errs, &ProtocolError{
		Op:       "SYSTem:ERRor?",
		Expected: fmt.Sprintf("an empty queue within %d reads", maxErrorPops),
		Got:      "more errors",
	})
}

func (inst *Instrument) popError() (*InstrumentError, error) {
	const cmd = "SYSTem:ERRor?"
	resp, err := inst.Query(cmd)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(resp, ",")
	if len(parts) != 2 {
		return nil, &ProtocolError{Op: cmd, Expected: `<code>,"<message>"`, Got: resp}
	}
	code, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, &ProtocolError{Op: cmd, Expected: "an integer error code", Got: resp}
	}
	if code == 0 {
		return nil, nil
	}
	msg := strings.Trim(strings.TrimSpace(parts[1]), `"`)
	return &InstrumentError{Code: code, Message: msg}, nil
}

// Close releases the link. The channel selection is forgotten since the
// instrument may be driven by someone else before the next session.
func (inst *Instrument) Close() error {
	inst.selected = 0
	inst.log.Debugf("closing after %s in protocol round trips", inst.elapsed.Round(time.Millisecond))
	return inst.link.Close()
}

func (inst *Instrument) queryFloat(cmd string) (float64, error) {
	resp, err := inst.Query(cmd)
	if err != nil {
		return 0, err
	}
	return parseFloat(cmd, resp)
}

func (inst *Instrument) queryBool(cmd string) (bool, error) {
	resp, err := inst.Query(cmd)
	if err != nil {
		return false, err
	}
	return parseBool(cmd, resp)
}

func parseFloat(cmd, resp string) (float64, error) {
	f, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, &ProtocolError{Op: cmd, Expected: "a number", Got: resp}
	}
	return f, nil
}

// parseBool accepts only the instrument's "0" and "1".
func parseBool(cmd, resp string) (bool, error) {
	switch resp {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return false, &ProtocolError{Op: cmd, Expected: `"0" or "1"`, Got: resp}
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
