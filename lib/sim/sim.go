// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package sim is an in-memory HMC804x. It implements hmc804x.Link, answers
// the instrument's SCPI subset, and records every line it receives.
package sim

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gotmc/hmc804x"
)

// maxVoltage is the setpoint range of every HMC804x channel.
const maxVoltage = 32.05

var ceilings = map[int]float64{1: 10, 2: 5, 3: 3}

type channel struct {
	volt, curr float64
	on         bool
}

// Instrument is the simulated power supply.
type Instrument struct {
	idn      string
	channels int
	selected int
	out      []channel
	master   bool

	errs     []string
	pending  []string
	currents map[int][]string
	voltages map[int][]string
	opcBusy  int
	silent   map[string]bool

	transcript []string
	local      bool
	closed     bool
}

// Option configures a simulated instrument.
type Option func(*Instrument)

// New creates a simulated instrument reporting model, e.g. "HMC8043". The
// channel count follows the model's last digit.
func New(model string, opts ...Option) *Instrument {
	if model == "" {
		model = "HMC8043"
	}
	n, err := strconv.Atoi(model[len(model)-1:])
	if err != nil || n < 1 || n > 3 {
		n = 3
	}
	inst := Instrument{
		idn:      fmt.Sprintf("Rohde&Schwarz,%s,000000001,HW50020001,SW02.301", model),
		channels: n,
		out:      make([]channel, n+1),
		currents: map[int][]string{},
		voltages: map[int][]string{},
		silent:   map[string]bool{},
	}
	for _, opt := range opts {
		opt(&inst)
	}
	return &inst
}

// WithIdentity replaces the *IDN? response.
func WithIdentity(idn string) Option {
	return func(inst *Instrument) { inst.idn = idn }
}

// WithCurrents scripts the responses to MEASure:CURRent? on channel ch, one
// entry per query. An entry may hold several frames separated by "\n", so
// "\n0.638" answers with an empty line followed by 0.638. The last entry
// repeats once the script runs out.
func WithCurrents(ch int, entries ...string) Option {
	return func(inst *Instrument) { inst.currents[ch] = append(inst.currents[ch], entries...) }
}

// WithMilliamps scripts MEASure:CURRent? on channel ch from readings in mA.
func WithMilliamps(ch int, mA ...float64) Option {
	entries := make([]string, len(mA))
	for i, v := range mA {
		entries[i] = strconv.FormatFloat(v/1000, 'f', 4, 64)
	}
	return WithCurrents(ch, entries...)
}

// WithVoltages scripts MEASure:VOLT? on channel ch like WithCurrents.
func WithVoltages(ch int, entries ...string) Option {
	return func(inst *Instrument) { inst.voltages[ch] = append(inst.voltages[ch], entries...) }
}

// WithErrors preloads the error queue with entries like `-222,"Data out of
// range"`.
func WithErrors(entries ...string) Option {
	return func(inst *Instrument) { inst.errs = append(inst.errs, entries...) }
}

// WithBusy makes *OPC? answer "0" n times before answering "1".
func WithBusy(n int) Option {
	return func(inst *Instrument) { inst.opcBusy = n }
}

// WithSilent makes the instrument never answer cmd.
func WithSilent(cmd string) Option {
	return func(inst *Instrument) { inst.silent[strings.ToUpper(cmd)] = true }
}

// WithResponse queues a response frame that arrives before anything else.
func WithResponse(frame string) Option {
	return func(inst *Instrument) { inst.pending = append(inst.pending, frame) }
}

// Transcript returns every line written to the instrument, in order.
func (inst *Instrument) Transcript() []string {
	return append([]string(nil), inst.transcript...)
}

// Sent returns the transcript lines that start with prefix.
func (inst *Instrument) Sent(prefix string) []string {
	var out []string
	for _, line := range inst.transcript {
		if strings.HasPrefix(line, prefix) {
			out = append(out, line)
		}
	}
	return out
}

// Voltage returns the setpoint of channel ch.
func (inst *Instrument) Voltage(ch int) float64 { return inst.out[ch].volt }

// Current returns the current limit of channel ch.
func (inst *Instrument) Current(ch int) float64 { return inst.out[ch].curr }

// Enabled reports whether channel ch is switched on.
func (inst *Instrument) Enabled(ch int) bool { return inst.out[ch].on }

// Master reports the master output state.
func (inst *Instrument) Master() bool { return inst.master }

// Local reports whether the front panel was released.
func (inst *Instrument) Local() bool { return inst.local }

// Selected returns the channel last selected with INST OUT.
func (inst *Instrument) Selected() int { return inst.selected }

// WriteLine handles one command.
func (inst *Instrument) WriteLine(line string) error {
	if inst.closed {
		return fmt.Errorf("%w: simulator closed", hmc804x.ErrConnection)
	}
	inst.transcript = append(inst.transcript, line)
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	cmd = strings.ToUpper(cmd)
	arg = strings.TrimSpace(arg)
	if inst.silent[cmd] {
		return nil
	}
	switch cmd {
	case "*IDN?":
		inst.respond(inst.idn)
	case "*CLS":
		inst.errs = nil
	case "SYST:LOC", "SYSTEM:LOCAL":
		inst.local = true
	case "*OPC?":
		if inst.opcBusy > 0 {
			inst.opcBusy--
			inst.respond("0")
		} else {
			inst.respond("1")
		}
	case "INST", "INSTRUMENT":
		inst.selectOutput(arg)
	case "VOLT", "VOLTAGE":
		inst.setLevel(arg, maxVoltage, func(c *channel, v float64) { c.volt = v })
	case "VOLT?", "VOLTAGE?":
		inst.respond(fmt.Sprintf("%.3f", inst.out[inst.selected].volt))
	case "CURR", "CURRENT":
		inst.setLevel(arg, ceilings[inst.channels], func(c *channel, v float64) { c.curr = v })
	case "CURR?", "CURRENT?":
		inst.respond(fmt.Sprintf("%.4f", inst.out[inst.selected].curr))
	case "OUTP:CHAN", "OUTPUT:CHAN":
		if on, ok := inst.parseState(arg); ok && inst.requireSelection() {
			inst.out[inst.selected].on = on
		}
	case "OUTP:CHAN?", "OUTPUT:CHAN?":
		inst.respond(bit(inst.out[inst.selected].on))
	case "OUTP:MAST", "OUTPUT:MASTER":
		if on, ok := inst.parseState(arg); ok {
			inst.master = on
		}
	case "OUTP:MAST?", "OUTPUT:MASTER?":
		inst.respond(bit(inst.master))
	case "MEAS:CURR?", "MEASURE:CURRENT?":
		inst.measure(inst.currents, func(c channel) float64 { return 0 })
	case "MEAS:VOLT?", "MEASURE:VOLT?", "MEASURE:VOLTAGE?":
		inst.measure(inst.voltages, func(c channel) float64 {
			if c.on && inst.master {
				return c.volt
			}
			return 0
		})
	case "SYST:ERR?", "SYSTEM:ERROR?":
		if len(inst.errs) == 0 {
			inst.respond(`0,"No error"`)
		} else {
			inst.respond(inst.errs[0])
			inst.errs = inst.errs[1:]
		}
	default:
		inst.pushError(-113, "Undefined header")
	}
	return nil
}

// ReadLine returns the next pending response frame. With nothing pending it
// fails at once with a timeout rather than blocking.
func (inst *Instrument) ReadLine(timeout time.Duration) (string, error) {
	if inst.closed {
		return "", fmt.Errorf("%w: simulator closed", hmc804x.ErrConnection)
	}
	if len(inst.pending) == 0 {
		return "", fmt.Errorf("%w: simulator has nothing to send", hmc804x.ErrTimeout)
	}
	frame := inst.pending[0]
	inst.pending = inst.pending[1:]
	return frame, nil
}

// Close marks the simulator closed.
func (inst *Instrument) Close() error {
	if inst.closed {
		return fmt.Errorf("%w: simulator already closed", hmc804x.ErrConnection)
	}
	inst.closed = true
	return nil
}

func (inst *Instrument) respond(frames ...string) {
	inst.pending = append(inst.pending, frames...)
}

func (inst *Instrument) pushError(code int, msg string) {
	inst.errs = append(inst.errs, fmt.Sprintf("%d,%q", code, msg))
}

func (inst *Instrument) requireSelection() bool {
	if inst.selected == 0 {
		inst.pushError(-221, "Settings conflict")
		return false
	}
	return true
}

func (inst *Instrument) selectOutput(arg string) {
	up := strings.ToUpper(arg)
	if !strings.HasPrefix(up, "OUT") {
		inst.pushError(-224, "Illegal parameter value")
		return
	}
	n, err := strconv.Atoi(strings.TrimPrefix(up, "OUT"))
	if err != nil || n < 1 || n > inst.channels {
		inst.pushError(-222, "Data out of range")
		return
	}
	inst.selected = n
}

func (inst *Instrument) setLevel(arg string, max float64, set func(*channel, float64)) {
	if !inst.requireSelection() {
		return
	}
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		inst.pushError(-104, "Data type error")
		return
	}
	if v < 0 || v > max {
		inst.pushError(-222, "Data out of range")
		return
	}
	set(&inst.out[inst.selected], v)
}

func (inst *Instrument) parseState(arg string) (bool, bool) {
	switch strings.ToUpper(arg) {
	case "ON", "1":
		return true, true
	case "OFF", "0":
		return false, true
	}
	inst.pushError(-224, "Illegal parameter value")
	return false, false
}

func (inst *Instrument) measure(scripts map[int][]string, live func(channel) float64) {
	if !inst.requireSelection() {
		inst.respond("")
		return
	}
	script := scripts[inst.selected]
	if len(script) == 0 {
		inst.respond(fmt.Sprintf("%.4f", live(inst.out[inst.selected])))
		return
	}
	entry := script[0]
	if len(script) > 1 {
		scripts[inst.selected] = script[1:]
	}
	inst.respond(strings.Split(entry, "\n")...)
}

func bit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
