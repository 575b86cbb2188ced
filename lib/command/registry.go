// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package command turns command line tokens such as "v3=12" or "mi2,0,5"
// into instrument operations and runs them in order.
package command

import (
	"context"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/gotmc/hmc804x"
)

// Param describes one positional argument of a command.
type Param struct {
	Name     string
	Default  float64
	Optional bool
	Channel  bool // must be a whole number
}

type handler func(ctx context.Context, e *Executor, args []float64) error

// Descriptor is one entry of the command table.
type Descriptor struct {
	Name   string
	Help   string
	Params []Param
	run    handler
}

// MinArgs is the number of required arguments.
func (d *Descriptor) MinArgs() int {
	n := 0
	for _, p := range d.Params {
		if !p.Optional {
			n++
		}
	}
	return n
}

// MaxArgs is the number of arguments the command accepts.
func (d *Descriptor) MaxArgs() int { return len(d.Params) }

// Usage renders the command with its parameters, optional ones in brackets
// with their defaults.
func (d *Descriptor) Usage() string {
	var sb strings.Builder
	sb.WriteString(d.Name)
	for _, p := range d.Params {
		if p.Optional {
			fmt.Fprintf(&sb, " [%s=%g]", p.Name, p.Default)
		} else {
			fmt.Fprintf(&sb, " %s", p.Name)
		}
	}
	return sb.String()
}

// Registry is an ordered, immutable command table.
type Registry struct {
	cmds []*Descriptor
}

var (
	ch       = Param{Name: "ch", Channel: true}
	defaults = newRegistry()
)

func newRegistry() *Registry {
	return &Registry{cmds: []*Descriptor{
		{Name: "on", Help: "switch a channel on", Params: []Param{ch}, run: runEnable(true)},
		{Name: "off", Help: "switch a channel off", Params: []Param{ch}, run: runEnable(false)},
		{
			Name:   "toggle",
			Help:   "switch a channel off, wait, and switch it back on",
			Params: []Param{ch, {Name: "delay", Default: 0.5, Optional: true}},
			run:    runToggle,
		},
		{Name: "voltage", Help: "set the voltage of a channel", Params: []Param{ch, {Name: "volts"}}, run: runVoltage},
		{Name: "current", Help: "set the current limit of a channel", Params: []Param{ch, {Name: "amps"}}, run: runCurrent},
		{
			Name:   "master",
			Help:   "switch the master output (0 off, anything else on)",
			Params: []Param{{Name: "state", Default: 1, Optional: true}},
			run:    runMaster,
		},
		{Name: "wait", Help: "pause", Params: []Param{{Name: "seconds", Default: 1, Optional: true}}, run: runWait},
		{Name: "status", Help: "print master and channel state", run: runStatus},
		{Name: "errors", Help: "read and print the instrument error queue", run: runErrors},
		{
			Name: "mi",
			Help: "watch the current of a channel, reporting changes beyond the threshold percentage",
			Params: []Param{
				ch,
				{Name: "count", Default: 0, Optional: true},
				{Name: "threshold", Default: 3, Optional: true},
				{Name: "duration", Default: 9999, Optional: true},
				{Name: "frequency", Default: 5, Optional: true},
			},
			run: runMeasureCurrent,
		},
		{Name: "mv", Help: "measure the output voltage of a channel", Params: []Param{ch}, run: runMeasureVoltage},
		{
			Name:   "sync",
			Help:   "wait until the instrument completed pending operations",
			Params: []Param{{Name: "timeout", Default: 5, Optional: true}},
			run:    runSync,
		},
		{Name: "flush", Help: "clear status registers and the error queue (*CLS)", run: runFlush},
	}}
}

// DefaultRegistry returns the table of supported commands.
func DefaultRegistry() *Registry { return defaults }

// Commands returns the table in order.
func (r *Registry) Commands() []*Descriptor {
	return append([]*Descriptor(nil), r.cmds...)
}

// PrintUsage writes one line per command to w.
func (r *Registry) PrintUsage(w io.Writer) error {
	for _, d := range r.cmds {
		if _, err := fmt.Fprintf(w, "  %-48s %s\n", d.Usage(), d.Help); err != nil {
			return err
		}
	}
	return nil
}

// Resolve finds the command name abbreviates. An exact match wins;
// otherwise the abbreviation must match exactly one command.
func (r *Registry) Resolve(name string) (*Descriptor, error) {
	name = strings.ToLower(name)
	var matches []*Descriptor
	for _, d := range r.cmds {
		if d.Name == name {
			return d, nil
		}
		if strings.HasPrefix(d.Name, name) {
			matches = append(matches, d)
		}
	}
	switch len(matches) {
	case 0:
		return nil, hmc804x.Validationf("command", "unknown command %q", name)
	case 1:
		return matches[0], nil
	}
	names := make([]string, len(matches))
	for i, d := range matches {
		names[i] = d.Name
	}
	return nil, hmc804x.Validationf("command", "ambiguous command %q: could be %s", name, strings.Join(names, ", "))
}

// Invocation is a resolved command with its complete argument list,
// defaults filled in.
type Invocation struct {
	Token string
	Cmd   *Descriptor
	Args  []float64
}

func (inv Invocation) String() string {
	args := make([]string, len(inv.Args))
	for i, a := range inv.Args {
		args[i] = strconv.FormatFloat(a, 'g', -1, 64)
	}
	return fmt.Sprintf("%s(%s)", inv.Cmd.Name, strings.Join(args, ", "))
}

var (
	tokenRE   = regexp.MustCompile(`^([A-Za-z]+)(.*)$`)
	separator = func(r rune) bool { return r == '=' || r == ',' || r == ':' }
)

// ParseToken parses one token: a command name or unique prefix, followed
// by numeric arguments separated by '=', ',' or ':'.
func (r *Registry) ParseToken(token string) (Invocation, error) {
	m := tokenRE.FindStringSubmatch(token)
	if m == nil {
		return Invocation{}, hmc804x.Validationf("command", "malformed token %q", token)
	}
	d, err := r.Resolve(m[1])
	if err != nil {
		return Invocation{}, err
	}
	fields := strings.FieldsFunc(m[2], separator)
	if n := len(fields); n < d.MinArgs() || n > d.MaxArgs() {
		return Invocation{}, hmc804x.Validationf("arguments", "%s: expected %d..%d arguments, got %d",
			d.Name, d.MinArgs(), d.MaxArgs(), n)
	}
	args := make([]float64, len(d.Params))
	for i, p := range d.Params {
		if i >= len(fields) {
			args[i] = p.Default
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[i]), 64)
		if err != nil {
			return Invocation{}, hmc804x.Validationf(p.Name, "%s: %q is not a number", d.Name, fields[i])
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Invocation{}, hmc804x.Validationf(p.Name, "%s: %q is not a finite number", d.Name, fields[i])
		}
		if p.Channel && v != math.Trunc(v) {
			return Invocation{}, hmc804x.Validationf(p.Name, "%s: channel %g is not a whole number", d.Name, v)
		}
		args[i] = v
	}
	return Invocation{Token: token, Cmd: d, Args: args}, nil
}

// Parse parses every token before anything runs, so a typo late on the
// command line leaves the instrument untouched. No tokens means status.
func (r *Registry) Parse(tokens []string) ([]Invocation, error) {
	if len(tokens) == 0 {
		tokens = []string{"status"}
	}
	invs := make([]Invocation, 0, len(tokens))
	for _, tok := range tokens {
		inv, err := r.ParseToken(tok)
		if err != nil {
			return nil, err
		}
		invs = append(invs, inv)
	}
	return invs, nil
}

// Parse parses tokens against the default registry.
func Parse(tokens []string) ([]Invocation, error) {
	return defaults.Parse(tokens)
}
