// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package sim

import (
	"errors"
	"testing"

	"github.com/gotmc/hmc804x"
)

func exchange(t *testing.T, inst *Instrument, cmd string) string {
	t.Helper()
	if err := inst.WriteLine(cmd); err != nil {
		t.Fatal(err)
	}
	resp, err := inst.ReadLine(0)
	if err != nil {
		t.Fatalf("%s: %s", cmd, err)
	}
	return resp
}

func TestErrorQueue(t *testing.T) {
	inst := New("HMC8042")
	inst.WriteLine("VOLT 5")    // no channel selected
	inst.WriteLine("BOGUS")     // unknown header
	inst.WriteLine("INST OUT3") // no such channel
	inst.WriteLine("INST OUT1")
	inst.WriteLine("CURR 5.5") // above the 5 A ceiling of two channel models
	inst.WriteLine("OUTP:CHAN ON")
	want := []string{
		`-221,"Settings conflict"`,
		`-113,"Undefined header"`,
		`-222,"Data out of range"`,
		`-222,"Data out of range"`,
		`0,"No error"`,
	}
	for _, w := range want {
		if got := exchange(t, inst, "SYSTem:ERRor?"); got != w {
			t.Errorf("got %s, want %s", got, w)
		}
	}
	if !inst.Enabled(1) || inst.Selected() != 1 {
		t.Error("valid commands after errors were not applied")
	}
}

func TestClearAndLocal(t *testing.T) {
	inst := New("HMC8043", WithErrors(`-113,"Undefined header"`))
	inst.WriteLine("*CLS")
	inst.WriteLine("SYSTem:LOCal")
	if got := exchange(t, inst, "SYST:ERR?"); got != `0,"No error"` {
		t.Errorf("queue after *CLS: %s", got)
	}
	if !inst.Local() {
		t.Error("front panel not released")
	}
}

func TestReadLineNothingPending(t *testing.T) {
	inst := New("")
	if _, err := inst.ReadLine(0); !errors.Is(err, hmc804x.ErrTimeout) {
		t.Errorf("got %v, want timeout", err)
	}
	if got := exchange(t, inst, "*IDN?"); got != "Rohde&Schwarz,HMC8043,000000001,HW50020001,SW02.301" {
		t.Errorf("default identity %q", got)
	}
	if err := inst.Close(); err != nil {
		t.Fatal(err)
	}
	if err := inst.WriteLine("*IDN?"); !errors.Is(err, hmc804x.ErrConnection) {
		t.Errorf("write after close: %v", err)
	}
}
