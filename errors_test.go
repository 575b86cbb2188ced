// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package hmc804x

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		kind error
	}{
		{&ProtocolError{Op: "VOLT?", Expected: "a number", Got: "x"}, ErrProtocol},
		{Validationf("channel", "%d is out of range 1..%d", 4, 3), ErrValidation},
		{&InstrumentError{Code: -222}, ErrInstrument},
		{fmt.Errorf("status: %w", &InstrumentError{Code: -113}), ErrInstrument},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.kind) {
			t.Errorf("%v is not %v", tt.err, tt.kind)
		}
		for _, other := range []error{ErrConnection, ErrTimeout, ErrUnsupported} {
			if errors.Is(tt.err, other) {
				t.Errorf("%v matches %v", tt.err, other)
			}
		}
	}
}

func TestInstrumentErrorMessage(t *testing.T) {
	tests := []struct {
		err  InstrumentError
		want string
	}{
		{InstrumentError{Code: -222}, "instrument error -222: Data out of range"},
		{InstrumentError{Code: -222, Message: "Data out of range;max 32.050"}, "instrument error -222: Data out of range;max 32.050"},
		{InstrumentError{Code: 17}, "instrument error 17: unknown error"},
		{InstrumentError{Code: -113, Message: "Undefined header", Command: "VOLTS 3"},
			`instrument error -113 after "VOLTS 3": Undefined header`},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
}
