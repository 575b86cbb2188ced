// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package hmc804x

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this module and its lib packages
// matches exactly one of these with errors.Is.
var (
	ErrConnection  = errors.New("connection error")
	ErrTimeout     = errors.New("timeout")
	ErrProtocol    = errors.New("protocol error")
	ErrValidation  = errors.New("validation error")
	ErrInstrument  = errors.New("instrument error")
	ErrUnsupported = errors.New("unsupported instrument")
)

// ProtocolError reports a response whose shape is not what the command
// promises.
type ProtocolError struct {
	Op       string
	Expected string
	Got      string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: expected %s, got %q", e.Op, e.Expected, e.Got)
}

// Is reports ErrProtocol as the kind.
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// ValidationError rejects an argument before anything is sent.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// Is reports ErrValidation as the kind.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validationf builds a ValidationError with a formatted message.
func Validationf(field, format string, a ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, a...)}
}

// InstrumentError is a non-zero entry popped from the device error queue.
type InstrumentError struct {
	Code    int
	Message string
	Command string // command after which the queue was checked, if known
}

func (e *InstrumentError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = scpiErrors[e.Code]
	}
	if msg == "" {
		msg = "unknown error"
	}
	if e.Command != "" {
		return fmt.Sprintf("instrument error %d after %q: %s", e.Code, e.Command, msg)
	}
	return fmt.Sprintf("instrument error %d: %s", e.Code, msg)
}

// Is reports ErrInstrument as the kind.
func (e *InstrumentError) Is(target error) bool { return target == ErrInstrument }

// scpiErrors maps the standard SCPI error codes to their descriptions, used
// when the device sends a code without text.
var scpiErrors = map[int]string{
	-100: "Command error",
	-101: "Invalid character",
	-102: "Syntax error",
	-103: "Invalid separator",
	-104: "Data type error",
	-108: "Parameter not allowed",
	-109: "Missing parameter",
	-113: "Undefined header",
	-120: "Numeric data error",
	-200: "Execution error",
	-221: "Settings conflict",
	-222: "Data out of range",
	-224: "Illegal parameter value",
	-240: "Hardware error",
	-310: "System error",
	-350: "Queue overflow",
	-400: "Query error",
	-410: "Query interrupted",
	-420: "Query unterminated",
}
