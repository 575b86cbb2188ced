// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package transport

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/gotmc/hmc804x"
)

// BaudRate is the rate the instrument's USB virtual COM port runs at.
const BaudRate = 115200

// Port is the part of serial.Port a serial link needs, so tests can supply
// their own.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// OpenPort opens the serial device at path. go.bug.st/serial takes the
// port exclusively on open.
func OpenPort(path string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
		InitialStatusBits: &serial.ModemOutputBits{
			RTS: true,
			DTR: true,
		},
	}
	return serial.Open(path, mode)
}

// OpenSerial opens the serial device at path and wraps it in a link.
func OpenSerial(path string, opts ...Option) (*LineLink, error) {
	o := newOptions(opts)
	p, err := OpenPort(path, o.baud)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", hmc804x.ErrConnection, path, err)
	}
	l, err := NewSerialLink(path, p, opts...)
	if err != nil {
		p.Close()
		return nil, err
	}
	o.log.Infof("opened %s at %d baud", path, o.baud)
	return l, nil
}

// NewSerialLink wraps an open port, discarding anything already buffered.
func NewSerialLink(name string, p Port, opts ...Option) (*LineLink, error) {
	o := newOptions(opts)
	if err := p.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("%w: flushing %s: %v", hmc804x.ErrConnection, name, err)
	}
	return newLineLink(name, p, timeoutReader{p}, "\r\n", p.SetReadTimeout, o), nil
}

// timeoutReader turns the serial library's (0, nil) timeout result into an
// error, which bufio would otherwise retry a hundred times.
type timeoutReader struct{ r io.Reader }

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil {
		return 0, errSerialTimeout
	}
	return n, err
}
