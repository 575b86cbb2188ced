// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package hmc804x

import "time"

// Link is a line-oriented connection to the instrument. Only an Instrument
// reads and writes it.
type Link interface {
	// WriteLine appends the link's terminator to line and sends it. It does
	// not wait for a reply.
	WriteLine(line string) error

	// ReadLine blocks for one terminated frame and returns it trimmed, which
	// may be empty. A timeout <= 0 uses the link's default. A timeout
	// returns an error matching ErrTimeout.
	ReadLine(timeout time.Duration) (string, error)

	Close() error
}
