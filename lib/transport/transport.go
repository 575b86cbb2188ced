// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package transport provides the TCP and serial line links an Instrument
// talks through.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gotmc/hmc804x"
	"github.com/gotmc/hmc804x/lib/cmdlog"
)

const (
	// DefaultPort is the instrument's raw SCPI socket port.
	DefaultPort = "5025"

	// DefaultTimeout bounds every read that does not name its own timeout.
	DefaultTimeout = time.Second

	flushWindow = 50 * time.Millisecond
)

var comPort = regexp.MustCompile(`(?i)^COM[0-9]+$`)

// IsSerial reports whether target names a local serial device rather than
// a network address.
func IsSerial(target string) bool {
	return strings.HasPrefix(target, "/") || comPort.MatchString(target)
}

type options struct {
	log            *logrus.Entry
	timeout        time.Duration
	connectTimeout time.Duration
	connectBudget  time.Duration
	resolver       *net.Resolver
	baud           int
}

// Option configures Open, DialTCP and OpenSerial.
type Option func(*options)

// WithLogger logs link activity to log.
func WithLogger(log *logrus.Logger) Option {
	return func(o *options) { o.log = log.WithField("component", "transport") }
}

// WithTimeout sets the default read timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithConnectTimeout bounds each TCP connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithConnectBudget bounds the total time spent retrying all candidate
// addresses.
func WithConnectBudget(d time.Duration) Option {
	return func(o *options) { o.connectBudget = d }
}

// WithResolver replaces net.DefaultResolver.
func WithResolver(r *net.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithBaudRate overrides the serial baud rate.
func WithBaudRate(baud int) Option {
	return func(o *options) { o.baud = baud }
}

func newOptions(opts []Option) *options {
	o := options{
		timeout:        DefaultTimeout,
		connectTimeout: 3 * time.Second,
		connectBudget:  3 * time.Second,
		resolver:       net.DefaultResolver,
		baud:           BaudRate,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.NewEntry(cmdlog.Discard())
	}
	return &o
}

// Open connects to target, which is either a serial device path or a
// host[:port] address.
func Open(ctx context.Context, target string, opts ...Option) (*LineLink, error) {
	if IsSerial(target) {
		return OpenSerial(target, opts...)
	}
	return DialTCP(ctx, target, opts...)
}

// errSerialTimeout is what a serial read returns when no byte arrived in
// time.
var errSerialTimeout = errors.New("serial read timeout")

func isTimeout(err error) bool {
	if errors.Is(err, errSerialTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// LineLink frames terminated ASCII lines over a byte stream. It implements
// hmc804x.Link.
type LineLink struct {
	name       string
	rwc        io.ReadWriteCloser
	reader     *bufio.Reader
	term       string
	timeout    time.Duration
	setTimeout func(time.Duration) error
	log        *logrus.Entry

	partial []byte // bytes of a frame interrupted by a timeout
	closed  bool
}

func newLineLink(name string, rwc io.ReadWriteCloser, r io.Reader, term string, setTimeout func(time.Duration) error, o *options) *LineLink {
	return &LineLink{
		name:       name,
		rwc:        rwc,
		reader:     bufio.NewReader(r),
		term:       term,
		timeout:    o.timeout,
		setTimeout: setTimeout,
		log:        o.log.WithField("link", name),
	}
}

// String returns the link's target.
func (l *LineLink) String() string { return l.name }

// WriteLine appends the terminator and sends line.
func (l *LineLink) WriteLine(line string) error {
	if l.closed {
		return fmt.Errorf("%w: %s is closed", hmc804x.ErrConnection, l.name)
	}
	if _, err := io.WriteString(l.rwc, line+l.term); err != nil {
		return fmt.Errorf("%w: writing to %s: %v", hmc804x.ErrConnection, l.name, err)
	}
	return nil
}

// ReadLine returns the next frame, decoded as ASCII and trimmed.
func (l *LineLink) ReadLine(timeout time.Duration) (string, error) {
	if l.closed {
		return "", fmt.Errorf("%w: %s is closed", hmc804x.ErrConnection, l.name)
	}
	if timeout <= 0 {
		timeout = l.timeout
	}
	if err := l.setTimeout(timeout); err != nil {
		return "", fmt.Errorf("%w: setting read timeout on %s: %v", hmc804x.ErrConnection, l.name, err)
	}
	buf, err := l.reader.ReadBytes('\n')
	if err != nil {
		l.partial = append(l.partial, buf...)
		if isTimeout(err) {
			return "", fmt.Errorf("%w: no response from %s within %s", hmc804x.ErrTimeout, l.name, timeout)
		}
		return "", fmt.Errorf("%w: reading from %s: %v", hmc804x.ErrConnection, l.name, err)
	}
	if len(l.partial) > 0 {
		buf = append(l.partial, buf...)
		l.partial = nil
	}
	return decode(buf)
}

// decode rejects anything outside 7-bit ASCII.
func decode(buf []byte) (string, error) {
	for _, b := range buf {
		if b > 0x7f {
			return "", &hmc804x.ProtocolError{Op: "read", Expected: "an ASCII line", Got: cmdlog.Render(string(buf))}
		}
	}
	return strings.TrimSpace(string(buf)), nil
}

// drain discards whatever arrives within window, returning the number of
// bytes thrown away.
func (l *LineLink) drain(window time.Duration) (int, error) {
	n := len(l.partial)
	l.partial = nil
	buf := make([]byte, 512)
	for {
		if err := l.setTimeout(window); err != nil {
			return n, err
		}
		k, err := l.reader.Read(buf)
		n += k
		if err != nil {
			if isTimeout(err) {
				return n, nil
			}
			return n, err
		}
	}
}

// Close releases the connection. Closing twice is an error.
func (l *LineLink) Close() error {
	if l.closed {
		return fmt.Errorf("%w: %s already closed", hmc804x.ErrConnection, l.name)
	}
	l.closed = true
	return l.rwc.Close()
}
