// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package find locates instruments attached through their USB virtual COM
// port.
package find

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial/enumerator"

	"github.com/gotmc/hmc804x"
	"github.com/gotmc/hmc804x/lib/cmdlog"
)

// RohdeSchwarzVID is the USB vendor id of Rohde & Schwarz (HAMEG).
const RohdeSchwarzVID = "0AAD"

// Candidate is a serial port that may lead to an instrument.
type Candidate struct {
	Port         string // device to open, e.g. /dev/ttyACM0 or COM3
	Path         string // sysfs path, when known
	VID, PID     string
	Manufacturer string
	Product      string
	Serial       string
}

func (c Candidate) String() string {
	return fmt.Sprintf("port %s vid/pid %s/%s mfg/prod %s/%s serial %s",
		c.Port, c.VID, c.PID, c.Manufacturer, c.Product, c.Serial)
}

// Candidates is a list of ports.
type Candidates []Candidate

func (cs Candidates) String() string {
	s := make([]string, 0, len(cs))
	for _, c := range cs {
		s = append(s, c.String())
	}
	return strings.Join(s, "\n")
}

// FilterFn reports whether a candidate is wanted.
type FilterFn func(*Candidate) bool

// VendorFilter matches the USB vendor id, ignoring case.
func VendorFilter(vid string) FilterFn {
	return func(c *Candidate) bool { return strings.EqualFold(c.VID, vid) }
}

// ProductFilter matches candidates whose product string contains s.
func ProductFilter(s string) FilterFn {
	return func(c *Candidate) bool { return strings.Contains(c.Product, s) }
}

// SerialFilter matches a USB serial number.
func SerialFilter(s string) FilterFn {
	return func(c *Candidate) bool { return c.Serial == s }
}

// All matches candidates every filter matches.
func All(filters ...FilterFn) FilterFn {
	return func(c *Candidate) bool {
		for _, f := range filters {
			if !f(c) {
				return false
			}
		}
		return true
	}
}

// DefaultFilter matches any Rohde & Schwarz USB device.
var DefaultFilter = VendorFilter(RohdeSchwarzVID)

func (f FilterFn) apply(cs Candidates) Candidates {
	if f == nil {
		return cs
	}
	var out Candidates
	for i := range cs {
		if f(&cs[i]) {
			out = append(out, cs[i])
		}
	}
	return out
}

// Discoverer lists the ports that may lead to an instrument.
type Discoverer interface {
	Discover(ctx context.Context) (Candidates, error)
}

// First runs d and returns its only result. Zero or several results are
// connection errors, since the user has to pick a port.
func First(ctx context.Context, d Discoverer) (Candidate, error) {
	cs, err := d.Discover(ctx)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: discovery failed: %v", hmc804x.ErrConnection, err)
	}
	switch len(cs) {
	case 0:
		return Candidate{}, fmt.Errorf("%w: no matching instrument found; pass --connect", hmc804x.ErrConnection)
	case 1:
		return cs[0], nil
	}
	return Candidate{}, fmt.Errorf("%w: several matching instruments, pick one with --connect:\n%s",
		hmc804x.ErrConnection, cs)
}

// None discovers nothing.
type None struct{}

// Discover returns no candidates.
func (None) Discover(context.Context) (Candidates, error) { return nil, nil }

// USB lists serial ports through the enumerator of go.bug.st/serial, which
// works on Linux, macOS and Windows. Where the enumerator is not
// implemented, Fallback is asked instead.
type USB struct {
	Filter   FilterFn
	Fallback Discoverer
	log      *logrus.Entry
	list     func() ([]*enumerator.PortDetails, error)
}

// NewUSB creates a USB discoverer falling back to the sysfs walk.
func NewUSB(filter FilterFn, log *logrus.Logger) *USB {
	if log == nil {
		log = cmdlog.Discard()
	}
	entry := log.WithField("component", "find")
	return &USB{
		Filter:   filter,
		Fallback: &Sysfs{Root: "/sys", Filter: filter, log: entry},
		log:      entry,
		list:     enumerator.GetDetailedPortsList,
	}
}

// Discover lists USB serial ports.
func (u *USB) Discover(ctx context.Context) (Candidates, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ports, err := u.list()
	if err != nil {
		if u.Fallback != nil {
			u.log.Debugf("port enumeration failed (%v), walking sysfs", err)
			return u.Fallback.Discover(ctx)
		}
		return nil, err
	}
	var cs Candidates
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		c := Candidate{
			Port:    p.Name,
			VID:     strings.ToUpper(p.VID),
			PID:     strings.ToUpper(p.PID),
			Product: p.Product,
			Serial:  p.SerialNumber,
		}
		u.log.Debugf("found %s", c)
		cs = append(cs, c)
	}
	return u.Filter.apply(cs), nil
}

// Sysfs finds ttys on usb devices by looking at Root/class/tty and the
// device directories the entries there link to. Linux only.
type Sysfs struct {
	Root   string
	Filter FilterFn
	log    *logrus.Entry
}

// Discover walks sysfs.
func (s *Sysfs) Discover(ctx context.Context) (Candidates, error) {
	log := s.log
	if log == nil {
		log = logrus.NewEntry(cmdlog.Discard())
	}
	sct := filepath.Join(s.Root, "class", "tty")
	entries, err := os.ReadDir(sct)
	if err != nil {
		return nil, err
	}
	var cs Candidates
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.Type()&fs.ModeSymlink == 0 {
			continue
		}
		// class/tty/ttyACM0 ->
		// devices/pci0000:00/0000:00:01.3/0000:02:00.0/usb1/1-10/1-10:1.0/tty/ttyACM0
		path := filepath.Join(sct, e.Name())
		abs, err := filepath.EvalSymlinks(path)
		if err != nil {
			log.Debugf("error evaluating symlink %s; skipping: %s", path, err)
			continue
		}
		if !strings.Contains(abs, string(filepath.Separator)+"usb") {
			continue
		}
		dev, err := filepath.EvalSymlinks(filepath.Join(abs, "device"))
		if err != nil {
			log.Debugf("usb but lacking device subdir: %s %s", abs, err)
			continue
		}
		// device is the interface (1-10:1.0), the ids live one level up
		c, err := readUSBInfo(filepath.Dir(dev))
		if err != nil {
			log.Debugf("%s: %s", abs, err)
		}
		c.Port = "/dev/" + e.Name()
		c.Path = abs
		cs = append(cs, c)
	}
	return s.Filter.apply(cs), nil
}

// readUSBInfo reads product and vendor ids and the mfg/product/serial
// strings. It returns the last error encountered, ignoring os.ErrNotExist;
// errors do not prevent reading the remaining files.
func readUSBInfo(dev string) (Candidate, error) {
	var c Candidate
	var err error
	read := func(name string) string {
		b, rerr := os.ReadFile(filepath.Join(dev, name))
		if rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = rerr
		}
		return strings.TrimSpace(string(b))
	}
	c.PID = strings.ToUpper(read("idProduct"))
	c.VID = strings.ToUpper(read("idVendor"))
	c.Manufacturer = read("manufacturer")
	c.Product = read("product")
	c.Serial = read("serial")
	return c, err
}
