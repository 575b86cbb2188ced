// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package find

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial/enumerator"

	"github.com/gotmc/hmc804x"
)

type static Candidates

func (s static) Discover(context.Context) (Candidates, error) { return Candidates(s), nil }

func newTestUSB(filter FilterFn, ports []*enumerator.PortDetails, err error) *USB {
	u := NewUSB(filter, nil)
	u.list = func() ([]*enumerator.PortDetails, error) { return ports, err }
	return u
}

func TestUSBDiscover(t *testing.T) {
	ports := []*enumerator.PortDetails{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "0aad", PID: "0135", SerialNumber: "123456", Product: "HMC8043"},
		{Name: "/dev/ttyACM1", IsUSB: true, VID: "2341", PID: "0043", Product: "Arduino Uno"},
	}
	u := newTestUSB(DefaultFilter, ports, nil)
	cs, err := u.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cs) != 1 || cs[0].Port != "/dev/ttyACM0" || cs[0].VID != "0AAD" || cs[0].Serial != "123456" {
		t.Errorf("got %v", cs)
	}

	u = newTestUSB(nil, ports, nil)
	cs, err = u.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cs) != 2 {
		t.Errorf("unfiltered discovery found %d usb ports, want 2", len(cs))
	}
}

func TestUSBFallback(t *testing.T) {
	u := newTestUSB(nil, nil, errors.New("function not implemented"))
	u.Fallback = static{{Port: "/dev/ttyACM7"}}
	cs, err := u.Discover(context.Background())
	if err != nil || len(cs) != 1 || cs[0].Port != "/dev/ttyACM7" {
		t.Errorf("got %v, %v; want the fallback's result", cs, err)
	}

	u.Fallback = nil
	if _, err := u.Discover(context.Background()); err == nil {
		t.Error("enumeration error swallowed without a fallback")
	}
}

func TestFilters(t *testing.T) {
	c := Candidate{VID: "0AAD", Product: "HMC8042 Power Supply", Serial: "0815"}
	tests := []struct {
		name string
		f    FilterFn
		want bool
	}{
		{"vendor", VendorFilter("0aad"), true},
		{"other vendor", VendorFilter("2341"), false},
		{"product", ProductFilter("HMC804"), true},
		{"serial", SerialFilter("0815"), true},
		{"all", All(DefaultFilter, SerialFilter("0815")), true},
		{"all mismatch", All(DefaultFilter, SerialFilter("4711")), false},
	}
	for _, tt := range tests {
		if got := tt.f(&c); got != tt.want {
			t.Errorf("%s: got %t, want %t", tt.name, got, tt.want)
		}
	}
}

func TestFirst(t *testing.T) {
	ctx := context.Background()
	c, err := First(ctx, static{{Port: "/dev/ttyACM0"}})
	if err != nil || c.Port != "/dev/ttyACM0" {
		t.Errorf("single candidate: %v, %v", c, err)
	}
	_, err = First(ctx, None{})
	if !errors.Is(err, hmc804x.ErrConnection) {
		t.Errorf("no candidate: %v", err)
	}
	_, err = First(ctx, static{{Port: "/dev/ttyACM0"}, {Port: "/dev/ttyACM1"}})
	if !errors.Is(err, hmc804x.ErrConnection) || !strings.Contains(err.Error(), "ttyACM1") {
		t.Errorf("several candidates: %v", err)
	}
}

// fakeSysfs lays out the links Linux creates for a CDC ACM device and for
// a built-in UART.
func fakeSysfs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	mkdir := func(p string) {
		if err := os.MkdirAll(filepath.Join(root, p), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	write := func(p, s string) {
		if err := os.WriteFile(filepath.Join(root, p), []byte(s+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	link := func(target, name string) {
		if err := os.Symlink(filepath.Join(root, target), filepath.Join(root, name)); err != nil {
			t.Fatal(err)
		}
	}
	usbDev := "devices/pci0000:00/usb1/1-10"
	usbIf := usbDev + "/1-10:1.0"
	mkdir(usbIf + "/tty/ttyACM0")
	mkdir("devices/platform/serial8250/tty/ttyS0")
	mkdir("class/tty")
	write(usbDev+"/idVendor", "0aad")
	write(usbDev+"/idProduct", "0135")
	write(usbDev+"/manufacturer", "Rohde & Schwarz")
	write(usbDev+"/product", "HMC8043")
	write(usbDev+"/serial", "103456")
	link(usbIf, usbIf+"/tty/ttyACM0/device")
	link(usbIf+"/tty/ttyACM0", "class/tty/ttyACM0")
	link("devices/platform/serial8250/tty/ttyS0", "class/tty/ttyS0")
	write("class/tty/README", "not a link")
	return root
}

func TestSysfsDiscover(t *testing.T) {
	root := fakeSysfs(t)
	s := &Sysfs{Root: root, Filter: DefaultFilter, log: logrus.NewEntry(logrus.New())}
	cs, err := s.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cs) != 1 {
		t.Fatalf("got %d candidates, want 1:\n%s", len(cs), cs)
	}
	c := cs[0]
	if c.Port != "/dev/ttyACM0" || c.VID != "0AAD" || c.PID != "0135" ||
		c.Manufacturer != "Rohde & Schwarz" || c.Product != "HMC8043" || c.Serial != "103456" {
		t.Errorf("got %+v", c)
	}

	s.Filter = VendorFilter("2341")
	cs, err = s.Discover(context.Background())
	if err != nil || len(cs) != 0 {
		t.Errorf("filtered discovery returned %v, %v", cs, err)
	}
}

func TestSysfsMissingRoot(t *testing.T) {
	s := &Sysfs{Root: filepath.Join(t.TempDir(), "nope")}
	if _, err := s.Discover(context.Background()); err == nil {
		t.Error("missing sysfs did not fail")
	}
}
