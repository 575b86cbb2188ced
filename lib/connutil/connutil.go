// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package connutil holds the connection flags shared by command line tools
// and turns them into an identified Instrument.
package connutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/gotmc/hmc804x"
	"github.com/gotmc/hmc804x/lib/find"
	"github.com/gotmc/hmc804x/lib/metrics"
	"github.com/gotmc/hmc804x/lib/sim"
	"github.com/gotmc/hmc804x/lib/transport"
)

const (
	// EnvConnection names the environment variable consulted when no
	// --connect flag is given.
	EnvConnection = "HMC804X_CONNECTION"

	// SimScheme prefixes targets served by the in-memory simulator, e.g.
	// sim://HMC8042.
	SimScheme = "sim://"
)

// Defaults is the YAML defaults file.
type Defaults struct {
	Connection  string `yaml:"connection"`
	ReadTimeout string `yaml:"read_timeout"` // e.g. "1500ms"
	Family      string `yaml:"family"`
}

// LoadDefaults reads a defaults file.
func LoadDefaults(path string) (Defaults, error) {
	var d Defaults
	b, err := os.ReadFile(path)
	if err != nil {
		return d, err
	}
	if err := yaml.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("parsing %s: %w", path, err)
	}
	if d.ReadTimeout != "" {
		if _, err := time.ParseDuration(d.ReadTimeout); err != nil {
			return d, fmt.Errorf("parsing %s: read_timeout: %w", path, err)
		}
	}
	return d, nil
}

// Conn collects the connection flags.
type Conn struct {
	Connect     string
	Discover    bool
	ConfigFile  string
	ReadTimeout time.Duration
	Family      string

	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// Discoverer is used with --discover; defaults to find.NewUSB.
	Discoverer find.Discoverer

	defaults Defaults
}

// AddFlags is to be called before fs is parsed.
func (c *Conn) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Connect, "connect", "c", c.Connect,
		"instrument address: host[:port], serial device (/dev/ttyACM0, COM3) or sim://MODEL")
	fs.BoolVarP(&c.Discover, "discover", "d", c.Discover,
		"look for an instrument on the USB serial ports")
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile,
		"YAML defaults file (keys: connection, read_timeout, family)")
	fs.DurationVarP(&c.ReadTimeout, "timeout", "t", c.ReadTimeout,
		"read timeout (default from config file, else "+transport.DefaultTimeout.String()+")")
	fs.StringVar(&c.Family, "family", c.Family,
		"model prefix the instrument must report (default "+hmc804x.DefaultFamily+")")
}

func (c *Conn) getenv(key string) string {
	if c.Getenv != nil {
		return c.Getenv(key)
	}
	return os.Getenv(key)
}

func (c *Conn) loadDefaults() error {
	if c.ConfigFile == "" {
		return nil
	}
	d, err := LoadDefaults(c.ConfigFile)
	if err != nil {
		return fmt.Errorf("%w: %v", hmc804x.ErrValidation, err)
	}
	c.defaults = d
	return nil
}

// Target decides where to connect: the --connect flag, then the
// environment, then the defaults file, then discovery. The second result
// names the source.
func (c *Conn) Target(ctx context.Context, log *logrus.Logger) (string, string, error) {
	if err := c.loadDefaults(); err != nil {
		return "", "", err
	}
	switch {
	case c.Connect != "":
		return c.Connect, "flag", nil
	case c.getenv(EnvConnection) != "":
		return c.getenv(EnvConnection), EnvConnection, nil
	case c.defaults.Connection != "":
		return c.defaults.Connection, c.ConfigFile, nil
	case c.Discover:
		d := c.Discoverer
		if d == nil {
			d = find.NewUSB(find.DefaultFilter, log)
		}
		cand, err := find.First(ctx, d)
		if err != nil {
			return "", "", err
		}
		return cand.Port, "discovery", nil
	}
	return "", "", fmt.Errorf("%w: no instrument given; pass --connect (or set %s)", hmc804x.ErrConnection, EnvConnection)
}

func (c *Conn) readTimeout() time.Duration {
	if c.ReadTimeout > 0 {
		return c.ReadTimeout
	}
	if c.defaults.ReadTimeout != "" {
		d, _ := time.ParseDuration(c.defaults.ReadTimeout)
		return d
	}
	return transport.DefaultTimeout
}

func (c *Conn) family() string {
	switch {
	case c.Family != "":
		return c.Family
	case c.defaults.Family != "":
		return c.defaults.Family
	}
	return hmc804x.DefaultFamily
}

// Setup is to be called after the flag set is parsed. It opens the link,
// identifies the instrument and returns it with a cleanup that returns the
// front panel to local control and closes the link.
func (c *Conn) Setup(ctx context.Context, log *logrus.Logger, rec *metrics.Recorder) (inst *hmc804x.Instrument, cleanup func() error, err error) {
	nocleanup := func() error { return nil }

	target, source, err := c.Target(ctx, log)
	if err != nil {
		return nil, nocleanup, err
	}
	log.WithField("source", source).Infof("connecting to %s", target)

	var link hmc804x.Link
	if model, ok := strings.CutPrefix(target, SimScheme); ok {
		link = sim.New(model)
	} else {
		link, err = transport.Open(ctx, target,
			transport.WithLogger(log),
			transport.WithTimeout(c.readTimeout()),
		)
		if err != nil {
			return nil, nocleanup, err
		}
	}

	inst = hmc804x.NewInstrument(link,
		hmc804x.WithLogger(log),
		hmc804x.WithMetrics(rec),
		hmc804x.WithFamily(c.family()),
		hmc804x.WithReadTimeout(c.readTimeout()),
	)
	id, err := inst.Identify()
	if err != nil {
		return nil, nocleanup, multierr.Append(err, link.Close())
	}
	log.Infof("connected to %s", id)

	cleanup = func() error {
		err := inst.Local()
		if errors.Is(err, hmc804x.ErrConnection) {
			log.Debugf("cannot release front panel: %s", err)
			err = nil
		}
		return multierr.Append(err, inst.Close())
	}
	return inst, cleanup, nil
}
