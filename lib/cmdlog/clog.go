// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package cmdlog builds the run's logger and traces protocol exchanges.
package cmdlog

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing to w whose level follows the -v count.
// debug raises the level to at least debug.
func New(w io.Writer, verbosity int, debug bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	log.SetLevel(Level(verbosity, debug))
	return log
}

// Level maps a verbosity count to a logrus level.
func Level(verbosity int, debug bool) logrus.Level {
	var level logrus.Level
	switch {
	case verbosity <= 0:
		level = logrus.WarnLevel
	case verbosity == 1:
		level = logrus.InfoLevel
	case verbosity == 2:
		level = logrus.DebugLevel
	default:
		level = logrus.TraceLevel
	}
	if debug && level < logrus.DebugLevel {
		level = logrus.DebugLevel
	}
	return level
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// Exchange traces one command and, for queries, its response.
func Exchange(log *logrus.Entry, cmd, resp string, query bool, d time.Duration) {
	if !log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		return
	}
	e := log.WithFields(logrus.Fields{"cmd": cmd, "dur": d.Round(time.Microsecond)})
	if !query {
		e.Trace("sent")
		return
	}
	e.WithField("resp", Render(resp)).Trace("received")
}

// Render formats a payload for the log: quoted when it is printable ASCII,
// hex otherwise.
func Render(a string) string {
	if len(a) == 0 {
		return "<no response>"
	}
	if isAscii(a) {
		return fmt.Sprintf("%q", a)
	}
	if len(a) < 32 {
		return fmt.Sprintf("[%d] %q (% 2x)", len(a), a, []byte(a))
	}
	return fmt.Sprintf("[%d] % 2x", len(a), []byte(a))
}

func isAscii(s string) bool {
	return !strings.ContainsFunc(s, func(r rune) bool {
		switch {
		case r < 7:
			return true
		case r > 6 && r < 14:
			return false
		case r > 13 && r < 32:
			return true
		case r > 127:
			return true
		}
		return false
	})
}
