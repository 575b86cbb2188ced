// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/multierr"

	"github.com/gotmc/hmc804x"
)

// SplitTarget splits host[:port], defaulting the port.
func SplitTarget(target string) (host, port string) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return strings.Trim(target, "[]"), DefaultPort
	}
	return host, port
}

// DialTCP connects to target (host[:port]), trying every address the host
// resolves to, and flushes anything a previous client left unread.
func DialTCP(ctx context.Context, target string, opts ...Option) (*LineLink, error) {
	o := newOptions(opts)
	host, port := SplitTarget(target)
	addrs, err := o.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %v", hmc804x.ErrConnection, host, err)
	}

	var conn net.Conn
	attempt := func() error {
		var errs error
		refused := 0
		for _, addr := range addrs {
			d := net.Dialer{Timeout: o.connectTimeout}
			c, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr, port))
			if err == nil {
				conn = c
				return nil
			}
			o.log.Debugf("connecting to %s: %v", addr, err)
			if strings.Contains(strings.ToLower(err.Error()), "refused") {
				refused++
			}
			errs = multierr.Append(errs, err)
		}
		// nobody listening: retrying will not help
		if refused == len(addrs) {
			return backoff.Permanent(errs)
		}
		return errs
	}
	// the instrument's LAN stack drops connection attempts while a previous
	// session is being torn down, so back off and sweep again
	b := &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      o.connectBudget,
		Clock:               backoff.SystemClock,
	}
	if err := backoff.Retry(attempt, backoff.WithContext(b, ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: all addresses of %s exhausted: %v", hmc804x.ErrConnection, target, err)
	}

	name := net.JoinHostPort(host, port)
	setTimeout := func(d time.Duration) error { return conn.SetReadDeadline(time.Now().Add(d)) }
	l := newLineLink(name, conn, conn, "\n", setTimeout, o)
	o.log.Infof("connected to %s (%s)", name, conn.RemoteAddr())

	n, err := l.drain(flushWindow)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: flushing %s: %v", hmc804x.ErrConnection, name, err)
	}
	if n > 0 {
		o.log.Debugf("discarded %d stale bytes from %s", n, name)
	}
	return l, nil
}
