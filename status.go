// Copyright (c) 2024 The hmc804x developers. All rights reserved.
// Project site: https://github.com/gotmc/hmc804x
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package hmc804x

import (
	"fmt"
	"io"
)

// ChannelStatus is a snapshot of one channel. Every field is queried live.
type ChannelStatus struct {
	Channel  int
	Enabled  bool
	Voltage  float64 // setpoint, V
	Current  float64 // limit, A
	Measured float64 // live output current, A
}

// Status is a snapshot of the whole instrument.
type Status struct {
	Master   bool
	Channels []ChannelStatus
}

// Status queries the master state and then, per channel, the enable flag,
// both setpoints and a live current reading.
func (inst *Instrument) Status() (Status, error) {
	var st Status
	n, err := inst.Channels()
	if err != nil {
		return st, err
	}
	if st.Master, err = inst.IsMasterEnabled(); err != nil {
		return st, err
	}
	for idx := 1; idx <= n; idx++ {
		cs := ChannelStatus{Channel: idx}
		if cs.Enabled, err = inst.IsEnabled(idx); err != nil {
			return st, err
		}
		if cs.Voltage, err = inst.Voltage(idx); err != nil {
			return st, err
		}
		if cs.Current, err = inst.Current(idx); err != nil {
			return st, err
		}
		if cs.Measured, err = inst.MeasureCurrent(idx); err != nil {
			return st, err
		}
		st.Channels = append(st.Channels, cs)
	}
	return st, nil
}

// PrintStatus writes a human readable Status to w.
func (inst *Instrument) PrintStatus(w io.Writer) error {
	st, err := inst.Status()
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, st.String())
	return err
}

func (st Status) String() string {
	s := fmt.Sprintf("master: %s\n", onOff(st.Master))
	for _, cs := range st.Channels {
		s += cs.String() + "\n"
	}
	return s
}

func (cs ChannelStatus) String() string {
	return fmt.Sprintf("ch%d: %-3s %7.3f V %6.3f A limit %8.1f mA measured",
		cs.Channel, onOff(cs.Enabled), cs.Voltage, cs.Current, cs.Measured*1000)
}
