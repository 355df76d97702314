// Copyright (c) 2020–2026 The ivsweep developers. All rights reserved.
// Project site: https://github.com/gotmc/ivsweep
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package ivsweep

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Fields gives the zero-based positions of the measured quantities within a
// comma-delimited reading. The positions are fixed by the instrument firmware
// and its data element format, not inferred from the reply.
type Fields struct {
	Voltage int
	Current int
}

// Keithley2400Fields is the default :READ? layout: voltage, current,
// resistance, timestamp, status.
var Keithley2400Fields = Fields{Voltage: 0, Current: 1}

// Reading is one parsed reply to the read query, in SI units.
type Reading struct {
	Voltage float64
	Current float64
}

func (f Fields) width() int {
	return max(f.Voltage, f.Current) + 1
}

// Parse splits a reply on commas and converts the voltage and current fields.
// The field count and both numbers are validated before use; any mismatch is
// reported as ErrProtocol.
func (f Fields) Parse(reply string) (Reading, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return Reading{}, Protocol(CmdRead, errors.New("empty reply"))
	}
	elems := strings.Split(reply, ",")
	if len(elems) < f.width() {
		return Reading{}, Protocol(CmdRead,
			errors.Errorf("reply %q has %d fields, want at least %d", reply, len(elems), f.width()))
	}
	v, err := parseField(elems, f.Voltage)
	if err != nil {
		return Reading{}, Protocol(CmdRead, errors.Wrapf(err, "voltage field in %q", reply))
	}
	i, err := parseField(elems, f.Current)
	if err != nil {
		return Reading{}, Protocol(CmdRead, errors.Wrapf(err, "current field in %q", reply))
	}
	return Reading{Voltage: v, Current: i}, nil
}

func parseField(elems []string, idx int) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(elems[idx]), 64)
}
