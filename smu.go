// Copyright (c) 2020–2026 The ivsweep developers. All rights reserved.
// Project site: https://github.com/gotmc/ivsweep
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package ivsweep

import "strconv"

// SCPI commands understood by the Keithley 2400 series. These are the wire
// protocol to the SMU firmware and are sent verbatim.
const (
	CmdReset         = "*RST"
	CmdIdentify      = "*IDN?"
	CmdSourceVoltage = ":SOUR:FUNC:MODE VOLT"
	CmdCurrentLimit  = ":SENS:CURR:PROT:LEV %s"
	CmdCurrentAuto   = ":SENS:CURR:RANGE:AUTO 1"
	CmdOutputOn      = ":OUTP ON"
	CmdOutputOff     = ":OUTP OFF"
	CmdSetVoltage    = ":SOUR:VOLT %s"
	CmdRead          = ":READ?"
	CmdSourceCurrent = ":SOUR:FUNC:MODE curr"
	CmdSetCurrent    = ":SOUR:CURR %s"
	CmdVoltageLimit  = ":SENS:volt:PROT:LEV %s"
	CmdVoltageAuto   = ":SENS:volt:RANGE:AUTO 1"
	CmdLocal         = "SYSTEM:KEY 23" // press the LOCAL key
)

// FormatValue renders a setpoint as the shortest decimal string that
// round-trips, which the SMU accepts in both plain and exponent form.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
