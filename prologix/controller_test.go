// Copyright (c) 2020–2026 The ivsweep developers. All rights reserved.
// Project site: https://github.com/gotmc/ivsweep
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package prologix

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/gotmc/ivsweep"
	"github.com/gotmc/ivsweep/lib/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wire records everything written and replays canned replies.
type wire struct {
	bytes.Buffer
	written strings.Builder
}

func (w *wire) Write(p []byte) (int, error)       { return w.written.Write(p) }
func (w *wire) WriteString(s string) (int, error) { return w.written.WriteString(s) }

func TestNewControllerInit(t *testing.T) {
	tests := []struct {
		name string
		opts []ControllerOption
		want string
	}{
		{
			"defaults",
			nil,
			"++verbose 0\n++savecfg 0\n++addr 22\n++mode 1\n++auto 0\n++eoi 1\n++eos 0\n" +
				"++read_tmo_ms 500\n++eot_char 10\n++eot_enable 1\n++savecfg 1\n",
		},
		{
			"ar488 with secondary",
			[]ControllerOption{WithAR488(), WithSecondaryAddress(96), WithReadTimeout(2 * time.Second)},
			"++addr 22 96\n++mode 1\n++auto 0\n++eoi 1\n++eos 0\n" +
				"++read_tmo_ms 2000\n++eot_char 10\n++eot_enable 1\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w wire
			_, err := NewController(&w, 22, false, tt.opts...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, w.written.String())
		})
	}
}

func TestNewControllerClear(t *testing.T) {
	var w wire
	_, err := NewController(&w, 5, true, WithAR488())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(w.written.String(), "++eot_enable 1\n++clr\n"))
}

func TestNewControllerInvalidAddress(t *testing.T) {
	for _, tt := range []struct {
		pad  int
		opts []ControllerOption
	}{
		{31, nil},
		{-1, nil},
		{22, []ControllerOption{WithSecondaryAddress(95)}},
		{22, []ControllerOption{WithSecondaryAddress(127)}},
	} {
		var w wire
		_, err := NewController(&w, tt.pad, false, tt.opts...)
		assert.ErrorIs(t, err, ivsweep.ErrConnection)
		assert.Empty(t, w.written.String(), "nothing is sent for an invalid address")
	}
}

func TestCommandAndQuery(t *testing.T) {
	in := sim.New()
	c, err := NewController(in, 22, false)
	require.NoError(t, err)

	require.NoError(t, c.Command(ivsweep.CmdReset))
	require.NoError(t, c.Command(ivsweep.CmdSetVoltage, "1.5"))
	idn, err := c.Query(ivsweep.CmdIdentify)
	require.NoError(t, err)
	assert.Equal(t, sim.IDN, idn)
	assert.Equal(t, []string{"*RST", ":SOUR:VOLT 1.5", "*IDN?"}, in.Commands())
}

func TestQueryNoResponse(t *testing.T) {
	in := sim.New(sim.WithDroppedRead(1))
	c, err := NewController(in, 22, false)
	require.NoError(t, err)

	_, err = c.Query(ivsweep.CmdRead)
	assert.ErrorIs(t, err, ivsweep.ErrCommunication)
	assert.Contains(t, err.Error(), "no response")
}

func TestCommandWriteFailure(t *testing.T) {
	in := sim.New()
	c, err := NewController(in, 22, false)
	require.NoError(t, err)

	in.FailWrites()
	err = c.Command(ivsweep.CmdOutputOff)
	assert.ErrorIs(t, err, ivsweep.ErrCommunication)
	assert.Contains(t, err.Error(), ivsweep.CmdOutputOff)
}

// silentPort accepts writes and times out every read the way a serial port
// with a read timeout does: no bytes and no error.
type silentPort struct {
	wire
	reads int
}

func (p *silentPort) Read(b []byte) (int, error) {
	p.reads++
	return 0, nil
}

func TestQueryReadTimeout(t *testing.T) {
	var port silentPort
	c, err := NewController(&port, 22, false)
	require.NoError(t, err)

	_, err = c.Query(ivsweep.CmdRead)
	assert.ErrorIs(t, err, ivsweep.ErrCommunication)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, port.reads, "a single expired read is enough to give up")
}

func TestClearDevice(t *testing.T) {
	in := sim.New()
	c, err := NewController(in, 22, false)
	require.NoError(t, err)
	require.NoError(t, c.ClearDevice())
	require.NoError(t, c.Command(ivsweep.CmdIdentify))
	assert.Equal(t, []string{"*IDN?"}, in.Commands())
}

func TestControllerQueries(t *testing.T) {
	in := sim.New()
	c, err := NewController(in, 7, false, WithSecondaryAddress(100), WithReadTimeout(1200*time.Millisecond))
	require.NoError(t, err)

	ver, err := c.Version()
	require.NoError(t, err)
	assert.Contains(t, ver, "Prologix GPIB-USB")

	tmo, err := c.ReadTimeout()
	require.NoError(t, err)
	assert.Equal(t, 1200*time.Millisecond, tmo)

	pad, sad, err := c.InstrumentAddress()
	require.NoError(t, err)
	assert.Equal(t, 7, pad)
	assert.Equal(t, 100, sad)

	term, err := c.GPIBTermination()
	require.NoError(t, err)
	assert.Equal(t, AppendCRLF, term)
}

func TestFrontPanel(t *testing.T) {
	in := sim.New()
	c, err := NewController(in, 22, false)
	require.NoError(t, err)

	require.NoError(t, c.Command(ivsweep.CmdOutputOn))
	assert.False(t, in.Local())
	require.NoError(t, c.FrontPanel(true))
	assert.True(t, in.Local())
}

func TestAddressValidity(t *testing.T) {
	assert.True(t, IsPrimaryAddressValid(0))
	assert.True(t, IsPrimaryAddressValid(30))
	assert.False(t, IsPrimaryAddressValid(31))
	assert.True(t, IsSecondaryAddressValid(96))
	assert.True(t, IsSecondaryAddressValid(126))
	assert.False(t, IsSecondaryAddressValid(0))
}
