package connutil

import (
	"context"
	"testing"

	"github.com/gotmc/ivsweep"
	"github.com/gotmc/ivsweep/lib/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResource(t *testing.T) {
	tests := []struct {
		res      string
		pad, sad int
		ok       bool
	}{
		{"22", 22, NoSecondary, true},
		{"GPIB::22", 22, NoSecondary, true},
		{"gpib0::22::INSTR", 22, NoSecondary, true},
		{"GPIB0::22::96::INSTR", 22, 96, true},
		{" GPIB1::0 ", 0, NoSecondary, true},
		{"GPIB::31", 0, 0, false},
		{"GPIB0::22::95::INSTR", 0, 0, false},
		{"TCPIP::10.0.0.1::INSTR", 0, 0, false},
		{"GPIB::", 0, 0, false},
		{"", 0, 0, false},
		{"GPIB0::1::96::97::INSTR", 0, 0, false},
	}
	for _, tt := range tests {
		pad, sad, err := ParseResource(tt.res)
		if !tt.ok {
			assert.Error(t, err, tt.res)
			continue
		}
		require.NoError(t, err, tt.res)
		assert.Equal(t, tt.pad, pad, tt.res)
		assert.Equal(t, tt.sad, sad, tt.res)
	}
}

func TestIsNetAddr(t *testing.T) {
	assert.True(t, isNetAddr("192.168.1.20:1234"))
	assert.True(t, isNetAddr("prologix.lab:1234"))
	assert.False(t, isNetAddr("/dev/ttyUSB0"))
	assert.False(t, isNetAddr("COM3"))
	assert.False(t, isNetAddr("sim"))
	assert.False(t, isNetAddr("host:http"))
}

func TestOpenSim(t *testing.T) {
	in := sim.New()
	c := Conn{Resource: "GPIB0::22::INSTR", SerialPort: SimPort, Sim: in}
	s, err := c.Open(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Command(ivsweep.CmdOutputOn))
	assert.False(t, in.Local())

	require.NoError(t, s.Close())
	assert.True(t, in.Local())
	assert.True(t, in.Closed())
	// Only the first close does anything.
	assert.NoError(t, s.Close())
}

func TestOpenCreatesSim(t *testing.T) {
	c := Conn{Resource: "GPIB::5", SerialPort: SimPort}
	s, err := c.Open(context.Background())
	require.NoError(t, err)
	require.NotNil(t, c.Sim)
	pad, _, err := s.InstrumentAddress()
	require.NoError(t, err)
	assert.Equal(t, 5, pad)
	require.NoError(t, s.Close())
}

func TestOpenErrors(t *testing.T) {
	c := Conn{Resource: "GPIB::99", SerialPort: SimPort}
	_, err := c.Open(context.Background())
	assert.ErrorIs(t, err, ivsweep.ErrConnection)

	c = Conn{Resource: "GPIB::22", SerialPort: "/dev/does-not-exist-ivsweep", Baud: 115200}
	_, err = c.Open(context.Background())
	assert.ErrorIs(t, err, ivsweep.ErrConnection)
}

func sweepSpec(points int) ivsweep.SweepSpec {
	return ivsweep.SweepSpec{
		Start:      -1,
		Stop:       1,
		Points:     points,
		Compliance: 1e-3,
		Settle:     1,
		ResetDelay: 1,
	}
}

func TestSweepThroughSession(t *testing.T) {
	in := sim.New(sim.WithModel(sim.Resistor(1e3)))
	c := Conn{Resource: "GPIB::22", SerialPort: SimPort, Sim: in}
	s, err := c.Open(context.Background())
	require.NoError(t, err)

	sw, err := ivsweep.NewSweeper(sweepSpec(5), "R1k", ivsweep.WithIdentify())
	require.NoError(t, err)
	res, err := sw.Run(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, sim.IDN, res.Instrument)
	assert.Equal(t, []float64{-1, -0.5, 0, 0.5, 1}, res.Voltages())
	cur := res.Currents()
	for i, v := range res.Voltages() {
		assert.InDelta(t, v, cur[i], 1e-9, "1 kΩ gives 1 mA per volt")
	}

	mode, current, vlimit := in.Idle()
	assert.Equal(t, "CURR", mode)
	assert.Equal(t, 1e-3, current)
	assert.Equal(t, 1.0, vlimit)
	assert.False(t, in.Output())
	assert.True(t, in.Local())
	assert.True(t, in.Closed())
}

func TestSweepThroughSessionFaults(t *testing.T) {
	tests := []struct {
		name string
		opt  sim.Option
		kind error
	}{
		{"malformed reading", sim.WithMalformedRead(3), ivsweep.ErrProtocol},
		{"dropped reading", sim.WithDroppedRead(2), ivsweep.ErrCommunication},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := sim.New(tt.opt)
			c := Conn{Resource: "GPIB::22", SerialPort: SimPort, Sim: in}
			s, err := c.Open(context.Background())
			require.NoError(t, err)

			sw, err := ivsweep.NewSweeper(sweepSpec(5), "dut")
			require.NoError(t, err)
			res, err := sw.Run(context.Background(), s)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, ivsweep.StageSweep, ivsweep.StageOf(err))

			cmds := in.Commands()
			assert.Equal(t, []string{":OUTP OFF", "SYSTEM:KEY 23"}, cmds[len(cmds)-2:])
			assert.False(t, in.Output())
			assert.True(t, in.Local())
			assert.True(t, in.Closed())
		})
	}
}

func TestSweepThroughSessionCableLoss(t *testing.T) {
	in := sim.New()
	c := Conn{Resource: "GPIB::22", SerialPort: SimPort, Sim: in}
	s, err := c.Open(context.Background())
	require.NoError(t, err)

	sw, err := ivsweep.NewSweeper(sweepSpec(10), "dut", ivsweep.WithProgress(func(p ivsweep.Progress) {
		if p.Step == 4 {
			in.FailWrites()
		}
	}))
	require.NoError(t, err)
	res, err := sw.Run(context.Background(), s)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ivsweep.ErrCommunication)
	assert.Equal(t, ivsweep.StageSweep, ivsweep.StageOf(err))
	assert.Contains(t, err.Error(), "sweep step 5")
	assert.True(t, in.Closed(), "port is closed even when cleanup commands fail")
}
