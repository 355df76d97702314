// Package sim emulates a Prologix GPIB-USB controller with a Keithley 2400
// source-measure unit on the bus, so a sweep can run without hardware.
package sim

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Model returns the current (A) drawn by the device under test at voltage v.
type Model func(v float64) float64

// Resistor is an ohmic device.
func Resistor(ohms float64) Model {
	return func(v float64) float64 { return v / ohms }
}

// Diode is a Shockley diode with saturation current is and ideality n at
// room temperature.
func Diode(is, n float64) Model {
	const vt = 0.025852
	return func(v float64) float64 { return is * (math.Exp(v/(n*vt)) - 1) }
}

// IDN is the identification string returned for *IDN?.
const IDN = "KEITHLEY INSTRUMENTS INC.,MODEL 2400,4096213,C32   Oct  4 2010 14:20:11/A02  /S/K"

// Instrument is an io.ReadWriteCloser speaking the Prologix USB protocol.
type Instrument struct {
	mu  sync.Mutex
	in  bytes.Buffer
	out bytes.Buffer

	model Model

	// controller state
	addr    string
	readTmo int
	eos     int
	pending *string

	// SMU state
	output     bool
	sourceMode string
	vset       float64
	iset       float64
	ilimit     float64
	vlimit     float64
	local      bool
	errs       []string
	reads      int
	closed     bool
	commands   []string
	malformAt  int
	dropAt     int
	failWrites bool
}

// Option configures the simulator.
type Option func(*Instrument)

// WithModel sets the device under test. The default is a 10 kΩ resistor.
func WithModel(m Model) Option { return func(in *Instrument) { in.model = m } }

// WithMalformedRead makes the n-th (1-based) :READ? reply unparseable.
func WithMalformedRead(n int) Option { return func(in *Instrument) { in.malformAt = n } }

// WithDroppedRead makes the n-th (1-based) :READ? go unanswered.
func WithDroppedRead(n int) Option { return func(in *Instrument) { in.dropAt = n } }

// New returns a simulator in its power-on state.
func New(opts ...Option) *Instrument {
	in := &Instrument{
		model:   Resistor(10e3),
		readTmo: 500,
	}
	in.reset()
	for _, opt := range opts {
		opt(in)
	}
	return in
}

func (in *Instrument) reset() {
	in.output = false
	in.sourceMode = "VOLT"
	in.vset, in.iset = 0, 0
	in.ilimit = 105e-6
	in.vlimit = 21
	in.reads = 0
	in.errs = nil
}

// Write accepts bytes from the host. Complete lines are executed.
func (in *Instrument) Write(p []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return 0, io.ErrClosedPipe
	}
	if in.failWrites {
		return 0, errors.New("sim: write failed")
	}
	in.in.Write(p)
	for {
		line, err := in.in.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			in.in.Reset()
			in.in.WriteString(line)
			break
		}
		in.exec(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Read returns buffered replies. It returns io.EOF when nothing is pending,
// which is what a serial port with a read timeout looks like to the host.
func (in *Instrument) Read(p []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return 0, io.ErrClosedPipe
	}
	if in.out.Len() == 0 {
		return 0, io.EOF
	}
	return in.out.Read(p)
}

// Close marks the port closed. Later reads and writes fail.
func (in *Instrument) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	return nil
}

// FailWrites makes every later write fail, as if the cable were pulled.
func (in *Instrument) FailWrites() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.failWrites = true
}

// Commands returns the instrument (non-++) commands received so far.
func (in *Instrument) Commands() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.commands...)
}

// Output reports whether the SMU output is enabled.
func (in *Instrument) Output() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.output
}

// Local reports whether the SMU has been returned to front-panel control.
func (in *Instrument) Local() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.local
}

// Closed reports whether Close was called.
func (in *Instrument) Closed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

func (in *Instrument) exec(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if cmd, ok := strings.CutPrefix(line, "++"); ok {
		in.controller(cmd)
		return
	}
	in.commands = append(in.commands, line)
	in.local = false
	in.scpi(line)
}

func (in *Instrument) reply(s string) { in.pending = &s }

func (in *Instrument) controller(cmd string) {
	name, arg, _ := strings.Cut(strings.ToLower(cmd), " ")
	switch name {
	case "ver":
		in.out.WriteString("Prologix GPIB-USB Controller version 6.107 (simulated)\n")
	case "addr":
		if arg == "" {
			in.out.WriteString(in.addr + "\n")
			return
		}
		in.addr = arg
	case "read_tmo_ms":
		if arg == "" {
			fmt.Fprintf(&in.out, "%d\n", in.readTmo)
			return
		}
		in.readTmo, _ = strconv.Atoi(arg)
	case "eos":
		if arg == "" {
			fmt.Fprintf(&in.out, "%d\n", in.eos)
			return
		}
		in.eos, _ = strconv.Atoi(arg)
	case "read":
		if in.pending != nil {
			in.out.WriteString(*in.pending)
			in.pending = nil
		}
		in.out.WriteString("\n")
	case "loc":
		in.local = true
	case "clr":
		in.pending = nil
	}
}

func (in *Instrument) scpi(line string) {
	header, arg, _ := strings.Cut(line, " ")
	header = strings.ToUpper(strings.TrimPrefix(header, ":"))
	arg = strings.TrimSpace(arg)
	num := func() (float64, bool) {
		f, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			in.errs = append(in.errs, `-104,"Data type error"`)
			return 0, false
		}
		return f, true
	}

	switch header {
	case "*RST":
		in.reset()
	case "*IDN?":
		in.reply(IDN)
	case "SOUR:FUNC:MODE":
		in.sourceMode = strings.ToUpper(arg)
	case "SENS:CURR:PROT:LEV":
		if f, ok := num(); ok {
			in.ilimit = f
		}
	case "SENS:VOLT:PROT:LEV":
		if f, ok := num(); ok {
			in.vlimit = f
		}
	case "SENS:CURR:RANGE:AUTO", "SENS:VOLT:RANGE:AUTO":
	case "OUTP":
		in.output = strings.EqualFold(arg, "ON") || arg == "1"
	case "SOUR:VOLT":
		if f, ok := num(); ok {
			in.vset = f
		}
	case "SOUR:CURR":
		if f, ok := num(); ok {
			in.iset = f
		}
	case "READ?":
		in.read()
	case "SYSTEM:KEY", "SYST:KEY":
		if arg == "23" {
			in.local = true
		}
	case "SYST:ERR?":
		if len(in.errs) == 0 {
			in.reply(`0,"No error"`)
			return
		}
		in.reply(in.errs[0])
		in.errs = in.errs[1:]
	default:
		in.errs = append(in.errs, `-113,"Undefined header"`)
	}
}

func (in *Instrument) read() {
	in.reads++
	switch in.reads {
	case in.dropAt:
		return
	case in.malformAt:
		in.reply("+1.000000E+00;garbage")
		return
	}
	v, i := 0.0, 0.0
	if in.output && in.sourceMode == "VOLT" {
		v = in.vset
		i = in.model(v)
		if math.Abs(i) > in.ilimit {
			i = math.Copysign(in.ilimit, i)
		}
	}
	in.reply(fmt.Sprintf("%+.6E,%+.6E,%+.6E,%+.6E,%+.6E", v, i, 9.91e37, float64(in.reads)*0.1, 21508.0))
}

// Idle returns the source mode, source current and voltage protection level
// currently programmed.
func (in *Instrument) Idle() (mode string, current, vlimit float64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.sourceMode, in.iset, in.vlimit
}
