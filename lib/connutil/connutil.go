package connutil

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotmc/ivsweep"
	"github.com/gotmc/ivsweep/lib/find"
	"github.com/gotmc/ivsweep/lib/sim"
	"github.com/gotmc/ivsweep/prologix"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.bug.st/serial"
	"go.uber.org/multierr"
)

// SimPort selects the in-process simulator instead of a real adapter.
const SimPort = "sim"

// NoSecondary marks the absence of a secondary GPIB address.
const NoSecondary = 0xff

type Conn struct {
	Resource    string // GPIB resource, e.g. GPIB::22 or GPIB0::22::INSTR
	SerialPort  string // tty path, host:port for a Prologix Ethernet, or "sim"
	Baud        int
	Delay       time.Duration
	ReadTimeout time.Duration
	AR488       bool
	Clear       bool // send Selected Device Clear after setting up the controller
	Debug       bool

	// Sim, if set, is used when SerialPort is SimPort. Tests use it to
	// inspect the simulated instrument after a run.
	Sim *sim.Instrument
}

// AddFlags is to be called before [pflag.Parse]. The default port is the
// first Prologix or AR488 adapter found on USB.
func (c *Conn) AddFlags(fs *pflag.FlagSet) {
	tty, err := find.Find(find.AnyFilter(find.PrologixFilter, find.ArduinoFilter))
	port := "/dev/ttyUSB0"
	if err != nil {
		log.Debug().Err(err).Str("port", port).Msg("locating serial port failed, guessing")
	} else {
		port = "/dev/" + tty
	}
	fs.StringVar(&c.Resource, "addr", "GPIB::22", "GPIB resource of the SMU")
	fs.StringVar(&c.SerialPort, "port", port, "serial port of the Prologix VCP, host:port for Ethernet, or \"sim\"")
	fs.IntVar(&c.Baud, "baud", 115200, "serial baud rate")
	fs.DurationVar(&c.Delay, "delay", 0, "delay before each write to the controller")
	fs.DurationVar(&c.ReadTimeout, "read-timeout", 500*time.Millisecond, "GPIB read timeout (1ms-3s)")
	fs.BoolVar(&c.AR488, "ar488", false, "controller is an Arduino AR488")
	fs.BoolVar(&c.Clear, "clear", false, "send Selected Device Clear to the SMU on open")
}

// ParseResource extracts the GPIB primary and secondary address from a
// resource string. Accepted forms are "22", "GPIB::22", "GPIB0::22::INSTR"
// and "GPIB0::22::96::INSTR". sad is NoSecondary if none is given.
func ParseResource(res string) (pad, sad int, err error) {
	fields := strings.Split(strings.TrimSpace(res), "::")
	if len(fields) > 1 {
		if !strings.HasPrefix(strings.ToUpper(fields[0]), "GPIB") {
			return 0, 0, errors.Errorf("resource %q: not a GPIB resource", res)
		}
		fields = fields[1:]
	}
	if n := len(fields); n > 1 && strings.EqualFold(fields[n-1], "INSTR") {
		fields = fields[:n-1]
	}
	if len(fields) == 0 || len(fields) > 2 {
		return 0, 0, errors.Errorf("resource %q: malformed", res)
	}
	pad, err = strconv.Atoi(fields[0])
	if err != nil || !prologix.IsPrimaryAddressValid(pad) {
		return 0, 0, errors.Errorf("resource %q: invalid primary address", res)
	}
	sad = NoSecondary
	if len(fields) == 2 {
		sad, err = strconv.Atoi(fields[1])
		if err != nil || !prologix.IsSecondaryAddressValid(sad) {
			return 0, 0, errors.Errorf("resource %q: invalid secondary address", res)
		}
	}
	return pad, sad, nil
}

// Open resolves the resource to a live session. Failures are
// ivsweep.ErrConnection. The caller owns the session and must Close it.
func (c *Conn) Open(ctx context.Context, opts ...prologix.ControllerOption) (*Session, error) {
	pad, sad, err := ParseResource(c.Resource)
	if err != nil {
		return nil, ivsweep.Connection(c.Resource, err)
	}

	port, err := c.openPort(ctx)
	if err != nil {
		return nil, ivsweep.Connection(c.SerialPort, err)
	}
	log.Info().Str("port", c.SerialPort).Str("resource", c.Resource).Msg("opened controller port")

	if c.Delay > 0 {
		opts = append(opts, prologix.WithWriteDelay(c.Delay))
	}
	if c.ReadTimeout > 0 {
		opts = append(opts, prologix.WithReadTimeout(c.ReadTimeout))
	}
	if sad != NoSecondary {
		opts = append(opts, prologix.WithSecondaryAddress(sad))
	}
	if c.AR488 {
		opts = append(opts, prologix.WithAR488())
	}
	if c.Debug {
		opts = append(opts, prologix.WithDebug())
	}

	gpib, err := prologix.NewController(port, pad, c.Clear, opts...)
	if err != nil {
		return nil, multierr.Append(ivsweep.Connection(c.Resource, err), port.Close())
	}
	return &Session{Controller: gpib, port: port}, nil
}

func (c *Conn) openPort(ctx context.Context) (io.ReadWriteCloser, error) {
	switch {
	case c.SerialPort == SimPort:
		if c.Sim == nil {
			c.Sim = sim.New()
		}
		return c.Sim, nil
	case isNetAddr(c.SerialPort):
		d := net.Dialer{Timeout: 5 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", c.SerialPort)
		if err != nil {
			return nil, err
		}
		if c.ReadTimeout > 0 {
			return &deadlineConn{Conn: conn, timeout: c.ReadTimeout + time.Second}, nil
		}
		return conn, nil
	default:
		port, err := serial.Open(c.SerialPort, &serial.Mode{
			BaudRate: c.Baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return nil, err
		}
		timeout := c.ReadTimeout + time.Second
		if err := port.SetReadTimeout(timeout); err != nil {
			return nil, multierr.Append(err, port.Close())
		}
		return port, nil
	}
}

// isNetAddr reports whether s looks like host:port rather than a device path.
func isNetAddr(s string) bool {
	if strings.HasPrefix(s, "/") || strings.HasPrefix(strings.ToUpper(s), "COM") {
		return false
	}
	_, port, err := net.SplitHostPort(s)
	if err != nil {
		return false
	}
	_, err = strconv.Atoi(port)
	return err == nil
}

// deadlineConn bounds every read so an unanswered query surfaces as an
// error instead of blocking forever.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (d *deadlineConn) Read(p []byte) (int, error) {
	if err := d.Conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, err
	}
	return d.Conn.Read(p)
}

// Session is an instrument session: a GPIB controller plus the port it owns.
// It satisfies ivsweep.Link.
type Session struct {
	*prologix.Controller
	port io.ReadWriteCloser
	once sync.Once
	err  error
}

// Close returns the instrument to front-panel control, discards unread data
// and closes the port. It is safe to call more than once and after failed
// commands; only the first call does any work.
func (s *Session) Close() error {
	s.once.Do(func() {
		// Return local control to the front panel.
		s.err = s.Controller.FrontPanel(true)

		// Discard any unread data on the serial port and then close.
		if fl, ok := s.port.(interface{ ResetInputBuffer() error }); ok {
			s.err = multierr.Append(s.err, fl.ResetInputBuffer())
		}
		if err := s.port.Close(); err != nil {
			s.err = multierr.Append(s.err, errors.Wrap(err, "closing port"))
		}
	})
	return s.err
}
