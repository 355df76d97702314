// Copyright (c) 2020–2026 The ivsweep developers. All rights reserved.
// Project site: https://github.com/gotmc/ivsweep
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package prologix drives an instrument through a Prologix (or AR488) GPIB
// controller attached over a virtual COM port or Ethernet.
package prologix

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gotmc/ivsweep"
	"github.com/gotmc/query"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Controller models a GPIB controller-in-charge.
type Controller struct {
	rw               io.ReadWriter
	br               *bufio.Reader
	primaryAddr      int
	hasSecondaryAddr bool
	secondaryAddr    int
	auto             bool
	readTimeout      time.Duration
	writeDelay       time.Duration
	usbTerm          byte
	eotChar          byte
	debug            bool // if true, log controller commands before sending. Set via WithDebug().
	ar488            bool // compatibility with Arduino AR488 - see WithAR488 documentation for details.
}

// ControllerOption applies an option to the controller.
type ControllerOption func(*Controller)

// NewController creates a GPIB controller-in-charge at the given address using
// the given Prologix transport, which can either be a Virtual COM Port (VCP)
// or Ethernet. Enable clear to send the Selected Device Clear (SDC) message to
// the GPIB address. Optionally controller configuration can be included using
// a ControllerOption.
func NewController(
	rw io.ReadWriter,
	addr int,
	clear bool,
	opts ...ControllerOption,
) (*Controller, error) {
	c := Controller{
		rw:          rw,
		br:          bufio.NewReader(timeoutReader{rw}),
		primaryAddr: addr,
		readTimeout: 500 * time.Millisecond,
		usbTerm:     '\n',
		eotChar:     '\n',
	}

	// Apply options using the functional option pattern.
	for _, opt := range opts {
		opt(&c)
	}

	if !IsPrimaryAddressValid(c.primaryAddr) {
		return nil, ivsweep.Connection("gpib address",
			errors.Errorf("invalid primary address %d (must be 0-30)", c.primaryAddr))
	}

	// Configure the Prologix GPIB controller.
	addrCmd := fmt.Sprintf("addr %d", c.primaryAddr)
	if c.hasSecondaryAddr {
		if !IsSecondaryAddressValid(c.secondaryAddr) {
			return nil, ivsweep.Connection("gpib address",
				errors.Errorf("invalid secondary address %d (must be 96-126)", c.secondaryAddr))
		}
		addrCmd = fmt.Sprintf("addr %d %d", c.primaryAddr, c.secondaryAddr)
	}
	cmds := []string{}
	if !c.ar488 {
		cmds = append(cmds,
			"verbose 0", // turn off verbosity if on
			"savecfg 0", // Disable saving of configuration parameters in EPROM
		)
	}
	cmds = append(cmds,
		addrCmd,  // Set the primary address.
		"mode 1", // Switch to controller mode.
		"auto 0", // Turn off read-after-write and address instrument to listen.
		"eoi 1",  // Enable EOI assertion with last character.
		"eos 0",  // Set GPIB termination.
		fmt.Sprintf("read_tmo_ms %d", c.readTimeout.Milliseconds()),
		fmt.Sprintf("eot_char %d", c.eotChar),
		"eot_enable 1", // Append character when EOI detected.
	)
	if !c.ar488 {
		cmds = append(cmds,
			"savecfg 1", // Enable saving of configuration parameters in EPROM
		)
	}
	for _, cmd := range cmds {
		if err := c.CommandController(cmd); err != nil {
			return nil, ivsweep.Connection("controller init", err)
		}
	}
	if clear {
		if err := c.ClearDevice(); err != nil {
			return nil, ivsweep.Connection("controller init", err)
		}
	}

	return &c, nil
}

// WithSecondaryAddress sets a secondary address, which must be in the range of
// 96 and 126, inclusive.
func WithSecondaryAddress(addr int) ControllerOption {
	return func(c *Controller) {
		c.hasSecondaryAddr = true
		c.secondaryAddr = addr
	}
}

// WithDebug causes commands and responses to be logged.
func WithDebug() ControllerOption { return func(c *Controller) { c.debug = true } }

// WithAR488 slightly alters the init commands, for compatiblity with the
// Arduino-based AR488. Specifically, we do not emit 'verbose 0', nor do
// we toggle savecfg.
func WithAR488() ControllerOption { return func(c *Controller) { c.ar488 = true } }

// WithWriteDelay pauses for d before every write. Some older instruments drop
// commands that arrive back to back.
func WithWriteDelay(d time.Duration) ControllerOption {
	return func(c *Controller) { c.writeDelay = d }
}

// WithReadTimeout sets the controller's GPIB read timeout. The Prologix
// accepts 1 to 3000 ms.
func WithReadTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.readTimeout = d }
}

// Command formats according to a format specifier if provided and sends a
// SCPI/ASCII command to the instrument at the currently assigned GPIB address.
// All leading and trailing whitespace is removed before appending the USB
// terminator to the command sent to the Prologix.
func (c *Controller) Command(format string, a ...any) error {
	cmd := format
	if a != nil {
		cmd = fmt.Sprintf(format, a...)
	}
	if err := c.send(cmd); err != nil {
		return ivsweep.Communication(strings.TrimSpace(cmd), err)
	}
	return nil
}

// Query queries the instrument at the currently assigned GPIB using the given
// SCPI/ASCII command and returns the reply without its terminator. When
// read-after-write is disabled, `++read eoi` is sent to make the Prologix
// address the instrument to talk. An empty reply means the instrument did not
// answer within the read timeout.
func (c *Controller) Query(cmd string) (string, error) {
	op := strings.TrimSpace(cmd)
	if err := c.send(cmd); err != nil {
		return "", ivsweep.Communication(op, errors.Wrap(err, "writing command"))
	}
	// If read-after-write is disabled, need to tell the Prologix controller to
	// read.
	if !c.auto {
		if err := c.send("++read eoi"); err != nil {
			return "", ivsweep.Communication(op, errors.Wrap(err, "sending ++read eoi"))
		}
	}
	s, err := c.br.ReadString(c.eotChar)
	if err != nil && !(err == io.EOF && s != "") {
		return "", ivsweep.Communication(op, errors.Wrap(err, "reading response"))
	}
	if c.debug {
		log.Debug().Str("query", op).Str("reply", s).Msg("prologix read")
	}
	s = strings.TrimRight(s, "\r\n")
	if s == "" {
		return "", ivsweep.Communication(op, errors.New("no response"))
	}
	return s, nil
}

// QueryController sends the given command to the Prologix controller and
// returns its response as a string. To indicate this is a command for the
// Prologix controller, thereby not transmitting over GPIB, two plus signs `++`
// are prepended. Addtionally, a new line is appended to act as the USB
// termination character.
func (c *Controller) QueryController(cmd string) (string, error) {
	if err := c.CommandController(cmd); err != nil {
		return "", err
	}
	s, err := c.br.ReadString(c.eotChar)
	if c.debug {
		log.Debug().Str("reply", s).Msg("prologix controller read")
	}
	if err != nil && !(err == io.EOF && s != "") {
		return "", ivsweep.Communication("++"+cmd, err)
	}
	return strings.TrimRight(s, "\r\n"), nil
}

// CommandController sends the given command to the Prologix controller. To
// indicate this is a command for the Prologix controller, thereby not
// transmitting to the instrument over GPIB, two plus signs `++` are prepended.
// Addtionally, a new line is appended to act as the USB termination character.
func (c *Controller) CommandController(cmd string) error {
	cmd = "++" + strings.ToLower(strings.TrimSpace(cmd))
	if err := c.send(cmd); err != nil {
		return ivsweep.Communication(cmd, err)
	}
	return nil
}

// FrontPanel returns the instrument to local (front panel) control when
// local is true, or asserts remote otherwise.
func (c *Controller) FrontPanel(local bool) error {
	if local {
		return c.CommandController("loc")
	}
	return c.CommandController("llo")
}

// ClearDevice sends the Selected Device Clear (SDC) message to the instrument.
func (c *Controller) ClearDevice() error {
	return c.CommandController("clr")
}

// Version returns the controller's version string.
func (c *Controller) Version() (string, error) {
	return query.String(controllerQuerier{c}, "ver")
}

// ReadTimeout queries the GPIB read timeout configured in the controller.
func (c *Controller) ReadTimeout() (time.Duration, error) {
	ms, err := query.Int(controllerQuerier{c}, "read_tmo_ms")
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// InstrumentAddress returns the primary and, if set, secondary GPIB address
// the controller is configured for.
func (c *Controller) InstrumentAddress() (primary, secondary int, err error) {
	s, err := c.QueryController("addr")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, 0, ivsweep.Protocol("++addr", errors.Errorf("empty reply"))
	}
	if _, err := fmt.Sscan(fields[0], &primary); err != nil {
		return 0, 0, ivsweep.Protocol("++addr", err)
	}
	if len(fields) > 1 {
		if _, err := fmt.Sscan(fields[1], &secondary); err != nil {
			return 0, 0, ivsweep.Protocol("++addr", err)
		}
	}
	return primary, secondary, nil
}

func (c *Controller) send(cmd string) error {
	cmd = fmt.Sprintf("%s%c", strings.TrimSpace(cmd), c.usbTerm)
	if c.debug {
		log.Debug().Str("cmd", cmd).Hex("hex", []byte(cmd)).Msg("prologix write")
	}
	c.pause()
	_, err := io.WriteString(c.rw, cmd)
	return err
}

func (c *Controller) pause() {
	if c.writeDelay > 0 {
		time.Sleep(c.writeDelay)
	}
}

// ErrTimeout is returned when the port delivers nothing within its read
// timeout.
var ErrTimeout = errors.New("read timed out")

// timeoutReader reports an empty, error-free read as ErrTimeout. Serial ports
// with a read timeout return (0, nil) when it expires.
type timeoutReader struct{ r io.Reader }

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, ErrTimeout
	}
	return n, err
}

// controllerQuerier routes typed queries to the Prologix itself rather than
// the instrument.
type controllerQuerier struct{ c *Controller }

func (q controllerQuerier) Query(cmd string) (string, error) {
	return q.c.QueryController(cmd)
}

// GpibTerm provides the type for the available GPIB terminators.
type GpibTerm int

// Available GPIB terminators for the Prologix Controller.
const (
	AppendCRLF GpibTerm = iota
	AppendCR
	AppendLF
	AppendNothing
)

var gpibTermDesc = map[GpibTerm]string{
	AppendCRLF:    `Append CR+LF (\r\n) to instrument commands`,
	AppendCR:      `Append CR (\r) to instrument commands`,
	AppendLF:      `Append LF (\n) to instrument commands`,
	AppendNothing: `Do not append anything to instrument commands`,
}

func (term GpibTerm) String() string {
	return gpibTermDesc[term]
}

// GPIBTermination queries the terminator the controller appends to
// instrument commands.
func (c *Controller) GPIBTermination() (GpibTerm, error) {
	n, err := query.Int(controllerQuerier{c}, "eos")
	if err != nil {
		return 0, err
	}
	if n < int(AppendCRLF) || n > int(AppendNothing) {
		return 0, ivsweep.Protocol("++eos", errors.Errorf("unknown terminator %d", n))
	}
	return GpibTerm(n), nil
}

// IsPrimaryAddressValid checks that the primary GPIB address is between 0 and
// 30, inclusive.
func IsPrimaryAddressValid(addr int) bool {
	return addr >= 0 && addr <= 30
}

// IsSecondaryAddressValid checks that the secondary GPIB address is between 96
// and 126, inclusive.
func IsSecondaryAddressValid(addr int) bool {
	return addr >= 96 && addr <= 126
}
