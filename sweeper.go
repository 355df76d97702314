// Copyright (c) 2020–2026 The ivsweep developers. All rights reserved.
// Project site: https://github.com/gotmc/ivsweep
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package ivsweep

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gotmc/query"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Progress is reported after each point is acquired.
type Progress struct {
	Step      int     // 1-based
	Total     int     // number of points in the sweep
	Setpoint  float64 // commanded voltage, V
	CurrentMA float64 // most recent current, mA
}

// Sweeper drives a source-measure unit through one linear voltage sweep.
type Sweeper struct {
	spec       SweepSpec
	device     string
	fields     Fields
	identify   bool
	onProgress func(Progress)
	now        func() time.Time
}

// SweeperOption applies an option to the sweeper.
type SweeperOption func(*Sweeper)

// WithProgress registers a function called after every acquired point.
func WithProgress(fn func(Progress)) SweeperOption {
	return func(s *Sweeper) { s.onProgress = fn }
}

// WithFields overrides the position of voltage and current in the read reply.
func WithFields(f Fields) SweeperOption { return func(s *Sweeper) { s.fields = f } }

// WithIdentify queries *IDN? before resetting and stores the reply in the
// result.
func WithIdentify() SweeperOption { return func(s *Sweeper) { s.identify = true } }

// NewSweeper validates spec and returns a sweeper for the device labelled
// device. Zero delays in spec are replaced by DefaultSettle and
// DefaultResetDelay.
func NewSweeper(spec SweepSpec, device string, opts ...SweeperOption) (*Sweeper, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	s := Sweeper{
		spec:   spec.withDefaults(),
		device: device,
		fields: Keithley2400Fields,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return &s, nil
}

// Spec returns the sweep parameters after defaults were applied.
func (s *Sweeper) Spec() SweepSpec { return s.spec }

// Run takes ownership of link and performs the sweep: configure the SMU as a
// voltage source, step through the setpoints reading current at each, then
// return the SMU to an idle current-source state and close link.
//
// link is closed on every path. If configuration or any sweep step fails, or
// ctx is cancelled, the output is disabled and the instrument returned to
// local control before closing; the returned error is a *StageError and no
// Result is returned.
func (s *Sweeper) Run(ctx context.Context, link Link) (res *Result, err error) {
	res = &Result{
		ID:      uuid.New(),
		Device:  s.device,
		Spec:    s.spec,
		Samples: make([]Sample, 0, s.spec.Points),
		Started: s.now(),
	}
	finalized := false
	defer func() {
		if !finalized {
			if serr := shutdown(link); serr != nil {
				err = multierr.Append(err, &StageError{Stage: StageFinalization, Err: serr})
			}
		}
		if cerr := closeLink(link); cerr != nil {
			err = multierr.Append(err, &StageError{Stage: StageFinalization, Err: cerr})
		}
		if err != nil {
			res = nil
		}
	}()

	if err := s.configure(ctx, link, res); err != nil {
		return nil, &StageError{Stage: StageConfiguration, Err: err}
	}
	for i, v := range s.spec.Setpoints() {
		if err := s.step(ctx, link, v, res); err != nil {
			return nil, &StageError{Stage: StageSweep, Step: i + 1, Err: err}
		}
		if s.onProgress != nil {
			s.onProgress(Progress{
				Step:      i + 1,
				Total:     s.spec.Points,
				Setpoint:  v,
				CurrentMA: res.Samples[len(res.Samples)-1].CurrentMA,
			})
		}
	}
	if err := s.finalize(link, res); err != nil {
		return nil, &StageError{Stage: StageFinalization, Err: err}
	}
	finalized = true
	res.Finished = s.now()
	return res, nil
}

func (s *Sweeper) configure(ctx context.Context, link Link, res *Result) error {
	if s.identify {
		idn, err := query.String(link, CmdIdentify)
		if err != nil {
			return Communication(CmdIdentify, err)
		}
		res.Instrument = strings.TrimSpace(idn)
	}
	if err := command(link, CmdReset); err != nil {
		return err
	}
	if err := sleep(ctx, s.spec.ResetDelay); err != nil {
		return err
	}
	cmds := []struct {
		format string
		args   []any
	}{
		{CmdSourceVoltage, nil},
		{CmdCurrentLimit, []any{FormatValue(s.spec.Compliance)}},
		{CmdCurrentAuto, nil},
		{CmdOutputOn, nil},
	}
	for _, c := range cmds {
		if err := command(link, c.format, c.args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sweeper) step(ctx context.Context, link Link, v float64, res *Result) error {
	if err := command(link, CmdSetVoltage, FormatValue(v)); err != nil {
		return err
	}
	if err := sleep(ctx, s.spec.Settle); err != nil {
		return err
	}
	reply, err := link.Query(CmdRead)
	if err != nil {
		return Communication(CmdRead, err)
	}
	r, err := s.fields.Parse(reply)
	if err != nil {
		return err
	}
	res.Samples = append(res.Samples, Sample{Voltage: r.Voltage, CurrentMA: r.Current * 1e3})
	return nil
}

// finalize leaves the SMU sourcing current with the voltage protection level
// at the highest voltage seen, so re-enabling the output cannot exceed it.
func (s *Sweeper) finalize(link Link, res *Result) error {
	cmds := []struct {
		format string
		args   []any
	}{
		{CmdOutputOff, nil},
		{CmdSourceCurrent, nil},
		{CmdSetCurrent, []any{FormatValue(s.spec.Compliance)}},
		{CmdVoltageLimit, []any{FormatValue(res.MaxVoltage())}},
		{CmdVoltageAuto, nil},
		{CmdLocal, nil},
	}
	for _, c := range cmds {
		if err := command(link, c.format, c.args...); err != nil {
			return err
		}
	}
	return nil
}

// shutdown is the cleanup used when the sweep did not complete. Both commands
// are attempted even if the first fails.
func shutdown(link Link) error {
	return multierr.Combine(
		command(link, CmdOutputOff),
		command(link, CmdLocal),
	)
}

func closeLink(link Link) error {
	if err := link.Close(); err != nil {
		return Communication("close", err)
	}
	return nil
}

func command(link Link, format string, a ...any) error {
	cmd := format
	if len(a) > 0 {
		cmd = fmt.Sprintf(format, a...)
	}
	if err := link.Command(cmd); err != nil {
		return Communication(cmd, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "sweep interrupted")
	case <-t.C:
		return nil
	}
}
