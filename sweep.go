// Copyright (c) 2020–2026 The ivsweep developers. All rights reserved.
// Project site: https://github.com/gotmc/ivsweep
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package ivsweep

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Default delays used when a SweepSpec leaves them zero.
const (
	DefaultSettle     = 100 * time.Millisecond
	DefaultResetDelay = 500 * time.Millisecond
)

// SweepSpec describes one linear voltage sweep. Start may be greater than
// Stop, in which case the sweep runs downward.
type SweepSpec struct {
	Start      float64       `yaml:"start"`      // first setpoint, V
	Stop       float64       `yaml:"stop"`       // last setpoint, V
	Points     int           `yaml:"points"`     // number of setpoints, at least 2
	Compliance float64       `yaml:"compliance"` // current limit, A
	Settle     time.Duration `yaml:"settle"`     // wait between setting and reading
	ResetDelay time.Duration `yaml:"reset_delay"`
}

// Validate reports whether s describes a sweep that can be run.
func (s SweepSpec) Validate() error {
	switch {
	case s.Points < 2:
		return errors.Wrapf(ErrInvalidSpec, "points %d (must be at least 2)", s.Points)
	case !finite(s.Start) || !finite(s.Stop):
		return errors.Wrapf(ErrInvalidSpec, "start %g, stop %g (must be finite)", s.Start, s.Stop)
	case !finite(s.Compliance) || s.Compliance <= 0:
		return errors.Wrapf(ErrInvalidSpec, "compliance %g (must be positive)", s.Compliance)
	case s.Settle < 0 || s.ResetDelay < 0:
		return errors.Wrap(ErrInvalidSpec, "negative delay")
	}
	return nil
}

// Step is the voltage increment between consecutive setpoints.
func (s SweepSpec) Step() float64 {
	return (s.Stop - s.Start) / float64(s.Points-1)
}

// Setpoints returns Points evenly spaced voltages from Start to Stop
// inclusive. The last element is exactly Stop.
func (s SweepSpec) Setpoints() []float64 {
	if s.Points < 1 {
		return nil
	}
	if s.Points == 1 {
		return []float64{s.Start}
	}
	step := s.Step()
	vs := make([]float64, s.Points)
	for i := range vs {
		vs[i] = s.Start + float64(i)*step
	}
	vs[len(vs)-1] = s.Stop
	return vs
}

func (s SweepSpec) withDefaults() SweepSpec {
	if s.Settle == 0 {
		s.Settle = DefaultSettle
	}
	if s.ResetDelay == 0 {
		s.ResetDelay = DefaultResetDelay
	}
	return s
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// Sample is one measured point. Voltage is the value read back by the
// instrument, not the commanded setpoint.
type Sample struct {
	Voltage   float64 // V
	CurrentMA float64 // mA
}

// Result is the ordered series produced by one sweep. Samples are in the
// order the setpoints were commanded.
type Result struct {
	ID         uuid.UUID
	Device     string
	Instrument string // *IDN? reply, if identification was requested
	Spec       SweepSpec
	Samples    []Sample
	Started    time.Time
	Finished   time.Time
}

// Voltages returns the read-back voltages in sweep order.
func (r *Result) Voltages() []float64 {
	vs := make([]float64, len(r.Samples))
	for i, s := range r.Samples {
		vs[i] = s.Voltage
	}
	return vs
}

// Currents returns the measured currents in mA in sweep order.
func (r *Result) Currents() []float64 {
	is := make([]float64, len(r.Samples))
	for i, s := range r.Samples {
		is[i] = s.CurrentMA
	}
	return is
}

// MaxVoltage returns the largest read-back voltage, or 0 for an empty result.
func (r *Result) MaxVoltage() float64 {
	if len(r.Samples) == 0 {
		return 0
	}
	m := r.Samples[0].Voltage
	for _, s := range r.Samples[1:] {
		m = max(m, s.Voltage)
	}
	return m
}
