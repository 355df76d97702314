// Copyright (c) 2020–2026 The ivsweep developers. All rights reserved.
// Project site: https://github.com/gotmc/ivsweep
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package ivsweep

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure by the layer it came from.
type Kind int

// Available failure kinds.
const (
	KindConnection Kind = iota + 1
	KindCommunication
	KindProtocol
	KindFilesystem
)

var kindDesc = map[Kind]string{
	KindConnection:    "connection error",
	KindCommunication: "communication error",
	KindProtocol:      "protocol error",
	KindFilesystem:    "filesystem error",
}

func (k Kind) String() string {
	if s, ok := kindDesc[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure. Op names the operation that failed, e.g. the
// SCPI command or the file path.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Sentinels for use with errors.Is. Any *Error of the same Kind matches.
var (
	ErrConnection    = &Error{Kind: KindConnection}
	ErrCommunication = &Error{Kind: KindCommunication}
	ErrProtocol      = &Error{Kind: KindProtocol}
	ErrFilesystem    = &Error{Kind: KindFilesystem}
)

// ErrInvalidSpec is returned for a SweepSpec that cannot be run.
var ErrInvalidSpec = errors.New("invalid sweep spec")

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s += " (" + e.Op + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Connection wraps err as a connection failure for op. A nil err is
// replaced by a generic message so the result is never a nil *Error.
func Connection(op string, err error) error { return classify(KindConnection, op, err) }

// Communication wraps err as a write/query failure for op.
func Communication(op string, err error) error { return classify(KindCommunication, op, err) }

// Protocol wraps err as an unparseable instrument reply for op.
func Protocol(op string, err error) error { return classify(KindProtocol, op, err) }

// Filesystem wraps err as a directory or file failure for op.
func Filesystem(op string, err error) error { return classify(KindFilesystem, op, err) }

func classify(k Kind, op string, err error) error {
	if err == nil {
		err = errors.New("failed")
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Kind == k {
		return err
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// Stage identifies the part of a run that failed.
type Stage int

// Run stages in order.
const (
	StageConfiguration Stage = iota + 1
	StageSweep
	StageFinalization
	StagePersistence
)

var stageDesc = map[Stage]string{
	StageConfiguration: "configuration",
	StageSweep:         "sweep",
	StageFinalization:  "finalization",
	StagePersistence:   "persistence",
}

func (s Stage) String() string {
	if d, ok := stageDesc[s]; ok {
		return d
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// StageError attributes an error to a stage of the run. Step is the 1-based
// sweep point and is only meaningful for StageSweep.
type StageError struct {
	Stage Stage
	Step  int
	Err   error
}

func (e *StageError) Error() string {
	if e.Stage == StageSweep && e.Step > 0 {
		return fmt.Sprintf("%s step %d: %v", e.Stage, e.Step, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the stage an error was attributed to, or 0.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return 0
}
