// Copyright (c) 2020–2026 The ivsweep developers. All rights reserved.
// Project site: https://github.com/gotmc/ivsweep
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package ivsweep

// Link is the capability set required of an instrument session. Command
// formats according to a format specifier if arguments are provided and sends
// it with no response expected. Query sends cmd and returns the instrument's
// reply. Close releases the channel and must be safe to call after failed
// commands.
//
// A *prologix.Controller wrapped by connutil.Session satisfies Link.
type Link interface {
	Command(format string, a ...any) error
	Query(cmd string) (string, error)
	Close() error
}
