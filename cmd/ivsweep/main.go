// Copyright (c) 2020–2026 The ivsweep developers. All rights reserved.
// Project site: https://github.com/gotmc/ivsweep
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Command ivsweep runs one I-V sweep on a Keithley 2400 behind a Prologix
// GPIB controller, plots it and saves the plot and data.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gotmc/ivsweep"
	"github.com/gotmc/ivsweep/lib/cmdlog"
	"github.com/gotmc/ivsweep/lib/config"
	"github.com/gotmc/ivsweep/lib/record"
	"github.com/gotmc/ivsweep/lib/view"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"gonum.org/v1/plot"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		log.Error().Err(err).Msg("invalid configuration")
		return 2
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := acquire(ctx, cfg)
	if out == nil {
		log.Error().Err(err).Stringer("stage", ivsweep.StageOf(err)).Msg("sweep failed")
		return 1
	}
	code := 0
	if err != nil {
		log.Error().Err(err).Stringer("stage", ivsweep.StageOf(err)).Msg("saving failed")
		code = 1
	} else if cfg.Save {
		log.Info().Str("plot", out.paths.PNG).Str("data", out.paths.Table).Str("chart", out.paths.HTML).Msg("saved")
	}

	if cfg.View != "" {
		h, err := view.Handler(out.res, out.plot)
		if err != nil {
			log.Error().Err(err).Msg("viewer")
			return 1
		}
		if err := view.Serve(ctx, cfg.View, h); err != nil {
			log.Error().Err(err).Msg("viewer")
			return 1
		}
	}
	return code
}

// outcome is what a run produced. paths is zero unless the files were saved.
type outcome struct {
	res   *ivsweep.Result
	plot  *plot.Plot
	paths record.Paths
}

// acquire opens the instrument, sweeps, renders and, if enabled, saves. A
// nil outcome means nothing was acquired. A persistence failure returns the
// rendered outcome together with a StagePersistence error.
func acquire(ctx context.Context, cfg *config.Config) (*outcome, error) {
	sess, err := cfg.Conn.Open(ctx)
	if err != nil {
		return nil, &ivsweep.StageError{Stage: ivsweep.StageConfiguration, Err: err}
	}
	if ver, err := sess.Version(); err == nil {
		log.Debug().Str("version", ver).Msg("controller")
	}

	var link ivsweep.Link = sess
	if cfg.Trace {
		link = cmdlog.Wrap(sess, log.Logger)
	}

	sw, err := ivsweep.NewSweeper(cfg.Spec, cfg.Device,
		ivsweep.WithIdentify(),
		ivsweep.WithProgress(func(p ivsweep.Progress) {
			log.Info().
				Int("step", p.Step).
				Int("of", p.Total).
				Float64("voltage_set", p.Setpoint).
				Float64("current_ma", p.CurrentMA).
				Msgf("Voltage set to %g V, current %g mA", p.Setpoint, p.CurrentMA)
		}),
	)
	if err != nil {
		if cerr := sess.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("closing session")
		}
		return nil, &ivsweep.StageError{Stage: ivsweep.StageConfiguration, Err: err}
	}

	res, err := sw.Run(ctx, link)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("id", res.ID.String()).
		Str("instrument", res.Instrument).
		Int("points", len(res.Samples)).
		Dur("elapsed", res.Finished.Sub(res.Started)).
		Msg("sweep complete")

	p, err := record.Render(res)
	if err != nil {
		return nil, err
	}
	out := &outcome{res: res, plot: p}
	if !cfg.Save {
		return out, nil
	}
	out.paths, err = record.Recorder{Root: cfg.OutDir}.Persist(res, p)
	if err != nil {
		return out, &ivsweep.StageError{Stage: ivsweep.StagePersistence, Err: err}
	}
	return out, nil
}
