package main

import (
	"context"
	"io"

	"github.com/fxnlabs/kernel-bench/internal/bench"
	"github.com/fxnlabs/kernel-bench/internal/config"
	"github.com/fxnlabs/kernel-bench/internal/gpu"
	"github.com/fxnlabs/kernel-bench/internal/launch"
	"github.com/fxnlabs/kernel-bench/internal/rtc"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Report is the writer the benchmark report goes to.
type Report struct {
	io.Writer
}

func simConfig(cfg *config.Config) gpu.SimConfig {
	sim := gpu.DefaultSimConfig()
	sim.Arch = cfg.Sim.Arch
	sim.TotalMemory = cfg.Sim.TotalMemory
	sim.Devices = cfg.Sim.Devices
	if cfg.Sim.Workers > 0 {
		sim.Workers = cfg.Sim.Workers
	}
	return sim
}

func benchOptions(cfg *config.Config) bench.Options {
	return bench.Options{
		Width:                cfg.Benchmark.Width,
		Repeat:               cfg.Benchmark.Repeat,
		Tolerance:            cfg.Benchmark.Tolerance,
		RelTolerance:         cfg.Saxpy.RelTolerance,
		MaxReportedErrors:    cfg.Benchmark.MaxReportedErrors,
		SaxpyA:               cfg.Saxpy.A,
		SaxpyElements:        cfg.Saxpy.Elements,
		SaxpyThreadsPerBlock: cfg.Saxpy.ThreadsPerBlock,
	}
}

func newBackend(cfg *config.Config, log *zap.Logger) (gpu.Backend, error) {
	return gpu.NewBackend(cfg.Backend, simConfig(cfg), log)
}

func newSession(lc fx.Lifecycle, backend gpu.Backend, log *zap.Logger) (*gpu.Session, error) {
	session, err := gpu.Open(backend, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return session.Close()
		},
	})
	return session, nil
}

func newPipeline(backend gpu.Backend, report Report, log *zap.Logger) *rtc.Pipeline {
	return rtc.NewPipeline(backend, report, log)
}

func newHarness(session *gpu.Session, pipeline *rtc.Pipeline, driver *launch.Driver, cfg *config.Config, report Report, log *zap.Logger) *bench.Harness {
	return bench.NewHarness(session, pipeline, driver, benchOptions(cfg), report, log)
}

// benchModule provides the device session and everything the harness
// needs on top of it.
func benchModule(cfg *config.Config, log *zap.Logger, out io.Writer) fx.Option {
	return fx.Options(
		fx.Supply(cfg, log, Report{Writer: out}),
		fx.Provide(
			newBackend,
			newSession,
			newPipeline,
			launch.NewDriver,
			newHarness,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
}

// withHarness starts the application, runs fn and stops it again, closing
// the device session.
func withHarness(ctx context.Context, cfg *config.Config, log *zap.Logger, out io.Writer, fn func(*bench.Harness) error) (err error) {
	var harness *bench.Harness
	app := fx.New(benchModule(cfg, log, out), fx.Populate(&harness))
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if serr := app.Stop(ctx); serr != nil && err == nil {
			err = serr
		}
	}()
	return fn(harness)
}
