package main

import (
	"fmt"
	"os"

	"github.com/fxnlabs/kernel-bench/internal/config"
	"github.com/fxnlabs/kernel-bench/internal/logger"
	"github.com/fxnlabs/kernel-bench/internal/metrics"
	"github.com/tebeka/atexit"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// state is filled in by Before and shared by the commands.
type state struct {
	cfg      *config.Config
	log      *zap.Logger
	exitCode int
}

func main() {
	st := &state{}
	app := newApp(st)

	if err := app.Run(os.Args); err != nil {
		if st.log != nil {
			st.log.Error("failed to run app", zap.Error(err))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		atexit.Exit(1)
	}
	atexit.Exit(st.exitCode)
}

func newApp(st *state) *cli.App {
	var configPath string

	return &cli.App{
		Name:  "kbench",
		Usage: "Benchmark and verify precompiled and runtime-compiled GPU kernels",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to a yaml config file",
				EnvVars:     []string{"KBENCH_CONFIG"},
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Accelerator backend: auto, sim or cuda",
			},
			&cli.IntFlag{
				Name:  "width",
				Usage: "Transpose matrix width, a multiple of 4",
			},
			&cli.IntFlag{
				Name:  "repeat",
				Usage: "Number of timed launches",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if c.IsSet("backend") {
				cfg.Backend = c.String("backend")
			}
			if c.IsSet("width") {
				cfg.Benchmark.Width = c.Int("width")
			}
			if c.IsSet("repeat") {
				cfg.Benchmark.Repeat = c.Int("repeat")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			zapLogger, err := logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
			if err != nil {
				return err
			}
			st.cfg = cfg
			st.log = zapLogger.Named("kbench")

			atexit.Register(func() {
				_ = zapLogger.Sync()
			})
			if path := cfg.Metrics.Textfile; path != "" {
				atexit.Register(func() {
					if err := metrics.WriteTextfile(path); err != nil {
						zapLogger.Error("failed to write metrics textfile", zap.String("path", path), zap.Error(err))
					}
				})
			}
			return nil
		},
		Commands: []*cli.Command{
			transposeCommand(st),
			rtcCommand(st),
			deviceCommand(st),
			configCommand(),
		},
	}
}
