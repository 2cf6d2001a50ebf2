package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/kernel-bench/fixtures"
	"github.com/fxnlabs/kernel-bench/internal/bench"
	"github.com/fxnlabs/kernel-bench/internal/config"
	"github.com/fxnlabs/kernel-bench/internal/gpu"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// runFunc runs one benchmark on a started harness.
type runFunc func(*bench.Harness) (*bench.Result, error)

func transposeCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:  "transpose",
		Usage: "Benchmark the precompiled matrix transpose; exits with the number of mismatches",
		Action: func(c *cli.Context) error {
			res, err := runBenchmark(c, st, (*bench.Harness).RunPrecompiledTranspose)
			if err != nil {
				return err
			}
			st.exitCode = mismatchExitCode(res.Mismatches)
			return nil
		},
	}
}

// mismatchExitCode maps a mismatch count onto a process exit status. Exit
// statuses keep only the low 8 bits, so counts saturate at 255.
func mismatchExitCode(mismatches int) int {
	return min(mismatches, 255)
}

func rtcCommand(st *state) *cli.Command {
	sub := func(name, usage string, run runFunc) *cli.Command {
		return &cli.Command{
			Name:  name,
			Usage: usage,
			Action: func(c *cli.Context) error {
				res, err := runBenchmark(c, st, run)
				if err != nil {
					return err
				}
				if !res.Passed {
					st.log.Warn("Runtime-compiled kernel failed verification",
						zap.String("kernel", res.Kernel), zap.Int("mismatches", res.Mismatches))
				}
				fmt.Fprintf(c.App.Writer, "OK: runtime-compiled %s completed\n", res.Kernel)
				return nil
			},
		}
	}

	return &cli.Command{
		Name:  "rtc",
		Usage: "Compile kernels at run time, then benchmark and verify them",
		Subcommands: []*cli.Command{
			sub("transpose", "Runtime-compiled matrix transpose", (*bench.Harness).RunRTCTranspose),
			sub("saxpy", "Runtime-compiled saxpy", (*bench.Harness).RunRTCSaxpy),
		},
	}
}

func runBenchmark(c *cli.Context, st *state, run runFunc) (*bench.Result, error) {
	var res *bench.Result
	err := withHarness(c.Context, st.cfg, st.log, c.App.Writer, func(h *bench.Harness) error {
		h.ReportDevice()
		var err error
		res, err = run(h)
		return err
	})
	return res, err
}

func deviceCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:  "device",
		Usage: "Show the device the benchmarks would run on",
		Action: func(c *cli.Context) error {
			backend, err := newBackend(st.cfg, st.log)
			if err != nil {
				return err
			}
			session, err := gpu.Open(backend, st.log)
			if err != nil {
				return err
			}
			defer session.Close()

			fmt.Fprintln(c.App.Writer, figure.NewFigure("kbench", "", true).String())
			printDeviceInfo(c.App.Writer, backend.Name(), session.Info())
			return nil
		},
	}
}

func printDeviceInfo(w io.Writer, backend string, info gpu.DeviceInfo) {
	fmt.Fprintf(w, "Backend: %s\n", backend)
	fmt.Fprintf(w, "Device name %s\n", info.Name)
	fmt.Fprintf(w, "  Architecture: %s\n", info.Arch)
	fmt.Fprintf(w, "  Memory: %d MB total, %d MB available\n", info.TotalMemory/(1024*1024), info.AvailableMemory/(1024*1024))
	fmt.Fprintf(w, "  Compute capability: %s\n", info.ComputeCapability)
	fmt.Fprintf(w, "  Driver version: %s\n", info.DriverVersion)
	fmt.Fprintf(w, "  Max threads per block: %d\n", info.MaxThreadsPerBlock)
	if len(info.Features) > 0 {
		fmt.Fprintf(w, "  Features: %s\n", strings.Join(info.Features, ", "))
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the configuration file",
		Subcommands: []*cli.Command{
			{
				Name:      "init",
				Usage:     "Write a config file with the default settings",
				ArgsUsage: "[path]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
				},
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						path = "config.yaml"
					}
					if err := writeConfigTemplate(path, c.Bool("force")); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "Wrote %s\n", path)
					return nil
				},
			},
		},
	}
}

func writeConfigTemplate(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := os.WriteFile(path, fixtures.ConfigTemplate, 0o644); err != nil {
		return err
	}
	// The written file must load back to the defaults.
	if _, err := config.LoadConfig(path); err != nil {
		return fmt.Errorf("template does not load: %w", err)
	}
	return nil
}
