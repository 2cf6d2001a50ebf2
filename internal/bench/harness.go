// Package bench drives kernel benchmarks end to end: it prepares device
// buffers, launches, times repeated launches, copies results back and
// verifies them against the host oracle.
package bench

import (
	"fmt"
	"io"
	"time"

	"github.com/fxnlabs/kernel-bench/internal/gpu"
	"github.com/fxnlabs/kernel-bench/internal/kernels"
	"github.com/fxnlabs/kernel-bench/internal/launch"
	"github.com/fxnlabs/kernel-bench/internal/metrics"
	"github.com/fxnlabs/kernel-bench/internal/rtc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Path identifies how the benchmarked kernel was obtained.
type Path string

const (
	PathPrecompiled Path = "precompiled"
	PathRuntime     Path = "rtc"
)

// Phase is a step of a benchmark run.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseWarmupLaunch
	PhaseTimedLoop
	PhaseCopyBack
	PhaseVerify
	PhaseReport
	PhaseTeardown
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "Init"
	case PhaseWarmupLaunch:
		return "WarmupLaunch"
	case PhaseTimedLoop:
		return "TimedLoop"
	case PhaseCopyBack:
		return "CopyBack"
	case PhaseVerify:
		return "Verify"
	case PhaseReport:
		return "Report"
	case PhaseTeardown:
		return "Teardown"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Options configures benchmark runs.
type Options struct {
	Width             int     // transpose matrix edge, divisible by 4
	Repeat            int     // timed launches
	Tolerance         float64 // absolute tolerance
	RelTolerance      float64 // relative tolerance, saxpy only
	MaxReportedErrors int

	SaxpyA               float32
	SaxpyElements        int
	SaxpyThreadsPerBlock int
}

// DefaultOptions returns the defaults the benchmarks were designed around.
func DefaultOptions() Options {
	return Options{
		Width:                1024,
		Repeat:               100,
		Tolerance:            1e-6,
		RelTolerance:         1e-6,
		MaxReportedErrors:    10,
		SaxpyA:               5.1,
		SaxpyElements:        1024 * 128,
		SaxpyThreadsPerBlock: 1024,
	}
}

// Result summarizes one run.
type Result struct {
	Kernel          string
	Path            Path
	Elements        int
	Mismatches      int
	Reported        []Mismatch
	CompileTime     time.Duration
	AvgLaunchMillis float64
	Passed          bool
}

// Harness runs benchmarks on one device session.
type Harness struct {
	session  *gpu.Session
	pipeline *rtc.Pipeline
	driver   *launch.Driver
	opts     Options
	out      io.Writer
	logger   *zap.Logger
}

// NewHarness creates a harness writing its report to out.
func NewHarness(session *gpu.Session, pipeline *rtc.Pipeline, driver *launch.Driver, opts Options, out io.Writer, logger *zap.Logger) *Harness {
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harness{
		session:  session,
		pipeline: pipeline,
		driver:   driver,
		opts:     opts,
		out:      out,
		logger:   logger.Named("bench"),
	}
}

// Options returns the options the harness runs with.
func (h *Harness) Options() Options {
	return h.opts
}

// ReportDevice prints the device name line.
func (h *Harness) ReportDevice() {
	fmt.Fprintf(h.out, "Device name %s\n", h.session.Info().Name)
}

// run carries the per-run state shared by the phases.
type run struct {
	h      *Harness
	scope  *gpu.Scope
	result *Result
	log    *zap.Logger
}

func (h *Harness) begin(kernel string, path Path) *run {
	r := &run{
		h:      h,
		scope:  gpu.NewScope(),
		result: &Result{Kernel: kernel, Path: path},
		log:    h.logger.With(zap.String("kernel", kernel), zap.String("path", string(path))),
	}
	r.enter(PhaseInit)
	return r
}

func (r *run) enter(p Phase) {
	r.log.Debug("Entering phase", zap.Stringer("phase", p))
}

// finish tears the run down and records its outcome. It returns the result
// only if the run and its teardown both succeeded.
func (r *run) finish(err error) (*Result, error) {
	r.enter(PhaseTeardown)
	if terr := r.scope.Release(); terr != nil {
		err = multierr.Append(err, terr)
	}
	res := r.result
	outcome := "failed"
	switch {
	case err != nil:
		outcome = "error"
		r.log.Error("Benchmark run aborted", zap.Error(err))
	case res.Passed:
		outcome = "passed"
	}
	metrics.BenchmarkRuns.WithLabelValues(res.Kernel, string(res.Path), outcome).Inc()
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *run) alloc(name string, n int) (*gpu.Buffer, error) {
	b, err := r.h.session.AllocateFloat32(n)
	if err != nil {
		return nil, fmt.Errorf("%s buffer: %w", name, err)
	}
	r.scope.Defer(name+" buffer", b.Free)
	return b, nil
}

func (r *run) upload(name string, host []float32) (*gpu.Buffer, error) {
	b, err := r.alloc(name, len(host))
	if err != nil {
		return nil, err
	}
	if err := r.h.session.CopyToDevice(b, host); err != nil {
		return nil, fmt.Errorf("%s buffer: %w", name, err)
	}
	return b, nil
}

func (r *run) loadModule(art *rtc.Artifact) (*launch.Module, error) {
	var (
		mod *launch.Module
		err error
	)
	if art == nil {
		mod, err = r.h.driver.LoadPrecompiled()
	} else {
		mod, err = r.h.driver.LoadModule(art)
	}
	if err != nil {
		return nil, err
	}
	r.scope.Defer("module "+mod.Source(), mod.Unload)
	return mod, nil
}

func (r *run) compile(src kernels.Source) (*rtc.Artifact, error) {
	art, err := r.h.pipeline.Compile(src, r.h.session.Arch())
	if err != nil {
		return nil, err
	}
	r.result.CompileTime = art.Duration
	fmt.Fprintf(r.h.out, "OK: runtime compile of %s took %.3f msec\n", src.FileName, float64(art.Duration)/float64(time.Millisecond))
	return art, nil
}

// measure issues the warmup launch and the timed loop. The loop does not
// synchronize, so the average covers enqueue cost; the following copy
// waits for completion.
func (r *run) measure(l *launch.Launch) error {
	r.enter(PhaseWarmupLaunch)
	if err := l.Launch(); err != nil {
		return err
	}

	r.enter(PhaseTimedLoop)
	n := r.h.opts.Repeat
	t := Timing{Batch: n}
	t.Start = ClockCounter()
	if err := l.Repeat(n); err != nil {
		return err
	}
	t.End = ClockCounter()

	avg := t.Millis(ClockFrequency())
	r.result.AvgLaunchMillis = avg
	metrics.KernelLaunchLatency.WithLabelValues(r.result.Kernel, string(r.result.Path)).Observe(avg)
	fmt.Fprintf(r.h.out, "OK: kernel launch took %.3f msec (average over %d iterations)\n", avg, n)
	return nil
}

func (r *run) copyBack(dst []float32, src *gpu.Buffer) error {
	r.enter(PhaseCopyBack)
	if err := r.h.session.CopyToHost(dst, src); err != nil {
		return fmt.Errorf("copy back: %w", err)
	}
	return nil
}

func (r *run) verify(expected, actual []float32, match Comparison) {
	r.enter(PhaseVerify)
	res := r.result
	res.Elements = len(actual)
	res.Mismatches, res.Reported = Verify(expected, actual, match, r.h.opts.MaxReportedErrors)
	res.Passed = res.Mismatches == 0
	if res.Mismatches > 0 {
		metrics.VerificationMismatches.WithLabelValues(res.Kernel, string(res.Path)).Add(float64(res.Mismatches))
	}
}

func (r *run) report() {
	r.enter(PhaseReport)
	res := r.result
	for _, m := range res.Reported {
		fmt.Fprintf(r.h.out, "Error at %d %f != %f\n", m.Index, m.Expected, m.Actual)
	}
	if res.Passed {
		fmt.Fprintln(r.h.out, "PASSED!")
	} else {
		fmt.Fprintf(r.h.out, "FAILED: %d errors\n", res.Mismatches)
	}
	r.log.Info("Benchmark run complete",
		zap.Int("elements", res.Elements),
		zap.Int("mismatches", res.Mismatches),
		zap.Float64("avg_launch_ms", res.AvgLaunchMillis),
		zap.Duration("compile_time", res.CompileTime))
}
