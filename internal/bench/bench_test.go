package bench

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/fxnlabs/kernel-bench/internal/gpu"
	"github.com/fxnlabs/kernel-bench/internal/launch"
	"github.com/fxnlabs/kernel-bench/internal/rtc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingBackend records the calls the harness makes and can corrupt
// copied-back results.
type countingBackend struct {
	gpu.Backend
	mallocs  int
	launches int
	corrupt  map[int]float32 // float index -> value written into host copies
}

func (b *countingBackend) Malloc(size int) (gpu.DevicePtr, error) {
	b.mallocs++
	return b.Backend.Malloc(size)
}

func (b *countingBackend) LaunchKernel(fn gpu.FunctionHandle, grid, block gpu.Dim3, sharedMem int, args []byte) error {
	b.launches++
	return b.Backend.LaunchKernel(fn, grid, block, sharedMem, args)
}

func (b *countingBackend) MemcpyDtoH(dst []byte, src gpu.DevicePtr) error {
	if err := b.Backend.MemcpyDtoH(dst, src); err != nil {
		return err
	}
	for i, v := range b.corrupt {
		bits := math.Float32bits(v)
		dst[4*i], dst[4*i+1], dst[4*i+2], dst[4*i+3] = byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24)
	}
	return nil
}

// corruptingCompiler drops the closing brace of every source it compiles.
type corruptingCompiler struct {
	rtc.Compiler
}

func (c corruptingCompiler) CreateProgram(source, name string) (gpu.Program, error) {
	broken := strings.TrimSuffix(strings.TrimSpace(source), "}")
	return c.Compiler.CreateProgram(broken, name)
}

type harnessFixture struct {
	backend *countingBackend
	session *gpu.Session
	harness *Harness
	out     *bytes.Buffer
}

func newHarness(t *testing.T, cfg gpu.SimConfig, opts Options, wrap func(rtc.Compiler) rtc.Compiler) *harnessFixture {
	t.Helper()
	backend := &countingBackend{Backend: gpu.NewSimBackend(cfg, zap.NewNop())}
	session, err := gpu.Open(backend, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	var compiler rtc.Compiler = backend
	if wrap != nil {
		compiler = wrap(compiler)
	}
	out := &bytes.Buffer{}
	pipeline := rtc.NewPipeline(compiler, out, zap.NewNop())
	driver := launch.NewDriver(backend, zap.NewNop())
	return &harnessFixture{
		backend: backend,
		session: session,
		harness: NewHarness(session, pipeline, driver, opts, out, zap.NewNop()),
		out:     out,
	}
}

func smallOptions() Options {
	opts := DefaultOptions()
	opts.Width = 64
	opts.Repeat = 5
	opts.SaxpyElements = 1000
	opts.SaxpyThreadsPerBlock = 256
	return opts
}

func TestRunPrecompiledTransposePasses(t *testing.T) {
	opts := DefaultOptions()
	opts.Repeat = 3
	f := newHarness(t, gpu.DefaultSimConfig(), opts, nil)

	f.harness.ReportDevice()
	res, err := f.harness.RunPrecompiledTranspose()
	require.NoError(t, err)

	assert.Equal(t, "matrixTranspose", res.Kernel)
	assert.Equal(t, PathPrecompiled, res.Path)
	assert.Equal(t, 1024*1024, res.Elements)
	assert.Zero(t, res.Mismatches)
	assert.True(t, res.Passed)
	assert.Zero(t, res.CompileTime)
	assert.Equal(t, 1+opts.Repeat, f.backend.launches, "one warmup plus the timed loop")
	assert.Zero(t, f.session.LiveBuffers())

	out := f.out.String()
	assert.True(t, strings.HasPrefix(out, "Device name Simulated device"))
	assert.Contains(t, out, "OK: kernel launch took ")
	assert.Contains(t, out, "msec (average over 3 iterations)\n")
	assert.True(t, strings.HasSuffix(out, "PASSED!\n"))
	assert.NotContains(t, out, "runtime compile")
}

func TestRunRTCTransposePasses(t *testing.T) {
	f := newHarness(t, gpu.DefaultSimConfig(), smallOptions(), nil)

	res, err := f.harness.RunRTCTranspose()
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, PathRuntime, res.Path)
	assert.Positive(t, res.CompileTime)
	assert.Contains(t, f.out.String(), "OK: runtime compile of matrixTranspose.cu took ")
	assert.Zero(t, f.session.LiveBuffers())
}

func TestRunRTCSaxpyPasses(t *testing.T) {
	f := newHarness(t, gpu.DefaultSimConfig(), smallOptions(), nil)

	res, err := f.harness.RunRTCSaxpy()
	require.NoError(t, err)
	assert.Equal(t, "saxpy", res.Kernel)
	assert.Equal(t, 1000, res.Elements)
	assert.Zero(t, res.Mismatches)
	assert.True(t, res.Passed)
	assert.Contains(t, f.out.String(), "OK: runtime compile of saxpy.cu took ")
	assert.True(t, strings.HasSuffix(f.out.String(), "PASSED!\n"))
	assert.Zero(t, f.session.LiveBuffers())
}

func TestRunRTCSaxpyDefaultSize(t *testing.T) {
	opts := DefaultOptions()
	opts.Repeat = 2
	f := newHarness(t, gpu.DefaultSimConfig(), opts, nil)

	res, err := f.harness.RunRTCSaxpy()
	require.NoError(t, err)
	assert.Equal(t, 1024*128, res.Elements)
	assert.True(t, res.Passed)
}

func TestSaxpyZeroScalarReturnsYExactly(t *testing.T) {
	opts := smallOptions()
	opts.SaxpyA = 0
	opts.Tolerance = 0
	opts.RelTolerance = 0
	f := newHarness(t, gpu.DefaultSimConfig(), opts, nil)

	res, err := f.harness.RunRTCSaxpy()
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestCompileFailureAbortsBeforeLaunch(t *testing.T) {
	runs := map[string]func(*Harness) (*Result, error){
		"transpose": (*Harness).RunRTCTranspose,
		"saxpy":     (*Harness).RunRTCSaxpy,
	}
	for name, runFn := range runs {
		t.Run(name, func(t *testing.T) {
			f := newHarness(t, gpu.DefaultSimConfig(), smallOptions(), func(c rtc.Compiler) rtc.Compiler {
				return corruptingCompiler{Compiler: c}
			})

			res, err := runFn(f.harness)
			require.Error(t, err)
			assert.Nil(t, res)

			var cerr *rtc.CompileError
			require.ErrorAs(t, err, &cerr)
			assert.NotEmpty(t, cerr.Log)
			assert.Zero(t, f.backend.mallocs)
			assert.Zero(t, f.backend.launches)
			assert.NotContains(t, f.out.String(), "PASSED!")
			assert.NotContains(t, f.out.String(), "OK: runtime compile")
		})
	}
}

func TestAllocationFailureReleasesEarlierBuffers(t *testing.T) {
	cfg := gpu.DefaultSimConfig()
	cfg.TotalMemory = 64*64*4 + 1024 // room for the input matrix only
	f := newHarness(t, cfg, smallOptions(), nil)

	res, err := f.harness.RunPrecompiledTranspose()
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, gpu.ErrAllocationFailure)
	assert.Equal(t, 2, f.backend.mallocs)
	assert.Zero(t, f.backend.launches)
	assert.Zero(t, f.session.LiveBuffers())
	assert.Zero(t, f.session.AllocatedBytes())
}

func TestNoDeviceMemory(t *testing.T) {
	cfg := gpu.DefaultSimConfig()
	cfg.TotalMemory = 0
	f := newHarness(t, cfg, smallOptions(), nil)

	_, err := f.harness.RunRTCSaxpy()
	assert.ErrorIs(t, err, gpu.ErrAllocationFailure)
	assert.Zero(t, f.session.LiveBuffers())
}

func TestIndivisibleWidthRejectedBeforeAllocation(t *testing.T) {
	opts := smallOptions()
	opts.Width = 30
	f := newHarness(t, gpu.DefaultSimConfig(), opts, nil)

	_, err := f.harness.RunPrecompiledTranspose()
	assert.ErrorIs(t, err, launch.ErrIndivisibleWidth)
	assert.Zero(t, f.backend.mallocs)
}

func TestMismatchesAreCountedAndReported(t *testing.T) {
	opts := smallOptions()
	opts.MaxReportedErrors = 2
	f := newHarness(t, gpu.DefaultSimConfig(), opts, nil)
	f.backend.corrupt = map[int]float32{1: -1, 2: -2, 3: -3}

	res, err := f.harness.RunPrecompiledTranspose()
	require.NoError(t, err, "mismatches are a result, not an error")
	assert.Equal(t, 3, res.Mismatches)
	assert.False(t, res.Passed)
	require.Len(t, res.Reported, 2)
	assert.Equal(t, Mismatch{Index: 1, Expected: 640, Actual: -1}, res.Reported[0])

	out := f.out.String()
	assert.Contains(t, out, "Error at 1 640.000000 != -1.000000\n")
	assert.Contains(t, out, "Error at 2 1280.000000 != -2.000000\n")
	assert.NotContains(t, out, "Error at 3 ")
	assert.True(t, strings.HasSuffix(out, "FAILED: 3 errors\n"))
	assert.Zero(t, f.session.LiveBuffers())
}

func TestRepeatedRunsAreDeterministic(t *testing.T) {
	f := newHarness(t, gpu.DefaultSimConfig(), smallOptions(), nil)

	first, err := f.harness.RunRTCSaxpy()
	require.NoError(t, err)
	second, err := f.harness.RunRTCSaxpy()
	require.NoError(t, err)
	assert.Equal(t, first.Mismatches, second.Mismatches)
	assert.Equal(t, first.Passed, second.Passed)
	assert.Equal(t, first.Elements, second.Elements)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "Init", PhaseInit.String())
	assert.Equal(t, "TimedLoop", PhaseTimedLoop.String())
	assert.Equal(t, "Teardown", PhaseTeardown.String())
	assert.Equal(t, "Phase(42)", Phase(42).String())
}
