package launch

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/fxnlabs/kernel-bench/internal/gpu"
	"github.com/fxnlabs/kernel-bench/internal/kernels"
	"github.com/fxnlabs/kernel-bench/internal/metrics"
	"github.com/fxnlabs/kernel-bench/internal/oracle"
	"github.com/fxnlabs/kernel-bench/internal/rtc"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	backend *gpu.SimBackend
	session *gpu.Session
	driver  *Driver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := gpu.DefaultSimConfig()
	cfg.Workers = 4
	backend := gpu.NewSimBackend(cfg, zap.NewNop())
	session, err := gpu.Open(backend, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return &fixture{backend: backend, session: session, driver: NewDriver(backend, zap.NewNop())}
}

func (f *fixture) upload(t *testing.T, v []float32) *gpu.Buffer {
	t.Helper()
	b, err := f.session.AllocateFloat32(len(v))
	require.NoError(t, err)
	require.NoError(t, f.session.CopyToDevice(b, v))
	return b
}

func (f *fixture) compile(t *testing.T, src kernels.Source) *rtc.Artifact {
	t.Helper()
	art, err := rtc.NewPipeline(f.backend, &bytes.Buffer{}, zap.NewNop()).Compile(src, f.session.Arch())
	require.NoError(t, err)
	return art
}

func TestArgsLayout(t *testing.T) {
	t.Run("transpose record", func(t *testing.T) {
		a := NewArgs().Pointer(0x1000).Pointer(0x2000).Int32(1024)
		b := a.Bytes()
		require.Len(t, b, 24)
		assert.Equal(t, uint64(0x1000), binary.NativeEndian.Uint64(b[0:]))
		assert.Equal(t, uint64(0x2000), binary.NativeEndian.Uint64(b[8:]))
		assert.Equal(t, uint32(1024), binary.NativeEndian.Uint32(b[16:]))
		assert.Equal(t, []gpu.ParamKind{gpu.ParamPointer, gpu.ParamPointer, gpu.ParamInt32}, a.Kinds())
	})

	t.Run("saxpy record", func(t *testing.T) {
		a := NewArgs().Float32(5.1).Pointer(0x10).Pointer(0x20).Pointer(0x30).SizeT(131072)
		b := a.Bytes()
		require.Len(t, b, 40)
		assert.Equal(t, float32(5.1), math.Float32frombits(binary.NativeEndian.Uint32(b[0:])))
		assert.Equal(t, []byte{0, 0, 0, 0}, b[4:8], "padding before the first pointer")
		assert.Equal(t, uint64(0x10), binary.NativeEndian.Uint64(b[8:]))
		assert.Equal(t, uint64(0x20), binary.NativeEndian.Uint64(b[16:]))
		assert.Equal(t, uint64(0x30), binary.NativeEndian.Uint64(b[24:]))
		assert.Equal(t, uint64(131072), binary.NativeEndian.Uint64(b[32:]))
	})

	t.Run("matches gpu.Layout", func(t *testing.T) {
		a := NewArgs().Int32(1).Float32(2).SizeT(3).Int32(4)
		offsets, size := gpu.Layout(a.Kinds())
		assert.Equal(t, []int{0, 4, 8, 16}, offsets)
		assert.Len(t, a.Bytes(), size)
		assert.Equal(t, 24, size)
	})

	t.Run("empty record", func(t *testing.T) {
		a := NewArgs()
		assert.Zero(t, a.Len())
		assert.Empty(t, a.Bytes())
	})
}

func TestTransposeDims(t *testing.T) {
	grid, block, err := TransposeDims(1024)
	require.NoError(t, err)
	assert.Equal(t, gpu.Dim3{X: 4, Y: 4, Z: 1}, block)
	assert.Equal(t, gpu.Dim3{X: 256, Y: 256, Z: 1}, grid)

	_, _, err = TransposeDims(1022)
	assert.ErrorIs(t, err, ErrIndivisibleWidth)

	_, _, err = TransposeDims(0)
	assert.ErrorIs(t, err, gpu.ErrInvalidValue)
}

func TestLinearDims(t *testing.T) {
	tests := []struct {
		n, tpb    int
		wantGridX int
	}{
		{n: 131072, tpb: 1024, wantGridX: 128},
		{n: 1000, tpb: 256, wantGridX: 4},
		{n: 1, tpb: 256, wantGridX: 1},
	}
	for _, tt := range tests {
		grid, block, err := LinearDims(tt.n, tt.tpb)
		require.NoError(t, err)
		assert.Equal(t, gpu.Dim3{X: tt.tpb, Y: 1, Z: 1}, block)
		assert.Equal(t, gpu.Dim3{X: tt.wantGridX, Y: 1, Z: 1}, grid)
		assert.GreaterOrEqual(t, grid.X*block.X, tt.n)
	}

	_, _, err := LinearDims(0, 256)
	assert.ErrorIs(t, err, gpu.ErrInvalidValue)
	_, _, err = LinearDims(10, 0)
	assert.ErrorIs(t, err, gpu.ErrInvalidValue)
}

func TestPrecompiledTranspose(t *testing.T) {
	f := newFixture(t)
	const w = 16
	in := make([]float32, w*w)
	for i := range in {
		in[i] = float32(i) * 10
	}
	inBuf := f.upload(t, in)
	outBuf, err := f.session.AllocateFloat32(w * w)
	require.NoError(t, err)

	mod, err := f.driver.LoadPrecompiled()
	require.NoError(t, err)
	k, err := mod.Function("matrixTranspose")
	require.NoError(t, err)
	assert.Equal(t, "matrixTranspose", k.Name())

	grid, block, err := TransposeDims(w)
	require.NoError(t, err)
	l, err := f.driver.Configure(k, grid, block, TransposeArgs(outBuf, inBuf, w))
	require.NoError(t, err)
	require.NoError(t, l.Launch())

	got := make([]float32, w*w)
	require.NoError(t, f.session.CopyToHost(got, outBuf))
	assert.Equal(t, oracle.ReferenceTranspose(in, w), got)
	require.NoError(t, mod.Unload())
}

func TestRepeatCountsLaunches(t *testing.T) {
	f := newFixture(t)
	const w = 8
	inBuf := f.upload(t, make([]float32, w*w))
	outBuf, err := f.session.AllocateFloat32(w * w)
	require.NoError(t, err)

	mod, err := f.driver.LoadPrecompiled()
	require.NoError(t, err)
	defer mod.Unload()
	k, err := mod.Function("matrixTranspose")
	require.NoError(t, err)
	grid, block, err := TransposeDims(w)
	require.NoError(t, err)
	l, err := f.driver.Configure(k, grid, block, TransposeArgs(outBuf, inBuf, w))
	require.NoError(t, err)

	counter := metrics.KernelLaunches.WithLabelValues("matrixTranspose")
	before := testutil.ToFloat64(counter)
	require.NoError(t, l.Repeat(5))
	require.NoError(t, f.driver.Synchronize())
	assert.Equal(t, before+5, testutil.ToFloat64(counter))
}

func TestRuntimeCompiledSaxpyPartialBlock(t *testing.T) {
	f := newFixture(t)
	const n = 1000
	x := make([]float32, n)
	y := make([]float32, n)
	for i := range x {
		x[i] = float32(i)
		y[i] = float32(2 * i)
	}
	xBuf, yBuf := f.upload(t, x), f.upload(t, y)
	outBuf, err := f.session.AllocateFloat32(n)
	require.NoError(t, err)

	mod, err := f.driver.LoadModule(f.compile(t, kernels.Saxpy))
	require.NoError(t, err)
	defer mod.Unload()
	k, err := mod.Function("saxpy")
	require.NoError(t, err)

	grid, block, err := LinearDims(n, 256)
	require.NoError(t, err)
	l, err := f.driver.Configure(k, grid, block, SaxpyArgs(5.1, xBuf, yBuf, outBuf, n))
	require.NoError(t, err)
	require.NoError(t, l.Repeat(3))
	require.NoError(t, f.driver.Synchronize(), "threads past n must not fault")

	got := make([]float32, n)
	require.NoError(t, f.session.CopyToHost(got, outBuf))
	assert.InDeltaSlice(t, oracle.ReferenceSaxpy(5.1, x, y), got, 1e-3)
	assert.EqualValues(t, 3, f.backend.Launches())
}

func TestFunctionNotFound(t *testing.T) {
	f := newFixture(t)
	mod, err := f.driver.LoadModule(f.compile(t, kernels.MatrixTranspose))
	require.NoError(t, err)
	defer mod.Unload()

	_, err = mod.Function("saxpy")
	assert.ErrorIs(t, err, gpu.ErrKernelNotFound)
}

func TestModuleUnloadOnce(t *testing.T) {
	f := newFixture(t)
	mod, err := f.driver.LoadPrecompiled()
	require.NoError(t, err)
	k, err := mod.Function("saxpy")
	require.NoError(t, err)

	require.NoError(t, mod.Unload())
	assert.ErrorIs(t, mod.Unload(), ErrModuleUnloaded)

	_, err = mod.Function("saxpy")
	assert.ErrorIs(t, err, ErrModuleUnloaded)
	_, err = f.driver.Configure(k, gpu.Dim3{X: 1, Y: 1, Z: 1}, gpu.Dim3{X: 1, Y: 1, Z: 1}, NewArgs().Float32(1))
	assert.ErrorIs(t, err, ErrModuleUnloaded)
}

func TestLoadModuleRejectsBadImages(t *testing.T) {
	f := newFixture(t)

	_, err := f.driver.LoadModule(nil)
	assert.ErrorIs(t, err, gpu.ErrInvalidImage)

	_, err = f.driver.LoadModule(&rtc.Artifact{FileName: "junk", Image: []byte("not a code object")})
	assert.ErrorIs(t, err, gpu.ErrInvalidImage)
}

func TestConfigureValidation(t *testing.T) {
	f := newFixture(t)
	mod, err := f.driver.LoadPrecompiled()
	require.NoError(t, err)
	defer mod.Unload()
	k, err := mod.Function("matrixTranspose")
	require.NoError(t, err)

	one := gpu.Dim3{X: 1, Y: 1, Z: 1}
	_, err = f.driver.Configure(k, gpu.Dim3{}, one, NewArgs().Int32(1))
	assert.ErrorIs(t, err, gpu.ErrInvalidLaunch)
	_, err = f.driver.Configure(k, one, one, NewArgs())
	assert.ErrorIs(t, err, gpu.ErrInvalidLaunch)
	_, err = f.driver.Configure(k, one, one, nil)
	assert.ErrorIs(t, err, gpu.ErrInvalidLaunch)
}

func TestLaunchArgumentMismatchRejected(t *testing.T) {
	f := newFixture(t)
	mod, err := f.driver.LoadPrecompiled()
	require.NoError(t, err)
	defer mod.Unload()
	k, err := mod.Function("saxpy")
	require.NoError(t, err)

	one := gpu.Dim3{X: 1, Y: 1, Z: 1}
	l, err := f.driver.Configure(k, one, one, NewArgs().Pointer(0).Pointer(0).Int32(4))
	require.NoError(t, err)
	assert.ErrorIs(t, l.Launch(), gpu.ErrInvalidLaunch)
	assert.Zero(t, f.backend.Launches())
}

func TestOutOfBoundsKernelFaults(t *testing.T) {
	f := newFixture(t)
	in := f.upload(t, make([]float32, 16))
	out, err := f.session.AllocateFloat32(16)
	require.NoError(t, err)

	mod, err := f.driver.LoadPrecompiled()
	require.NoError(t, err)
	k, err := mod.Function("matrixTranspose")
	require.NoError(t, err)

	// An 8×8 grid over 4×4 buffers.
	grid, block, err := TransposeDims(8)
	require.NoError(t, err)
	l, err := f.driver.Configure(k, grid, block, TransposeArgs(out, in, 8))
	require.NoError(t, err)
	require.NoError(t, l.Launch(), "faults surface at the next blocking call")

	assert.ErrorIs(t, f.driver.Synchronize(), gpu.ErrIllegalAddress)
	assert.ErrorIs(t, f.session.CopyToHost(make([]float32, 16), out), gpu.ErrIllegalAddress)

	require.NoError(t, mod.Unload())
	require.NoError(t, in.Free())
	require.NoError(t, out.Free())
	assert.Zero(t, f.session.LiveBuffers())
}
