package bench

import (
	"github.com/fxnlabs/kernel-bench/internal/kernels"
	"github.com/fxnlabs/kernel-bench/internal/launch"
	"github.com/fxnlabs/kernel-bench/internal/oracle"
	"github.com/fxnlabs/kernel-bench/internal/rtc"
)

// TransposeInput returns the width×width matrix M[i] = i*10.
func TransposeInput(width int) []float32 {
	m := make([]float32, width*width)
	for i := range m {
		m[i] = float32(i) * 10
	}
	return m
}

// SaxpyInput returns x[i] = i and y[i] = 2i.
func SaxpyInput(n int) (x, y []float32) {
	x = make([]float32, n)
	y = make([]float32, n)
	for i := range x {
		x[i] = float32(i)
		y[i] = float32(i) * 2
	}
	return x, y
}

// RunPrecompiledTranspose benchmarks the transpose kernel built into the
// binary and verifies it against the tiled host transpose.
func (h *Harness) RunPrecompiledTranspose() (*Result, error) {
	r := h.begin(kernels.MatrixTranspose.Name, PathPrecompiled)
	return r.finish(r.transpose(nil, oracle.AcceleratedTranspose))
}

// RunRTCTranspose compiles the transpose source at run time, then
// benchmarks and verifies it against the scalar host transpose.
func (h *Harness) RunRTCTranspose() (*Result, error) {
	r := h.begin(kernels.MatrixTranspose.Name, PathRuntime)
	art, err := r.compile(kernels.MatrixTranspose)
	if err != nil {
		return r.finish(err)
	}
	return r.finish(r.transpose(art, oracle.ReferenceTranspose))
}

// RunRTCSaxpy compiles the saxpy source at run time, then benchmarks and
// verifies it against the host saxpy.
func (h *Harness) RunRTCSaxpy() (*Result, error) {
	r := h.begin(kernels.Saxpy.Name, PathRuntime)
	art, err := r.compile(kernels.Saxpy)
	if err != nil {
		return r.finish(err)
	}
	return r.finish(r.saxpy(art))
}

// transpose runs the transpose kernel from art, or from the precompiled
// module when art is nil.
func (r *run) transpose(art *rtc.Artifact, reference func([]float32, int) []float32) error {
	w := r.h.opts.Width
	grid, block, err := launch.TransposeDims(w)
	if err != nil {
		return err
	}

	mod, err := r.loadModule(art)
	if err != nil {
		return err
	}
	k, err := mod.Function(kernels.MatrixTranspose.Name)
	if err != nil {
		return err
	}

	matrix := TransposeInput(w)
	in, err := r.upload("input", matrix)
	if err != nil {
		return err
	}
	out, err := r.alloc("output", w*w)
	if err != nil {
		return err
	}

	l, err := r.h.driver.Configure(k, grid, block, launch.TransposeArgs(out, in, w))
	if err != nil {
		return err
	}
	if err := r.measure(l); err != nil {
		return err
	}

	transposed := make([]float32, w*w)
	if err := r.copyBack(transposed, out); err != nil {
		return err
	}
	r.verify(reference(matrix, w), transposed, AbsTolerance(r.h.opts.Tolerance))
	r.report()
	return nil
}

func (r *run) saxpy(art *rtc.Artifact) error {
	o := r.h.opts
	n := o.SaxpyElements
	grid, block, err := launch.LinearDims(n, o.SaxpyThreadsPerBlock)
	if err != nil {
		return err
	}

	mod, err := r.loadModule(art)
	if err != nil {
		return err
	}
	k, err := mod.Function(kernels.Saxpy.Name)
	if err != nil {
		return err
	}

	x, y := SaxpyInput(n)
	dx, err := r.upload("x", x)
	if err != nil {
		return err
	}
	dy, err := r.upload("y", y)
	if err != nil {
		return err
	}
	dout, err := r.alloc("out", n)
	if err != nil {
		return err
	}

	l, err := r.h.driver.Configure(k, grid, block, launch.SaxpyArgs(o.SaxpyA, dx, dy, dout, n))
	if err != nil {
		return err
	}
	if err := r.measure(l); err != nil {
		return err
	}

	result := make([]float32, n)
	if err := r.copyBack(result, dout); err != nil {
		return err
	}
	r.verify(oracle.ReferenceSaxpy(o.SaxpyA, x, y), result, AbsOrRelTolerance(o.Tolerance, o.RelTolerance))
	r.report()
	return nil
}
