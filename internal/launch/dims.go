package launch

import (
	"errors"
	"fmt"

	"github.com/fxnlabs/kernel-bench/internal/gpu"
)

// TransposeBlock is the edge of the square thread block used by the
// transpose kernel.
const TransposeBlock = 4

// ErrIndivisibleWidth is returned for a matrix width the transpose block
// does not tile.
var ErrIndivisibleWidth = errors.New("matrix width is not divisible by the block size")

// TransposeDims returns one thread per element of a width×width matrix in
// 4×4 blocks.
func TransposeDims(width int) (grid, block gpu.Dim3, err error) {
	if width <= 0 {
		return grid, block, fmt.Errorf("%w: width %d", gpu.ErrInvalidValue, width)
	}
	if width%TransposeBlock != 0 {
		return grid, block, fmt.Errorf("%w: %d %% %d != 0", ErrIndivisibleWidth, width, TransposeBlock)
	}
	block = gpu.Dim3{X: TransposeBlock, Y: TransposeBlock, Z: 1}
	grid = gpu.Dim3{X: width / TransposeBlock, Y: width / TransposeBlock, Z: 1}
	return grid, block, nil
}

// LinearDims covers n elements with blocks of threadsPerBlock threads. The
// last block may be partial; the kernel must guard tid < n.
func LinearDims(n, threadsPerBlock int) (grid, block gpu.Dim3, err error) {
	if n <= 0 || threadsPerBlock <= 0 {
		return grid, block, fmt.Errorf("%w: %d elements, %d threads per block", gpu.ErrInvalidValue, n, threadsPerBlock)
	}
	block = gpu.Dim3{X: threadsPerBlock, Y: 1, Z: 1}
	grid = gpu.Dim3{X: (n + threadsPerBlock - 1) / threadsPerBlock, Y: 1, Z: 1}
	return grid, block, nil
}
