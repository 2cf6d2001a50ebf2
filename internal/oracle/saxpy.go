package oracle

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"
)

// ReferenceSaxpy returns a*x + y without modifying its inputs.
func ReferenceSaxpy(a float32, x, y []float32) []float32 {
	if len(x) != len(y) {
		panic(fmt.Sprintf("oracle: saxpy vectors differ in length: %d != %d", len(x), len(y)))
	}
	out := make([]float32, len(y))
	copy(out, y)
	if len(out) == 0 {
		return out
	}
	blas32.Axpy(a,
		blas32.Vector{N: len(x), Inc: 1, Data: x},
		blas32.Vector{N: len(out), Inc: 1, Data: out})
	return out
}
