// Package kernels holds the kernel sources compiled at run time.
package kernels

import _ "embed"

// Source is an immutable kernel source text with the logical name of its
// entry point.
type Source struct {
	Name     string // entry point resolved after compilation
	FileName string // name given to the compilation unit
	Text     string
}

//go:embed src/matrixTranspose.cu
var matrixTransposeSource string

//go:embed src/saxpy.cu
var saxpySource string

var (
	// MatrixTranspose is matrixTranspose(float* out, float* in, int width).
	MatrixTranspose = Source{Name: "matrixTranspose", FileName: "matrixTranspose.cu", Text: matrixTransposeSource}

	// Saxpy is saxpy(float a, float* x, float* y, float* out, size_t n).
	Saxpy = Source{Name: "saxpy", FileName: "saxpy.cu", Text: saxpySource}
)

// All returns every embedded source.
func All() []Source {
	return []Source{MatrixTranspose, Saxpy}
}

// Lookup returns the source whose entry point is name.
func Lookup(name string) (Source, bool) {
	for _, s := range All() {
		if s.Name == name {
			return s, true
		}
	}
	return Source{}, false
}
