// Package oracle holds the host reference computations device results are
// verified against.
package oracle

import "fmt"

// tileLanes is the width of the square tiles AcceleratedTranspose moves at
// a time.
const tileLanes = 4

// ReferenceTranspose returns the transpose of the width×width row-major
// matrix in: out[i*width+j] = in[j*width+i].
func ReferenceTranspose(in []float32, width int) []float32 {
	checkSquare(in, width)
	out := make([]float32, len(in))
	for i := 0; i < width; i++ {
		for j := 0; j < width; j++ {
			out[i*width+j] = in[j*width+i]
		}
	}
	return out
}

// AcceleratedTranspose computes the same result as ReferenceTranspose. It
// moves 4×4 tiles, loading four source rows and storing every lane of each
// as a column of the destination, and falls back to scalar copies on the
// edges when width is not a multiple of 4.
func AcceleratedTranspose(in []float32, width int) []float32 {
	checkSquare(in, width)
	out := make([]float32, len(in))

	for i := 0; i <= width-tileLanes; i += tileLanes {
		for j := 0; j <= width-tileLanes; j += tileLanes {
			transposeTile(in, out, i, j, width)
		}
	}
	transposeEdges(in, out, width)
	return out
}

// transposeTile moves the tile whose top-left source element is (i, j).
func transposeTile(src, dst []float32, i, j, width int) {
	var rows [tileLanes][tileLanes]float32
	for r := 0; r < tileLanes; r++ {
		copy(rows[r][:], src[(i+r)*width+j:(i+r)*width+j+tileLanes])
	}
	for c := 0; c < tileLanes; c++ {
		d := dst[(j+c)*width+i : (j+c)*width+i+tileLanes]
		d[0], d[1], d[2], d[3] = rows[0][c], rows[1][c], rows[2][c], rows[3][c]
	}
}

func transposeEdges(src, dst []float32, width int) {
	block := (width / tileLanes) * tileLanes

	// Right edge: columns [block, width)
	for i := 0; i < width; i++ {
		for j := block; j < width; j++ {
			dst[j*width+i] = src[i*width+j]
		}
	}

	// Bottom edge: rows [block, width), columns [0, block)
	for i := block; i < width; i++ {
		for j := 0; j < block; j++ {
			dst[j*width+i] = src[i*width+j]
		}
	}
}

func checkSquare(in []float32, width int) {
	if width < 0 || len(in) != width*width {
		panic(fmt.Sprintf("oracle: input has %d elements, want %d×%d", len(in), width, width))
	}
}
