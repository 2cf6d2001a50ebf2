package bench

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats/scalar"
)

// Mismatch is one output element that disagrees with the reference.
type Mismatch struct {
	Index    int
	Expected float32
	Actual   float32
}

// Comparison decides whether an actual value matches the expected one.
type Comparison func(expected, actual float32) bool

// AbsTolerance matches values whose absolute difference is at most eps.
func AbsTolerance(eps float64) Comparison {
	return func(expected, actual float32) bool {
		return math.Abs(float64(expected)-float64(actual)) <= eps
	}
}

// AbsOrRelTolerance matches values within eps absolutely or within rel of
// the larger magnitude.
func AbsOrRelTolerance(eps, rel float64) Comparison {
	return func(expected, actual float32) bool {
		return scalar.EqualWithinAbsOrRel(float64(expected), float64(actual), eps, rel)
	}
}

// Verify counts the elements of actual that do not match expected and
// returns the first limit of them.
func Verify(expected, actual []float32, match Comparison, limit int) (int, []Mismatch) {
	if len(expected) != len(actual) {
		panic(fmt.Sprintf("bench: verifying %d elements against %d", len(actual), len(expected)))
	}
	count := 0
	var first []Mismatch
	for i := range expected {
		if match(expected[i], actual[i]) {
			continue
		}
		count++
		if len(first) < limit {
			first = append(first, Mismatch{Index: i, Expected: expected[i], Actual: actual[i]})
		}
	}
	return count, first
}
