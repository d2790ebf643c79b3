package rimage

import (
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func maskFrom(rows, cols int, set ...[2]int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for _, rc := range set {
		m.Set(rc[0], rc[1], 1)
	}
	return m
}

func TestErodeCross(t *testing.T) {
	// full 3x3 block erodes down to its center
	full := mat.NewDense(3, 3, []float64{1, 1, 1, 1, 1, 1, 1, 1, 1})
	eroded := ErodeCross(full)
	test.That(t, eroded.At(1, 1), test.ShouldEqual, 1)
	test.That(t, eroded.At(0, 0), test.ShouldEqual, 0)
	test.That(t, eroded.At(0, 1), test.ShouldEqual, 0)

	// single pixel erodes away completely
	single := maskFrom(3, 3, [2]int{1, 1})
	test.That(t, MaskIsEmpty(ErodeCross(single)), test.ShouldBeTrue)
}

func TestDilateCross(t *testing.T) {
	single := maskFrom(3, 3, [2]int{1, 1})
	dilated := DilateCross(single)
	test.That(t, dilated.At(1, 1), test.ShouldEqual, 1)
	test.That(t, dilated.At(0, 1), test.ShouldEqual, 1)
	test.That(t, dilated.At(1, 0), test.ShouldEqual, 1)
	test.That(t, dilated.At(1, 2), test.ShouldEqual, 1)
	test.That(t, dilated.At(2, 1), test.ShouldEqual, 1)
	// diagonals are not part of the cross kernel
	test.That(t, dilated.At(0, 0), test.ShouldEqual, 0)
}

func TestCloseCrossFillsHoles(t *testing.T) {
	// a plus-shape with a missing center closes to include it
	mask := maskFrom(5, 5,
		[2]int{1, 2}, [2]int{2, 1}, [2]int{2, 3}, [2]int{3, 2})
	closed := CloseCross(mask)
	test.That(t, closed.At(2, 2), test.ShouldEqual, 1)
}

func TestUpsampleMask(t *testing.T) {
	mask := maskFrom(2, 2, [2]int{0, 1})
	up := UpsampleMask(mask, 3)
	rows, cols := up.Dims()
	test.That(t, rows, test.ShouldEqual, 6)
	test.That(t, cols, test.ShouldEqual, 6)
	test.That(t, up.At(0, 3), test.ShouldEqual, 1)
	test.That(t, up.At(2, 5), test.ShouldEqual, 1)
	test.That(t, up.At(0, 0), test.ShouldEqual, 0)
	test.That(t, up.At(5, 5), test.ShouldEqual, 0)
}

func TestMaskOverlap(t *testing.T) {
	a := maskFrom(2, 2, [2]int{0, 0}, [2]int{0, 1})
	b := maskFrom(2, 2, [2]int{0, 1}, [2]int{1, 1})
	test.That(t, MaskOverlap(a, b), test.ShouldAlmostEqual, 1.0/3.0, 1e-12)
	test.That(t, MaskOverlap(a, a), test.ShouldEqual, 1)
}
