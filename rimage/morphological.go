package rimage

import (
	"gonum.org/v1/gonum/mat"
)

// Binary-mask morphology with a 3x3 cross structuring element. Masks are
// dense matrices holding 0 or 1; anything non zero counts as set.

var crossOffsets = [5][2]int{{0, 0}, {-1, 0}, {1, 0}, {0, -1}, {0, 1}}

// DilateCross dilates a binary mask with a 3x3 cross kernel.
func DilateCross(mask *mat.Dense) *mat.Dense {
	rows, cols := mask.Dims()
	out := mat.NewDense(rows, cols, nil)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			for _, off := range crossOffsets {
				ny, nx := y+off[1], x+off[0]
				if ny < 0 || ny >= rows || nx < 0 || nx >= cols {
					continue
				}
				if mask.At(ny, nx) != 0 {
					out.Set(y, x, 1)
					break
				}
			}
		}
	}
	return out
}

// ErodeCross erodes a binary mask with a 3x3 cross kernel. Pixels outside
// the mask bounds count as unset.
func ErodeCross(mask *mat.Dense) *mat.Dense {
	rows, cols := mask.Dims()
	out := mat.NewDense(rows, cols, nil)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			set := true
			for _, off := range crossOffsets {
				ny, nx := y+off[1], x+off[0]
				if ny < 0 || ny >= rows || nx < 0 || nx >= cols {
					set = false
					break
				}
				if mask.At(ny, nx) == 0 {
					set = false
					break
				}
			}
			if set {
				out.Set(y, x, 1)
			}
		}
	}
	return out
}

// CloseCross is a morphological closing: dilation followed by erosion.
func CloseCross(mask *mat.Dense) *mat.Dense {
	return ErodeCross(DilateCross(mask))
}

// MaskIsEmpty reports whether no pixel of the mask is set.
func MaskIsEmpty(mask *mat.Dense) bool {
	rows, cols := mask.Dims()
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			if mask.At(y, x) != 0 {
				return false
			}
		}
	}
	return true
}

// UpsampleMask expands a cell-resolution mask to pixel resolution, each cell
// becoming a cellSize x cellSize block.
func UpsampleMask(mask *mat.Dense, cellSize int) *mat.Dense {
	rows, cols := mask.Dims()
	out := mat.NewDense(rows*cellSize, cols*cellSize, nil)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			if mask.At(y, x) == 0 {
				continue
			}
			for py := 0; py < cellSize; py++ {
				for px := 0; px < cellSize; px++ {
					out.Set(y*cellSize+py, x*cellSize+px, 1)
				}
			}
		}
	}
	return out
}

// MaskOverlap is the intersection-over-union of two same-size binary masks.
func MaskOverlap(a, b *mat.Dense) float64 {
	rows, cols := a.Dims()
	brows, bcols := b.Dims()
	if rows != brows || cols != bcols {
		return 0
	}
	inter, union := 0, 0
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			sa, sb := a.At(y, x) != 0, b.At(y, x) != 0
			if sa && sb {
				inter++
			}
			if sa || sb {
				union++
			}
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
