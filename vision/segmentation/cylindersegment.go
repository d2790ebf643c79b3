package segmentation

import (
	"math"

	"github.com/golang/geo/r3"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// CylinderFittingConfig bounds the cylinder fallback fit.
type CylinderFittingConfig struct {
	// MaximumMergeDistanceMM scaled by RansacSqrtMaxDistance gives the
	// radial inlier threshold of the circle fit.
	MaximumMergeDistanceMM float64
	RansacSqrtMaxDistance  float64
	// RansacMinimumScore is the percentage of candidate cells a circle model
	// must explain for the fit to continue.
	RansacMinimumScore float64
	// MinimumCellCount is the smallest candidate set worth fitting.
	MinimumCellCount int
}

const cylinderRansacIterations = 32

type cylinderSubSegment struct {
	axis   r3.Vector
	center r3.Vector
	radius float64
	mse    float64
	// one flag per local cell index
	inliers []bool
}

// CylinderSegment decomposes a curved cell region, produced by region
// growing but failing the plane test, into one or more cylindrical
// sub-segments. The axis comes from an SVD of the stacked cell normals, the
// circle parameters from a RANSAC fit in the plane orthogonal to the axis.
type CylinderSegment struct {
	localToGlobal []int
	segments      []cylinderSubSegment
}

// FitCylinder fits cylinder sub-segments to the activated planar cells of
// the grid. It returns a segment with zero sub-segments when no cylindrical
// structure explains the cells.
func FitCylinder(grid []*PlaneSegment, activated []bool, cfg CylinderFittingConfig, rnd *rand.Rand) *CylinderSegment {
	seg := &CylinderSegment{}
	var centroids, normals []r3.Vector
	for i, on := range activated {
		if !on || !grid[i].IsPlanar() {
			continue
		}
		seg.localToGlobal = append(seg.localToGlobal, i)
		centroids = append(centroids, grid[i].Mean())
		normals = append(normals, grid[i].Normal())
	}
	cellCount := len(seg.localToGlobal)
	if cellCount < cfg.MinimumCellCount {
		return seg
	}

	axis, ok := cylinderAxis(normals)
	if !ok {
		return seg
	}

	// 2D coordinates in the plane orthogonal to the axis
	e1 := axis.Ortho()
	e2 := axis.Cross(e1)
	type point2 struct{ x, y float64 }
	projected := make([]point2, cellCount)
	along := make([]float64, cellCount)
	for i, c := range centroids {
		projected[i] = point2{x: c.Dot(e1), y: c.Dot(e2)}
		along[i] = c.Dot(axis)
	}

	threshold := cfg.MaximumMergeDistanceMM * cfg.RansacSqrtMaxDistance
	sqThreshold := threshold * threshold

	remaining := make([]int, cellCount)
	for i := range remaining {
		remaining[i] = i
	}

	for len(remaining) >= cfg.MinimumCellCount {
		bestInliers := []int(nil)
		bestMSE := math.Inf(1)
		for iter := 0; iter < cylinderRansacIterations; iter++ {
			i0 := remaining[rnd.Intn(len(remaining))]
			i1 := remaining[rnd.Intn(len(remaining))]
			i2 := remaining[rnd.Intn(len(remaining))]
			if i0 == i1 || i0 == i2 || i1 == i2 {
				continue
			}
			cx, cy, r, ok := circumcircle(
				projected[i0].x, projected[i0].y,
				projected[i1].x, projected[i1].y,
				projected[i2].x, projected[i2].y,
			)
			if !ok {
				continue
			}
			var inliers []int
			mse := 0.0
			for _, li := range remaining {
				res := math.Hypot(projected[li].x-cx, projected[li].y-cy) - r
				if res*res < sqThreshold {
					inliers = append(inliers, li)
					mse += res * res
				}
			}
			if len(inliers) == 0 {
				continue
			}
			mse /= float64(len(inliers))
			if len(inliers) > len(bestInliers) || (len(inliers) == len(bestInliers) && mse < bestMSE) {
				bestInliers = inliers
				bestMSE = mse
			}
		}

		if len(bestInliers) < 3 {
			break
		}
		if float64(len(bestInliers)*100)/float64(len(remaining)) < cfg.RansacMinimumScore {
			break
		}

		// accept contiguous runs of inliers in cell-index order as
		// sub-segments, refitting each run
		for _, run := range contiguousRuns(bestInliers) {
			if len(run) < 3 {
				continue
			}
			xs := make([]float64, len(run))
			ys := make([]float64, len(run))
			axisMean := 0.0
			for i, li := range run {
				xs[i] = projected[li].x
				ys[i] = projected[li].y
				axisMean += along[li]
			}
			axisMean /= float64(len(run))
			cx, cy, r, ok := fitCircleLeastSquares(xs, ys)
			if !ok {
				continue
			}
			mse := 0.0
			inlierMask := make([]bool, cellCount)
			for i := range run {
				res := math.Hypot(xs[i]-cx, ys[i]-cy) - r
				mse += res * res
				inlierMask[run[i]] = true
			}
			mse /= float64(len(run))
			seg.segments = append(seg.segments, cylinderSubSegment{
				axis:    axis,
				center:  e1.Mul(cx).Add(e2.Mul(cy)).Add(axis.Mul(axisMean)),
				radius:  r,
				mse:     mse,
				inliers: inlierMask,
			})
		}

		remaining = removeAll(remaining, bestInliers)
	}
	return seg
}

// SegmentCount is the number of fitted sub-segments.
func (c *CylinderSegment) SegmentCount() int { return len(c.segments) }

// IsInlierAt reports whether a local cell belongs to a sub-segment.
func (c *CylinderSegment) IsInlierAt(segID, localIndex int) bool {
	return c.segments[segID].inliers[localIndex]
}

// LocalToGlobal maps a local cell index back to the grid cell index.
func (c *CylinderSegment) LocalToGlobal(localIndex int) int { return c.localToGlobal[localIndex] }

// LocalCellCount is the number of candidate cells of the fit.
func (c *CylinderSegment) LocalCellCount() int { return len(c.localToGlobal) }

// MSEAt is the mean squared radial residual of a sub-segment.
func (c *CylinderSegment) MSEAt(segID int) float64 { return c.segments[segID].mse }

// AxisAt is the unit axis of a sub-segment.
func (c *CylinderSegment) AxisAt(segID int) r3.Vector { return c.segments[segID].axis }

// CenterAt is the axis point of a sub-segment, in camera coordinates.
func (c *CylinderSegment) CenterAt(segID int) r3.Vector { return c.segments[segID].center }

// RadiusAt is the radius of a sub-segment in millimeters.
func (c *CylinderSegment) RadiusAt(segID int) float64 { return c.segments[segID].radius }

// cylinderAxis is the direction least aligned with the cell normals: the
// right singular vector of the smallest singular value of the stacked
// normal matrix.
func cylinderAxis(normals []r3.Vector) (r3.Vector, bool) {
	data := make([]float64, 0, len(normals)*3)
	for _, n := range normals {
		data = append(data, n.X, n.Y, n.Z)
	}
	stacked := mat.NewDense(len(normals), 3, data)

	var svd mat.SVD
	if !svd.Factorize(stacked, mat.SVDThinV) {
		return r3.Vector{}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	_, cols := v.Dims()
	axis := r3.Vector{X: v.At(0, cols-1), Y: v.At(1, cols-1), Z: v.At(2, cols-1)}
	n := axis.Norm()
	if n == 0 || math.IsNaN(n) {
		return r3.Vector{}, false
	}
	return axis.Mul(1 / n), true
}

func circumcircle(x1, y1, x2, y2, x3, y3 float64) (cx, cy, r float64, ok bool) {
	d := 2 * (x1*(y2-y3) + x2*(y3-y1) + x3*(y1-y2))
	if math.Abs(d) < 1e-12 {
		return 0, 0, 0, false
	}
	sq1 := x1*x1 + y1*y1
	sq2 := x2*x2 + y2*y2
	sq3 := x3*x3 + y3*y3
	cx = (sq1*(y2-y3) + sq2*(y3-y1) + sq3*(y1-y2)) / d
	cy = (sq1*(x3-x2) + sq2*(x1-x3) + sq3*(x2-x1)) / d
	r = math.Hypot(x1-cx, y1-cy)
	return cx, cy, r, true
}

// fitCircleLeastSquares solves the algebraic circle fit
// x^2 + y^2 = 2*a*x + 2*b*y + c.
func fitCircleLeastSquares(xs, ys []float64) (cx, cy, r float64, ok bool) {
	n := len(xs)
	a := mat.NewDense(n, 3, nil)
	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		a.Set(i, 0, 2*xs[i])
		a.Set(i, 1, 2*ys[i])
		a.Set(i, 2, 1)
		b.SetVec(i, xs[i]*xs[i]+ys[i]*ys[i])
	}
	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		return 0, 0, 0, false
	}
	cx, cy = sol.AtVec(0), sol.AtVec(1)
	rsq := sol.AtVec(2) + cx*cx + cy*cy
	if rsq <= 0 || math.IsNaN(rsq) {
		return 0, 0, 0, false
	}
	return cx, cy, math.Sqrt(rsq), true
}

func contiguousRuns(sorted []int) [][]int {
	var runs [][]int
	start := 0
	for i := 1; i <= len(sorted); i++ {
		if i == len(sorted) || sorted[i] != sorted[i-1]+1 {
			runs = append(runs, sorted[start:i])
			start = i
		}
	}
	return runs
}

func removeAll(from, toRemove []int) []int {
	drop := make(map[int]bool, len(toRemove))
	for _, i := range toRemove {
		drop[i] = true
	}
	out := from[:0]
	for _, i := range from {
		if !drop[i] {
			out = append(out, i)
		}
	}
	return out
}
