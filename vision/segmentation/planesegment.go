// Package segmentation implements the planar-primitive detection pipeline:
// per-cell plane fitting, histogram-guided region growing, plane merging and
// a cylinder fallback for curved regions.
package segmentation

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// PlaneFittingConfig bounds the per-cell planarity decision.
type PlaneFittingConfig struct {
	// DepthSigmaError and DepthSigmaMargin define the depth noise model used
	// for the depth-adaptive MSE bound.
	DepthSigmaError  float64
	DepthSigmaMargin float64
	// PlanarityMarginMM is an additive slack on the noise model, in
	// millimeters.
	PlanarityMarginMM float64
	// DepthDiscontinuityMM is the jump-edge limit between horizontally
	// adjacent pixels of a cell.
	DepthDiscontinuityMM float64
	// MinimumValidRatio is the fraction of cell pixels that must carry a
	// valid depth for the cell to be fit at all.
	MinimumValidRatio float64
}

// PlaneSegment accumulates the first and second order moments of a group of
// 3D points and fits a plane to them. Expansion is purely additive on the
// moments, so merging two segments is O(1).
type PlaneSegment struct {
	pointCount int

	sx, sy, sz             float64
	sxx, syy, szz          float64
	sxy, sxz, syz          float64

	mean     r3.Vector
	normal   r3.Vector
	d        float64
	mse      float64
	isPlanar bool
}

// NewPlaneSegment returns an empty segment.
func NewPlaneSegment() *PlaneSegment {
	return &PlaneSegment{}
}

// Reset clears the segment for reuse.
func (s *PlaneSegment) Reset() {
	*s = PlaneSegment{}
}

// Clone copies the segment.
func (s *PlaneSegment) Clone() *PlaneSegment {
	c := *s
	return &c
}

// IsPlanar reports whether the last fit passed the planarity test.
func (s *PlaneSegment) IsPlanar() bool { return s.isPlanar }

// PointCount is the number of accumulated points.
func (s *PlaneSegment) PointCount() int { return s.pointCount }

// Normal is the fitted unit normal, oriented toward the camera origin.
func (s *PlaneSegment) Normal() r3.Vector { return s.normal }

// D is the fitted plane distance; non negative by construction.
func (s *PlaneSegment) D() float64 { return s.d }

// Mean is the centroid of the accumulated points.
func (s *PlaneSegment) Mean() r3.Vector { return s.mean }

// MSE is the average squared point-plane residual of the fit.
func (s *PlaneSegment) MSE() float64 { return s.mse }

// Score is the plane evidence: points per unit of residual.
func (s *PlaneSegment) Score() float64 {
	if s.mse <= 0 {
		return math.Inf(1)
	}
	return float64(s.pointCount) / s.mse
}

func (s *PlaneSegment) addPoint(pt r3.Vector) {
	s.pointCount++
	s.sx += pt.X
	s.sy += pt.Y
	s.sz += pt.Z
	s.sxx += pt.X * pt.X
	s.syy += pt.Y * pt.Y
	s.szz += pt.Z * pt.Z
	s.sxy += pt.X * pt.Y
	s.sxz += pt.X * pt.Z
	s.syz += pt.Y * pt.Z
}

// InitFromCell loads the points of one cell, rejects cells with too many
// missing depths or a jump edge, and fits a plane. The points slice is one
// contiguous cell block of an organized cloud; cellSize is its side length.
func (s *PlaneSegment) InitFromCell(points []r3.Vector, valid []bool, cellSize int, cfg PlaneFittingConfig) {
	s.Reset()

	validCount := 0
	for _, ok := range valid {
		if ok {
			validCount++
		}
	}
	if float64(validCount) < cfg.MinimumValidRatio*float64(len(points)) {
		return
	}

	// jump-edge test along each cell row
	for row := 0; row < cellSize; row++ {
		for col := 0; col+1 < cellSize; col++ {
			i := row*cellSize + col
			if !valid[i] || !valid[i+1] {
				continue
			}
			if math.Abs(points[i].Z-points[i+1].Z) > cfg.DepthDiscontinuityMM {
				return
			}
		}
	}

	for i, pt := range points {
		if valid[i] {
			s.addPoint(pt)
		}
	}
	s.FitPlane()

	sigma := cfg.DepthSigmaError * s.mean.Z * s.mean.Z * cfg.DepthSigmaMargin
	bound := sigma + cfg.PlanarityMarginMM
	s.isPlanar = s.isPlanar && s.mse < bound*bound
}

// Expand additively merges another segment into this one. The fit becomes
// stale: the segment is not planar again until the next FitPlane.
func (s *PlaneSegment) Expand(other *PlaneSegment) {
	s.pointCount += other.pointCount
	s.sx += other.sx
	s.sy += other.sy
	s.sz += other.sz
	s.sxx += other.sxx
	s.syy += other.syy
	s.szz += other.szz
	s.sxy += other.sxy
	s.sxz += other.sxz
	s.syz += other.syz
	s.isPlanar = false
}

// FitPlane recomputes the plane from the moments: the normal is the
// eigenvector of the smallest eigenvalue of the 3x3 point covariance, the
// MSE that eigenvalue, and the sign of d keeps the plane in front of the
// origin. A degenerate eigendecomposition marks the segment non planar.
func (s *PlaneSegment) FitPlane() {
	if s.pointCount < 3 {
		s.isPlanar = false
		return
	}
	n := float64(s.pointCount)
	s.mean = r3.Vector{X: s.sx / n, Y: s.sy / n, Z: s.sz / n}

	cov := mat.NewSymDense(3, nil)
	cov.SetSym(0, 0, s.sxx/n-s.mean.X*s.mean.X)
	cov.SetSym(1, 1, s.syy/n-s.mean.Y*s.mean.Y)
	cov.SetSym(2, 2, s.szz/n-s.mean.Z*s.mean.Z)
	cov.SetSym(0, 1, s.sxy/n-s.mean.X*s.mean.Y)
	cov.SetSym(0, 2, s.sxz/n-s.mean.X*s.mean.Z)
	cov.SetSym(1, 2, s.syz/n-s.mean.Y*s.mean.Z)

	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		s.isPlanar = false
		return
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// gonum returns eigenvalues in ascending order
	normal := r3.Vector{X: vectors.At(0, 0), Y: vectors.At(1, 0), Z: vectors.At(2, 0)}
	norm := normal.Norm()
	if norm == 0 || math.IsNaN(norm) {
		s.isPlanar = false
		return
	}
	normal = normal.Mul(1 / norm)
	// orient toward the camera origin; this also keeps d non negative
	if normal.Dot(s.mean) > 0 {
		normal = normal.Mul(-1)
	}

	s.normal = normal
	s.d = -normal.Dot(s.mean)
	s.mse = math.Max(values[0], 0)
	s.isPlanar = true
}
