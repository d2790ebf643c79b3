package localmap

import (
	"github.com/golang/geo/r3"

	"github.com/mcx/rgbdslam/spatialmath"
	"github.com/mcx/rgbdslam/tracking"
)

// PointMatch pairs a 3D map point with a detected keypoint. The residual
// used by the optimizer is the 2D screen retroprojection distance, so the
// keypoint depth may be missing.
type PointMatch struct {
	FeatureID     FeatureID
	DetectedIndex int

	Screen spatialmath.ScreenPoint
	World  spatialmath.WorldPoint
	// WorldStdDev is the square root of the diagonal of the map point
	// covariance, used by the Monte-Carlo pose covariance.
	WorldStdDev r3.Vector
}

// Point2DMatch pairs an inverse-depth map point with a 2D detected
// keypoint.
type Point2DMatch struct {
	FeatureID     FeatureID
	DetectedIndex int

	Screen spatialmath.ScreenPoint2D
	Point  tracking.InverseDepthPoint
	// StateStdDev is the square root of the diagonal of the 6x6 state
	// covariance.
	StateStdDev [6]float64
}

// PlaneMatch pairs a world map plane with a detected camera-frame plane.
type PlaneMatch struct {
	FeatureID     FeatureID
	DetectedIndex int

	Detected spatialmath.PlaneCoordinates
	World    spatialmath.PlaneCoordinates
	// CovarianceDiag scales the (angle, angle, distance) residual
	// components.
	CovarianceDiag r3.Vector
}

// Matches is the full association of one frame.
type Matches struct {
	Points   []PointMatch
	Points2D []Point2DMatch
	Planes   []PlaneMatch
}

// Count is the total number of matched features.
func (m *Matches) Count() int {
	return len(m.Points) + len(m.Points2D) + len(m.Planes)
}
