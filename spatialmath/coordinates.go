// Package spatialmath defines the coordinate spaces of the SLAM engine and
// the spatial operations between them.
//
// Four frames are modeled as distinct types so a point can never silently
// cross frames: screen space (pixels, plus depth in millimeters), camera
// space (millimeters, relative to the camera center), world space
// (millimeters) and plane space (normal plus signed distance). Converting
// between camera and world always requires an explicit transform.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Depth camera reliable range, in millimeters. Depth values outside of it
// are treated as missing measurements everywhere in the engine.
const (
	MinDepthMM = 40
	MaxDepthMM = 6000
)

// IsDepthValid returns true if a depth measurement is in the reliable
// measurement range of the sensor. Zero and NaN depths are invalid.
func IsDepthValid(depthMM float64) bool {
	return depthMM > MinDepthMM && depthMM <= MaxDepthMM
}

// ScreenPoint2D is a point in screen space, in pixels.
type ScreenPoint2D struct {
	U, V float64
}

// ScreenPoint is a point in screen space with its measured depth in
// millimeters.
type ScreenPoint struct {
	U, V    float64
	DepthMM float64
}

// Point2D drops the depth component.
func (s ScreenPoint) Point2D() ScreenPoint2D {
	return ScreenPoint2D{U: s.U, V: s.V}
}

// Vec returns the point as an r2 vector for arithmetic.
func (s ScreenPoint2D) Vec() r2.Point {
	return r2.Point{X: s.U, Y: s.V}
}

// Distance is the euclidean pixel distance to another screen point.
func (s ScreenPoint2D) Distance(other ScreenPoint2D) float64 {
	return math.Hypot(s.U-other.U, s.V-other.V)
}

// CameraPoint2D is a point on the normalized camera plane.
type CameraPoint2D struct {
	X, Y float64
}

// CameraPoint is a 3D point in camera space, in millimeters relative to the
// camera center.
type CameraPoint r3.Vector

// Vec returns the point as an r3 vector.
func (c CameraPoint) Vec() r3.Vector { return r3.Vector(c) }

// WorldPoint is a 3D point in the world frame, in millimeters.
type WorldPoint r3.Vector

// Vec returns the point as an r3 vector.
func (w WorldPoint) Vec() r3.Vector { return r3.Vector(w) }

// Sub is the signed distance vector to another world point.
func (w WorldPoint) Sub(other WorldPoint) r3.Vector {
	return r3.Vector(w).Sub(r3.Vector(other))
}

// Distance is the euclidean distance to another world point, in millimeters.
func (w WorldPoint) Distance(other WorldPoint) float64 {
	return w.Sub(other).Norm()
}

// IsValid returns false if any coordinate is NaN.
func (w WorldPoint) IsValid() bool {
	return !math.IsNaN(w.X) && !math.IsNaN(w.Y) && !math.IsNaN(w.Z)
}

// PlaneCoordinates is a plane as (nx, ny, nz, d): the set of points p with
// Normal·p + D = 0. It can live in the camera or the world frame depending
// on the transform that produced it. Planes fitted in the camera frame have
// a non negative D (the normal faces the camera); ToWorld and ToCamera shift
// D by the translation and do not re-normalize its sign.
type PlaneCoordinates struct {
	Normal r3.Vector
	D      float64
}

// SignedDistance is the signed point-plane distance in millimeters.
func (p PlaneCoordinates) SignedDistance(pt r3.Vector) float64 {
	return p.Normal.Dot(pt) + p.D
}

// ToWorld transforms a camera-frame plane to the world frame.
func (p PlaneCoordinates) ToWorld(c2w *CameraToWorld) PlaneCoordinates {
	normal := c2w.RotateVector(p.Normal)
	return PlaneCoordinates{
		Normal: normal,
		D:      p.D - normal.Dot(c2w.Translation()),
	}
}

// ToCamera transforms a world-frame plane to the camera frame.
func (p PlaneCoordinates) ToCamera(w2c *WorldToCamera) PlaneCoordinates {
	normal := w2c.RotateVector(p.Normal)
	return PlaneCoordinates{
		Normal: normal,
		D:      p.D + p.Normal.Dot(w2c.CameraCenter()),
	}
}

// ReducedSignedDistance compares this plane to another plane in the same
// frame. The x and y components are the angular distances of the normals,
// the z component is the distance difference in millimeters.
func (p PlaneCoordinates) ReducedSignedDistance(other PlaneCoordinates) r3.Vector {
	return r3.Vector{
		X: math.Atan2(p.Normal.Y, p.Normal.X) - math.Atan2(other.Normal.Y, other.Normal.X),
		Y: math.Acos(clamp(p.Normal.Z, -1, 1)) - math.Acos(clamp(other.Normal.Z, -1, 1)),
		Z: p.D - other.D,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
