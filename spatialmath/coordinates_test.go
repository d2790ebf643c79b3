package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestIsDepthValid(t *testing.T) {
	test.That(t, IsDepthValid(1000), test.ShouldBeTrue)
	test.That(t, IsDepthValid(MaxDepthMM), test.ShouldBeTrue)

	test.That(t, IsDepthValid(0), test.ShouldBeFalse)
	test.That(t, IsDepthValid(MinDepthMM), test.ShouldBeFalse)
	test.That(t, IsDepthValid(MaxDepthMM+1), test.ShouldBeFalse)
	test.That(t, IsDepthValid(math.NaN()), test.ShouldBeFalse)
}

func TestCameraWorldTransformRoundTrip(t *testing.T) {
	pose := NewPose(
		r3.Vector{X: 100, Y: -50, Z: 20},
		QuatFromEulerAngles(EulerAngles{Yaw: 0.5, Pitch: 0.1, Roll: -0.3}),
	)
	c2w := NewCameraToWorld(pose)
	w2c := c2w.Inverse()

	pt := CameraPoint{X: 123, Y: -45, Z: 678}
	world := c2w.TransformPoint(pt)
	back := w2c.TransformPoint(world)

	test.That(t, back.X, test.ShouldAlmostEqual, pt.X, 1e-9)
	test.That(t, back.Y, test.ShouldAlmostEqual, pt.Y, 1e-9)
	test.That(t, back.Z, test.ShouldAlmostEqual, pt.Z, 1e-9)
}

func TestPlaneTransformRoundTrip(t *testing.T) {
	pose := NewPose(
		r3.Vector{X: 10, Y: 20, Z: 30},
		QuatFromEulerAngles(EulerAngles{Yaw: 0.2}),
	)
	c2w := NewCameraToWorld(pose)
	w2c := NewWorldToCamera(pose)

	plane := PlaneCoordinates{Normal: r3.Vector{Z: -1}, D: 2000}
	back := plane.ToWorld(c2w).ToCamera(w2c)

	test.That(t, back.Normal.X, test.ShouldAlmostEqual, plane.Normal.X, 1e-9)
	test.That(t, back.Normal.Y, test.ShouldAlmostEqual, plane.Normal.Y, 1e-9)
	test.That(t, back.Normal.Z, test.ShouldAlmostEqual, plane.Normal.Z, 1e-9)
	test.That(t, back.D, test.ShouldAlmostEqual, plane.D, 1e-9)
}

func TestPlaneSignedDistance(t *testing.T) {
	// fronto-parallel wall 2 m in front of the camera
	plane := PlaneCoordinates{Normal: r3.Vector{Z: -1}, D: 2000}
	test.That(t, plane.SignedDistance(r3.Vector{Z: 2000}), test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, plane.SignedDistance(r3.Vector{Z: 1900}), test.ShouldAlmostEqual, 100, 1e-12)
}

func TestWorldPointValidity(t *testing.T) {
	test.That(t, WorldPoint{X: 1, Y: 2, Z: 3}.IsValid(), test.ShouldBeTrue)
	test.That(t, WorldPoint{X: math.NaN()}.IsValid(), test.ShouldBeFalse)
}
