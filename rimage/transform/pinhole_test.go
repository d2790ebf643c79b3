package transform

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/mcx/rgbdslam/spatialmath"
)

func testIntrinsics() *PinholeCameraIntrinsics {
	return &PinholeCameraIntrinsics{
		Width: 640, Height: 480,
		Fx: 548.867, Fy: 549.584,
		Ppx: 316.496, Ppy: 229.238,
	}
}

func TestScreenWorldRoundTrip(t *testing.T) {
	intrinsics := testIntrinsics()
	pose := spatialmath.NewPose(
		r3.Vector{X: 55, Y: -10, Z: 200},
		spatialmath.QuatFromEulerAngles(spatialmath.EulerAngles{Yaw: 0.3, Pitch: -0.1}),
	)
	c2w := spatialmath.NewCameraToWorld(pose)
	w2c := c2w.Inverse()

	for _, pt := range []spatialmath.ScreenPoint{
		{U: 320, V: 240, DepthMM: 1000},
		{U: 15, V: 470, DepthMM: 400},
		{U: 630, V: 5, DepthMM: 5500},
	} {
		world := intrinsics.ScreenToWorld(pt, c2w)
		back, ok := intrinsics.WorldToScreen(world, w2c)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, back.U, test.ShouldAlmostEqual, pt.U, 1e-6)
		test.That(t, back.V, test.ShouldAlmostEqual, pt.V, 1e-6)
		test.That(t, back.DepthMM, test.ShouldAlmostEqual, pt.DepthMM, 1e-6)
	}
}

func TestPointBehindCameraDoesNotProject(t *testing.T) {
	intrinsics := testIntrinsics()
	_, ok := intrinsics.PointToPixel(spatialmath.CameraPoint{X: 0, Y: 0, Z: -100})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestRayIsUnitLength(t *testing.T) {
	intrinsics := testIntrinsics()
	ray := intrinsics.Ray(spatialmath.ScreenPoint2D{U: 100, V: 100})
	test.That(t, ray.Vec().Norm(), test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, ray.Z > 0, test.ShouldBeTrue)
}

func TestWorldPointCovariance(t *testing.T) {
	intrinsics := testIntrinsics()
	pose := spatialmath.NewPose(r3.Vector{}, spatialmath.QuatFromEulerAngles(spatialmath.EulerAngles{}))
	c2w := spatialmath.NewCameraToWorld(pose)

	screenCov := ScreenPointCovariance(2000, 1.425e-6, 12)
	cov, err := intrinsics.WorldPointCovariance(
		spatialmath.ScreenPoint{U: 320, V: 240, DepthMM: 2000},
		screenCov, c2w, spatialmath.SymDenseFromDiagonal(1, 1, 1))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.IsCovarianceValid(cov), test.ShouldBeTrue)
	// depth noise dominates the Z variance at 2 m
	test.That(t, cov.At(2, 2) > cov.At(0, 0), test.ShouldBeTrue)
}
