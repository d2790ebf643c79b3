package odometry

import (
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"golang.org/x/exp/rand"

	"github.com/mcx/rgbdslam/config"
	"github.com/mcx/rgbdslam/localmap"
	"github.com/mcx/rgbdslam/rimage/transform"
	"github.com/mcx/rgbdslam/spatialmath"
)

func testIntrinsics() *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{
		Width: 640, Height: 480,
		Fx: 500, Fy: 500, Ppx: 320, Ppy: 240,
	}
}

func testOptimizer(t *testing.T) *Optimizer {
	t.Helper()
	cfg := config.Default()
	cfg.Optimization.Ransac.CovarianceIterations = 10
	return NewOptimizer(cfg, testIntrinsics(), rand.New(rand.NewSource(42)), golog.NewTestLogger(t))
}

func identityPose() spatialmath.Pose {
	return spatialmath.NewPose(r3.Vector{}, spatialmath.QuatFromEulerAngles(spatialmath.EulerAngles{}))
}

func scenePoints() []spatialmath.WorldPoint {
	var out []spatialmath.WorldPoint
	for i := 0; i < 10; i++ {
		out = append(out, spatialmath.WorldPoint{
			X: float64(i%5)*300 - 600,
			Y: float64(i/5)*400 - 200,
			Z: 1500 + float64(i)*120,
		})
	}
	return out
}

// observedMatches projects world points under the true pose to build the
// match set a detector would have produced.
func observedMatches(truePose spatialmath.Pose, points []spatialmath.WorldPoint, intrinsics *transform.PinholeCameraIntrinsics) *localmap.Matches {
	w2c := spatialmath.NewWorldToCamera(truePose)
	matches := &localmap.Matches{}
	for i, wp := range points {
		projected, ok := intrinsics.WorldToScreen(wp, w2c)
		if !ok {
			continue
		}
		matches.Points = append(matches.Points, localmap.PointMatch{
			FeatureID:     localmap.FeatureID(i + 1),
			DetectedIndex: i,
			Screen:        projected,
			World:         wp,
			WorldStdDev:   r3.Vector{X: 1, Y: 1, Z: 1},
		})
	}
	return matches
}

func TestComputeOptimizedPoseRecoversTranslation(t *testing.T) {
	optimizer := testOptimizer(t)
	truePose := spatialmath.NewPose(
		r3.Vector{X: 10, Y: -5, Z: 20},
		spatialmath.QuatFromEulerAngles(spatialmath.EulerAngles{Yaw: 0.02}),
	)
	matches := observedMatches(truePose, scenePoints(), testIntrinsics())

	pose, sets, err := optimizer.ComputeOptimizedPose(identityPose(), matches)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sets, test.ShouldNotBeNil)

	test.That(t, pose.Position.X, test.ShouldAlmostEqual, truePose.Position.X, 1)
	test.That(t, pose.Position.Y, test.ShouldAlmostEqual, truePose.Position.Y, 1)
	test.That(t, pose.Position.Z, test.ShouldAlmostEqual, truePose.Position.Z, 1)

	angles := spatialmath.EulerAnglesFromQuat(pose.Orientation)
	test.That(t, angles.Yaw, test.ShouldAlmostEqual, 0.02, 1e-3)

	// every match is an inlier of the recovered pose
	test.That(t, sets.Inliers.Count(), test.ShouldEqual, matches.Count())
	test.That(t, len(sets.OutlierPointIndices), test.ShouldEqual, 0)

	// the Monte-Carlo pass attached a usable covariance
	test.That(t, pose.Covariance, test.ShouldNotBeNil)
	test.That(t, spatialmath.IsCovarianceValid(pose.Covariance), test.ShouldBeTrue)
	test.That(t, pose.Covariance.At(0, 0) >= covarianceRegularization, test.ShouldBeTrue)
}

func TestComputeOptimizedPoseFlagsOutliers(t *testing.T) {
	optimizer := testOptimizer(t)
	truePose := spatialmath.NewPose(r3.Vector{X: 15, Y: 0, Z: 0},
		spatialmath.QuatFromEulerAngles(spatialmath.EulerAngles{}))
	matches := observedMatches(truePose, scenePoints(), testIntrinsics())

	// corrupt two observations far beyond the inlier threshold
	matches.Points[3].Screen.U += 60
	matches.Points[7].Screen.V -= 80

	pose, sets, err := optimizer.ComputeOptimizedPose(identityPose(), matches)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.Position.X, test.ShouldAlmostEqual, 15, 1.5)

	test.That(t, len(sets.OutlierPointIndices), test.ShouldEqual, 2)
	test.That(t, sets.OutlierPointIndices, test.ShouldContain, 3)
	test.That(t, sets.OutlierPointIndices, test.ShouldContain, 7)
}

func TestComputeOptimizedPoseTooFewFeatures(t *testing.T) {
	optimizer := testOptimizer(t)
	current := identityPose()
	truePose := spatialmath.NewPose(r3.Vector{X: 5, Y: 0, Z: 0},
		spatialmath.QuatFromEulerAngles(spatialmath.EulerAngles{}))

	matches := observedMatches(truePose, scenePoints()[:2], testIntrinsics())
	pose, _, err := optimizer.ComputeOptimizedPose(current, matches)
	test.That(t, err, test.ShouldNotBeNil)
	// failure leaves the caller's pose unchanged
	test.That(t, pose.Position.X, test.ShouldEqual, current.Position.X)
	test.That(t, pose.Position.Y, test.ShouldEqual, current.Position.Y)
	test.That(t, pose.Position.Z, test.ShouldEqual, current.Position.Z)
}

func TestRansacIterationCount(t *testing.T) {
	optimizer := testOptimizer(t)
	n := optimizer.ransacIterations()
	// p = 0.9, inlier fraction 0.6, minimum 3 points: ceil(log(0.1)/log(1-0.216))
	test.That(t, n, test.ShouldEqual, 10)
}

func TestMatchScoreMixesFeatureKinds(t *testing.T) {
	optimizer := testOptimizer(t)
	// 3 points alone are solvable
	test.That(t, optimizer.matchScore(3, 0, 0) >= 1, test.ShouldBeTrue)
	// 2 planes plus a point are solvable
	test.That(t, optimizer.matchScore(1, 0, 2) >= 1, test.ShouldBeTrue)
	// 2 points alone are not
	test.That(t, optimizer.matchScore(2, 0, 0) < 1, test.ShouldBeTrue)
}
