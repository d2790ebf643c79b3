package segmentation

import (
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
	"golang.org/x/exp/rand"

	"github.com/mcx/rgbdslam/rimage"
	"github.com/mcx/rgbdslam/rimage/transform"
)

func testDetectorConfig() DetectorConfig {
	return DetectorConfig{
		CellSize:               20,
		MinCosAngleForMerge:    0.95105, // cos(pi/10)
		MaximumMergeDistanceMM: 100,
		MinimumPlaneSeedCount:  6,
		MinimumCellActivated:   5,
		PlaneFitScore:          100,
		CylinderMinimumCells:   5,
		PlaneFitting:           defaultFitting(),
		Cylinder: CylinderFittingConfig{
			MaximumMergeDistanceMM: 100,
			RansacSqrtMaxDistance:  0.04,
			RansacMinimumScore:     75,
			MinimumCellCount:       5,
		},
	}
}

func wallIntrinsics(width, height int) *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{
		Width: width, Height: height,
		Fx: 500, Fy: 500,
		Ppx: float64(width) / 2, Ppy: float64(height) / 2,
	}
}

// wallDepth builds a depth map of a fronto-parallel wall.
func wallDepth(width, height int, depthMM float64) *rimage.DepthMap {
	dm := rimage.NewEmptyDepthMap(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dm.Set(x, y, depthMM)
		}
	}
	return dm
}

func newTestDetector(t *testing.T, width, height int) *Detector {
	t.Helper()
	d, err := NewDetector(width, height, testDetectorConfig(), rand.New(rand.NewSource(1)), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return d
}

func TestDetectorFindsSingleWall(t *testing.T) {
	const width, height = 160, 120 // 8x6 cells
	detector := newTestDetector(t, width, height)

	cloud, err := rimage.NewOrganizedCloud(wallDepth(width, height, 2000), wallIntrinsics(width, height), 20)
	test.That(t, err, test.ShouldBeNil)

	planes, cylinders, err := detector.FindPrimitives(cloud)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(planes), test.ShouldEqual, 1)
	test.That(t, len(cylinders), test.ShouldEqual, 0)

	plane := planes[0]
	test.That(t, plane.Normal.Norm(), test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, plane.Normal.Z, test.ShouldAlmostEqual, -1, 1e-6)
	test.That(t, plane.D, test.ShouldAlmostEqual, 2000, 1)
	test.That(t, plane.CellCount, test.ShouldEqual, 48)

	rows, cols := plane.Mask.Dims()
	test.That(t, rows, test.ShouldEqual, height)
	test.That(t, cols, test.ShouldEqual, width)
}

func TestDetectorEmptyCloud(t *testing.T) {
	const width, height = 160, 120
	detector := newTestDetector(t, width, height)

	cloud := rimage.NewEmptyOrganizedCloud(8, 6, 20)
	planes, cylinders, err := detector.FindPrimitives(cloud)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(planes), test.ShouldEqual, 0)
	test.That(t, len(cylinders), test.ShouldEqual, 0)
}

func TestDetectorIsReusableAcrossFrames(t *testing.T) {
	const width, height = 160, 120
	detector := newTestDetector(t, width, height)
	intrinsics := wallIntrinsics(width, height)

	for frame := 0; frame < 3; frame++ {
		cloud, err := rimage.NewOrganizedCloud(wallDepth(width, height, 2000), intrinsics, 20)
		test.That(t, err, test.ShouldBeNil)
		planes, _, err := detector.FindPrimitives(cloud)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(planes), test.ShouldEqual, 1)
	}
}

// Two wall halves meeting at a shallow fold (about a quarter degree) are
// within the merge tolerance and must come out as a single plane.
func TestDetectorMergesNearCoplanarRegions(t *testing.T) {
	const width, height = 160, 120
	detector := newTestDetector(t, width, height)
	intrinsics := wallIntrinsics(width, height)

	dm := rimage.NewEmptyDepthMap(width, height)
	const slope = 0.0175 // mm of depth per pixel row; a row spans 4 mm at 2 m
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if y < height/2 {
				dm.Set(x, y, 2000)
			} else {
				dm.Set(x, y, 2000+slope*float64(y-height/2))
			}
		}
	}
	cloud, err := rimage.NewOrganizedCloud(dm, intrinsics, 20)
	test.That(t, err, test.ShouldBeNil)

	planes, _, err := detector.FindPrimitives(cloud)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(planes), test.ShouldEqual, 1)
}

// The cell accounting invariant: cells assigned to primitives plus
// unassigned cells never exceed the grid.
func TestDetectorCellAccounting(t *testing.T) {
	const width, height = 160, 120
	detector := newTestDetector(t, width, height)

	cloud, err := rimage.NewOrganizedCloud(wallDepth(width, height, 1500), wallIntrinsics(width, height), 20)
	test.That(t, err, test.ShouldBeNil)
	planes, cylinders, err := detector.FindPrimitives(cloud)
	test.That(t, err, test.ShouldBeNil)

	assigned := 0
	for _, p := range planes {
		assigned += p.CellCount
	}
	test.That(t, len(cylinders), test.ShouldEqual, 0)
	test.That(t, assigned <= 48, test.ShouldBeTrue)
}
