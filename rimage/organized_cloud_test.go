package rimage

import (
	"testing"

	"go.viam.com/test"

	"github.com/mcx/rgbdslam/rimage/transform"
)

func testIntrinsics(width, height int) *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{
		Width: width, Height: height,
		Fx: 500, Fy: 500,
		Ppx: float64(width) / 2, Ppy: float64(height) / 2,
	}
}

func TestOrganizedCloudLayout(t *testing.T) {
	const cellSize = 2
	dm := NewEmptyDepthMap(4, 4)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			dm.Set(x, y, 1000)
		}
	}

	cloud, err := NewOrganizedCloud(dm, testIntrinsics(4, 4), cellSize)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud.CellCount(), test.ShouldEqual, 4)
	test.That(t, cloud.PointsPerCell(), test.ShouldEqual, 4)

	// cell 1 covers pixels x in [2,4), y in [0,2); its first point is the
	// back-projection of pixel (2, 0)
	points, valid := cloud.CellPoints(1)
	test.That(t, len(points), test.ShouldEqual, 4)
	test.That(t, valid[0], test.ShouldBeTrue)
	test.That(t, points[0].Z, test.ShouldAlmostEqual, 1000)
	test.That(t, points[0].X, test.ShouldAlmostEqual, (2.0-2.0)*1000/500)

	// within a cell, points are in row-major order of the cell
	test.That(t, points[1].X > points[0].X, test.ShouldBeTrue)
	test.That(t, points[2].Y > points[0].Y, test.ShouldBeTrue)
}

func TestOrganizedCloudInvalidDepth(t *testing.T) {
	dm := NewEmptyDepthMap(4, 4)
	dm.Set(0, 0, 1000)
	dm.Set(1, 0, 7000) // beyond the sensor range
	// everything else stays at zero, also invalid

	cloud, err := NewOrganizedCloud(dm, testIntrinsics(4, 4), 2)
	test.That(t, err, test.ShouldBeNil)

	_, valid := cloud.CellPoints(0)
	test.That(t, valid[0], test.ShouldBeTrue)
	test.That(t, valid[1], test.ShouldBeFalse)
	test.That(t, valid[2], test.ShouldBeFalse)
}

func TestOrganizedCloudSizeMismatch(t *testing.T) {
	dm := NewEmptyDepthMap(5, 4)
	_, err := NewOrganizedCloud(dm, testIntrinsics(5, 4), 2)
	test.That(t, err, test.ShouldNotBeNil)
}
