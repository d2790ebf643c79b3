package keypoints

import (
	"testing"

	"go.viam.com/test"

	"github.com/mcx/rgbdslam/rimage"
	"github.com/mcx/rgbdslam/spatialmath"
)

func testConfig() HandlerConfig {
	return HandlerConfig{SearchCellSizePx: 50, MaxMatchDistance: 0.7}
}

func descOf(b byte) Descriptor {
	d := make(Descriptor, 32)
	for i := range d {
		d[i] = b
	}
	return d
}

func TestDescriptorDistance(t *testing.T) {
	dist, err := DescriptorDistance(descOf(0x00), descOf(0x00))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dist, test.ShouldEqual, 0)

	dist, err = DescriptorDistance(descOf(0x00), descOf(0xFF))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dist, test.ShouldEqual, 1)

	dist, err = DescriptorDistance(descOf(0x0F), descOf(0x00))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dist, test.ShouldAlmostEqual, 0.5, 1e-12)

	_, err = DescriptorDistance(descOf(0), Descriptor{1, 2})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = DescriptorDistance(Descriptor{}, Descriptor{})
	test.That(t, err, test.ShouldNotBeNil)
}

func newTestHandler(depth *rimage.DepthMap) *Handler {
	points := []spatialmath.ScreenPoint2D{
		{U: 100, V: 100},
		{U: 110, V: 105},
		{U: 400, V: 300},
	}
	descriptors := []Descriptor{descOf(0x00), descOf(0xF0), descOf(0xFF)}
	trackedIDs := []uint64{0, 7, 0}
	return NewHandler(points, descriptors, trackedIDs, depth, testConfig())
}

func TestMatchIndexPicksDescriptorNearest(t *testing.T) {
	h := newTestHandler(rimage.NewEmptyDepthMap(640, 480))
	matched := make([]bool, h.Count())

	// both nearby candidates are in radius; the closer descriptor wins
	idx := h.MatchIndex(spatialmath.ScreenPoint2D{U: 104, V: 102}, descOf(0x00), matched, 30)
	test.That(t, idx, test.ShouldEqual, 0)

	// the far keypoint is outside of any reasonable radius
	idx = h.MatchIndex(spatialmath.ScreenPoint2D{U: 104, V: 102}, descOf(0xFF), matched, 30)
	test.That(t, idx, test.ShouldEqual, 1)
}

func TestMatchIndexRespectsRadius(t *testing.T) {
	h := newTestHandler(rimage.NewEmptyDepthMap(640, 480))
	matched := make([]bool, h.Count())

	idx := h.MatchIndex(spatialmath.ScreenPoint2D{U: 200, V: 200}, descOf(0x00), matched, 10)
	test.That(t, idx, test.ShouldEqual, InvalidMatchIndex)
}

func TestMatchIndexRespectsMask(t *testing.T) {
	h := newTestHandler(rimage.NewEmptyDepthMap(640, 480))
	matched := make([]bool, h.Count())
	matched[0] = true

	idx := h.MatchIndex(spatialmath.ScreenPoint2D{U: 100, V: 100}, descOf(0x00), matched, 30)
	// index 0 is taken; index 1 is in radius and 0xF0 is at distance 0.5
	// from 0x00, under the 0.7 cutoff, so it matches
	test.That(t, idx, test.ShouldEqual, 1)
}

func TestMatchIndexEmptyDescriptor(t *testing.T) {
	h := newTestHandler(rimage.NewEmptyDepthMap(640, 480))
	matched := make([]bool, h.Count())
	idx := h.MatchIndex(spatialmath.ScreenPoint2D{U: 100, V: 100}, Descriptor{}, matched, 30)
	test.That(t, idx, test.ShouldEqual, InvalidMatchIndex)
}

func TestTrackingMatchIndex(t *testing.T) {
	h := newTestHandler(rimage.NewEmptyDepthMap(640, 480))
	matched := make([]bool, h.Count())

	test.That(t, h.TrackingMatchIndex(7, matched), test.ShouldEqual, 1)
	test.That(t, h.TrackingMatchIndex(99, matched), test.ShouldEqual, InvalidMatchIndex)

	matched[1] = true
	test.That(t, h.TrackingMatchIndex(7, matched), test.ShouldEqual, InvalidMatchIndex)
}

func TestHandlerSamplesDepth(t *testing.T) {
	depth := rimage.NewEmptyDepthMap(640, 480)
	depth.Set(100, 100, 1234)
	h := newTestHandler(depth)

	test.That(t, h.KeyPoint(0).DepthMM, test.ShouldEqual, 1234)
	test.That(t, spatialmath.IsDepthValid(h.KeyPoint(1).DepthMM), test.ShouldBeFalse)
}
