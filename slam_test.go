package rgbdslam

import (
	"image"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/mcx/rgbdslam/config"
	"github.com/mcx/rgbdslam/localmap"
	"github.com/mcx/rgbdslam/rimage"
	"github.com/mcx/rgbdslam/spatialmath"
	"github.com/mcx/rgbdslam/vision/keypoints"
)

const (
	testWidth  = 160
	testHeight = 120
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Camera1 = config.Camera{FocalX: 500, FocalY: 500, CenterX: 80, CenterY: 60}
	cfg.Optimization.Ransac.CovarianceIterations = 6
	return cfg
}

func startPose() spatialmath.Pose {
	return spatialmath.NewPose(r3.Vector{}, spatialmath.QuatFromEulerAngles(spatialmath.EulerAngles{}))
}

// staticSceneDetector simulates the external keypoint front end for a
// static camera: the same pixels and descriptors every frame, and the
// tracked ids echoed back for keypoints landing on a tracked projection.
type staticSceneDetector struct {
	points      []spatialmath.ScreenPoint2D
	descriptors []keypoints.Descriptor
	// mute drops all detections, simulating feature-starved frames
	mute bool
}

func newStaticSceneDetector() *staticSceneDetector {
	d := &staticSceneDetector{}
	for i := 0; i < 12; i++ {
		u := float64(20 + (i%4)*40)
		v := float64(20 + (i/4)*40)
		d.points = append(d.points, spatialmath.ScreenPoint2D{U: u, V: v})
		desc := make(keypoints.Descriptor, 32)
		for j := range desc {
			desc[j] = byte(i*37 + j*11)
		}
		d.descriptors = append(d.descriptors, desc)
	}
	return d
}

func (d *staticSceneDetector) DetectKeypoints(
	_ *image.Gray,
	tracked []localmap.TrackedKeypoint,
	_ bool,
) (KeypointDetection, error) {
	if d.mute {
		return KeypointDetection{}, nil
	}
	ids := make([]uint64, len(d.points))
	// optical-flow carry: a tracked projection within two pixels of a
	// detection keeps its identity
	for i, pt := range d.points {
		for _, tk := range tracked {
			if pt.Distance(tk.Point) < 2 {
				ids[i] = uint64(tk.ID)
				break
			}
		}
	}
	return KeypointDetection{Points: d.points, Descriptors: d.descriptors, TrackedIDs: ids}, nil
}

func wallDepthMap(depthMM float64) *rimage.DepthMap {
	dm := rimage.NewEmptyDepthMap(testWidth, testHeight)
	for y := 0; y < testHeight; y++ {
		for x := 0; x < testWidth; x++ {
			dm.Set(x, y, depthMM)
		}
	}
	return dm
}

func grayFrame() *image.Gray {
	return image.NewGray(image.Rect(0, 0, testWidth, testHeight))
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Camera1.FocalX = -1
	_, err := New(startPose(), testWidth, testHeight, cfg, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestEngineTracksStaticScene(t *testing.T) {
	detector := newStaticSceneDetector()
	engine, err := New(startPose(), testWidth, testHeight, testConfig(), golog.NewTestLogger(t),
		WithKeypointDetector(detector))
	test.That(t, err, test.ShouldBeNil)

	// first frame seeds the map, second frame already tracks off the
	// staged features
	depth := wallDepthMap(2000)
	engine.Track(grayFrame(), depth)
	test.That(t, engine.LocalMap().StagedPointCount() > 0, test.ShouldBeTrue)

	var pose spatialmath.Pose
	for frame := 0; frame < 4; frame++ {
		pose = engine.Track(grayFrame(), depth)
	}
	test.That(t, engine.IsTrackingLost(), test.ShouldBeFalse)

	// a static camera stays put
	test.That(t, pose.Position.X, test.ShouldAlmostEqual, 0, 5)
	test.That(t, pose.Position.Y, test.ShouldAlmostEqual, 0, 5)
	test.That(t, pose.Position.Z, test.ShouldAlmostEqual, 0, 5)
}

func TestEngineDetectsWallPlane(t *testing.T) {
	detector := newStaticSceneDetector()
	engine, err := New(startPose(), testWidth, testHeight, testConfig(), golog.NewTestLogger(t),
		WithKeypointDetector(detector))
	test.That(t, err, test.ShouldBeNil)

	depth := wallDepthMap(2000)
	promoteFrames := config.Default().Mapping.PointStagedAgeConfidence + 3
	for frame := 0; frame < promoteFrames; frame++ {
		engine.Track(grayFrame(), depth)
	}

	// exactly one plane persisted into the local map
	test.That(t, engine.LocalMap().LocalPlaneCount(), test.ShouldEqual, 1)
}

func TestEngineFeatureStarvedFrameKeepsPose(t *testing.T) {
	engine, err := New(startPose(), testWidth, testHeight, testConfig(), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	// no keypoint detector and no depth: nothing to track
	empty := rimage.NewEmptyDepthMap(testWidth, testHeight)
	pose := engine.Track(grayFrame(), empty)
	test.That(t, pose.Position.X, test.ShouldEqual, 0)
	test.That(t, pose.Position.Y, test.ShouldEqual, 0)
	test.That(t, pose.Position.Z, test.ShouldEqual, 0)
}

func TestEngineEntersTrackingLostMode(t *testing.T) {
	detector := newStaticSceneDetector()
	engine, err := New(startPose(), testWidth, testHeight, testConfig(), golog.NewTestLogger(t),
		WithKeypointDetector(detector))
	test.That(t, err, test.ShouldBeNil)

	depth := wallDepthMap(2000)
	for frame := 0; frame < 4; frame++ {
		engine.Track(grayFrame(), depth)
	}
	test.That(t, engine.IsTrackingLost(), test.ShouldBeFalse)

	// starve the tracker until it declares itself lost
	detector.mute = true
	empty := rimage.NewEmptyDepthMap(testWidth, testHeight)
	for frame := 0; frame < maxConsecutiveTrackingFailures+1; frame++ {
		engine.Track(grayFrame(), empty)
	}
	test.That(t, engine.IsTrackingLost(), test.ShouldBeTrue)

	// the scene comes back: tracking recovers within two frames
	detector.mute = false
	engine.Track(grayFrame(), depth)
	engine.Track(grayFrame(), depth)
	test.That(t, engine.IsTrackingLost(), test.ShouldBeFalse)
}

func TestEngineSurvivesMismatchedDepthFrame(t *testing.T) {
	engine, err := New(startPose(), testWidth, testHeight, testConfig(), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	pose := engine.Track(grayFrame(), rimage.NewEmptyDepthMap(8, 8))
	test.That(t, pose.Position.X, test.ShouldEqual, 0)
}

func TestEngineDebugImage(t *testing.T) {
	detector := newStaticSceneDetector()
	engine, err := New(startPose(), testWidth, testHeight, testConfig(), golog.NewTestLogger(t),
		WithKeypointDetector(detector))
	test.That(t, err, test.ShouldBeNil)

	depth := wallDepthMap(2000)
	engine.Track(grayFrame(), depth)

	img := engine.GetDebugImage(engine.Pose(), grayFrame(), 0.033,
		DebugFlags{ShowStagedPoints: true, ShowPlaneMasks: true})
	test.That(t, img, test.ShouldNotBeNil)
	bounds := img.Bounds()
	test.That(t, bounds.Dx(), test.ShouldEqual, testWidth)
	test.That(t, bounds.Dy(), test.ShouldEqual, testHeight)
}

func TestEngineStatistics(t *testing.T) {
	engine, err := New(startPose(), testWidth, testHeight, testConfig(), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	engine.Track(grayFrame(), wallDepthMap(1000))
	stats := engine.Statistics()
	test.That(t, stats.Frames, test.ShouldEqual, 1)
}
