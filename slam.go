// Package rgbdslam is a real-time RGB-D SLAM engine: given a stream of
// synchronized color and depth frames from a calibrated camera it produces
// a continuously updated 6-DoF camera pose and maintains a local map of 3D
// points, inverse-depth points and planar patches observed in the scene.
package rgbdslam

import (
	"image"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	viamutils "go.viam.com/utils"
	"golang.org/x/exp/rand"

	"github.com/mcx/rgbdslam/config"
	"github.com/mcx/rgbdslam/localmap"
	"github.com/mcx/rgbdslam/odometry"
	"github.com/mcx/rgbdslam/rimage"
	"github.com/mcx/rgbdslam/rimage/transform"
	"github.com/mcx/rgbdslam/spatialmath"
	"github.com/mcx/rgbdslam/vision/keypoints"
	"github.com/mcx/rgbdslam/vision/segmentation"
)

// maxConsecutiveTrackingFailures is the number of frames without a valid
// pose before the engine enters tracking-lost mode.
const maxConsecutiveTrackingFailures = 3

// KeypointDetection is the output of the external keypoint detector: the
// detected points, their descriptors, and for points carried forward by
// optical flow, the map feature id they came from (zero when new).
type KeypointDetection struct {
	Points      []spatialmath.ScreenPoint2D
	Descriptors []keypoints.Descriptor
	TrackedIDs  []uint64
}

// KeypointDetector is the external gray-image keypoint front end. The
// tracked list gives the retroprojections of current map features for
// optical-flow carry-forward; recompute asks for a full re-detection.
type KeypointDetector interface {
	DetectKeypoints(gray *image.Gray, tracked []localmap.TrackedKeypoint, recompute bool) (KeypointDetection, error)
}

// LineDetector is the external line segment front end. The engine joins its
// output but no line feature type is implemented in the map.
type LineDetector interface {
	DetectLines(gray *image.Gray, depth *rimage.DepthMap) (int, error)
}

// Engine tracks a camera through a stream of RGB-D frames.
type Engine struct {
	cfg    *config.Config
	logger golog.Logger
	clock  clock.Clock

	width  int
	height int

	intrinsics *transform.PinholeCameraIntrinsics
	rnd        *rand.Rand

	localMap  *localmap.Map
	primitive *segmentation.Detector
	optimizer *odometry.Optimizer

	keypointDetector KeypointDetector
	lineDetector     LineDetector

	currentPose          spatialmath.Pose
	isTrackingLost       bool
	failedTrackingCount  int
	isFirstTrackingCall  bool
	computeKeypointCount int

	stats statistics
}

// Option configures an Engine.
type Option func(*Engine)

// WithKeypointDetector plugs in the external keypoint front end.
func WithKeypointDetector(d KeypointDetector) Option {
	return func(e *Engine) { e.keypointDetector = d }
}

// WithLineDetector plugs in the external line front end.
func WithLineDetector(d LineDetector) Option {
	return func(e *Engine) { e.lineDetector = d }
}

// WithClock injects the clock used by the timing statistics.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New builds an engine for frames of the given size. It fails on an invalid
// configuration, a non-positive image size or an image size the detection
// cell size does not divide; everything at track time is recoverable.
func New(startPose spatialmath.Pose, width, height int, cfg *config.Config, logger golog.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid image size %dx%d", width, height)
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger,
		clock:  clock.New(),
		width:  width,
		height: height,
		intrinsics: &transform.PinholeCameraIntrinsics{
			Width: width, Height: height,
			Fx: cfg.Camera1.FocalX, Fy: cfg.Camera1.FocalY,
			Ppx: cfg.Camera1.CenterX, Ppy: cfg.Camera1.CenterY,
		},
		rnd:                 rand.New(rand.NewSource(cfg.RandomSeed)),
		currentPose:         startPose,
		isTrackingLost:      true,
		isFirstTrackingCall: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	logger.Infow("constructed rgbd slam engine", "seed", cfg.RandomSeed, "deterministic", cfg.MakeDeterministic)

	var err error
	e.primitive, err = segmentation.NewDetector(width, height, segmentation.DetectorConfig{
		CellSize:               cfg.Detection.DepthMapPatchSizePx,
		MinCosAngleForMerge:    cfg.Detection.MaximumCosAngle,
		MaximumMergeDistanceMM: cfg.Detection.MaximumMergeDistanceMM,
		MinimumPlaneSeedCount:  cfg.Detection.MinimumPlaneSeedCount,
		MinimumCellActivated:   cfg.Detection.MinimumCellActivated,
		PlaneFitScore:          cfg.Detection.PlaneFitScore,
		CylinderMinimumCells:   cfg.Detection.CylinderMinimumCells,
		PlaneFitting: segmentation.PlaneFittingConfig{
			DepthSigmaError:      cfg.Detection.DepthSigmaError,
			DepthSigmaMargin:     cfg.Detection.DepthSigmaMargin,
			DepthDiscontinuityMM: cfg.Detection.DepthDiscontinuityMM,
			MinimumValidRatio:    0.5,
		},
		Cylinder: segmentation.CylinderFittingConfig{
			MaximumMergeDistanceMM: cfg.Detection.MaximumMergeDistanceMM,
			RansacSqrtMaxDistance:  cfg.Detection.CylinderRansacMaxSqrtMM,
			RansacMinimumScore:     cfg.Detection.CylinderRansacScore,
			MinimumCellCount:       cfg.Detection.CylinderMinimumCells,
		},
	}, e.rnd, logger)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create primitive detector")
	}

	e.localMap = localmap.New(cfg, e.intrinsics, e.rnd, logger)
	e.optimizer = odometry.NewOptimizer(cfg, e.intrinsics, e.rnd, logger)
	return e, nil
}

// Pose is the current estimated camera pose.
func (e *Engine) Pose() spatialmath.Pose { return e.currentPose }

// IsTrackingLost reports whether the engine lost tracking and is reseeding
// its map.
func (e *Engine) IsTrackingLost() bool { return e.isTrackingLost }

// LocalMap exposes the local map for inspection and debug drawing.
func (e *Engine) LocalMap() *localmap.Map { return e.localMap }

// Track consumes one synchronized (rgb, depth) frame and returns the new
// pose. It never panics on degenerate frames: errors are logged and the
// previous pose is propagated.
func (e *Engine) Track(rgb image.Image, depth *rimage.DepthMap) spatialmath.Pose {
	if depth == nil || depth.Width() != e.width || depth.Height() != e.height {
		e.logger.Error("depth frame size does not match the engine, propagating previous pose")
		return e.currentPose
	}

	depthStart := e.clock.Now()
	cloud, err := rimage.NewOrganizedCloud(depth, e.intrinsics, e.cfg.Detection.DepthMapPatchSizePx)
	if err != nil {
		e.logger.Errorw("cannot organize depth frame, propagating previous pose", "error", err)
		return e.currentPose
	}
	e.stats.depthTreatment += e.clock.Since(depthStart)

	gray := toGray(rgb)

	poseStart := e.clock.Now()
	pose := e.computeNewPose(gray, depth, cloud)
	e.stats.poseOptimization += e.clock.Since(poseStart)
	e.stats.frames++
	return pose
}

func (e *Engine) computeNewPose(gray *image.Gray, depth *rimage.DepthMap, cloud *rimage.OrganizedCloud) spatialmath.Pose {
	if e.currentPose.Covariance != nil && !spatialmath.IsCovarianceValid(e.currentPose.Covariance) {
		e.logger.Error("stored pose covariance is invalid, resetting it")
		e.currentPose.Covariance = nil
	}

	// every few frames the keypoint list is refreshed even if tracking is
	// stable
	e.computeKeypointCount = (e.computeKeypointCount % e.cfg.Matching.KeypointRefreshFrequency) + 1

	// identity motion model
	predictedPose := e.currentPose

	detected := e.detectFeatures(predictedPose, gray, depth, cloud)

	matchStart := e.clock.Now()
	matches := e.localMap.FindFeatureMatches(predictedPose, detected)
	e.stats.findMatches += e.clock.Since(matchStart)

	newPose := predictedPose

	optimStart := e.clock.Now()
	var optimizedPose spatialmath.Pose
	var sets *odometry.MatchSets
	var optimErr error
	if e.isFirstTrackingCall {
		optimErr = errors.New("first tracking call has no pose to optimize")
	} else {
		optimizedPose, sets, optimErr = e.optimizer.ComputeOptimizedPose(predictedPose, matches)
	}
	e.stats.featureOptimization += e.clock.Since(optimStart)

	updateStart := e.clock.Now()
	if optimErr == nil {
		newPose = optimizedPose
		e.currentPose = optimizedPose
		e.localMap.Update(optimizedPose, detected, sets.OutlierPointIndices, sets.OutlierPlaneIndices)
		e.isTrackingLost = false
		e.failedTrackingCount = 0
		e.localMap.SetAdvancedSearch(false)
	} else {
		e.localMap.UpdateNoPose()

		// reseed the map with everything we saw if the last frames could
		// not be tracked
		positionCov := predictedPose.PositionCovariance()
		if e.isTrackingLost && spatialmath.IsCovarianceValid(positionCov) {
			c2w := spatialmath.NewCameraToWorld(predictedPose)
			e.localMap.AddFeaturesToMap(positionCov, c2w, detected, true)
		}

		if !e.isFirstTrackingCall {
			e.failedTrackingCount++
			e.isTrackingLost = e.failedTrackingCount > maxConsecutiveTrackingFailures
			e.localMap.SetAdvancedSearch(true)
			e.logger.Debugw("could not find an optimized pose", "error", optimErr)
		}
	}
	e.stats.localMapUpdate += e.clock.Since(updateStart)

	e.isFirstTrackingCall = false
	return newPose
}

// detectFeatures runs the keypoint, plane and line detectors as three
// parallel tasks and joins them before association.
func (e *Engine) detectFeatures(
	predictedPose spatialmath.Pose,
	gray *image.Gray,
	depth *rimage.DepthMap,
	cloud *rimage.OrganizedCloud,
) *localmap.DetectedFeatures {
	var keypointDetection KeypointDetection
	var planes []segmentation.Plane
	var cylinders []segmentation.Cylinder

	var wait sync.WaitGroup
	wait.Add(2)
	viamutils.PanicCapturingGo(func() {
		defer wait.Done()
		if e.keypointDetector == nil {
			return
		}
		recompute := e.isTrackingLost || e.computeKeypointCount == 1
		tracked := e.localMap.TrackedKeypoints(predictedPose)
		detection, err := e.keypointDetector.DetectKeypoints(gray, tracked, recompute)
		if err != nil {
			e.logger.Errorw("keypoint detection failed", "error", err)
			return
		}
		keypointDetection = detection
	})
	viamutils.PanicCapturingGo(func() {
		defer wait.Done()
		primitiveStart := e.clock.Now()
		detectedPlanes, detectedCylinders, err := e.primitive.FindPrimitives(cloud)
		if err != nil {
			e.logger.Errorw("primitive detection failed", "error", err)
			return
		}
		planes = detectedPlanes
		cylinders = detectedCylinders
		e.stats.primitiveTreatment += e.clock.Since(primitiveStart)
	})
	if e.lineDetector != nil {
		wait.Add(1)
		viamutils.PanicCapturingGo(func() {
			defer wait.Done()
			lineStart := e.clock.Now()
			if _, err := e.lineDetector.DetectLines(gray, depth); err != nil {
				e.logger.Errorw("line detection failed", "error", err)
			}
			e.stats.lineTreatment += e.clock.Since(lineStart)
		})
	}
	wait.Wait()

	handler := keypoints.NewHandler(
		keypointDetection.Points,
		keypointDetection.Descriptors,
		keypointDetection.TrackedIDs,
		depth,
		keypoints.HandlerConfig{
			SearchCellSizePx: e.cfg.Matching.SearchCellSizePx,
			MaxMatchDistance: e.cfg.Matching.MaxMatchDistance,
		},
	)
	return &localmap.DetectedFeatures{Keypoints: handler, Planes: planes, Cylinders: cylinders}
}

func toGray(img image.Image) *image.Gray {
	if img == nil {
		return nil
	}
	if gray, ok := img.(*image.Gray); ok {
		return gray
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x, y, img.At(x, y))
		}
	}
	return gray
}

// startPoseFromConfig builds the configured starting pose.
func startPoseFromConfig(cfg *config.Config) spatialmath.Pose {
	return spatialmath.NewPose(
		r3.Vector{X: cfg.StartingPosition.X, Y: cfg.StartingPosition.Y, Z: cfg.StartingPosition.Z},
		spatialmath.QuatFromEulerAngles(spatialmath.EulerAngles{
			Yaw:   cfg.StartingRotation.X,
			Pitch: cfg.StartingRotation.Y,
			Roll:  cfg.StartingRotation.Z,
		}),
	)
}

// NewFromConfig builds an engine using the configured starting pose.
func NewFromConfig(width, height int, cfg *config.Config, logger golog.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	return New(startPoseFromConfig(cfg), width, height, cfg, logger, opts...)
}
