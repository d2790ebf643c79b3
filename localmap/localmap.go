package localmap

import (
	"image/color"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/mcx/rgbdslam/config"
	"github.com/mcx/rgbdslam/rimage/transform"
	"github.com/mcx/rgbdslam/spatialmath"
	"github.com/mcx/rgbdslam/tracking"
)

// Map maintains the staged and local features around the camera. It
// exclusively owns its features: between frames it is mutated by a single
// caller, and must not be read concurrently with Update.
type Map struct {
	cfg        *config.Config
	intrinsics *transform.PinholeCameraIntrinsics
	kf         *tracking.SharedKalmanFilter
	rnd        *rand.Rand
	logger     golog.Logger

	ids IDCounter

	stagedPoints []*MapPoint
	localPoints  []*MapPoint

	stagedPoints2D []*MapPoint2D
	localPoints2D  []*MapPoint2D

	stagedPlanes []*MapPlane
	localPlanes  []*MapPlane

	// useAdvancedSearch doubles the match search radius; set while tracking
	// is degraded.
	useAdvancedSearch bool
}

// New returns an empty local map.
func New(cfg *config.Config, intrinsics *transform.PinholeCameraIntrinsics, rnd *rand.Rand, logger golog.Logger) *Map {
	return &Map{
		cfg:        cfg,
		intrinsics: intrinsics,
		kf:         tracking.NewSharedKalmanFilter(tracking.DefaultProcessNoise),
		rnd:        rnd,
		logger:     logger,
	}
}

// SetAdvancedSearch widens the association search radius for degraded
// tracking.
func (m *Map) SetAdvancedSearch(on bool) { m.useAdvancedSearch = on }

// LocalPointCount is the number of local 3D points.
func (m *Map) LocalPointCount() int { return len(m.localPoints) }

// LocalPoint2DCount is the number of local inverse-depth points.
func (m *Map) LocalPoint2DCount() int { return len(m.localPoints2D) }

// LocalPlaneCount is the number of local planes.
func (m *Map) LocalPlaneCount() int { return len(m.localPlanes) }

// StagedPointCount is the number of staged features of both point kinds.
func (m *Map) StagedPointCount() int { return len(m.stagedPoints) + len(m.stagedPoints2D) }

// LocalPlanes exposes the local planes for debug drawing.
func (m *Map) LocalPlanes() []*MapPlane { return m.localPlanes }

// LocalPoints exposes the local 3D points for debug drawing.
func (m *Map) LocalPoints() []*MapPoint { return m.localPoints }

// StagedPoints exposes the staged 3D points for debug drawing.
func (m *Map) StagedPoints() []*MapPoint { return m.stagedPoints }

func (m *Map) idConfig() tracking.InverseDepthConfig {
	return tracking.InverseDepthConfig{
		Baseline:         m.cfg.Detection.InverseDepthBaseline,
		AngleBaselineDeg: m.cfg.Detection.InverseDepthAngleBaseline,
	}
}

func (m *Map) randomColor() color.NRGBA {
	return color.NRGBA{
		R: uint8(m.rnd.Intn(256)),
		G: uint8(m.rnd.Intn(256)),
		B: uint8(m.rnd.Intn(256)),
		A: 255,
	}
}

// FindFeatureMatches associates every local and staged feature with the
// detected sets under the predicted pose, and returns the matches feeding
// the pose optimizer.
func (m *Map) FindFeatureMatches(predictedPose spatialmath.Pose, detected *DetectedFeatures) *Matches {
	w2c := spatialmath.NewWorldToCamera(predictedPose)
	matchedKeypoints := make([]bool, detected.Keypoints.Count())
	matchedPlanes := make([]bool, len(detected.Planes))

	radius := m.cfg.Matching.SearchRadiusPx
	if m.useAdvancedSearch {
		radius *= 2
	}

	// local features match first so staged ones cannot steal their
	// detections
	matches := &Matches{}
	for _, set := range [][]*MapPoint{m.localPoints, m.stagedPoints} {
		for _, p := range set {
			if idx := p.FindMatch(detected.Keypoints, w2c, m.intrinsics, matchedKeypoints, radius); idx >= 0 {
				matches.Points = append(matches.Points, PointMatch{
					FeatureID:     p.ID,
					DetectedIndex: idx,
					Screen:        detected.Keypoints.KeyPoint(idx),
					World:         p.Coordinates,
					WorldStdDev:   p.WorldStdDev(),
				})
			}
		}
	}
	for _, set := range [][]*MapPoint2D{m.localPoints2D, m.stagedPoints2D} {
		for _, p := range set {
			if idx := p.FindMatch(detected.Keypoints, w2c, m.intrinsics, matchedKeypoints, radius); idx >= 0 {
				matches.Points2D = append(matches.Points2D, Point2DMatch{
					FeatureID:     p.ID,
					DetectedIndex: idx,
					Screen:        detected.Keypoints.KeyPoint(idx).Point2D(),
					Point:         p.Point,
					StateStdDev:   p.StateStdDev(),
				})
			}
		}
	}
	for _, set := range [][]*MapPlane{m.localPlanes, m.stagedPlanes} {
		for _, p := range set {
			if idx := p.FindMatch(detected.Planes, w2c, matchedPlanes,
				m.cfg.Detection.MaximumCosAngle, m.cfg.Detection.MaximumMergeDistanceMM); idx >= 0 {
				matches.Planes = append(matches.Planes, PlaneMatch{
					FeatureID:      p.ID,
					DetectedIndex:  idx,
					Detected:       spatialmath.PlaneCoordinates{Normal: detected.Planes[idx].Normal, D: detected.Planes[idx].D},
					World:          p.Coordinates,
					CovarianceDiag: p.CovarianceDiag(),
				})
			}
		}
	}
	return matches
}

// Update consumes an optimized pose: matched features are tracked through
// the Kalman filter, unmatched ones age, lost ones are evicted, staged
// features are promoted or dropped, leftover detections become new staged
// features, and inverse-depth locals with enough parallax upgrade in place.
func (m *Map) Update(optimizedPose spatialmath.Pose, detected *DetectedFeatures, pointOutliers, planeOutliers []int) {
	c2w := spatialmath.NewCameraToWorld(optimizedPose)
	positionCov := optimizedPose.PositionCovariance()

	outlierKeypoints := toIndexSet(pointOutliers)
	outlierPlanes := toIndexSet(planeOutliers)

	var errs error

	updatePoint := func(p *MapPoint) bool {
		if p.IsMatched() && !outlierKeypoints[p.MatchIndex()] {
			if err := p.UpdateWithMatch(detected.Keypoints, positionCov, c2w, m.intrinsics, m.kf,
				m.cfg.Detection.DepthSigmaError, m.cfg.Detection.DepthSigmaMargin); err != nil {
				errs = multierr.Append(errs, err)
				return false
			}
			return true
		}
		p.UpdateNoMatch()
		return true
	}
	updatePoint2D := func(p *MapPoint2D) bool {
		if p.IsMatched() && !outlierKeypoints[p.MatchIndex()] {
			if err := p.UpdateWithMatch(detected.Keypoints, positionCov, c2w, m.intrinsics, m.kf,
				m.idConfig(), m.cfg.Detection.DepthSigmaError, m.cfg.Detection.DepthSigmaMargin); err != nil {
				errs = multierr.Append(errs, err)
				return false
			}
			return true
		}
		p.UpdateNoMatch()
		return true
	}

	// local features first
	m.localPoints = filterPoints(m.localPoints, func(p *MapPoint) bool {
		return updatePoint(p) && !p.IsLost(m.cfg.Mapping.PointUnmatchedCountToLoose)
	})
	m.localPoints2D = filterPoints2D(m.localPoints2D, func(p *MapPoint2D) bool {
		return updatePoint2D(p) && !p.IsLost(m.cfg.Mapping.PointUnmatchedCountToLoose)
	})
	m.localPlanes = filterPlanes(m.localPlanes, func(p *MapPlane) bool {
		if p.IsMatched() && !outlierPlanes[p.MatchIndex()] {
			p.UpdateWithMatch(detected.Planes, c2w)
		} else {
			p.UpdateNoMatch()
		}
		return !p.IsLost(m.cfg.Mapping.PointUnmatchedCountToLoose)
	})

	// staged features: update, then promote or drop
	stagedAge := m.cfg.Mapping.PointStagedAgeConfidence
	minConfidence := m.cfg.Mapping.PointMinimumConfidenceForMap

	m.stagedPoints = filterPoints(m.stagedPoints, func(p *MapPoint) bool {
		if !updatePoint(p) {
			return false
		}
		if p.ShouldAddToLocalMap(stagedAge, minConfidence) {
			m.localPoints = append(m.localPoints, p)
			return false
		}
		return !p.ShouldRemoveFromStaged(stagedAge)
	})
	m.stagedPoints2D = filterPoints2D(m.stagedPoints2D, func(p *MapPoint2D) bool {
		if !updatePoint2D(p) {
			return false
		}
		if p.ShouldAddToLocalMap(stagedAge, minConfidence) {
			m.localPoints2D = append(m.localPoints2D, p)
			return false
		}
		return !p.ShouldRemoveFromStaged(stagedAge)
	})
	m.stagedPlanes = filterPlanes(m.stagedPlanes, func(p *MapPlane) bool {
		if p.IsMatched() && !outlierPlanes[p.MatchIndex()] {
			p.UpdateWithMatch(detected.Planes, c2w)
		} else {
			p.UpdateNoMatch()
		}
		if p.ShouldAddToLocalMap(stagedAge, minConfidence) {
			m.localPlanes = append(m.localPlanes, p)
			return false
		}
		return !p.ShouldRemoveFromStaged(stagedAge)
	})

	// leftover detections become new staged features
	m.stageDetections(positionCov, c2w, detected, outlierKeypoints, outlierPlanes, false)

	// upgrade inverse-depth locals with enough parallax, in place
	m.localPoints2D = filterPoints2D(m.localPoints2D, func(p *MapPoint2D) bool {
		upgraded, ok := p.Upgraded(c2w, m.cfg.Detection.LinearityThreshold)
		if ok {
			m.localPoints = append(m.localPoints, upgraded)
			return false
		}
		return true
	})

	if errs != nil {
		m.logger.Debugw("dropped features on update", "error", errs)
	}
}

// UpdateNoPose ages every feature after a frame with no usable pose. No new
// staged features are created.
func (m *Map) UpdateNoPose() {
	for _, p := range m.localPoints {
		p.UpdateNoMatch()
	}
	for _, p := range m.stagedPoints {
		p.UpdateNoMatch()
	}
	for _, p := range m.localPoints2D {
		p.UpdateNoMatch()
	}
	for _, p := range m.stagedPoints2D {
		p.UpdateNoMatch()
	}
	for _, p := range m.localPlanes {
		p.UpdateNoMatch()
	}
	for _, p := range m.stagedPlanes {
		p.UpdateNoMatch()
	}
}

// AddFeaturesToMap stages detections directly, used to reseed the map when
// tracking is lost. With forced set, even detections already matched this
// frame are staged.
func (m *Map) AddFeaturesToMap(positionCov *mat.SymDense, c2w *spatialmath.CameraToWorld, detected *DetectedFeatures, forced bool) {
	m.stageDetections(positionCov, c2w, detected, nil, nil, forced)
}

func (m *Map) stageDetections(
	positionCov *mat.SymDense,
	c2w *spatialmath.CameraToWorld,
	detected *DetectedFeatures,
	outlierKeypoints, outlierPlanes map[int]bool,
	forced bool,
) {
	usedKeypoints := make([]bool, detected.Keypoints.Count())
	usedPlanes := make([]bool, len(detected.Planes))
	if !forced {
		markUsedKeypoints(usedKeypoints, m.localPoints, m.stagedPoints)
		markUsedKeypoints2D(usedKeypoints, m.localPoints2D, m.stagedPoints2D)
		markUsedPlanes(usedPlanes, m.localPlanes, m.stagedPlanes)
	}

	for i := 0; i < detected.Keypoints.Count(); i++ {
		if usedKeypoints[i] || outlierKeypoints[i] {
			continue
		}
		descriptor := detected.Keypoints.Descriptor(i)
		if descriptor.IsEmpty() {
			continue
		}
		observation := detected.Keypoints.KeyPoint(i)
		if spatialmath.IsDepthValid(observation.DepthMM) {
			world := m.intrinsics.ScreenToWorld(observation, c2w)
			screenCov := transform.ScreenPointCovariance(observation.DepthMM,
				m.cfg.Detection.DepthSigmaError, m.cfg.Detection.DepthSigmaMargin)
			worldCov, err := m.intrinsics.WorldPointCovariance(observation, screenCov, c2w, positionCov)
			if err != nil {
				m.logger.Debugw("skipping detection with invalid covariance", "error", err)
				continue
			}
			m.stagedPoints = append(m.stagedPoints,
				newMapPoint(m.ids.Next(), world, worldCov, descriptor, m.randomColor()))
			continue
		}
		point, err := tracking.NewInverseDepthPoint(observation.Point2D(), m.intrinsics, c2w, positionCov, m.idConfig())
		if err != nil {
			m.logger.Debugw("skipping 2d detection", "error", err)
			continue
		}
		m.stagedPoints2D = append(m.stagedPoints2D,
			newMapPoint2D(m.ids.Next(), *point, descriptor, m.randomColor()))
	}

	for i := range detected.Planes {
		if usedPlanes[i] || outlierPlanes[i] {
			continue
		}
		m.stagedPlanes = append(m.stagedPlanes, newMapPlane(m.ids.Next(), detected.Planes[i], c2w))
	}
}

// TrackedKeypoints retroprojects the 3D point features to screen space
// under a pose, for the optical-flow front end. Inverse-depth points are
// not tracked: their depth is too uncertain for a useful prediction.
func (m *Map) TrackedKeypoints(pose spatialmath.Pose) []TrackedKeypoint {
	w2c := spatialmath.NewWorldToCamera(pose)
	out := make([]TrackedKeypoint, 0, len(m.localPoints)+len(m.stagedPoints))
	for _, set := range [][]*MapPoint{m.localPoints, m.stagedPoints} {
		for _, p := range set {
			if projected, ok := m.intrinsics.WorldToScreen(p.Coordinates, w2c); ok {
				out = append(out, TrackedKeypoint{ID: p.ID, Point: projected.Point2D()})
			}
		}
	}
	return out
}

// Reset drops every feature.
func (m *Map) Reset() {
	m.stagedPoints = nil
	m.localPoints = nil
	m.stagedPoints2D = nil
	m.localPoints2D = nil
	m.stagedPlanes = nil
	m.localPlanes = nil
}

func toIndexSet(indices []int) map[int]bool {
	out := make(map[int]bool, len(indices))
	for _, i := range indices {
		out[i] = true
	}
	return out
}

func markUsedKeypoints(used []bool, sets ...[]*MapPoint) {
	for _, set := range sets {
		for _, p := range set {
			if p.IsMatched() {
				used[p.MatchIndex()] = true
			}
		}
	}
}

func markUsedKeypoints2D(used []bool, sets ...[]*MapPoint2D) {
	for _, set := range sets {
		for _, p := range set {
			if p.IsMatched() {
				used[p.MatchIndex()] = true
			}
		}
	}
}

func markUsedPlanes(used []bool, sets ...[]*MapPlane) {
	for _, set := range sets {
		for _, p := range set {
			if p.IsMatched() {
				used[p.MatchIndex()] = true
			}
		}
	}
}

func filterPoints(in []*MapPoint, keep func(*MapPoint) bool) []*MapPoint {
	out := in[:0]
	for _, p := range in {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func filterPoints2D(in []*MapPoint2D, keep func(*MapPoint2D) bool) []*MapPoint2D {
	out := in[:0]
	for _, p := range in {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func filterPlanes(in []*MapPlane, keep func(*MapPlane) bool) []*MapPlane {
	out := in[:0]
	for _, p := range in {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}
