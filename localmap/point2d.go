package localmap

import (
	"image/color"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mcx/rgbdslam/rimage/transform"
	"github.com/mcx/rgbdslam/spatialmath"
	"github.com/mcx/rgbdslam/tracking"
	"github.com/mcx/rgbdslam/vision/keypoints"
)

// MapPoint2D is an inverse-depth feature: a point observed without depth,
// tracked as (first observation, bearing, inverse range) until parallax
// justifies an upgrade to a cartesian MapPoint.
type MapPoint2D struct {
	ID         FeatureID
	Point      tracking.InverseDepthPoint
	Descriptor keypoints.Descriptor
	Color      color.NRGBA

	successiveMatched int
	failedTracking    int

	matchIndex int
}

func newMapPoint2D(id FeatureID, point tracking.InverseDepthPoint, descriptor keypoints.Descriptor, c color.NRGBA) *MapPoint2D {
	return &MapPoint2D{
		ID:         id,
		Point:      point,
		Descriptor: descriptor,
		Color:      c,
		matchIndex: keypoints.InvalidMatchIndex,
	}
}

// MatchIndex is the detected keypoint index matched this frame, or
// keypoints.InvalidMatchIndex.
func (p *MapPoint2D) MatchIndex() int { return p.matchIndex }

// IsMatched reports whether the point was associated this frame.
func (p *MapPoint2D) IsMatched() bool { return p.matchIndex != keypoints.InvalidMatchIndex }

// FindMatch associates the point with a detected keypoint, tracking id
// first, then descriptor search around the retroprojection of the current
// depth estimate.
func (p *MapPoint2D) FindMatch(
	detected *keypoints.Handler,
	w2c *spatialmath.WorldToCamera,
	intrinsics *transform.PinholeCameraIntrinsics,
	alreadyMatched []bool,
	searchRadius float64,
) int {
	p.matchIndex = detected.TrackingMatchIndex(uint64(p.ID), alreadyMatched)
	if p.matchIndex == keypoints.InvalidMatchIndex && !p.Descriptor.IsEmpty() {
		world, _ := p.Point.ToWorld()
		if projected, ok := intrinsics.WorldToScreen(world, w2c); ok {
			p.matchIndex = detected.MatchIndex(projected.Point2D(), p.Descriptor, alreadyMatched, searchRadius)
		}
	}
	if p.matchIndex != keypoints.InvalidMatchIndex {
		alreadyMatched[p.matchIndex] = true
	}
	return p.matchIndex
}

// UpdateWithMatch folds the matched observation into the inverse-depth
// state. An observation with valid depth becomes a full cartesian
// measurement; a 2D-only observation is first lifted to a fresh
// inverse-depth estimate and merged in cartesian space.
func (p *MapPoint2D) UpdateWithMatch(
	detected *keypoints.Handler,
	positionCov mat.Symmetric,
	c2w *spatialmath.CameraToWorld,
	intrinsics *transform.PinholeCameraIntrinsics,
	kf *tracking.SharedKalmanFilter,
	idCfg tracking.InverseDepthConfig,
	depthSigmaError, depthSigmaMargin float64,
) error {
	if p.matchIndex == keypoints.InvalidMatchIndex {
		return nil
	}
	p.failedTracking = 0
	p.successiveMatched++

	observation := detected.KeyPoint(p.matchIndex)
	if desc := detected.Descriptor(p.matchIndex); !desc.IsEmpty() {
		p.Descriptor = desc
	}

	if spatialmath.IsDepthValid(observation.DepthMM) {
		world := intrinsics.ScreenToWorld(observation, c2w)
		screenCov := transform.ScreenPointCovariance(observation.DepthMM, depthSigmaError, depthSigmaMargin)
		worldCov, err := intrinsics.WorldPointCovariance(observation, screenCov, c2w, positionCov)
		if err != nil {
			return err
		}
		return p.Point.UpdateWithCartesian(world, worldCov, kf)
	}

	// 2D observation: lift to a fresh inverse-depth point and merge its
	// cartesian projection
	fresh, err := tracking.NewInverseDepthPoint(observation.Point2D(), intrinsics, c2w, positionCov, idCfg)
	if err != nil {
		return err
	}
	world, _ := fresh.ToWorld()
	worldCov, err := fresh.WorldCovariance()
	if err != nil {
		return err
	}
	return p.Point.UpdateWithCartesian(world, worldCov, kf)
}

// UpdateNoMatch ages the point after an unmatched frame.
func (p *MapPoint2D) UpdateNoMatch() {
	p.successiveMatched--
	p.failedTracking++
	p.matchIndex = keypoints.InvalidMatchIndex
}

// Confidence is the staged confidence in [-1, 1].
func (p *MapPoint2D) Confidence(stagedAgeConfidence int) float64 {
	c := float64(p.successiveMatched) / float64(stagedAgeConfidence)
	return math.Min(math.Max(c, -1), 1)
}

// ShouldAddToLocalMap reports whether a staged point earned promotion.
func (p *MapPoint2D) ShouldAddToLocalMap(stagedAgeConfidence int, minimumConfidence float64) bool {
	return p.Confidence(stagedAgeConfidence) > minimumConfidence
}

// ShouldRemoveFromStaged reports whether a staged point lost its probation.
func (p *MapPoint2D) ShouldRemoveFromStaged(stagedAgeConfidence int) bool {
	return p.Confidence(stagedAgeConfidence) <= 0
}

// IsLost reports whether a local point failed tracking for too long.
func (p *MapPoint2D) IsLost(unmatchedCountToLoose int) bool {
	return p.failedTracking > unmatchedCountToLoose
}

// Upgraded returns the cartesian version of this feature iff its linearity
// score passed strictly below the threshold. The upgraded point keeps the
// id, descriptor, color and counters.
func (p *MapPoint2D) Upgraded(c2w *spatialmath.CameraToWorld, threshold float64) (*MapPoint, bool) {
	world, cov, ok := p.Point.Upgrade(c2w, threshold)
	if !ok {
		return nil, false
	}
	upgraded := newMapPoint(p.ID, world, cov, p.Descriptor, p.Color)
	upgraded.successiveMatched = p.successiveMatched
	upgraded.failedTracking = p.failedTracking
	upgraded.matchIndex = p.matchIndex
	return upgraded, true
}

// StateStdDev is the square root of the 6x6 covariance diagonal.
func (p *MapPoint2D) StateStdDev() [6]float64 {
	var out [6]float64
	for i := 0; i < 6; i++ {
		out[i] = math.Sqrt(math.Max(p.Point.Covariance.At(i, i), 0))
	}
	return out
}
