package localmap

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/mcx/rgbdslam/rimage/transform"
	"github.com/mcx/rgbdslam/spatialmath"
	"github.com/mcx/rgbdslam/tracking"
	"github.com/mcx/rgbdslam/vision/keypoints"
)

// MapPoint is a 3D feature of the map: world coordinates with a 3x3
// covariance, a descriptor, and the age counters driving the staged and
// local lifecycles.
type MapPoint struct {
	ID          FeatureID
	Coordinates spatialmath.WorldPoint
	Covariance  *mat.SymDense
	Descriptor  keypoints.Descriptor
	Color       color.NRGBA

	successiveMatched int
	failedTracking    int

	// matchIndex is the detected keypoint matched this frame, or
	// keypoints.InvalidMatchIndex.
	matchIndex      int
	lastMatchScreen *spatialmath.ScreenPoint2D
}

func newMapPoint(
	id FeatureID,
	coordinates spatialmath.WorldPoint,
	covariance *mat.SymDense,
	descriptor keypoints.Descriptor,
	c color.NRGBA,
) *MapPoint {
	return &MapPoint{
		ID:          id,
		Coordinates: coordinates,
		Covariance:  covariance,
		Descriptor:  descriptor,
		Color:       c,
		matchIndex:  keypoints.InvalidMatchIndex,
	}
}

// MatchIndex is the detected keypoint index matched this frame, or
// keypoints.InvalidMatchIndex.
func (p *MapPoint) MatchIndex() int { return p.matchIndex }

// IsMatched reports whether the point was associated this frame.
func (p *MapPoint) IsMatched() bool { return p.matchIndex != keypoints.InvalidMatchIndex }

// FindMatch associates the point with a detected keypoint: the tracking id
// carried by the optical flow first, then a spatial descriptor search
// around the retroprojection. It marks the winner in alreadyMatched and
// returns its index.
func (p *MapPoint) FindMatch(
	detected *keypoints.Handler,
	w2c *spatialmath.WorldToCamera,
	intrinsics *transform.PinholeCameraIntrinsics,
	alreadyMatched []bool,
	searchRadius float64,
) int {
	p.matchIndex = detected.TrackingMatchIndex(uint64(p.ID), alreadyMatched)
	if p.matchIndex == keypoints.InvalidMatchIndex && !p.Descriptor.IsEmpty() {
		if projected, ok := intrinsics.WorldToScreen(p.Coordinates, w2c); ok {
			p.matchIndex = detected.MatchIndex(projected.Point2D(), p.Descriptor, alreadyMatched, searchRadius)
		}
	}
	if p.matchIndex != keypoints.InvalidMatchIndex {
		alreadyMatched[p.matchIndex] = true
		screen := detected.KeyPoint(p.matchIndex).Point2D()
		p.lastMatchScreen = &screen
	}
	return p.matchIndex
}

// UpdateWithMatch folds the matched observation into the point through the
// shared Kalman filter. Observations without valid depth only refresh the
// counters: a 3D point cannot be corrected by a ray alone.
func (p *MapPoint) UpdateWithMatch(
	detected *keypoints.Handler,
	positionCov mat.Symmetric,
	c2w *spatialmath.CameraToWorld,
	intrinsics *transform.PinholeCameraIntrinsics,
	kf *tracking.SharedKalmanFilter,
	depthSigmaError, depthSigmaMargin float64,
) error {
	if p.matchIndex == keypoints.InvalidMatchIndex {
		return errors.New("update_with_match called with no associated match")
	}
	p.failedTracking = 0
	p.successiveMatched++

	observation := detected.KeyPoint(p.matchIndex)
	if desc := detected.Descriptor(p.matchIndex); !desc.IsEmpty() {
		p.Descriptor = desc
	}
	if !spatialmath.IsDepthValid(observation.DepthMM) {
		return nil
	}

	world := intrinsics.ScreenToWorld(observation, c2w)
	screenCov := transform.ScreenPointCovariance(observation.DepthMM, depthSigmaError, depthSigmaMargin)
	worldCov, err := intrinsics.WorldPointCovariance(observation, screenCov, c2w, positionCov)
	if err != nil {
		return err
	}

	newState, newCov, err := kf.NewState(
		mat.NewVecDense(3, []float64{p.Coordinates.X, p.Coordinates.Y, p.Coordinates.Z}),
		p.Covariance,
		mat.NewVecDense(3, []float64{world.X, world.Y, world.Z}),
		worldCov,
	)
	if err != nil {
		return err
	}
	p.Coordinates = spatialmath.WorldPoint{X: newState.AtVec(0), Y: newState.AtVec(1), Z: newState.AtVec(2)}
	p.Covariance = newCov
	return nil
}

// UpdateNoMatch ages the point after an unmatched frame.
func (p *MapPoint) UpdateNoMatch() {
	p.successiveMatched--
	p.failedTracking++
	p.matchIndex = keypoints.InvalidMatchIndex
}

// Confidence is the staged confidence in [-1, 1].
func (p *MapPoint) Confidence(stagedAgeConfidence int) float64 {
	c := float64(p.successiveMatched) / float64(stagedAgeConfidence)
	return math.Min(math.Max(c, -1), 1)
}

// ShouldAddToLocalMap reports whether a staged point earned promotion.
func (p *MapPoint) ShouldAddToLocalMap(stagedAgeConfidence int, minimumConfidence float64) bool {
	return p.Confidence(stagedAgeConfidence) > minimumConfidence
}

// ShouldRemoveFromStaged reports whether a staged point lost its probation.
func (p *MapPoint) ShouldRemoveFromStaged(stagedAgeConfidence int) bool {
	return p.Confidence(stagedAgeConfidence) <= 0
}

// IsLost reports whether a local point failed tracking for too long.
func (p *MapPoint) IsLost(unmatchedCountToLoose int) bool {
	return p.failedTracking > unmatchedCountToLoose
}

// WorldStdDev is the square root of the covariance diagonal.
func (p *MapPoint) WorldStdDev() r3.Vector {
	return r3.Vector{
		X: math.Sqrt(math.Max(p.Covariance.At(0, 0), 0)),
		Y: math.Sqrt(math.Max(p.Covariance.At(1, 1), 0)),
		Z: math.Sqrt(math.Max(p.Covariance.At(2, 2), 0)),
	}
}
