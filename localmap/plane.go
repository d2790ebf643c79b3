package localmap

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/mcx/rgbdslam/rimage"
	"github.com/mcx/rgbdslam/spatialmath"
	"github.com/mcx/rgbdslam/vision/segmentation"
)

// planeMatchOverlap is the minimum mask intersection-over-union for two
// planes to be the same surface.
const planeMatchOverlap = 0.2

// MapPlane is a planar feature of the map, in world coordinates, with the
// pixel mask of its last observation.
type MapPlane struct {
	ID          FeatureID
	Coordinates spatialmath.PlaneCoordinates
	// MSE of the last fit, scales the optimizer residual.
	MSE  float64
	Mask *mat.Dense

	successiveMatched int
	failedTracking    int

	matchIndex int
}

func newMapPlane(id FeatureID, detected segmentation.Plane, c2w *spatialmath.CameraToWorld) *MapPlane {
	camPlane := spatialmath.PlaneCoordinates{Normal: detected.Normal, D: detected.D}
	return &MapPlane{
		ID:          id,
		Coordinates: camPlane.ToWorld(c2w),
		MSE:         detected.MSE,
		Mask:        detected.Mask,
		matchIndex:  -1,
	}
}

// MatchIndex is the detected plane index matched this frame, or -1.
func (p *MapPlane) MatchIndex() int { return p.matchIndex }

// IsMatched reports whether the plane was associated this frame.
func (p *MapPlane) IsMatched() bool { return p.matchIndex >= 0 }

// FindMatch associates the plane with a detected plane: normals must agree
// beyond the merge angle, distances within the merge distance, and the
// masks must overlap.
func (p *MapPlane) FindMatch(
	detected []segmentation.Plane,
	w2c *spatialmath.WorldToCamera,
	alreadyMatched []bool,
	minCosAngle, maxDistanceMM float64,
) int {
	p.matchIndex = -1
	inCamera := p.Coordinates.ToCamera(w2c)
	for i := range detected {
		if alreadyMatched[i] {
			continue
		}
		cosAngle := inCamera.Normal.Dot(detected[i].Normal)
		if cosAngle < minCosAngle {
			continue
		}
		if math.Abs(inCamera.D-detected[i].D) > maxDistanceMM {
			continue
		}
		if p.Mask != nil && detected[i].Mask != nil &&
			rimage.MaskOverlap(p.Mask, detected[i].Mask) < planeMatchOverlap {
			continue
		}
		p.matchIndex = i
		alreadyMatched[i] = true
		return i
	}
	return p.matchIndex
}

// UpdateWithMatch refreshes the plane from its matched detection.
func (p *MapPlane) UpdateWithMatch(detected []segmentation.Plane, c2w *spatialmath.CameraToWorld) {
	if p.matchIndex < 0 {
		return
	}
	p.failedTracking = 0
	p.successiveMatched++

	observation := detected[p.matchIndex]
	camPlane := spatialmath.PlaneCoordinates{Normal: observation.Normal, D: observation.D}
	p.Coordinates = camPlane.ToWorld(c2w)
	p.MSE = observation.MSE
	p.Mask = observation.Mask
}

// UpdateNoMatch ages the plane after an unmatched frame.
func (p *MapPlane) UpdateNoMatch() {
	p.successiveMatched--
	p.failedTracking++
	p.matchIndex = -1
}

// Confidence is the staged confidence in [-1, 1].
func (p *MapPlane) Confidence(stagedAgeConfidence int) float64 {
	c := float64(p.successiveMatched) / float64(stagedAgeConfidence)
	return math.Min(math.Max(c, -1), 1)
}

// ShouldAddToLocalMap reports whether a staged plane earned promotion.
func (p *MapPlane) ShouldAddToLocalMap(stagedAgeConfidence int, minimumConfidence float64) bool {
	return p.Confidence(stagedAgeConfidence) > minimumConfidence
}

// ShouldRemoveFromStaged reports whether a staged plane lost its probation.
func (p *MapPlane) ShouldRemoveFromStaged(stagedAgeConfidence int) bool {
	return p.Confidence(stagedAgeConfidence) <= 0
}

// IsLost reports whether a local plane failed tracking for too long.
func (p *MapPlane) IsLost(unmatchedCountToLoose int) bool {
	return p.failedTracking > unmatchedCountToLoose
}

// CovarianceDiag scales the (angle, angle, distance) residual of the
// optimizer: the angular terms from a fixed prior, the distance term from
// the fit MSE.
func (p *MapPlane) CovarianceDiag() r3.Vector {
	return r3.Vector{X: 0.0025, Y: 0.0025, Z: math.Max(p.MSE, 1)}
}
