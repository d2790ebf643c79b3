package tracking

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/mcx/rgbdslam/rimage/transform"
	"github.com/mcx/rgbdslam/spatialmath"
)

// State vector layout of an inverse-depth point.
const (
	firstPoseIndex    = 0
	InverseDepthIndex = 3
	ThetaIndex        = 4
	PhiIndex          = 5

	inverseDepthStateSize = 6
)

// InverseDepthConfig holds the priors of a fresh inverse-depth point.
type InverseDepthConfig struct {
	// Baseline is the inverse-range prior in 1/mm; its quarter is the prior
	// standard deviation.
	Baseline float64
	// AngleBaselineDeg is the bearing angle prior standard deviation in
	// degrees.
	AngleBaselineDeg float64
}

// InverseDepthPoint tracks a feature observed without depth: the camera
// position at first sight, the bearing angles of the observation ray and
// the inverse range along it, with a 6x6 covariance. The parameterization
// stays well conditioned at near-infinite depth, and converts to a
// cartesian point once enough parallax has accumulated.
type InverseDepthPoint struct {
	FirstObservation r3.Vector
	InverseDepth     float64
	Theta            float64
	Phi              float64
	Covariance       *mat.SymDense

	// IsMoving is set when the last update moved the point beyond the
	// measurement uncertainty.
	IsMoving bool
}

// NewInverseDepthPoint initializes a point from a single 2D observation.
// The first-observation block of the covariance is the camera position
// covariance; depth and angles get the configured priors.
func NewInverseDepthPoint(
	observation spatialmath.ScreenPoint2D,
	intrinsics *transform.PinholeCameraIntrinsics,
	c2w *spatialmath.CameraToWorld,
	positionCov mat.Symmetric,
	cfg InverseDepthConfig,
) (*InverseDepthPoint, error) {
	if err := spatialmath.CheckCovariance(positionCov); err != nil {
		return nil, errors.Wrap(err, "pose covariance")
	}
	if positionCov.SymmetricDim() != 3 {
		return nil, errors.New("pose position covariance must be 3x3")
	}
	if cfg.Baseline <= 0 {
		return nil, errors.New("inverse depth baseline must be positive")
	}

	bearing := c2w.RotateVector(r3.Vector(intrinsics.Ray(observation)))
	p := &InverseDepthPoint{
		FirstObservation: c2w.Translation(),
		InverseDepth:     cfg.Baseline,
		Theta:            math.Acos(clamp(bearing.Z, -1, 1)),
		Phi:              math.Atan2(bearing.Y, bearing.X),
		Covariance:       mat.NewSymDense(inverseDepthStateSize, nil),
	}

	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			p.Covariance.SetSym(i, j, positionCov.At(i, j))
		}
	}
	sigmaRho := cfg.Baseline / 4
	p.Covariance.SetSym(InverseDepthIndex, InverseDepthIndex, sigmaRho*sigmaRho)
	angleSigma := cfg.AngleBaselineDeg * math.Pi / 180
	p.Covariance.SetSym(ThetaIndex, ThetaIndex, angleSigma*angleSigma)
	p.Covariance.SetSym(PhiIndex, PhiIndex, angleSigma*angleSigma)

	if err := spatialmath.CheckCovariance(p.Covariance); err != nil {
		return nil, errors.Wrap(err, "built covariance")
	}
	return p, nil
}

// Bearing is the unit observation ray in world coordinates.
func (p *InverseDepthPoint) Bearing() r3.Vector {
	sinTheta := math.Sin(p.Theta)
	return r3.Vector{
		X: sinTheta * math.Cos(p.Phi),
		Y: sinTheta * math.Sin(p.Phi),
		Z: math.Cos(p.Theta),
	}
}

// ToWorld converts the state to a cartesian world point with the 3x6
// jacobian of the conversion.
func (p *InverseDepthPoint) ToWorld() (spatialmath.WorldPoint, *mat.Dense) {
	bearing := p.Bearing()
	invRho := 1 / p.InverseDepth
	point := spatialmath.WorldPoint(p.FirstObservation.Add(bearing.Mul(invRho)))

	sinTheta, cosTheta := math.Sincos(p.Theta)
	sinPhi, cosPhi := math.Sincos(p.Phi)
	jacobian := mat.NewDense(3, inverseDepthStateSize, nil)
	// d/dFirstObservation
	jacobian.Set(0, 0, 1)
	jacobian.Set(1, 1, 1)
	jacobian.Set(2, 2, 1)
	// d/dInverseDepth
	jacobian.Set(0, InverseDepthIndex, -bearing.X*invRho*invRho)
	jacobian.Set(1, InverseDepthIndex, -bearing.Y*invRho*invRho)
	jacobian.Set(2, InverseDepthIndex, -bearing.Z*invRho*invRho)
	// d/dTheta
	jacobian.Set(0, ThetaIndex, cosTheta*cosPhi*invRho)
	jacobian.Set(1, ThetaIndex, cosTheta*sinPhi*invRho)
	jacobian.Set(2, ThetaIndex, -sinTheta*invRho)
	// d/dPhi
	jacobian.Set(0, PhiIndex, -sinTheta*sinPhi*invRho)
	jacobian.Set(1, PhiIndex, sinTheta*cosPhi*invRho)

	return point, jacobian
}

// WorldCovariance propagates the 6x6 state covariance to the 3x3 cartesian
// covariance of ToWorld.
func (p *InverseDepthPoint) WorldCovariance() (*mat.SymDense, error) {
	_, jacobian := p.ToWorld()
	cov, err := spatialmath.PropagateCovariance(jacobian, p.Covariance)
	if err != nil {
		return nil, err
	}
	if err := spatialmath.CheckCovariance(cov); err != nil {
		return nil, errors.Wrap(err, "cartesian covariance")
	}
	return cov, nil
}

// FromCartesian computes the inverse-depth state of a cartesian point seen
// from a fixed first observation, with the 6x3 jacobian of the conversion.
func FromCartesian(point spatialmath.WorldPoint, firstObservation r3.Vector) (*InverseDepthPoint, *mat.Dense, error) {
	v := point.Vec().Sub(firstObservation)
	r := v.Norm()
	if r == 0 {
		return nil, nil, errors.New("cartesian point coincides with the first observation")
	}
	p := &InverseDepthPoint{
		FirstObservation: firstObservation,
		InverseDepth:     1 / r,
		Theta:            math.Acos(clamp(v.Z/r, -1, 1)),
		Phi:              math.Atan2(v.Y, v.X),
	}

	s := math.Hypot(v.X, v.Y)
	jacobian := mat.NewDense(inverseDepthStateSize, 3, nil)
	// the first observation does not depend on the point
	r3cube := r * r * r
	jacobian.Set(InverseDepthIndex, 0, -v.X/r3cube)
	jacobian.Set(InverseDepthIndex, 1, -v.Y/r3cube)
	jacobian.Set(InverseDepthIndex, 2, -v.Z/r3cube)
	if s > 0 {
		jacobian.Set(ThetaIndex, 0, v.X*v.Z/(r*r*s))
		jacobian.Set(ThetaIndex, 1, v.Y*v.Z/(r*r*s))
		jacobian.Set(ThetaIndex, 2, -s/(r*r))
		jacobian.Set(PhiIndex, 0, -v.Y/(s*s))
		jacobian.Set(PhiIndex, 1, v.X/(s*s))
	}
	return p, jacobian, nil
}

// UpdateWithCartesian merges a cartesian world observation into the state
// through the shared Kalman filter, converting to cartesian space and back.
// The first-observation covariance block is restored from the prior; on any
// covariance failure the state is left untouched and an error returned.
func (p *InverseDepthPoint) UpdateWithCartesian(
	observation spatialmath.WorldPoint,
	observationCov mat.Symmetric,
	kf *SharedKalmanFilter,
) error {
	if !observation.IsValid() {
		return errors.New("observation has NaN coordinates")
	}
	current, _ := p.ToWorld()
	currentCov, err := p.WorldCovariance()
	if err != nil {
		return err
	}

	newState, newCov, err := kf.NewState(
		mat.NewVecDense(3, []float64{current.X, current.Y, current.Z}),
		currentCov,
		mat.NewVecDense(3, []float64{observation.X, observation.Y, observation.Z}),
		observationCov,
	)
	if err != nil {
		return err
	}

	merged := spatialmath.WorldPoint{X: newState.AtVec(0), Y: newState.AtVec(1), Z: newState.AtVec(2)}
	next, fromCartesianJacobian, err := FromCartesian(merged, p.FirstObservation)
	if err != nil {
		return err
	}
	nextCov, err := spatialmath.PropagateCovariance(fromCartesianJacobian, newCov)
	if err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			nextCov.SetSym(i, j, p.Covariance.At(i, j))
		}
	}
	if err := spatialmath.CheckCovariance(nextCov); err != nil {
		return errors.Wrap(err, "covariance after merge")
	}

	moved := current.Sub(merged)
	p.IsMoving = math.Abs(moved.X) > math.Sqrt(observationCov.At(0, 0)) ||
		math.Abs(moved.Y) > math.Sqrt(observationCov.At(1, 1)) ||
		math.Abs(moved.Z) > math.Sqrt(observationCov.At(2, 2))

	p.InverseDepth = next.InverseDepth
	p.Theta = next.Theta
	p.Phi = next.Phi
	p.Covariance = nextCov
	return nil
}

// LinearityScore measures the triangulation parallax of the point from the
// current camera: 4 * (sigma_rho / rho^2) * |cos alpha| / ||h_c||, in
// meters. Low scores mean the depth distribution is close to Gaussian in
// cartesian space and the point can be upgraded.
func (p *InverseDepthPoint) LinearityScore(c2w *spatialmath.CameraToWorld) float64 {
	cartesian, _ := p.ToWorld()
	hc := cartesian.Vec().Sub(c2w.Translation())
	norm := hc.Norm()
	if norm == 0 {
		return math.Inf(1)
	}
	cosAlpha := p.Bearing().Dot(hc) / norm
	sigmaMeters := math.Sqrt(p.Covariance.At(InverseDepthIndex, InverseDepthIndex)) /
		(p.InverseDepth * p.InverseDepth) / 1000
	distMeters := norm / 1000
	return 4 * sigmaMeters / distMeters * math.Abs(cosAlpha)
}

// Upgrade returns the cartesian point and covariance iff the linearity
// score is strictly below the threshold; a point exactly at the threshold
// is not upgraded.
func (p *InverseDepthPoint) Upgrade(c2w *spatialmath.CameraToWorld, threshold float64) (spatialmath.WorldPoint, *mat.SymDense, bool) {
	if p.LinearityScore(c2w) >= threshold {
		return spatialmath.WorldPoint{}, nil, false
	}
	point, _ := p.ToWorld()
	cov, err := p.WorldCovariance()
	if err != nil {
		return spatialmath.WorldPoint{}, nil, false
	}
	return point, cov, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
