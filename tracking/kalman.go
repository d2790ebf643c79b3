// Package tracking implements the per-feature state estimation of the local
// map: a shared Kalman filter used by every tracked feature, and the
// inverse-depth parameterization of features observed without depth.
package tracking

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/mcx/rgbdslam/spatialmath"
)

// DefaultProcessNoise is the per-update process noise of map features;
// mapped points are static, so this only keeps covariances from collapsing.
const DefaultProcessNoise = 1e-4

// SharedKalmanFilter is a stateless gain-based filter with identity
// dynamics and identity output, shared by all tracked features: the
// per-feature state travels in the call. The zero configuration is not
// usable; build one with NewSharedKalmanFilter. Safe for concurrent use.
type SharedKalmanFilter struct {
	processNoise float64
}

// NewSharedKalmanFilter returns a filter adding the given process noise
// variance to each state dimension at every update.
func NewSharedKalmanFilter(processNoise float64) *SharedKalmanFilter {
	return &SharedKalmanFilter{processNoise: processNoise}
}

// NewState merges a measurement into a state:
//
//	S  = (P + Q) + R
//	K  = (P + Q) S^-1
//	x' = x + K (z - x)
//	P' = (I - K)(P + Q)
//
// It returns a typed error on any non-positive-definite covariance at input
// or output, leaving the caller's state untouched.
func (kf *SharedKalmanFilter) NewState(
	state *mat.VecDense,
	stateCov mat.Symmetric,
	measurement *mat.VecDense,
	measurementCov mat.Symmetric,
) (*mat.VecDense, *mat.SymDense, error) {
	dim := state.Len()
	if measurement.Len() != dim || stateCov.SymmetricDim() != dim || measurementCov.SymmetricDim() != dim {
		return nil, nil, errors.Errorf("kalman dimensions disagree: state %d, measurement %d", dim, measurement.Len())
	}
	if err := spatialmath.CheckCovariance(stateCov); err != nil {
		return nil, nil, errors.Wrap(err, "state covariance")
	}
	if err := spatialmath.CheckCovariance(measurementCov); err != nil {
		return nil, nil, errors.Wrap(err, "measurement covariance")
	}

	// predicted covariance: static dynamics plus process noise
	predicted := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			v := stateCov.At(i, j)
			if i == j {
				v += kf.processNoise
			}
			predicted.SetSym(i, j, v)
		}
	}

	innovationCov := mat.NewSymDense(dim, nil)
	innovationCov.AddSym(predicted, measurementCov)

	var sInv mat.Dense
	if err := sInv.Inverse(innovationCov); err != nil {
		return nil, nil, errors.Wrap(err, "innovation covariance is singular")
	}
	var gain mat.Dense
	gain.Mul(predicted, &sInv)

	innovation := mat.NewVecDense(dim, nil)
	innovation.SubVec(measurement, state)
	correction := mat.NewVecDense(dim, nil)
	correction.MulVec(&gain, innovation)
	newState := mat.NewVecDense(dim, nil)
	newState.AddVec(state, correction)

	identityMinusGain := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			v := -gain.At(i, j)
			if i == j {
				v++
			}
			identityMinusGain.Set(i, j, v)
		}
	}
	var updated mat.Dense
	updated.Mul(identityMinusGain, predicted)

	newCov := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			newCov.SetSym(i, j, 0.5*(updated.At(i, j)+updated.At(j, i)))
		}
	}
	if err := spatialmath.CheckCovariance(newCov); err != nil {
		return nil, nil, errors.Wrap(err, "updated covariance")
	}
	return newState, newCov, nil
}
