package spatialmath

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// psdTolerance is the most negative eigenvalue a covariance may have and
// still be accepted as positive semi-definite.
const psdTolerance = -1e-9

// CheckCovariance verifies that a matrix is a usable covariance: square,
// free of NaN, symmetric and positive semi-definite up to numerical noise.
// Every covariance routine in the engine either returns a matrix passing
// this check or an error; NaN never propagates silently.
func CheckCovariance(cov mat.Symmetric) error {
	if cov == nil {
		return errors.New("covariance is nil")
	}
	n := cov.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if math.IsNaN(cov.At(i, j)) || math.IsInf(cov.At(i, j), 0) {
				return errors.Errorf("covariance has a non-finite entry at (%d, %d)", i, j)
			}
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(cov, false) {
		return errors.New("covariance eigendecomposition failed")
	}
	values := eig.Values(nil)
	for _, v := range values {
		if v < psdTolerance {
			return errors.Errorf("covariance has negative eigenvalue %g", v)
		}
	}
	return nil
}

// IsCovarianceValid reports whether CheckCovariance passes.
func IsCovarianceValid(cov mat.Symmetric) bool {
	return CheckCovariance(cov) == nil
}

// PropagateCovariance computes J * cov * J^T for a jacobian J of shape
// (m x n) and a covariance of dimension n, symmetrizing the result to kill
// round-off asymmetry.
func PropagateCovariance(jacobian mat.Matrix, cov mat.Symmetric) (*mat.SymDense, error) {
	m, n := jacobian.Dims()
	if cov.SymmetricDim() != n {
		return nil, errors.Errorf("jacobian columns (%d) do not match covariance dimension (%d)", n, cov.SymmetricDim())
	}

	var tmp mat.Dense
	tmp.Mul(jacobian, cov)
	var full mat.Dense
	full.Mul(&tmp, jacobian.T())

	out := mat.NewSymDense(m, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			out.SetSym(i, j, 0.5*(full.At(i, j)+full.At(j, i)))
		}
	}
	return out, nil
}

// SymDenseFromDiagonal builds a diagonal covariance from variances.
func SymDenseFromDiagonal(variances ...float64) *mat.SymDense {
	out := mat.NewSymDense(len(variances), nil)
	for i, v := range variances {
		out.SetSym(i, i, v)
	}
	return out
}
