package odometry

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LMOptions are the Levenberg-Marquardt stopping criteria.
type LMOptions struct {
	// MaxIterations caps the function evaluations.
	MaxIterations int
	// ErrorPrecision is the step used by the forward-difference jacobian;
	// zero picks the square root of the machine epsilon.
	ErrorPrecision float64
	// XTol stops on a small solution step, FTol on a small relative cost
	// reduction, GTol on a small gradient.
	XTol, FTol, GTol float64
	// Factor scales the initial damping.
	Factor float64
}

// lmStatus describes how a minimization ended.
type lmStatus int

const (
	lmConvergedX lmStatus = iota
	lmConvergedF
	lmConvergedG
	lmTooManyIterations
	lmImproperInput
	lmSingular
)

func (s lmStatus) success() bool {
	switch s {
	case lmConvergedX, lmConvergedF, lmConvergedG:
		return true
	}
	return false
}

func (s lmStatus) String() string {
	switch s {
	case lmConvergedX:
		return "solution step below tolerance"
	case lmConvergedF:
		return "cost reduction below tolerance"
	case lmConvergedG:
		return "gradient below tolerance"
	case lmTooManyIterations:
		return "too many function evaluations"
	case lmImproperInput:
		return "improper input parameters"
	case lmSingular:
		return "normal equations are singular"
	}
	return "unknown"
}

// residualFunc evaluates the residual vector at x.
type residualFunc func(x, out []float64) error

// minimizeLM runs a damped least-squares minimization with a numeric
// forward-difference jacobian. On success the solution is written back into
// x; on failure x is left at its best visited value and the caller must not
// use it.
func minimizeLM(f residualFunc, x []float64, residualCount int, opts LMOptions) (lmStatus, error) {
	n := len(x)
	if n == 0 || residualCount < n {
		return lmImproperInput, errors.Errorf("cannot minimize %d parameters with %d residuals", n, residualCount)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 100
	}

	eps := opts.ErrorPrecision
	if eps <= 0 {
		eps = math.Sqrt(2.220446049250313e-16)
	}

	// below this cost the fit is exact for any practical purpose and the
	// normal equations are pure noise
	const costEpsilon = 1e-18

	residuals := make([]float64, residualCount)
	trial := make([]float64, residualCount)
	if err := f(x, residuals); err != nil {
		return lmImproperInput, err
	}
	cost := squaredNorm(residuals)
	if cost <= costEpsilon {
		return lmConvergedF, nil
	}

	lambda := 1e-3
	if opts.Factor > 0 {
		lambda = 1e-3 * 100 / opts.Factor
	}

	jacobian := mat.NewDense(residualCount, n, nil)
	xTrial := make([]float64, n)

	evaluations := 1
	for evaluations < opts.MaxIterations {
		// forward-difference jacobian
		for col := 0; col < n; col++ {
			step := eps * math.Max(math.Abs(x[col]), 1)
			saved := x[col]
			x[col] = saved + step
			if err := f(x, trial); err != nil {
				x[col] = saved
				return lmImproperInput, err
			}
			x[col] = saved
			evaluations++
			for row := 0; row < residualCount; row++ {
				jacobian.Set(row, col, (trial[row]-residuals[row])/step)
			}
		}

		gradient := make([]float64, n)
		for col := 0; col < n; col++ {
			g := 0.0
			for row := 0; row < residualCount; row++ {
				g += jacobian.At(row, col) * residuals[row]
			}
			gradient[col] = g
		}
		if maxAbs(gradient) <= opts.GTol && opts.GTol > 0 {
			return lmConvergedG, nil
		}

		normal := mat.NewDense(n, n, nil)
		normal.Mul(jacobian.T(), jacobian)

		accepted := false
		for attempt := 0; attempt < 16 && evaluations < opts.MaxIterations; attempt++ {
			damped := mat.NewDense(n, n, nil)
			damped.Copy(normal)
			for i := 0; i < n; i++ {
				damped.Set(i, i, normal.At(i, i)+lambda*math.Max(normal.At(i, i), 1e-12))
			}

			rhs := mat.NewVecDense(n, nil)
			for i := 0; i < n; i++ {
				rhs.SetVec(i, -gradient[i])
			}
			var delta mat.VecDense
			if err := delta.SolveVec(damped, rhs); err != nil {
				lambda *= 10
				continue
			}

			stepNorm := 0.0
			for i := 0; i < n; i++ {
				xTrial[i] = x[i] + delta.AtVec(i)
				stepNorm += delta.AtVec(i) * delta.AtVec(i)
			}
			stepNorm = math.Sqrt(stepNorm)

			if err := f(xTrial, trial); err != nil {
				lambda *= 10
				continue
			}
			evaluations++
			trialCost := squaredNorm(trial)

			if trialCost < cost {
				reduction := cost - trialCost
				copy(x, xTrial)
				copy(residuals, trial)
				cost = trialCost
				lambda = math.Max(lambda/10, 1e-12)
				accepted = true

				if stepNorm <= opts.XTol*(vectorNorm(x)+opts.XTol) {
					return lmConvergedX, nil
				}
				if cost <= costEpsilon || reduction <= opts.FTol*cost {
					return lmConvergedF, nil
				}
				break
			}
			lambda *= 10
			if lambda > 1e12 {
				return lmSingular, nil
			}
		}
		if !accepted && evaluations >= opts.MaxIterations {
			break
		}
		if !accepted {
			return lmSingular, nil
		}
	}
	return lmTooManyIterations, nil
}

func squaredNorm(v []float64) float64 {
	return floats.Dot(v, v)
}

func vectorNorm(v []float64) float64 {
	return floats.Norm(v, 2)
}

func maxAbs(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Norm(v, math.Inf(1))
}
