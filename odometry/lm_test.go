package odometry

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func defaultLMOptions() LMOptions {
	return LMOptions{
		MaxIterations: 1024,
		XTol:          1e-10,
		FTol:          1e-10,
		Factor:        100,
	}
}

func TestMinimizeLMQuadratic(t *testing.T) {
	// residuals (x-3, y+1): minimum at (3, -1)
	f := func(x, out []float64) error {
		out[0] = x[0] - 3
		out[1] = x[1] + 1
		return nil
	}
	x := []float64{0, 0}
	status, err := minimizeLM(f, x, 2, defaultLMOptions())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status.success(), test.ShouldBeTrue)
	test.That(t, x[0], test.ShouldAlmostEqual, 3, 1e-6)
	test.That(t, x[1], test.ShouldAlmostEqual, -1, 1e-6)
}

func TestMinimizeLMExponentialFit(t *testing.T) {
	// fit y = exp(a*t) to samples generated with a = 0.4
	const truth = 0.4
	ts := []float64{0.5, 1, 1.5, 2, 2.5, 3}
	f := func(x, out []float64) error {
		for i, ti := range ts {
			out[i] = math.Exp(x[0]*ti) - math.Exp(truth*ti)
		}
		return nil
	}
	x := []float64{0}
	status, err := minimizeLM(f, x, len(ts), defaultLMOptions())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status.success(), test.ShouldBeTrue)
	test.That(t, x[0], test.ShouldAlmostEqual, truth, 1e-5)
}

func TestMinimizeLMRosenbrock(t *testing.T) {
	// classic banana valley in least-squares form
	f := func(x, out []float64) error {
		out[0] = 10 * (x[1] - x[0]*x[0])
		out[1] = 1 - x[0]
		return nil
	}
	x := []float64{-1.2, 1}
	status, err := minimizeLM(f, x, 2, defaultLMOptions())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status.success(), test.ShouldBeTrue)
	test.That(t, x[0], test.ShouldAlmostEqual, 1, 1e-4)
	test.That(t, x[1], test.ShouldAlmostEqual, 1, 1e-4)
}

func TestMinimizeLMImproperInput(t *testing.T) {
	f := func(x, out []float64) error { return nil }

	// fewer residuals than parameters is unsolvable
	status, err := minimizeLM(f, []float64{1, 2, 3}, 2, defaultLMOptions())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, status, test.ShouldEqual, lmImproperInput)

	status, err = minimizeLM(f, nil, 2, defaultLMOptions())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, status, test.ShouldEqual, lmImproperInput)
}

func TestMinimizeLMDoesNotConvergeInOneEvaluation(t *testing.T) {
	f := func(x, out []float64) error {
		out[0] = x[0]*x[0] - 2
		return nil
	}
	opts := defaultLMOptions()
	opts.MaxIterations = 2
	x := []float64{100}
	status, _ := minimizeLM(f, x, 1, opts)
	test.That(t, status.success(), test.ShouldBeFalse)
}
