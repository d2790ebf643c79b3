package odometry

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func TestGeneralizedLossL2(t *testing.T) {
	// alpha = 2 is a scaled L2 loss
	test.That(t, GeneralizedLoss(10, 2, 1), test.ShouldAlmostEqual, 50, 1e-12)
	test.That(t, GeneralizedLoss(10, 2, 10), test.ShouldAlmostEqual, 0.5, 1e-12)
}

func TestGeneralizedLossCauchy(t *testing.T) {
	// alpha = 0 is the Cauchy loss
	test.That(t, GeneralizedLoss(2, 0, 1), test.ShouldAlmostEqual, math.Log(3), 1e-12)
	test.That(t, GeneralizedLoss(0, 0, 1), test.ShouldAlmostEqual, 0, 1e-12)
}

func TestGeneralizedLossWelsch(t *testing.T) {
	// alpha -> -infinity is the Welsch loss, bounded by 1
	loss := GeneralizedLoss(1000, -1e9, 1)
	test.That(t, loss, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, GeneralizedLoss(0, -1e9, 1), test.ShouldAlmostEqual, 0, 1e-12)
}

func TestGeneralizedLossCharbonnier(t *testing.T) {
	// alpha = 1: |alpha-2|/alpha * ((e^2/|alpha-2| + 1)^(1/2) - 1)
	e := 3.0
	want := 1 * (math.Sqrt(e*e+1) - 1)
	test.That(t, GeneralizedLoss(e, 1, 1), test.ShouldAlmostEqual, want, 1e-12)
}

func TestGeneralizedLossMonotone(t *testing.T) {
	for _, alpha := range []float64{2, 1, 0, -2, -1e9} {
		prev := 0.0
		for e := 0.5; e < 50; e += 0.5 {
			loss := GeneralizedLoss(e, alpha, 10)
			test.That(t, loss >= prev, test.ShouldBeTrue)
			prev = loss
		}
	}
}
