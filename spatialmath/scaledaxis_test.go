package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func TestScaledAxisRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		q    quat.Number
	}{
		{"identity", quat.Number{Real: 1}},
		{"yaw 90", QuatFromEulerAngles(EulerAngles{Yaw: math.Pi / 2})},
		{"pitch 45", QuatFromEulerAngles(EulerAngles{Pitch: math.Pi / 4})},
		{"mixed", QuatFromEulerAngles(EulerAngles{Yaw: 0.3, Pitch: -0.7, Roll: 1.1})},
		{"near pi", QuatFromEulerAngles(EulerAngles{Yaw: math.Pi - 1e-4})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := tc.q
			if q.Real < 0 {
				q = quat.Scale(-1, q)
			}
			back := QuatFromScaledAxis(ScaledAxisFromQuat(q))
			test.That(t, back.Real, test.ShouldAlmostEqual, q.Real, 1e-12)
			test.That(t, back.Imag, test.ShouldAlmostEqual, q.Imag, 1e-12)
			test.That(t, back.Jmag, test.ShouldAlmostEqual, q.Jmag, 1e-12)
			test.That(t, back.Kmag, test.ShouldAlmostEqual, q.Kmag, 1e-12)
		})
	}
}

func TestScaledAxisZeroMeansIdentity(t *testing.T) {
	q := QuatFromScaledAxis(r3.Vector{})
	test.That(t, q.Real, test.ShouldAlmostEqual, 1, 1e-15)
	test.That(t, q.Imag, test.ShouldAlmostEqual, 0, 1e-15)
}

func TestEulerAnglesRoundTrip(t *testing.T) {
	angles := EulerAngles{Yaw: 0.4, Pitch: -0.2, Roll: 0.9}
	back := EulerAnglesFromQuat(QuatFromEulerAngles(angles))
	test.That(t, back.Yaw, test.ShouldAlmostEqual, angles.Yaw, 1e-9)
	test.That(t, back.Pitch, test.ShouldAlmostEqual, angles.Pitch, 1e-9)
	test.That(t, back.Roll, test.ShouldAlmostEqual, angles.Roll, 1e-9)
}

func TestRotateByQuat(t *testing.T) {
	// yaw rotates about the Z axis
	yaw90 := QuatFromEulerAngles(EulerAngles{Yaw: math.Pi / 2})
	v := RotateByQuat(yaw90, r3.Vector{X: 1})
	test.That(t, v.X, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, v.Y, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, v.Z, test.ShouldAlmostEqual, 0, 1e-9)
}
