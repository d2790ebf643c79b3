package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// ScaledAxisFromQuat converts a unit quaternion to the scaled-axis 3-vector
// r = angle * axis. The quaternion sign is flipped to keep w non negative,
// so the angle stays in [0, pi] and the parameterization is unambiguous.
// This is the unconstrained rotation space the pose optimizer works in.
func ScaledAxisFromQuat(q quat.Number) r3.Vector {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	qv := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}

	sinha := qv.Norm()
	if sinha > 0 {
		angle := 2 * math.Atan2(sinha, q.Real)
		return qv.Mul(angle / sinha)
	}
	// vector part is numerically zero: w dominates, use it as the length
	return qv.Mul(2 / q.Real)
}

// QuatFromScaledAxis converts a scaled-axis 3-vector back to a unit
// quaternion.
func QuatFromScaledAxis(r r3.Vector) quat.Number {
	angle := r.Norm()
	ha := angle * 0.5
	scale := 0.5
	if angle > 0 {
		scale = math.Sin(ha) / angle
	}
	return quat.Number{
		Real: math.Cos(ha),
		Imag: r.X * scale,
		Jmag: r.Y * scale,
		Kmag: r.Z * scale,
	}
}
