package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a position in millimeters with an orientation as a unit
// quaternion, and a 6x6 covariance whose leading 3x3 block is the position
// covariance.
type Pose struct {
	Position    r3.Vector
	Orientation quat.Number
	Covariance  *mat.SymDense
}

// NewPose returns a pose with the given position and orientation and a zero
// covariance. The orientation is normalized.
func NewPose(position r3.Vector, orientation quat.Number) Pose {
	return Pose{
		Position:    position,
		Orientation: normalizeQuat(orientation),
		Covariance:  mat.NewSymDense(6, nil),
	}
}

// NewPoseWithCovariance returns a pose carrying the given 6x6 covariance.
func NewPoseWithCovariance(position r3.Vector, orientation quat.Number, covariance *mat.SymDense) (Pose, error) {
	if err := CheckCovariance(covariance); err != nil {
		return Pose{}, err
	}
	p := NewPose(position, orientation)
	p.Covariance = covariance
	return p, nil
}

// PositionCovariance is the leading 3x3 block of the pose covariance.
func (p Pose) PositionCovariance() *mat.SymDense {
	out := mat.NewSymDense(3, nil)
	if p.Covariance == nil {
		return out
	}
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			out.SetSym(i, j, p.Covariance.At(i, j))
		}
	}
	return out
}

// RotationMatrix is the 3x3 rotation matrix of the orientation.
func (p Pose) RotationMatrix() *mat.Dense {
	return rotationMatrixFromQuat(p.Orientation)
}

// EulerAngles is a yaw/pitch/roll decomposition of an orientation, in
// radians.
type EulerAngles struct {
	Yaw, Pitch, Roll float64
}

// QuatFromEulerAngles builds a unit quaternion from euler angles.
func QuatFromEulerAngles(angles EulerAngles) quat.Number {
	cy := math.Cos(angles.Yaw * 0.5)
	sy := math.Sin(angles.Yaw * 0.5)
	cp := math.Cos(angles.Pitch * 0.5)
	sp := math.Sin(angles.Pitch * 0.5)
	cr := math.Cos(angles.Roll * 0.5)
	sr := math.Sin(angles.Roll * 0.5)

	return quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
}

// EulerAnglesFromQuat decomposes a unit quaternion into euler angles.
func EulerAnglesFromQuat(q quat.Number) EulerAngles {
	var angles EulerAngles
	angles.Roll = math.Atan2(2*(q.Real*q.Imag+q.Jmag*q.Kmag), 1-2*(q.Imag*q.Imag+q.Jmag*q.Jmag))

	sinp := 2 * (q.Real*q.Jmag - q.Kmag*q.Imag)
	if math.Abs(sinp) >= 1 {
		angles.Pitch = math.Copysign(math.Pi/2, sinp)
	} else {
		angles.Pitch = math.Asin(sinp)
	}

	angles.Yaw = math.Atan2(2*(q.Real*q.Kmag+q.Imag*q.Jmag), 1-2*(q.Jmag*q.Jmag+q.Kmag*q.Kmag))
	return angles
}

func normalizeQuat(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

func rotationMatrixFromQuat(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// RotateByQuat applies a unit quaternion rotation to a vector.
func RotateByQuat(q quat.Number, v r3.Vector) r3.Vector {
	qv := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	res := quat.Mul(quat.Mul(q, qv), quat.Conj(q))
	return r3.Vector{X: res.Imag, Y: res.Jmag, Z: res.Kmag}
}
