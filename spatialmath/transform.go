package spatialmath

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// CameraToWorld transforms camera-frame coordinates into the world frame.
// It is built from a pose; conversions between the two frames always go
// through one of these, never through raw matrices.
type CameraToWorld struct {
	rotation    quat.Number
	translation r3.Vector
}

// NewCameraToWorld builds the camera-to-world transform of a pose.
func NewCameraToWorld(p Pose) *CameraToWorld {
	return &CameraToWorld{rotation: p.Orientation, translation: p.Position}
}

// TransformPoint maps a camera point to world coordinates.
func (c *CameraToWorld) TransformPoint(pt CameraPoint) WorldPoint {
	return WorldPoint(RotateByQuat(c.rotation, pt.Vec()).Add(c.translation))
}

// RotateVector applies only the rotation part, for directions and normals.
func (c *CameraToWorld) RotateVector(v r3.Vector) r3.Vector {
	return RotateByQuat(c.rotation, v)
}

// Translation is the camera center expressed in world coordinates.
func (c *CameraToWorld) Translation() r3.Vector { return c.translation }

// Rotation is the camera-to-world rotation.
func (c *CameraToWorld) Rotation() quat.Number { return c.rotation }

// Inverse returns the matching world-to-camera transform.
func (c *CameraToWorld) Inverse() *WorldToCamera {
	inv := quat.Conj(c.rotation)
	return &WorldToCamera{
		rotation:    inv,
		translation: RotateByQuat(inv, c.translation.Mul(-1)),
		center:      c.translation,
	}
}

// WorldToCamera transforms world-frame coordinates into the camera frame.
type WorldToCamera struct {
	rotation    quat.Number
	translation r3.Vector
	center      r3.Vector
}

// NewWorldToCamera builds the world-to-camera transform of a pose.
func NewWorldToCamera(p Pose) *WorldToCamera {
	return NewCameraToWorld(p).Inverse()
}

// TransformPoint maps a world point to camera coordinates.
func (w *WorldToCamera) TransformPoint(pt WorldPoint) CameraPoint {
	return CameraPoint(RotateByQuat(w.rotation, pt.Vec()).Add(w.translation))
}

// RotateVector applies only the rotation part, for directions and normals.
func (w *WorldToCamera) RotateVector(v r3.Vector) r3.Vector {
	return RotateByQuat(w.rotation, v)
}

// Rotation is the world-to-camera rotation.
func (w *WorldToCamera) Rotation() quat.Number { return w.rotation }

// CameraCenter is the camera position in world coordinates.
func (w *WorldToCamera) CameraCenter() r3.Vector { return w.center }
