// Package transform projects between screen, camera and world space using a
// pinhole camera model, and propagates point covariances across those
// projections.
package transform

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/mcx/rgbdslam/spatialmath"
)

// PinholeCameraIntrinsics is a pinhole calibration in pixels.
type PinholeCameraIntrinsics struct {
	Width, Height int
	Fx, Fy        float64
	Ppx, Ppy      float64
}

// PointToPixel projects a camera-space point to pixel coordinates. The
// second return is false when the point is behind the camera.
func (p *PinholeCameraIntrinsics) PointToPixel(pt spatialmath.CameraPoint) (spatialmath.ScreenPoint, bool) {
	if pt.Z <= 0 {
		return spatialmath.ScreenPoint{}, false
	}
	inv := 1.0 / pt.Z
	u := p.Fx*pt.X*inv + p.Ppx
	v := p.Fy*pt.Y*inv + p.Ppy
	if math.IsNaN(u) || math.IsNaN(v) {
		return spatialmath.ScreenPoint{}, false
	}
	return spatialmath.ScreenPoint{U: u, V: v, DepthMM: pt.Z}, true
}

// PixelToPoint back-projects a pixel with its measured depth to camera
// space.
func (p *PinholeCameraIntrinsics) PixelToPoint(pt spatialmath.ScreenPoint) spatialmath.CameraPoint {
	return spatialmath.CameraPoint{
		X: (pt.U - p.Ppx) * pt.DepthMM / p.Fx,
		Y: (pt.V - p.Ppy) * pt.DepthMM / p.Fy,
		Z: pt.DepthMM,
	}
}

// Ray is the camera-space viewing direction of a pixel, unit length.
func (p *PinholeCameraIntrinsics) Ray(pt spatialmath.ScreenPoint2D) spatialmath.CameraPoint {
	v := spatialmath.CameraPoint{
		X: (pt.U - p.Ppx) / p.Fx,
		Y: (pt.V - p.Ppy) / p.Fy,
		Z: 1,
	}
	n := v.Vec().Norm()
	return spatialmath.CameraPoint{X: v.X / n, Y: v.Y / n, Z: v.Z / n}
}

// ScreenToWorld maps a pixel with depth to the world frame.
func (p *PinholeCameraIntrinsics) ScreenToWorld(pt spatialmath.ScreenPoint, c2w *spatialmath.CameraToWorld) spatialmath.WorldPoint {
	return c2w.TransformPoint(p.PixelToPoint(pt))
}

// WorldToScreen retroprojects a world point to the screen. The second
// return is false when the point does not project in front of the camera.
func (p *PinholeCameraIntrinsics) WorldToScreen(pt spatialmath.WorldPoint, w2c *spatialmath.WorldToCamera) (spatialmath.ScreenPoint, bool) {
	return p.PointToPixel(w2c.TransformPoint(pt))
}

// WorldPointCovariance is the covariance of a screen measurement once
// back-projected to world space: the screen covariance is pushed through the
// back-projection jacobian, rotated to the world frame, and inflated by the
// pose position covariance.
func (p *PinholeCameraIntrinsics) WorldPointCovariance(
	pt spatialmath.ScreenPoint,
	screenCov mat.Symmetric,
	c2w *spatialmath.CameraToWorld,
	poseCov mat.Symmetric,
) (*mat.SymDense, error) {
	if screenCov.SymmetricDim() != 3 {
		return nil, errors.New("screen covariance must be 3x3")
	}
	jacobian := mat.NewDense(3, 3, []float64{
		pt.DepthMM / p.Fx, 0, (pt.U - p.Ppx) / p.Fx,
		0, pt.DepthMM / p.Fy, (pt.V - p.Ppy) / p.Fy,
		0, 0, 1,
	})
	cameraCov, err := spatialmath.PropagateCovariance(jacobian, screenCov)
	if err != nil {
		return nil, err
	}

	// rotate the camera-frame covariance to world
	pose := spatialmath.NewPose(c2w.Translation(), c2w.Rotation())
	worldCov, err := spatialmath.PropagateCovariance(pose.RotationMatrix(), cameraCov)
	if err != nil {
		return nil, err
	}
	if poseCov != nil {
		if poseCov.SymmetricDim() != 3 {
			return nil, errors.New("pose position covariance must be 3x3")
		}
		for i := 0; i < 3; i++ {
			for j := i; j < 3; j++ {
				worldCov.SetSym(i, j, worldCov.At(i, j)+poseCov.At(i, j))
			}
		}
	}
	if err := spatialmath.CheckCovariance(worldCov); err != nil {
		return nil, errors.Wrap(err, "world point covariance")
	}
	return worldCov, nil
}

// DepthVariance is the stereo depth noise model: the measurement standard
// deviation grows with the square of the depth.
func DepthVariance(depthMM, depthSigmaError, depthSigmaMargin float64) float64 {
	sigma := depthSigmaError * depthSigmaMargin * depthMM * depthMM
	return sigma * sigma
}

// ScreenPointCovariance is the default covariance of a raw keypoint
// measurement: one pixel of noise in u and v, depth noise from the sensor
// model.
func ScreenPointCovariance(depthMM, depthSigmaError, depthSigmaMargin float64) *mat.SymDense {
	return spatialmath.SymDenseFromDiagonal(1, 1, DepthVariance(depthMM, depthSigmaError, depthSigmaMargin))
}
