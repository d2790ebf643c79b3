package rgbdslam

import (
	"fmt"
	"image"

	"github.com/fogleman/gg"

	"github.com/mcx/rgbdslam/spatialmath"
)

// DebugFlags selects the overlays of GetDebugImage.
type DebugFlags struct {
	ShowStagedPoints bool
	ShowPlaneMasks   bool
}

// GetDebugImage renders a non-mutating overlay of the engine state over a
// camera frame: a frame-rate band, the retroprojected map features,
// translucent fills over the plane masks and a red tint while tracking is
// lost.
func (e *Engine) GetDebugImage(pose spatialmath.Pose, rgb image.Image, elapsedSeconds float64, flags DebugFlags) image.Image {
	dc := gg.NewContext(e.width, e.height)
	if rgb != nil {
		dc.DrawImage(rgb, 0, 0)
	}

	// top band with the frame rate
	bandHeight := float64(e.height) / 25
	dc.SetRGB(0, 0, 0)
	dc.DrawRectangle(0, 0, float64(e.width), bandHeight)
	dc.Fill()
	if elapsedSeconds > 0 {
		dc.SetRGB(1, 1, 1)
		dc.DrawString(fmt.Sprintf("%3.0f fps", 1/elapsedSeconds), 15, bandHeight-4)
	}

	w2c := spatialmath.NewWorldToCamera(pose)

	if flags.ShowPlaneMasks {
		for _, plane := range e.localMap.LocalPlanes() {
			if plane.Mask == nil {
				continue
			}
			rows, cols := plane.Mask.Dims()
			dc.SetRGBA(0, 0.8, 0.2, 0.25)
			const maskStep = 4
			for y := 0; y < rows; y += maskStep {
				for x := 0; x < cols; x += maskStep {
					if plane.Mask.At(y, x) != 0 {
						dc.DrawRectangle(float64(x), float64(y), maskStep, maskStep)
					}
				}
			}
			dc.Fill()
		}
	}

	drawPoint := func(u, v float64, r, g, b float64, radius float64) {
		dc.SetRGB(r, g, b)
		dc.DrawCircle(u, v, radius)
		dc.Fill()
	}
	for _, p := range e.localMap.LocalPoints() {
		if projected, ok := e.intrinsics.WorldToScreen(p.Coordinates, w2c); ok {
			drawPoint(projected.U, projected.V,
				float64(p.Color.R)/255, float64(p.Color.G)/255, float64(p.Color.B)/255, 4)
		}
	}
	if flags.ShowStagedPoints {
		for _, p := range e.localMap.StagedPoints() {
			if projected, ok := e.intrinsics.WorldToScreen(p.Coordinates, w2c); ok {
				drawPoint(projected.U, projected.V, 0.6, 0.6, 0.6, 2)
			}
		}
	}

	if e.isTrackingLost {
		dc.SetRGBA(1, 0, 0, 0.2)
		dc.DrawRectangle(0, 0, float64(e.width), float64(e.height))
		dc.Fill()
	}
	return dc.Image()
}
