package rimage

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/mcx/rgbdslam/rimage/transform"
	"github.com/mcx/rgbdslam/spatialmath"
)

// OrganizedCloud is a 3D point per depth pixel, grouped by fixed-size
// cells: cell k occupies the contiguous index block
// [k*cellSize^2, (k+1)*cellSize^2), and inside a block pixels are in
// row-major order of that cell. This layout is the contract between depth
// rectification and the primitive detector.
type OrganizedCloud struct {
	cellSize int
	cellsX   int
	cellsY   int

	points []r3.Vector
	valid  []bool
}

// NewOrganizedCloud back-projects a rectified depth map into a
// cell-organized cloud. The image dimensions must be divisible by cellSize.
func NewOrganizedCloud(dm *DepthMap, intrinsics *transform.PinholeCameraIntrinsics, cellSize int) (*OrganizedCloud, error) {
	if cellSize <= 0 {
		return nil, errors.New("cell size must be positive")
	}
	if dm.Width()%cellSize != 0 || dm.Height()%cellSize != 0 {
		return nil, errors.Errorf("image size %dx%d is not divisible by cell size %d", dm.Width(), dm.Height(), cellSize)
	}

	cloud := &OrganizedCloud{
		cellSize: cellSize,
		cellsX:   dm.Width() / cellSize,
		cellsY:   dm.Height() / cellSize,
	}
	total := dm.Width() * dm.Height()
	cloud.points = make([]r3.Vector, total)
	cloud.valid = make([]bool, total)

	pointsPerCell := cellSize * cellSize
	for cellY := 0; cellY < cloud.cellsY; cellY++ {
		for cellX := 0; cellX < cloud.cellsX; cellX++ {
			cellIndex := cellY*cloud.cellsX + cellX
			base := cellIndex * pointsPerCell
			for py := 0; py < cellSize; py++ {
				for px := 0; px < cellSize; px++ {
					x := cellX*cellSize + px
					y := cellY*cellSize + py
					i := base + py*cellSize + px
					if !dm.IsValidDepth(x, y) {
						continue
					}
					pt := intrinsics.PixelToPoint(spatialmath.ScreenPoint{
						U: float64(x), V: float64(y), DepthMM: dm.GetDepth(x, y),
					})
					cloud.points[i] = pt.Vec()
					cloud.valid[i] = true
				}
			}
		}
	}
	return cloud, nil
}

// NewEmptyOrganizedCloud returns a cloud with every point missing.
func NewEmptyOrganizedCloud(cellsX, cellsY, cellSize int) *OrganizedCloud {
	total := cellsX * cellsY * cellSize * cellSize
	return &OrganizedCloud{
		cellSize: cellSize,
		cellsX:   cellsX,
		cellsY:   cellsY,
		points:   make([]r3.Vector, total),
		valid:    make([]bool, total),
	}
}

// CellSize is the cell side length in pixels.
func (c *OrganizedCloud) CellSize() int { return c.cellSize }

// CellsX is the number of cell columns.
func (c *OrganizedCloud) CellsX() int { return c.cellsX }

// CellsY is the number of cell rows.
func (c *OrganizedCloud) CellsY() int { return c.cellsY }

// CellCount is the total number of cells.
func (c *OrganizedCloud) CellCount() int { return c.cellsX * c.cellsY }

// PointsPerCell is the number of pixels per cell.
func (c *OrganizedCloud) PointsPerCell() int { return c.cellSize * c.cellSize }

// CellPoints returns the point block of one cell. The returned slices alias
// the cloud and must not be mutated.
func (c *OrganizedCloud) CellPoints(cellIndex int) ([]r3.Vector, []bool) {
	n := c.PointsPerCell()
	return c.points[cellIndex*n : (cellIndex+1)*n], c.valid[cellIndex*n : (cellIndex+1)*n]
}

// SetPoint writes one point of one cell; used to build synthetic clouds in
// tests and by the depth rectification front end.
func (c *OrganizedCloud) SetPoint(cellIndex, offset int, pt r3.Vector) {
	i := cellIndex*c.PointsPerCell() + offset
	c.points[i] = pt
	c.valid[i] = true
}
