package segmentation

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/mcx/rgbdslam/rimage"
)

// DetectorConfig bounds the per-frame primitive extraction.
type DetectorConfig struct {
	CellSize int
	// HistogramBins is the number of angular bins per coordinate.
	HistogramBins int

	MinCosAngleForMerge    float64
	MaximumMergeDistanceMM float64
	MinimumPlaneSeedCount  int
	MinimumCellActivated   int
	// PlaneFitScore decides plane vs cylinder after region growing;
	// CylinderMinimumCells gates the cylinder fallback.
	PlaneFitScore        float64
	CylinderMinimumCells int

	PlaneFitting PlaneFittingConfig
	Cylinder     CylinderFittingConfig
}

// Plane is a detected planar primitive in camera coordinates.
type Plane struct {
	Normal r3.Vector
	D      float64
	Mean   r3.Vector
	MSE    float64
	Score  float64
	// Mask is a pixel-resolution binary mask of the plane support.
	Mask *mat.Dense
	// CellCount is the number of grid cells supporting the plane.
	CellCount int
}

// Cylinder is a detected cylindrical primitive in camera coordinates.
type Cylinder struct {
	Axis   r3.Vector
	Center r3.Vector
	Radius float64
	MSE    float64
	Mask   *mat.Dense
}

// Detector segments an organized point cloud into planes and cylinders.
// All working buffers are preallocated at construction and reused across
// frames; a Detector must not be shared between goroutines.
type Detector struct {
	cfg    DetectorConfig
	logger golog.Logger
	rnd    *rand.Rand

	cellsX     int
	cellsY     int
	totalCells int

	planeGrid        []*PlaneSegment
	unassigned       []bool
	cellDistanceTols []float64
	histogram        *Histogram
	cellAngles       [][2]float64

	gridPlaneSegmentMap   []int
	gridCylinderSegMap    []int
	planeSegments         []*PlaneSegment
	cylinderSegments      []*CylinderSegment
	growStack             []int
}

// NewDetector returns a detector for images of the given size. The image
// dimensions must be divisible by the configured cell size.
func NewDetector(width, height int, cfg DetectorConfig, rnd *rand.Rand, logger golog.Logger) (*Detector, error) {
	if cfg.CellSize <= 0 || width%cfg.CellSize != 0 || height%cfg.CellSize != 0 {
		return nil, errors.Errorf("image size %dx%d is not divisible by cell size %d", width, height, cfg.CellSize)
	}
	if cfg.HistogramBins <= 0 {
		cfg.HistogramBins = 20
	}
	d := &Detector{
		cfg:    cfg,
		logger: logger,
		rnd:    rnd,
		cellsX: width / cfg.CellSize,
		cellsY: height / cfg.CellSize,
	}
	d.totalCells = d.cellsX * d.cellsY
	d.planeGrid = make([]*PlaneSegment, d.totalCells)
	for i := range d.planeGrid {
		d.planeGrid[i] = NewPlaneSegment()
	}
	d.unassigned = make([]bool, d.totalCells)
	d.cellDistanceTols = make([]float64, d.totalCells)
	d.cellAngles = make([][2]float64, d.totalCells)
	d.histogram = NewHistogram(cfg.HistogramBins)
	d.gridPlaneSegmentMap = make([]int, d.totalCells)
	d.gridCylinderSegMap = make([]int, d.totalCells)
	return d, nil
}

// FindPrimitives segments one frame. The cloud must match the detector's
// cell layout. An empty cloud yields zero planes and zero cylinders.
func (d *Detector) FindPrimitives(cloud *rimage.OrganizedCloud) ([]Plane, []Cylinder, error) {
	if cloud.CellsX() != d.cellsX || cloud.CellsY() != d.cellsY {
		return nil, nil, errors.Errorf("cloud cell grid %dx%d does not match detector %dx%d",
			cloud.CellsX(), cloud.CellsY(), d.cellsX, d.cellsY)
	}

	d.resetData()
	d.initPlanarCellFitting(cloud)
	remaining := d.initHistogram()
	cylinderMap := d.growPlanesAndCylinders(remaining)
	mergeLabels := d.mergePlanes()
	planes := d.collectPlanes(mergeLabels)
	cylinders := d.collectCylinders(cylinderMap)
	return planes, cylinders, nil
}

func (d *Detector) resetData() {
	d.histogram.Reset()
	d.planeSegments = d.planeSegments[:0]
	d.cylinderSegments = d.cylinderSegments[:0]
	for i := 0; i < d.totalCells; i++ {
		d.gridPlaneSegmentMap[i] = 0
		d.gridCylinderSegMap[i] = 0
		d.unassigned[i] = false
		d.cellDistanceTols[i] = 0
	}
}

// initPlanarCellFitting fits one plane segment per cell and derives the
// per-cell merge tolerance from the cell diameter and the merge angle.
func (d *Detector) initPlanarCellFitting(cloud *rimage.OrganizedCloud) {
	sinAngleForMerge := math.Sqrt(1 - d.cfg.MinCosAngleForMerge*d.cfg.MinCosAngleForMerge)

	for cellID := 0; cellID < d.totalCells; cellID++ {
		points, valid := cloud.CellPoints(cellID)
		d.planeGrid[cellID].InitFromCell(points, valid, cloud.CellSize(), d.cfg.PlaneFitting)
		if !d.planeGrid[cellID].IsPlanar() {
			continue
		}
		cellDiameter := d.cfg.MaximumMergeDistanceMM
		if valid[0] && valid[len(valid)-1] {
			cellDiameter = points[len(points)-1].Sub(points[0]).Norm()
		}
		tol := clampFloat(cellDiameter*sinAngleForMerge, 20, d.cfg.MaximumMergeDistanceMM)
		d.cellDistanceTols[cellID] = tol * tol
	}
}

func (d *Detector) initHistogram() int {
	remaining := 0
	for cellID := 0; cellID < d.totalCells; cellID++ {
		if !d.planeGrid[cellID].IsPlanar() {
			continue
		}
		normal := d.planeGrid[cellID].Normal()
		d.cellAngles[cellID] = [2]float64{
			math.Acos(clampFloat(-normal.Z, -1, 1)),
			math.Atan2(normal.X, normal.Y),
		}
		d.unassigned[cellID] = true
		remaining++
	}
	d.histogram.Init(d.cellAngles, d.unassigned)
	return remaining
}

type cylinderRegion struct {
	segmentIndex int
	subSegment   int
}

// growPlanesAndCylinders repeatedly seeds from the densest histogram bin and
// grows a region. Seed selection is deterministic: the candidate with the
// lowest MSE wins, ties toward the lowest cell index.
func (d *Detector) growPlanesAndCylinders(remaining int) []cylinderRegion {
	var cylinderMap []cylinderRegion
	for remaining > 0 {
		candidates := d.histogram.MostFrequentBin()
		if len(candidates) < d.cfg.MinimumPlaneSeedCount {
			break
		}

		seedID := -1
		minMSE := math.Inf(1)
		for _, candidate := range candidates {
			if mse := d.planeGrid[candidate].MSE(); mse < minMSE {
				seedID = candidate
				minMSE = mse
			}
		}
		if seedID < 0 {
			d.logger.Error("could not find a plane seed in a non-empty bin")
			break
		}

		remaining -= d.growSegmentAtSeed(seedID, &cylinderMap)
	}
	return cylinderMap
}

// growSegmentAtSeed grows one region and classifies it as plane or
// cylinder. It returns the number of cells consumed from the histogram.
func (d *Detector) growSegmentAtSeed(seedID int, cylinderMap *[]cylinderRegion) int {
	seed := d.planeGrid[seedID]
	if !seed.IsPlanar() {
		d.histogram.Remove(seedID)
		return 1
	}

	activated := make([]bool, d.totalCells)
	d.regionGrowing(seedID, seed.Normal(), seed.D(), activated)

	merged := seed.Clone()
	merged.isPlanar = false
	cellActivatedCount := 0
	for cellID, on := range activated {
		if !on || !d.planeGrid[cellID].IsPlanar() {
			continue
		}
		if cellID != seedID {
			merged.Expand(d.planeGrid[cellID])
		}
		cellActivatedCount++
		d.histogram.Remove(cellID)
		d.unassigned[cellID] = false
	}
	if cellActivatedCount == 0 {
		d.histogram.Remove(seedID)
		return 1
	}
	if cellActivatedCount < d.cfg.MinimumCellActivated {
		return cellActivatedCount
	}

	merged.FitPlane()
	if merged.Score() > d.cfg.PlaneFitScore {
		d.planeSegments = append(d.planeSegments, merged)
		planeID := len(d.planeSegments)
		for cellID, on := range activated {
			if on {
				d.gridPlaneSegmentMap[cellID] = planeID
			}
		}
	} else if cellActivatedCount > d.cfg.CylinderMinimumCells {
		d.cylinderFitting(activated, cylinderMap)
	}
	return cellActivatedCount
}

// regionGrowing floods 4-neighbors from the seed with an explicit stack. A
// neighbor is merged iff it is planar, unassigned, agrees with the seed
// normal and lies within the cell's distance tolerance of the seed plane.
// The visit order does not change the activation set.
func (d *Detector) regionGrowing(seedID int, seedNormal r3.Vector, seedD float64, activated []bool) {
	d.growStack = d.growStack[:0]
	d.growStack = append(d.growStack, seedID)

	for len(d.growStack) > 0 {
		index := d.growStack[len(d.growStack)-1]
		d.growStack = d.growStack[:len(d.growStack)-1]

		if !d.unassigned[index] || activated[index] {
			continue
		}
		cell := d.planeGrid[index]
		if !cell.IsPlanar() {
			continue
		}
		if index != seedID {
			if seedNormal.Dot(cell.Normal()) < d.cfg.MinCosAngleForMerge {
				continue
			}
			dist := seedNormal.Dot(cell.Mean()) + seedD
			if dist*dist > d.cellDistanceTols[index] {
				continue
			}
		}
		activated[index] = true

		x := index % d.cellsX
		y := index / d.cellsX
		if x > 0 {
			d.growStack = append(d.growStack, index-1)
		}
		if x < d.cellsX-1 {
			d.growStack = append(d.growStack, index+1)
		}
		if y > 0 {
			d.growStack = append(d.growStack, index-d.cellsX)
		}
		if y < d.cellsY-1 {
			d.growStack = append(d.growStack, index+d.cellsX)
		}
	}
}

// cylinderFitting runs the cylinder fallback on an activated set and keeps,
// per sub-segment, whichever of the refit plane or the cylinder explains
// the cells with the smaller MSE.
func (d *Detector) cylinderFitting(activated []bool, cylinderMap *[]cylinderRegion) {
	cylinder := FitCylinder(d.planeGrid, activated, d.cfg.Cylinder, d.rnd)
	d.cylinderSegments = append(d.cylinderSegments, cylinder)

	for segID := 0; segID < cylinder.SegmentCount(); segID++ {
		refit := NewPlaneSegment()
		fitable := false
		for local := 0; local < cylinder.LocalCellCount(); local++ {
			if !cylinder.IsInlierAt(segID, local) {
				continue
			}
			cellID := cylinder.LocalToGlobal(local)
			if d.planeGrid[cellID].IsPlanar() {
				refit.Expand(d.planeGrid[cellID])
				fitable = true
			}
		}
		if !fitable {
			continue
		}
		refit.FitPlane()

		if refit.MSE() < cylinder.MSEAt(segID) {
			d.planeSegments = append(d.planeSegments, refit)
			planeID := len(d.planeSegments)
			d.markInlierCells(cylinder, segID, d.gridPlaneSegmentMap, planeID)
		} else {
			*cylinderMap = append(*cylinderMap, cylinderRegion{
				segmentIndex: len(d.cylinderSegments) - 1,
				subSegment:   segID,
			})
			d.markInlierCells(cylinder, segID, d.gridCylinderSegMap, len(*cylinderMap))
		}
	}
}

func (d *Detector) markInlierCells(cylinder *CylinderSegment, segID int, segmentMap []int, id int) {
	for local := 0; local < cylinder.LocalCellCount(); local++ {
		if cylinder.IsInlierAt(segID, local) {
			segmentMap[cylinder.LocalToGlobal(local)] = id
		}
	}
}

// mergePlanes joins grown planes that touch in the segment map and agree in
// normal and distance. Labels propagate union-find style: merging j into i
// points j's label at i, and every later merge follows the root label.
func (d *Detector) mergePlanes() []int {
	planeCount := len(d.planeSegments)
	connected := d.connectedComponentsMatrix(planeCount)

	labels := make([]int, planeCount)
	for i := range labels {
		labels[i] = i
	}

	maxDistSq := d.cfg.MaximumMergeDistanceMM * d.cfg.MaximumMergeDistanceMM
	for row := 0; row < planeCount; row++ {
		rootID := labels[row]
		testPlane := d.planeSegments[rootID]
		if !testPlane.IsPlanar() {
			continue
		}
		expanded := false
		for col := row + 1; col < planeCount; col++ {
			if !connected[row*planeCount+col] {
				continue
			}
			mergePlane := d.planeSegments[col]
			if !mergePlane.IsPlanar() {
				continue
			}
			cosAngle := testPlane.Normal().Dot(mergePlane.Normal())
			dist := testPlane.Normal().Dot(mergePlane.Mean()) + testPlane.D()
			if cosAngle > d.cfg.MinCosAngleForMerge && dist*dist < maxDistSq {
				d.planeSegments[rootID].Expand(mergePlane)
				labels[col] = rootID
				expanded = true
			} else {
				connected[row*planeCount+col] = false
				connected[col*planeCount+row] = false
			}
		}
		if expanded {
			d.planeSegments[rootID].FitPlane()
		}
	}
	return labels
}

// connectedComponentsMatrix scans adjacent cell pairs of the plane segment
// map and records which plane ids touch.
func (d *Detector) connectedComponentsMatrix(planeCount int) []bool {
	connected := make([]bool, planeCount*planeCount)
	if planeCount == 0 {
		return connected
	}
	for y := 0; y < d.cellsY-1; y++ {
		for x := 0; x < d.cellsX-1; x++ {
			planeID := d.gridPlaneSegmentMap[y*d.cellsX+x]
			if planeID <= 0 {
				continue
			}
			rightID := d.gridPlaneSegmentMap[y*d.cellsX+x+1]
			belowID := d.gridPlaneSegmentMap[(y+1)*d.cellsX+x]
			if rightID > 0 && rightID != planeID {
				connected[(planeID-1)*planeCount+rightID-1] = true
				connected[(rightID-1)*planeCount+planeID-1] = true
			}
			if belowID > 0 && belowID != planeID {
				connected[(planeID-1)*planeCount+belowID-1] = true
				connected[(belowID-1)*planeCount+planeID-1] = true
			}
		}
	}
	return connected
}

// collectPlanes refines the cell masks of root planes and drops planes
// whose eroded mask is empty.
func (d *Detector) collectPlanes(labels []int) []Plane {
	var planes []Plane
	for planeIndex, segment := range d.planeSegments {
		if labels[planeIndex] != planeIndex || !segment.IsPlanar() {
			continue
		}

		mask := mat.NewDense(d.cellsY, d.cellsX, nil)
		cellCount := 0
		for cellID, id := range d.gridPlaneSegmentMap {
			if id > 0 && labels[id-1] == planeIndex {
				mask.Set(cellID/d.cellsX, cellID%d.cellsX, 1)
				cellCount++
			}
		}

		closed := rimage.CloseCross(mask)
		if rimage.MaskIsEmpty(rimage.ErodeCross(closed)) {
			continue
		}
		planes = append(planes, Plane{
			Normal:    segment.Normal(),
			D:         segment.D(),
			Mean:      segment.Mean(),
			MSE:       segment.MSE(),
			Score:     segment.Score(),
			Mask:      rimage.UpsampleMask(closed, d.cfg.CellSize),
			CellCount: cellCount,
		})
	}
	return planes
}

func (d *Detector) collectCylinders(cylinderMap []cylinderRegion) []Cylinder {
	var cylinders []Cylinder
	for cylinderIndex, region := range cylinderMap {
		mask := mat.NewDense(d.cellsY, d.cellsX, nil)
		for cellID, id := range d.gridCylinderSegMap {
			if id == cylinderIndex+1 {
				mask.Set(cellID/d.cellsX, cellID%d.cellsX, 1)
			}
		}
		closed := rimage.CloseCross(mask)
		if rimage.MaskIsEmpty(rimage.ErodeCross(closed)) {
			continue
		}
		segment := d.cylinderSegments[region.segmentIndex]
		cylinders = append(cylinders, Cylinder{
			Axis:   segment.AxisAt(region.subSegment),
			Center: segment.CenterAt(region.subSegment),
			Radius: segment.RadiusAt(region.subSegment),
			MSE:    segment.MSEAt(region.subSegment),
			Mask:   rimage.UpsampleMask(closed, d.cfg.CellSize),
		})
	}
	return cylinders
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
