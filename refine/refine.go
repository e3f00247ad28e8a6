// Package refine turns coarse segmentation masks into polygons with sharp
// corners. The mask outline gives the topology and an initial polygon while
// straight edges found with a Hough transform inside a band around the
// outline snap the corners to the real piece edges.
package refine

import (
	"image"
	"math"
	"sort"
	"time"

	"github.com/golang/geo/r2"
	"github.com/swdee/go-tangram/geom"
	"github.com/swdee/go-tangram/postprocess"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"
)

// Params configure the Refiner. Lengths given as a fraction are relative to
// the diagonal of the region of interest around the detection.
type Params struct {
	// ProtoWidth and ProtoHeight are the mask dimensions
	ProtoWidth  int
	ProtoHeight int
	// InputWidth and InputHeight are the model input dimensions the boxes
	// and output polygons refer to
	InputWidth  int
	InputHeight int
	// ROIPadding in model pixels added around the detection box
	ROIPadding int
	// CannySigma sets the automatic Canny thresholds to (1 +- sigma) times
	// the median foreground intensity
	CannySigma float64
	// BandWidth is the half width of the band around the outline that edge
	// pixels must lie in
	BandWidth float64
	// HoughThreshold is the accumulator threshold of the probabilistic
	// Hough transform
	HoughThreshold int
	// MinLineLength and MaxLineGap of accepted Hough segments
	MinLineLength float64
	MaxLineGap    float64
	// AngleTolerance in radians for segments to share a line
	AngleTolerance float64
	// OffsetTolerance for segments to share a line
	OffsetTolerance float64
	// MaxCornerShift is the furthest a corner may move from the outline
	// vertex
	MaxCornerShift float64
	// MinIntersectAngle in radians below which two lines are treated as
	// parallel
	MinIntersectAngle float64
	// MinIoU between the line refined polygon and the outline polygon for
	// the refinement to be kept
	MinIoU float64
	// MinContourArea in model pixels below which a mask is ignored
	MinContourArea float64
}

// DefaultParams returns the settings for 160x160 masks from a 640x640 model
func DefaultParams() Params {
	return Params{
		ProtoWidth:        160,
		ProtoHeight:       160,
		InputWidth:        640,
		InputHeight:       640,
		ROIPadding:        12,
		CannySigma:        0.33,
		BandWidth:         0.04,
		HoughThreshold:    15,
		MinLineLength:     0.08,
		MaxLineGap:        0.03,
		AngleTolerance:    8 * math.Pi / 180,
		OffsetTolerance:   0.03,
		MaxCornerShift:    0.05,
		MinIntersectAngle: 15 * math.Pi / 180,
		MinIoU:            0.85,
		MinContourArea:    50,
	}
}

// Result of refining a single mask
type Result struct {
	// Polygon is normalised to [0,1] of the model input and runs clockwise
	Polygon []r2.Point
	// Lines are the primary edge lines in model pixels
	Lines []Line
	// PrimarySegments and SecondarySegments are the Hough segments of the
	// primary and secondary line clusters in model pixels
	PrimarySegments   []Segment
	SecondarySegments []Segment
	// LinesUsed is set when the corners came from line intersections
	LinesUsed bool
	// Timings per stage in milliseconds
	Timings map[string]float64
}

// Empty reports that the mask did not produce a usable polygon
func (r Result) Empty() bool {
	return len(r.Polygon) == 0
}

// Refiner refines segmentation masks into polygons
type Refiner struct {
	Params Params
}

// NewRefiner returns a Refiner
func NewRefiner(p Params) *Refiner {
	return &Refiner{Params: p}
}

// Refine returns the polygon of a ProtoHeight x ProtoWidth probability mask
// with expectedN corners. A mask without a usable outline returns an empty
// Result.
func (r *Refiner) Refine(mask []float32, box postprocess.BoxRect, expectedN int) Result {
	start := time.Now()
	res := Result{Timings: make(map[string]float64)}
	p := r.Params

	if len(mask) != p.ProtoWidth*p.ProtoHeight || expectedN < minPolygonSize {
		return res
	}

	full := r.upsample(mask)
	defer full.Close()

	rect := r.roi(box)

	if rect.Dx() < 2 || rect.Dy() < 2 {
		return res
	}

	region := full.Region(rect)
	roi := region.Clone()
	region.Close()
	defer roi.Close()

	origin := r2.Point{X: float64(rect.Min.X), Y: float64(rect.Min.Y)}
	diag := math.Hypot(float64(rect.Dx()), float64(rect.Dy()))

	// outline polygon
	t := time.Now()
	contour, area := largestContour(roi)

	if len(contour) < minPolygonSize || area < p.MinContourArea {
		return res
	}

	outline := toR2(SimplifyPolygon(contour, expectedN))
	res.Timings["contour"] = millis(time.Since(t))

	if len(outline) < minPolygonSize {
		return res
	}

	// edges restricted to a band around the outline
	t = time.Now()
	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(roi, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

	edges := cannyAuto(blurred, p.CannySigma)
	defer edges.Close()

	if !edges.Empty() {
		band := bandMask(outline, roi.Rows(), roi.Cols(), math.Max(3, p.BandWidth*diag))
		gocv.BitwiseAnd(edges, band, &edges)
		band.Close()
	}

	mag := gradientMagnitude(blurred)
	defer mag.Close()
	res.Timings["edges"] = millis(time.Since(t))

	// straight segments grouped into lines
	t = time.Now()
	segs := houghSegments(edges, mag, p, diag)
	offsetTol := math.Max(2, p.OffsetTolerance*diag)
	primary, secondary := clusterSegments(segs, expectedN, p.AngleTolerance, offsetTol)
	res.Timings["hough"] = millis(time.Since(t))

	lines := make([]Line, len(primary))

	for i, c := range primary {
		lines[i] = c.line()
		res.Lines = append(res.Lines, lines[i].Translate(origin))

		for _, s := range c.segments {
			res.PrimarySegments = append(res.PrimarySegments, s.Segment.Translate(origin))
		}
	}

	for _, c := range secondary {
		for _, s := range c.segments {
			res.SecondarySegments = append(res.SecondarySegments, s.Segment.Translate(origin))
		}
	}

	// corners from line intersections
	t = time.Now()
	polygon := outline
	maxShift := math.Max(2, p.MaxCornerShift*diag)

	if corners, used := r.corners(outline, lines, maxShift); used {
		if PolygonIoU(corners, outline) >= p.MinIoU {
			polygon = corners
			res.LinesUsed = true
		}
	}

	res.Timings["corners"] = millis(time.Since(t))

	for i := range polygon {
		polygon[i] = polygon[i].Add(origin)
	}

	res.Polygon = geom.EnsureClockwise(
		geom.Normalize(polygon, float64(p.InputWidth), float64(p.InputHeight)))
	res.Timings["total"] = millis(time.Since(start))

	return res
}

// upsample converts the probability mask to an 8 bit image of the model
// input size
func (r *Refiner) upsample(mask []float32) gocv.Mat {
	p := r.Params

	small := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0),
		p.ProtoHeight, p.ProtoWidth, gocv.MatTypeCV8UC1)
	defer small.Close()

	// DataPtrUint8 only fails for non continuous Mats
	data, _ := small.DataPtrUint8()

	for i, v := range mask {
		data[i] = uint8(math.Round(float64(clamp01(v)) * 255))
	}

	full := gocv.NewMat()
	gocv.Resize(small, &full, image.Pt(p.InputWidth, p.InputHeight), 0, 0,
		gocv.InterpolationLinear)

	return full
}

// roi returns the padded detection box clamped to the model input
func (r *Refiner) roi(box postprocess.BoxRect) image.Rectangle {
	p := r.Params
	pad := float64(p.ROIPadding)

	rect := image.Rect(
		int(math.Floor(float64(box.Left)-pad)),
		int(math.Floor(float64(box.Top)-pad)),
		int(math.Ceil(float64(box.Right)+pad)),
		int(math.Ceil(float64(box.Bottom)+pad)),
	)

	return rect.Intersect(image.Rect(0, 0, p.InputWidth, p.InputHeight))
}

// corners replaces each outline vertex with the intersection of the lines
// matched to its two adjacent edges. Vertices without two usable lines keep
// the outline position. used reports whether any corner moved to an
// intersection.
func (r *Refiner) corners(outline []r2.Point, lines []Line, maxShift float64) ([]r2.Point, bool) {
	n := len(outline)
	out := append([]r2.Point(nil), outline...)

	if len(lines) < 2 {
		return out, false
	}

	edgeLine := make([]int, n)

	for k := 0; k < n; k++ {
		edgeLine[k] = r.matchEdge(outline[k], outline[(k+1)%n], lines, maxShift)
	}

	used := false

	for i := 0; i < n; i++ {
		prev := edgeLine[(i+n-1)%n]
		next := edgeLine[i]

		if prev < 0 || next < 0 || prev == next {
			continue
		}

		pt, ok := Intersect(lines[prev], lines[next], r.Params.MinIntersectAngle)

		if !ok || pt.Sub(outline[i]).Norm() > maxShift {
			continue
		}

		out[i] = pt
		used = true
	}

	return out, used
}

// matchEdge returns the index of the line closest to the edge a-b, or -1
func (r *Refiner) matchEdge(a, b r2.Point, lines []Line, maxShift float64) int {
	d := b.Sub(a)
	edgeAngle := normalizeAngle(math.Atan2(d.Y, d.X))
	mid := a.Add(b).Mul(0.5)

	// outline edges are less precise than the lines so they get twice the
	// angular tolerance
	angleTol := 2 * r.Params.AngleTolerance

	best := -1
	bestCost := math.Inf(1)

	for i, l := range lines {
		lineAngle := normalizeAngle(math.Atan2(-l.A, l.B))
		da := math.Abs(angleDiff(edgeAngle, lineAngle))
		dist := math.Abs(l.Distance(mid))

		if da > angleTol || dist > maxShift {
			continue
		}

		if cost := da/angleTol + dist/maxShift; cost < bestCost {
			best, bestCost = i, cost
		}
	}

	return best
}

// largestContour returns the outer contour with the largest area of a
// binarised mask
func largestContour(gray gocv.Mat) ([]image.Point, float64) {
	bin := gocv.NewMat()
	defer bin.Close()

	gocv.Threshold(gray, &bin, 127, 255, gocv.ThresholdBinary)

	contours := gocv.FindContours(bin, gocv.RetrievalExternal, gocv.ChainApproxNone)
	defer contours.Close()

	var best []image.Point
	bestArea := 0.0

	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)

		if c.Size() < minPolygonSize {
			continue
		}

		if area := gocv.ContourArea(c); area > bestArea {
			bestArea = area
			best = c.ToPoints()
		}
	}

	return best, bestArea
}

// cannyAuto runs Canny with thresholds around the median foreground
// intensity
func cannyAuto(gray gocv.Mat, sigma float64) gocv.Mat {
	edges := gocv.NewMat()

	data, err := gray.DataPtrUint8()

	if err != nil {
		return edges
	}

	var fg []float64

	for _, v := range data {
		if v > 0 {
			fg = append(fg, float64(v))
		}
	}

	if len(fg) == 0 {
		return edges
	}

	sort.Float64s(fg)
	median := stat.Quantile(0.5, stat.Empirical, fg, nil)

	lower := math.Max(0, (1-sigma)*median)
	upper := math.Min(255, (1+sigma)*median)

	gocv.Canny(gray, &edges, float32(lower), float32(upper))

	return edges
}

// gradientMagnitude returns the Sobel gradient magnitude as CV32F
func gradientMagnitude(gray gocv.Mat) gocv.Mat {
	dx := gocv.NewMat()
	defer dx.Close()
	dy := gocv.NewMat()
	defer dy.Close()

	gocv.Sobel(gray, &dx, gocv.MatTypeCV32F, 1, 0, 3, 1, 0, gocv.BorderDefault)
	gocv.Sobel(gray, &dy, gocv.MatTypeCV32F, 0, 1, 3, 1, 0, gocv.BorderDefault)

	mag := gocv.NewMat()
	gocv.Magnitude(dx, dy, &mag)

	return mag
}

// houghSegments finds straight edge segments and scores them by length
// times the mean gradient magnitude along the segment
func houghSegments(edges, mag gocv.Mat, p Params, diag float64) []scoredSegment {

	if edges.Empty() {
		return nil
	}

	lines := gocv.NewMat()
	defer lines.Close()

	gocv.HoughLinesPWithParams(edges, &lines, 1, math.Pi/180, p.HoughThreshold,
		float32(p.MinLineLength*diag), float32(p.MaxLineGap*diag))

	magData, err := mag.DataPtrFloat32()

	if err != nil {
		magData = nil
	}

	var segs []scoredSegment

	for i := 0; i < lines.Rows(); i++ {
		v := lines.GetVeciAt(i, 0)

		if len(v) < 4 {
			continue
		}

		p1 := r2.Point{X: float64(v[0]), Y: float64(v[1])}
		p2 := r2.Point{X: float64(v[2]), Y: float64(v[3])}
		length := p2.Sub(p1).Norm()

		if length == 0 {
			continue
		}

		score := length * meanAlong(magData, mag.Cols(), mag.Rows(), p1, p2)
		segs = append(segs, newScoredSegment(p1, p2, score))
	}

	return segs
}

// meanAlong samples a float image along a segment at one pixel spacing
func meanAlong(data []float32, cols, rows int, p1, p2 r2.Point) float64 {

	if len(data) == 0 {
		return 1
	}

	d := p2.Sub(p1)
	steps := int(math.Ceil(d.Norm()))

	if steps < 1 {
		steps = 1
	}

	var sum float64
	var count int

	for i := 0; i <= steps; i++ {
		q := p1.Add(d.Mul(float64(i) / float64(steps)))
		x := int(math.Round(q.X))
		y := int(math.Round(q.Y))

		if x < 0 || y < 0 || x >= cols || y >= rows {
			continue
		}

		sum += float64(data[y*cols+x])
		count++
	}

	if count == 0 {
		return 0
	}

	return sum / float64(count)
}

func toR2(pts []image.Point) []r2.Point {
	out := make([]r2.Point, len(pts))

	for i, p := range pts {
		out[i] = r2.Point{X: float64(p.X), Y: float64(p.Y)}
	}

	return out
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
