package render

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/swdee/go-tangram/bundle"
	"github.com/swdee/go-tangram/geom"
	"gocv.io/x/gocv"
)

// Shape is the canonical outline of a piece to draw
type Shape struct {
	Name     string
	Vertices []r2.Point
	Color    color.RGBA
}

// boxLabel defines where a piece label should be rendered on the image
type boxLabel struct {
	rect    image.Rectangle
	clr     color.RGBA
	text    string
	textPos image.Point
}

// FrameOverlay draws the detected polygons thin and the reprojection of
// every posed model through the solution thick, each labelled with the
// piece name and its error in pixels. detected and shapes are keyed by
// class id.
func FrameOverlay(img *gocv.Mat, sol bundle.Solution, detected map[int][]r2.Point,
	shapes map[int]Shape, font Font, lineThickness int) {

	labels := make([]boxLabel, 0, len(sol.Poses))

	for _, id := range sortedIDs(detected) {
		drawPolygon(img, detected[id], PieceColor(id, shapes[id]), 1)
	}

	ids := make([]int, 0, len(sol.Poses))

	for id := range sol.Poses {
		ids = append(ids, id)
	}

	sort.Ints(ids)

	for _, id := range ids {
		shape, ok := shapes[id]

		if !ok || len(shape.Vertices) == 0 {
			continue
		}

		clr := PieceColor(id, shape)
		projected := geom.Project(sol.H, sol.Scale, sol.Poses[id], shape.Vertices)
		drawPolygon(img, projected, clr, lineThickness)

		text := shape.Name

		if e, ok := sol.Errors[id]; ok {
			text = fmt.Sprintf("%s %.1fpx", shape.Name, e)
		}

		labels = append(labels, newLabel(text, topPoint(projected), clr, font))
	}

	// draw all labels last so they are the top most layer on the image and
	// don't get overlapped with polygon lines
	drawLabels(img, labels, font)
}

// PieceFill blends the filled polygons over the image with the given alpha
func PieceFill(img *gocv.Mat, polygons map[int][]r2.Point, shapes map[int]Shape, alpha float32) {

	width := img.Cols()
	height := img.Rows()

	if width == 0 || height == 0 || img.Channels() != 3 {
		return
	}

	// paint class id + 1 into a label mask
	mask := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0),
		height, width, gocv.MatTypeCV8UC1)
	defer mask.Close()

	for _, id := range sortedIDs(polygons) {
		pts := toImagePoints(polygons[id])

		if len(pts) < 3 {
			continue
		}

		pv := gocv.NewPointsVectorFromPoints([][]image.Point{pts})
		v := float64(id + 1)
		gocv.FillPoly(&mask, pv, color.RGBA{R: uint8(v), G: uint8(v), B: uint8(v), A: 255})
		pv.Close()
	}

	segMask := mask.ToBytes()

	// it is too slow to manipulate pixel by pixel using GoCV due to slowness
	// over CGO.  So we copy the bytes from the source image and manipulate
	// the bytes directly before copying back to a Mat
	imgData := img.ToBytes()

	for idx, v := range segMask {
		if v == 0 {
			continue
		}

		id := int(v) - 1
		clr := PieceColor(id, shapes[id])
		pixelPos := idx * 3

		b, g, r := imgData[pixelPos+0], imgData[pixelPos+1], imgData[pixelPos+2]

		imgData[pixelPos+0] = uint8(float32(b)*(1-alpha) + float32(clr.B)*alpha)
		imgData[pixelPos+1] = uint8(float32(g)*(1-alpha) + float32(clr.G)*alpha)
		imgData[pixelPos+2] = uint8(float32(r)*(1-alpha) + float32(clr.R)*alpha)
	}

	// copy back to the original mat
	tmpImg, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, imgData)

	if err != nil {
		return
	}

	defer tmpImg.Close()
	tmpImg.CopyTo(img)
}

func drawPolygon(img *gocv.Mat, pts []r2.Point, clr color.RGBA, thickness int) {
	ipts := toImagePoints(pts)

	if len(ipts) < 2 {
		return
	}

	pv := gocv.NewPointsVectorFromPoints([][]image.Point{ipts})
	defer pv.Close()

	gocv.Polylines(img, pv, true, clr, thickness)
}

// newLabel places a label centered above pt
func newLabel(text string, pt image.Point, clr color.RGBA, font Font) boxLabel {
	textSize := font.TextSize(text)

	return boxLabel{
		rect: image.Rect(pt.X-textSize.X/2-font.LeftPad,
			pt.Y-textSize.Y-font.TopPad-font.BottomPad,
			pt.X+textSize.X/2+font.RightPad, pt.Y),
		clr:     clr,
		text:    text,
		textPos: image.Pt(pt.X-textSize.X/2, pt.Y-font.BottomPad),
	}
}

func drawLabels(img *gocv.Mat, labels []boxLabel, font Font) {
	for _, box := range labels {
		// draw box text gets written on
		gocv.Rectangle(img, box.rect, box.clr, -1)

		font.Put(img, box.text, box.textPos)
	}
}

// topPoint returns the highest point (smallest Y) of the polygon
func topPoint(pts []r2.Point) image.Point {
	best := image.Point{}
	minY := math.Inf(1)

	for _, p := range pts {
		if p.Y < minY {
			minY = p.Y
			best = image.Pt(int(math.Round(p.X)), int(math.Round(p.Y)))
		}
	}

	return best
}

func toImagePoints(pts []r2.Point) []image.Point {
	out := make([]image.Point, 0, len(pts))

	for _, p := range pts {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			continue
		}

		out = append(out, image.Pt(int(math.Round(p.X)), int(math.Round(p.Y))))
	}

	return out
}

func sortedIDs(m map[int][]r2.Point) []int {
	ids := make([]int, 0, len(m))

	for id := range m {
		ids = append(ids, id)
	}

	sort.Ints(ids)

	return ids
}
