package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/swdee/go-tangram/bundle"
	"github.com/swdee/go-tangram/geom"
	"github.com/swdee/go-tangram/internal/monitoring"
	"gocv.io/x/gocv"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"
)

// PlaneParams controls the top down rendering of the table plane
type PlaneParams struct {
	Width  int
	Height int
	// Margin in pixels around the fitted content
	Margin int
	// PointSize is the side in pixels of a back projected detection point
	PointSize  int
	Background color.RGBA
	ShowLabels bool
}

// DefaultPlaneParams returns default plane rendering settings
func DefaultPlaneParams() PlaneParams {
	return PlaneParams{
		Width:      640,
		Height:     640,
		Margin:     24,
		PointSize:  3,
		Background: White,
		ShowLabels: true,
	}
}

// planeView maps plane coordinates into image pixels
type planeView struct {
	min   r2.Point
	scale float64
	off   r2.Point
}

func (v planeView) toPixel(p r2.Point) r2.Point {
	return r2.Point{
		X: (p.X-v.min.X)*v.scale + v.off.X,
		Y: (p.Y-v.min.Y)*v.scale + v.off.Y,
	}
}

// PlaneImage renders the posed models on the table plane seen from above,
// with the detected polygons mapped back through the inverse homography as
// points. The view is fitted to the content.
func PlaneImage(sol bundle.Solution, detected map[int][]r2.Point,
	shapes map[int]Shape, params PlaneParams) *image.RGBA {

	rgba := image.NewRGBA(image.Rect(0, 0, params.Width, params.Height))
	draw.Draw(rgba, rgba.Bounds(), image.NewUniform(params.Background), image.Point{}, draw.Src)

	ids := make([]int, 0, len(sol.Poses))

	for id := range sol.Poses {
		if _, ok := shapes[id]; ok {
			ids = append(ids, id)
		}
	}

	sort.Ints(ids)

	posed := make(map[int][]r2.Point, len(ids))
	var all []r2.Point

	for _, id := range ids {
		pose := sol.Poses[id]
		verts := shapes[id].Vertices
		pts := make([]r2.Point, len(verts))

		for i, v := range verts {
			pts[i] = pose.Transform(v, sol.Scale)
		}

		posed[id] = pts
		all = append(all, pts...)
	}

	backProjected := make(map[int][]r2.Point, len(detected))
	hInv, err := sol.H.Inverse()

	if err != nil {
		monitoring.Logf("plane render: homography not invertible, skipping detections: %v", err)
	} else {
		for _, id := range sortedIDs(detected) {
			pts := make([]r2.Point, 0, len(detected[id]))

			for _, p := range detected[id] {
				q := hInv.Apply(p)

				if finite(q) {
					pts = append(pts, q)
				}
			}

			backProjected[id] = pts
			all = append(all, pts...)
		}
	}

	if len(all) == 0 {
		return rgba
	}

	view := fitView(all, params)

	for _, id := range ids {
		fillPolygon(rgba, view, posed[id], PieceColor(id, shapes[id]))
	}

	for _, id := range sortedIDs(backProjected) {
		for _, p := range backProjected[id] {
			drawPoint(rgba, view.toPixel(p), params.PointSize, Black)
		}
	}

	if params.ShowLabels {
		for _, id := range ids {
			c := view.toPixel(geom.Centroid(posed[id]))
			text := shapes[id].Name

			if e, ok := sol.Errors[id]; ok {
				text = fmt.Sprintf("%s %.1f", text, e)
			}

			drawText(rgba, text, int(c.X), int(c.Y))
		}
	}

	return rgba
}

// PlaneMat converts a rendered plane image into a BGR Mat for display. The
// caller must Close the returned Mat.
func PlaneMat(rgba *image.RGBA) (gocv.Mat, error) {
	b := rgba.Bounds()

	imgRGBA, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC4, rgba.Pix)

	if err != nil {
		return gocv.NewMat(), fmt.Errorf("error converting plane image to mat: %w", err)
	}

	defer imgRGBA.Close()

	out := gocv.NewMat()
	gocv.CvtColor(imgRGBA, &out, gocv.ColorRGBAToBGR)

	return out, nil
}

// fitView scales the bounds of pts uniformly into the image less the margin
// and centers them
func fitView(pts []r2.Point, params PlaneParams) planeView {
	rect := r2.RectFromPoints(pts...)

	availW := math.Max(float64(params.Width-2*params.Margin), 1)
	availH := math.Max(float64(params.Height-2*params.Margin), 1)

	w := math.Max(rect.X.Length(), 1e-9)
	h := math.Max(rect.Y.Length(), 1e-9)
	scale := math.Min(availW/w, availH/h)

	return planeView{
		min:   rect.Lo(),
		scale: scale,
		off: r2.Point{
			X: float64(params.Margin) + (availW-w*scale)/2,
			Y: float64(params.Margin) + (availH-h*scale)/2,
		},
	}
}

func fillPolygon(dst *image.RGBA, view planeView, pts []r2.Point, clr color.RGBA) {

	if len(pts) < 3 {
		return
	}

	b := dst.Bounds()
	z := vector.NewRasterizer(b.Dx(), b.Dy())

	for i, p := range pts {
		q := view.toPixel(p)

		if i == 0 {
			z.MoveTo(float32(q.X), float32(q.Y))
			continue
		}

		z.LineTo(float32(q.X), float32(q.Y))
	}

	z.ClosePath()
	z.Draw(dst, b, image.NewUniform(clr), image.Point{})
}

func drawPoint(dst *image.RGBA, p r2.Point, size int, clr color.RGBA) {
	x := int(math.Round(p.X))
	y := int(math.Round(p.Y))
	half := size / 2

	r := image.Rect(x-half, y-half, x-half+size, y-half+size)
	draw.Draw(dst, r.Intersect(dst.Bounds()), image.NewUniform(clr), image.Point{}, draw.Src)
}

// drawText writes text centered on x with its baseline at y
func drawText(dst *image.RGBA, text string, x, y int) {
	dr := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(Black),
		Face: basicfont.Face7x13,
	}

	width := dr.MeasureString(text).Ceil()

	dr.Dot = fixed.Point26_6{
		X: fixed.Int26_6((x - width/2) * 64),
		Y: fixed.Int26_6(y * 64),
	}

	dr.DrawString(text)
}

func finite(p r2.Point) bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}
