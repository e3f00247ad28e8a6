package refine

import (
	"image"
	"image/color"
	"math"

	clipper "github.com/ctessum/go.clipper"
	"github.com/golang/geo/r2"
	"gocv.io/x/gocv"
)

// clipScale converts pixel coordinates to clipper fixed point integers
const clipScale = 100.0

var (
	white = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	black = color.RGBA{A: 255}
)

func toPath(pts []r2.Point) clipper.Path {
	path := make(clipper.Path, 0, len(pts))

	for _, p := range pts {
		path = append(path, &clipper.IntPoint{
			X: clipper.CInt(math.Round(p.X * clipScale)),
			Y: clipper.CInt(math.Round(p.Y * clipScale)),
		})
	}

	return path
}

func toImagePoints(paths clipper.Paths) [][]image.Point {
	var out [][]image.Point

	for _, path := range paths {
		if len(path) < 3 {
			continue
		}

		pts := make([]image.Point, len(path))

		for i, pt := range path {
			pts[i] = image.Point{
				X: int(math.Round(float64(pt.X) / clipScale)),
				Y: int(math.Round(float64(pt.Y) / clipScale)),
			}
		}

		out = append(out, pts)
	}

	return out
}

// offsetPolygon grows (delta > 0) or shrinks (delta < 0) a polygon by delta
// pixels
func offsetPolygon(poly []r2.Point, delta float64) clipper.Paths {
	co := clipper.NewClipperOffset()
	co.AddPath(toPath(poly), clipper.JtRound, clipper.EtClosedPolygon)

	return co.Execute(delta * clipScale)
}

// bandMask returns a rows x cols mask that is set within width pixels of
// the polygon outline
func bandMask(poly []r2.Point, rows, cols int, width float64) gocv.Mat {
	mask := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0),
		rows, cols, gocv.MatTypeCV8UC1)

	fill := func(paths clipper.Paths, c color.RGBA) {
		pts := toImagePoints(paths)

		if len(pts) == 0 {
			return
		}

		pv := gocv.NewPointsVectorFromPoints(pts)
		defer pv.Close()

		gocv.FillPoly(&mask, pv, c)
	}

	fill(offsetPolygon(poly, width), white)
	fill(offsetPolygon(poly, -width), black)

	return mask
}

// pathsArea returns the area covered by clipper paths, holes subtract as
// they wind the opposite way to outer paths
func pathsArea(paths clipper.Paths) float64 {
	var sum float64

	for _, path := range paths {
		n := len(path)

		for i := 0; i < n; i++ {
			j := (i + 1) % n
			sum += float64(path[i].X)*float64(path[j].Y) - float64(path[j].X)*float64(path[i].Y)
		}
	}

	return math.Abs(sum/2) / (clipScale * clipScale)
}

func clip(a, b []r2.Point, op clipper.ClipType) clipper.Paths {
	c := clipper.NewClipper(0)
	c.AddPath(toPath(a), clipper.PtSubject, true)
	c.AddPath(toPath(b), clipper.PtClip, true)

	sol, ok := c.Execute1(op, clipper.PftNonZero, clipper.PftNonZero)

	if !ok {
		return nil
	}

	return sol
}

// PolygonIoU returns the intersection over union of two simple polygons
func PolygonIoU(a, b []r2.Point) float64 {

	if len(a) < 3 || len(b) < 3 {
		return 0
	}

	union := pathsArea(clip(a, b, clipper.CtUnion))

	if union <= 0 {
		return 0
	}

	return pathsArea(clip(a, b, clipper.CtIntersection)) / union
}
