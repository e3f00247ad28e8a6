package geom

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
)

// SignedArea returns the shoelace area of the polygon. In image coordinates
// (y axis pointing down) a positive value means the vertices run clockwise.
func SignedArea(pts []r2.Point) float64 {

	if len(pts) < 3 {
		return 0
	}

	var sum float64

	for i := range pts {
		j := (i + 1) % len(pts)
		sum += pts[i].X*pts[j].Y - pts[j].X*pts[i].Y
	}

	return sum / 2
}

// Area returns the absolute polygon area.
func Area(pts []r2.Point) float64 {
	return math.Abs(SignedArea(pts))
}

// Centroid returns the vertex mean.
func Centroid(pts []r2.Point) r2.Point {

	if len(pts) == 0 {
		return r2.Point{}
	}

	var c r2.Point

	for _, p := range pts {
		c = c.Add(p)
	}

	return c.Mul(1 / float64(len(pts)))
}

// EnsureClockwise returns the polygon with clockwise winding in image
// coordinates, reversing the vertex order if needed. The input is not
// modified.
func EnsureClockwise(pts []r2.Point) []r2.Point {
	out := make([]r2.Point, len(pts))
	copy(out, pts)

	if SignedArea(out) < 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}

	return out
}

// OrderClockwise sorts an unordered point set by angle around its centroid
// so the result runs clockwise in image coordinates, starting from the
// point with the smallest angle.
func OrderClockwise(pts []r2.Point) []r2.Point {
	c := Centroid(pts)
	out := make([]r2.Point, len(pts))
	copy(out, pts)

	sort.SliceStable(out, func(i, j int) bool {
		ai := math.Atan2(out[i].Y-c.Y, out[i].X-c.X)
		aj := math.Atan2(out[j].Y-c.Y, out[j].X-c.X)
		return ai < aj
	})

	return out
}

// Normalize divides every coordinate by the given width and height.
func Normalize(pts []r2.Point, width, height float64) []r2.Point {
	out := make([]r2.Point, len(pts))

	for i, p := range pts {
		out[i] = r2.Point{X: p.X / width, Y: p.Y / height}
	}

	return out
}
