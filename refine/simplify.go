package refine

import (
	"image"

	"gocv.io/x/gocv"
)

// epsilonLadder are the approximation tolerances, as a fraction of the
// contour perimeter, tried before falling back to a binary search
var epsilonLadder = []float64{0.005, 0.01, 0.015, 0.02, 0.03, 0.04, 0.05, 0.08, 0.1}

const (
	// maxEpsilon bounds the binary search as a fraction of the perimeter
	maxEpsilon     = 0.25
	searchSteps    = 30
	minPolygonSize = 3
)

// SimplifyPolygon reduces a closed contour to target vertices with the
// Douglas-Peucker approximation. When no tolerance yields exactly target
// vertices the closest approximation found is returned.
func SimplifyPolygon(polygon []image.Point, target int) []image.Point {

	if len(polygon) <= target || target < minPolygonSize {
		return append([]image.Point(nil), polygon...)
	}

	pv := gocv.NewPointVectorFromPoints(polygon)
	defer pv.Close()

	perimeter := gocv.ArcLength(pv, true)

	if perimeter <= 0 {
		return append([]image.Point(nil), polygon...)
	}

	approx := func(eps float64) []image.Point {
		out := gocv.ApproxPolyDP(pv, eps*perimeter, true)
		defer out.Close()
		return out.ToPoints()
	}

	var best []image.Point

	consider := func(pts []image.Point) bool {
		if best == nil || abs(len(pts)-target) < abs(len(best)-target) ||
			(abs(len(pts)-target) == abs(len(best)-target) && len(pts) > len(best)) {
			best = pts
		}
		return len(pts) == target
	}

	for _, eps := range epsilonLadder {
		if pts := approx(eps); consider(pts) {
			return pts
		}
	}

	// vertex count falls as epsilon grows
	lo, hi := 0.0, maxEpsilon

	for i := 0; i < searchSteps; i++ {
		mid := (lo + hi) / 2
		pts := approx(mid)

		if consider(pts) {
			return pts
		}

		if len(pts) > target {
			lo = mid
		} else {
			hi = mid
		}
	}

	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
