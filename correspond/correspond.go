// Package correspond enumerates the admissible vertex orderings between a
// detected polygon and its canonical model and scores them with a Huber
// shaped cost.
package correspond

import (
	"math"

	"github.com/golang/geo/r2"
)

// Correspondence records how detected vertices were matched to the model.
type Correspondence struct {
	// Shift is the cyclic rotation applied to the detected vertices
	Shift int
	// Reflected is set when the detected order was reversed before rotating
	Reflected bool
	// MirroredModel is set when the mirror image of the model was matched
	MirroredModel bool
}

// Candidate is one reordering of the detected vertices.
type Candidate struct {
	Points []r2.Point
	Correspondence
}

// AdmitsReflection reports whether reversed orderings are considered for
// a polygon of the given shape type and vertex count.
func AdmitsReflection(shapeType string, n int) bool {

	switch shapeType {
	case "triangle", "parallelogram", "square":
		return true
	}

	return n == 3 || n == 4
}

// Candidates returns the n cyclic shifts of pts followed, when reflection
// is admissible, by the n shifts of the reversed sequence. A shift of k
// places pts[(i+k)%n] at position i.
func Candidates(pts []r2.Point, shapeType string) []Candidate {
	n := len(pts)

	if n == 0 {
		return nil
	}

	reflect := AdmitsReflection(shapeType, n)
	count := n

	if reflect {
		count = 2 * n
	}

	out := make([]Candidate, 0, count)

	for k := 0; k < n; k++ {
		out = append(out, Candidate{
			Points:         roll(pts, k),
			Correspondence: Correspondence{Shift: k},
		})
	}

	if !reflect {
		return out
	}

	rev := make([]r2.Point, n)

	for i := range pts {
		rev[i] = pts[n-1-i]
	}

	for k := 0; k < n; k++ {
		out = append(out, Candidate{
			Points:         roll(rev, k),
			Correspondence: Correspondence{Shift: k, Reflected: true},
		})
	}

	return out
}

func roll(pts []r2.Point, k int) []r2.Point {
	n := len(pts)
	out := make([]r2.Point, n)

	for i := range pts {
		out[i] = pts[(i+k)%n]
	}

	return out
}

// Huber is the robust kernel applied to a squared normalised residual. It
// is quadratic up to 1 and grows like a square root beyond, continuous
// with a continuous first derivative at 1.
func Huber(s2 float64) float64 {

	if s2 <= 1 {
		return s2
	}

	return 2*math.Sqrt(s2) - 1
}

// VertexCost is the robust cost of one weighted vertex residual normalised
// by fScale.
func VertexCost(dx, dy, fScale float64) float64 {
	rx := dx / fScale
	ry := dy / fScale
	return Huber(rx*rx) + Huber(ry*ry)
}

// Cost scores a candidate against the projected model vertices.
func Cost(projected, candidate []r2.Point, weightSqrt, fScale float64) float64 {
	var total float64

	for i, p := range projected {
		d := p.Sub(candidate[i]).Mul(weightSqrt)
		total += VertexCost(d.X, d.Y, fScale)
	}

	return total
}

// Best returns the index of the lowest cost candidate and that cost, or -1
// and +Inf when there are no candidates.
func Best(projected []r2.Point, cands []Candidate, weightSqrt, fScale float64) (int, float64) {
	best := -1
	bestCost := math.Inf(1)

	for i, c := range cands {

		if len(c.Points) != len(projected) {
			continue
		}

		cost := Cost(projected, c.Points, weightSqrt, fScale)

		if cost < bestCost {
			best = i
			bestCost = cost
		}
	}

	return best, bestCost
}
