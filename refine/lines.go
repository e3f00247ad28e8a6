package refine

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/stat"
)

// Line is a 2D line A*x + B*y + C = 0 with a unit normal (A, B)
type Line struct {
	A, B, C float64
}

// lineFromAngle returns the line with direction angle theta at signed
// offset c
func lineFromAngle(theta, c float64) Line {
	return Line{A: -math.Sin(theta), B: math.Cos(theta), C: c}
}

// Distance returns the signed distance of p from the line
func (l Line) Distance(p r2.Point) float64 {
	return l.A*p.X + l.B*p.Y + l.C
}

// Translate returns the line moved by offset
func (l Line) Translate(offset r2.Point) Line {
	return Line{A: l.A, B: l.B, C: l.C - l.A*offset.X - l.B*offset.Y}
}

// Intersect returns the crossing point of two lines. ok is false when the
// lines are closer to parallel than minAngle radians.
func Intersect(l1, l2 Line, minAngle float64) (r2.Point, bool) {
	det := l1.A*l2.B - l2.A*l1.B

	if math.Abs(det) < math.Sin(minAngle) {
		return r2.Point{}, false
	}

	return r2.Point{
		X: (l1.B*l2.C - l2.B*l1.C) / det,
		Y: (l2.A*l1.C - l1.A*l2.C) / det,
	}, true
}

// Segment is a detected edge segment
type Segment struct {
	P1, P2 r2.Point
}

// Translate returns the segment moved by offset
func (s Segment) Translate(offset r2.Point) Segment {
	return Segment{P1: s.P1.Add(offset), P2: s.P2.Add(offset)}
}

type scoredSegment struct {
	Segment
	// direction angle in [0, pi)
	angle float64
	// line offset for the normal at angle
	offset float64
	length float64
	score  float64
}

func newScoredSegment(p1, p2 r2.Point, score float64) scoredSegment {
	d := p2.Sub(p1)
	angle := normalizeAngle(math.Atan2(d.Y, d.X))
	l := lineFromAngle(angle, 0)

	return scoredSegment{
		Segment: Segment{P1: p1, P2: p2},
		angle:   angle,
		offset:  -(l.A*p1.X + l.B*p1.Y),
		length:  d.Norm(),
		score:   score,
	}
}

// normalizeAngle maps a direction to [0, pi)
func normalizeAngle(a float64) float64 {
	a = math.Mod(a, math.Pi)

	if a < 0 {
		a += math.Pi
	}

	if a >= math.Pi {
		a -= math.Pi
	}

	return a
}

// angleDiff returns the difference of two undirected angles in
// [-pi/2, pi/2)
func angleDiff(a, b float64) float64 {
	d := math.Mod(a-b, math.Pi)

	if d >= math.Pi/2 {
		d -= math.Pi
	} else if d < -math.Pi/2 {
		d += math.Pi
	}

	return d
}

// aligned expresses the segment line with an angle close to ref. Shifting
// the angle by pi flips the normal and so the sign of the offset.
func (s scoredSegment) aligned(ref float64) (float64, float64) {
	a := s.angle
	c := s.offset

	for a-ref > math.Pi/2 {
		a -= math.Pi
		c = -c
	}

	for ref-a > math.Pi/2 {
		a += math.Pi
		c = -c
	}

	return a, c
}

type cluster struct {
	segments []scoredSegment
	angles   []float64
	offsets  []float64
	weights  []float64
	angle    float64
	offset   float64
	score    float64
	length   float64
}

func (c *cluster) add(s scoredSegment) {
	a, off := s.aligned(c.angle)

	if len(c.segments) == 0 {
		a, off = s.angle, s.offset
	}

	c.segments = append(c.segments, s)
	c.angles = append(c.angles, a)
	c.offsets = append(c.offsets, off)
	c.weights = append(c.weights, math.Max(s.score, 1e-9))
	c.score += s.score
	c.length += s.length

	c.angle = weightedMedian(c.angles, c.weights)
	c.offset = weightedMedian(c.offsets, c.weights)
}

// line returns the cluster line with the angle mapped back to [0, pi)
func (c *cluster) line() Line {
	a, off := c.angle, c.offset

	if a < 0 {
		a += math.Pi
		off = -off
	} else if a >= math.Pi {
		a -= math.Pi
		off = -off
	}

	return lineFromAngle(a, off)
}

func weightedMedian(values, weights []float64) float64 {
	idx := make([]int, len(values))

	for i := range idx {
		idx[i] = i
	}

	sort.Slice(idx, func(i, j int) bool { return values[idx[i]] < values[idx[j]] })

	x := make([]float64, len(idx))
	w := make([]float64, len(idx))

	for i, k := range idx {
		x[i] = values[k]
		w[i] = weights[k]
	}

	return stat.Quantile(0.5, stat.Empirical, x, w)
}

// clusterSegments groups segments lying on the same line. Segments are
// visited by descending score and join the closest cluster within the angle
// and offset tolerances. The top n clusters by total score are returned as
// primary, the rest as secondary.
func clusterSegments(segs []scoredSegment, n int, angleTol, offsetTol float64) ([]*cluster, []*cluster) {

	sorted := append([]scoredSegment(nil), segs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].score > sorted[j].score })

	var clusters []*cluster

	for _, s := range sorted {
		var best *cluster
		bestCost := math.Inf(1)

		for _, c := range clusters {
			a, off := s.aligned(c.angle)
			da := math.Abs(a - c.angle)
			dc := math.Abs(off - c.offset)

			if da > angleTol || dc > offsetTol {
				continue
			}

			if cost := da/angleTol + dc/offsetTol; cost < bestCost {
				best, bestCost = c, cost
			}
		}

		if best == nil {
			best = &cluster{angle: s.angle}
			clusters = append(clusters, best)
		}

		best.add(s)
	}

	sort.SliceStable(clusters, func(i, j int) bool { return clusters[i].score > clusters[j].score })

	if len(clusters) <= n {
		return clusters, nil
	}

	return clusters[:n], clusters[n:]
}
