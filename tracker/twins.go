package tracker

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/swdee/go-tangram/bundle"
	"github.com/swdee/go-tangram/geom"
	"github.com/swdee/go-tangram/internal/monitoring"
)

// DefaultTwinGroups are the class ids of pieces with identical shapes, the
// two large triangles and the two small triangles. The detector can not
// tell them apart so their labels may swap between frames.
var DefaultTwinGroups = [][]int{{2, 3}, {5, 6}}

// resolveTwins relabels the detections of each twin group so they match the
// tracked pieces whose predicted centroids are nearest. It returns the
// relabelled copy of pieces and the applied relabelling from detected class
// id to tracked class id.
func (tb *TrackedBA) resolveTwins(pieces []bundle.Piece) ([]bundle.Piece, map[int]int) {

	relabel := make(map[int]int)

	if !tb.filter.IsInitialized() || len(tb.params.TwinGroups) == 0 {
		return pieces, relabel
	}

	h, scale, poses := tb.filter.State()

	out := make([]bundle.Piece, len(pieces))
	copy(out, pieces)

	for _, group := range tb.params.TwinGroups {

		var rows []int

		for i, pc := range out {
			if indexOf(group, pc.ClassID) >= 0 {
				rows = append(rows, i)
			}
		}

		if len(rows) == 0 || len(rows) > len(group) {
			continue
		}

		// every class of the group needs a tracked pose to compare against
		predicted := make([]r2.Point, len(group))
		tracked := true

		for j, id := range group {
			p, ok := poses[id]

			if !ok {
				tracked = false
				break
			}

			c := geom.Centroid(out[rows[0]].Model)
			predicted[j] = h.Apply(p.Transform(c, scale))
		}

		if !tracked {
			continue
		}

		// cost of assigning detection row i to group class j
		cost := make([][]float64, len(rows))
		current := make([]int, len(rows))

		for i, r := range rows {
			d := geom.Centroid(out[r].Detected)
			cost[i] = make([]float64, len(group))

			for j := range group {
				cost[i][j] = d.Sub(predicted[j]).Norm()
			}

			current[i] = indexOf(group, out[r].ClassID)
		}

		best, bestCost := bestAssignment(cost)

		if bestCost >= assignmentCost(cost, current)-tb.params.TwinSwapMargin {
			continue
		}

		for i, r := range rows {
			from := out[r].ClassID
			to := group[best[i]]

			if from == to {
				continue
			}

			monitoring.Logf("relabelling piece %d as %d", from, to)
			out[r].ClassID = to
			relabel[from] = to
		}
	}

	return out, relabel
}

// bestAssignment returns the column for each row minimising the total cost,
// each column used at most once. Rows must not outnumber columns.
func bestAssignment(cost [][]float64) ([]int, float64) {

	rows := len(cost)

	if rows == 0 {
		return nil, 0
	}

	cols := len(cost[0])
	used := make([]bool, cols)
	assign := make([]int, rows)
	best := make([]int, rows)
	bestCost := math.Inf(1)

	var search func(row int, total float64)

	search = func(row int, total float64) {

		if total >= bestCost {
			return
		}

		if row == rows {
			bestCost = total
			copy(best, assign)
			return
		}

		for c := 0; c < cols; c++ {
			if used[c] {
				continue
			}

			used[c] = true
			assign[row] = c
			search(row+1, total+cost[row][c])
			used[c] = false
		}
	}

	search(0, 0)

	return best, bestCost
}

// assignmentCost is the total cost of an assignment
func assignmentCost(cost [][]float64, assign []int) float64 {
	var total float64

	for i, c := range assign {
		total += cost[i][c]
	}

	return total
}

func indexOf(ids []int, id int) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}

	return -1
}
