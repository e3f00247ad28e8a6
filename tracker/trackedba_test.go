package tracker

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swdee/go-tangram/bundle"
	"github.com/swdee/go-tangram/geom"
	"github.com/swdee/go-tangram/internal/monitoring"
)

type layoutPiece struct {
	shape string
	model []r2.Point
	pose  geom.Pose
}

var layout = map[int]layoutPiece{
	0: {"parallelogram", []r2.Point{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 6, Y: 2}, {X: 2, Y: 2}}, geom.Pose{Theta: 0.1, Tx: 100, Ty: 50}},
	1: {"square", []r2.Point{{X: 0, Y: 0}, {X: 3, Y: 0}, {X: 3, Y: 3}, {X: 0, Y: 3}}, geom.Pose{Theta: 0.7, Tx: 300, Ty: 80}},
	2: {"triangle", []r2.Point{{X: 0, Y: 0}, {X: 8, Y: 0}, {X: 4, Y: 4}}, geom.Pose{Theta: -0.3, Tx: 60, Ty: 250}},
	3: {"triangle", []r2.Point{{X: 0, Y: 0}, {X: 8, Y: 0}, {X: 4, Y: 4}}, geom.Pose{Theta: 2.0, Tx: 450, Ty: 260}},
	4: {"triangle", []r2.Point{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 0, Y: 4}}, geom.Pose{Theta: 1.2, Tx: 220, Ty: 330}},
	5: {"triangle", []r2.Point{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 2, Y: 2}}, geom.Pose{Theta: -2.4, Tx: 520, Ty: 100}},
	6: {"triangle", []r2.Point{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 2, Y: 2}}, geom.Pose{Theta: 3.0, Tx: 380, Ty: 400}},
}

const layoutScale = 10.0

// frameInputs projects the layout with an identity homography. distort is
// applied to every detected polygon.
func frameInputs(distort func(id int, pts []r2.Point) []r2.Point) bundle.Inputs {
	var in bundle.Inputs

	for id := 0; id < NumPieces; id++ {
		lp := layout[id]
		det := geom.Project(geom.Identity(), layoutScale, lp.pose, lp.model)

		if distort != nil {
			det = distort(id, det)
		}

		in.Pieces = append(in.Pieces, bundle.Piece{
			ClassID:   id,
			Detected:  det,
			Model:     lp.model,
			ShapeType: lp.shape,
		})
	}

	return in
}

// grow scales a polygon about its centroid.
func grow(k float64) func(int, []r2.Point) []r2.Point {
	return func(_ int, pts []r2.Point) []r2.Point {
		c := geom.Centroid(pts)
		out := make([]r2.Point, len(pts))

		for i, p := range pts {
			out[i] = c.Add(p.Sub(c).Mul(k))
		}

		return out
	}
}

func jitter(seed int64, amount float64) func(int, []r2.Point) []r2.Point {
	rng := rand.New(rand.NewSource(seed))

	return func(_ int, pts []r2.Point) []r2.Point {
		out := make([]r2.Point, len(pts))

		for i, p := range pts {
			out[i] = r2.Point{
				X: p.X + (rng.Float64()*2-1)*amount,
				Y: p.Y + (rng.Float64()*2-1)*amount,
			}
		}

		return out
	}
}

func mute(t *testing.T) {
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(original) })
}

func TestTrackedBAColdStartFrame(t *testing.T) {
	mute(t)
	tb := NewTrackedBA(DefaultTrackedBAParams())

	sol := tb.ProcessFrame(frameInputs(nil), 0)

	assert.False(t, tb.LastUsedWarmStart())
	assert.True(t, tb.HasInitializedTracker())
	require.Len(t, sol.Errors, NumPieces)
	assert.Less(t, sol.MeanError(), 1e-3)
	assert.InDelta(t, layoutScale, sol.Scale, 1e-3)
	assert.False(t, sol.HomographyLocked)
	assert.Contains(t, sol.Timings, "optimization")
	assert.Contains(t, sol.Timings, "total")

	sol = tb.ProcessFrame(frameInputs(nil), 1.0/30)
	assert.True(t, tb.LastUsedWarmStart())
	assert.Less(t, sol.MeanError(), 1e-3)
	assert.Greater(t, sol.TrackingQuality, 0.9)
}

func TestTrackedBALocksAndUnlocks(t *testing.T) {
	mute(t)
	tb := NewTrackedBA(DefaultTrackedBAParams())

	var sol bundle.Solution

	for i := 0; i < 4; i++ {
		sol = tb.ProcessFrame(frameInputs(nil), float64(i)/30)
		assert.False(t, sol.HomographyLocked, "frame %d", i)
	}

	assert.Equal(t, 4, tb.FramesStable())

	sol = tb.ProcessFrame(frameInputs(nil), 4.0/30)
	assert.True(t, sol.HomographyLocked)
	assert.True(t, tb.IsHomographyLocked())

	lockedH, lockedScale, _ := tb.AcceptedHomography()

	// while locked the homography and scale are frozen
	sol = tb.ProcessFrame(frameInputs(jitter(1, 1)), 5.0/30)
	assert.True(t, sol.HomographyLocked)
	assert.Equal(t, lockedH, sol.H)
	assert.Equal(t, lockedScale, sol.Scale)

	// a frame that can not be explained rigidly releases the lock
	sol = tb.ProcessFrame(frameInputs(grow(3)), 6.0/30)
	assert.Greater(t, sol.MeanError(), DefaultTrackedBAParams().UnlockErrorThreshold)
	assert.False(t, sol.HomographyLocked)
	assert.Zero(t, tb.FramesStable())
}

func TestTrackedBAGateKeepsAcceptedHomography(t *testing.T) {
	mute(t)
	tb := NewTrackedBA(DefaultTrackedBAParams())

	tb.ProcessFrame(frameInputs(nil), 0)

	h0, s0, ok := tb.AcceptedHomography()
	require.True(t, ok)

	// noisy detections fit worse than the previous frame so the candidate
	// homography is rejected
	sol := tb.ProcessFrame(frameInputs(jitter(7, 3)), 1.0/30)

	h1, s1, _ := tb.AcceptedHomography()
	assert.Equal(t, h0, h1)
	assert.Equal(t, s0, s1)
	assert.Equal(t, h0, sol.H)
	assert.Equal(t, s0, sol.Scale)
	assert.Len(t, sol.Poses, NumPieces)
}

func TestTrackedBALockingDisabled(t *testing.T) {
	mute(t)
	p := DefaultTrackedBAParams()
	p.LockingEnabled = false
	tb := NewTrackedBA(p)

	for i := 0; i < 8; i++ {
		sol := tb.ProcessFrame(frameInputs(nil), float64(i)/30)
		assert.False(t, sol.HomographyLocked)
	}

	assert.False(t, tb.IsLockingEnabled())
	assert.Zero(t, tb.FramesStable())
}

func TestTrackedBASetLockingEnabledReleasesLock(t *testing.T) {
	mute(t)
	tb := NewTrackedBA(DefaultTrackedBAParams())

	for i := 0; i < 5; i++ {
		tb.ProcessFrame(frameInputs(nil), float64(i)/30)
	}

	require.True(t, tb.IsHomographyLocked())

	tb.SetLockingEnabled(false)
	assert.False(t, tb.IsHomographyLocked())
	assert.Zero(t, tb.FramesStable())

	sol := tb.ProcessFrame(frameInputs(nil), 5.0/30)
	assert.False(t, sol.HomographyLocked)
}

func TestTrackedBAResetMatchesFresh(t *testing.T) {
	mute(t)
	used := NewTrackedBA(DefaultTrackedBAParams())

	for i := 0; i < 6; i++ {
		used.ProcessFrame(frameInputs(jitter(int64(i), 0.5)), float64(i)/30)
	}

	used.Reset()

	assert.False(t, used.IsHomographyLocked())
	assert.False(t, used.HasInitializedTracker())
	assert.Zero(t, used.FramesStable())

	_, _, ok := used.AcceptedHomography()
	assert.False(t, ok)

	fresh := NewTrackedBA(DefaultTrackedBAParams())

	a := used.ProcessFrame(frameInputs(nil), 0)
	b := fresh.ProcessFrame(frameInputs(nil), 0)

	assert.Equal(t, b.H, a.H)
	assert.Equal(t, b.Scale, a.Scale)
	assert.Equal(t, b.Poses, a.Poses)
	assert.Equal(t, b.Errors, a.Errors)
	assert.Equal(t, b.Correspondences, a.Correspondences)
	assert.Equal(t, b.HomographyLocked, a.HomographyLocked)
}

func TestTrackedBAOutlierIsDownWeighted(t *testing.T) {
	mute(t)
	tb := NewTrackedBA(DefaultTrackedBAParams())

	for i := 0; i < 3; i++ {
		tb.ProcessFrame(frameInputs(nil), float64(i)/30)
	}

	// piece 3 is displaced by a large amount, the rest stay put
	moved := func(id int, pts []r2.Point) []r2.Point {
		if id != 3 {
			return pts
		}

		out := make([]r2.Point, len(pts))

		for i, p := range pts {
			out[i] = p.Add(r2.Point{X: 60, Y: 0}).Add(r2.Point{X: float64(i) * 25})
		}

		return out
	}

	sol := tb.ProcessFrame(frameInputs(moved), 3.0/30)

	for id, e := range sol.Errors {
		if id == 3 {
			continue
		}

		assert.Less(t, e, 1.0, "piece %d should not be dragged by the outlier", id)
	}
}

func TestTrackedBAUndoesTwinSwap(t *testing.T) {
	mute(t)
	tb := NewTrackedBA(DefaultTrackedBAParams())

	tb.ProcessFrame(frameInputs(nil), 0)
	assert.Empty(t, tb.LastRelabel())

	// the detector swaps the labels of the two large triangles
	in := frameInputs(nil)

	for i := range in.Pieces {
		switch in.Pieces[i].ClassID {
		case 2:
			in.Pieces[i].ClassID = 3
		case 3:
			in.Pieces[i].ClassID = 2
		}
	}

	sol := tb.ProcessFrame(in, 1.0/30)

	assert.Equal(t, map[int]int{2: 3, 3: 2}, tb.LastRelabel())
	assert.Less(t, sol.MeanError(), 1e-3)
	assert.InDelta(t, layout[2].pose.Tx, sol.Poses[2].Tx, 0.5)
	assert.InDelta(t, layout[3].pose.Tx, sol.Poses[3].Tx, 0.5)

	// the caller's inputs are left alone
	assert.Equal(t, 3, in.Pieces[2].ClassID)
}

func TestTrackedBATwinsWithoutGroups(t *testing.T) {
	mute(t)
	p := DefaultTrackedBAParams()
	p.TwinGroups = nil
	tb := NewTrackedBA(p)

	tb.ProcessFrame(frameInputs(nil), 0)

	in := frameInputs(nil)
	in.Pieces[5].ClassID, in.Pieces[6].ClassID = 6, 5

	tb.ProcessFrame(in, 1.0/30)
	assert.Empty(t, tb.LastRelabel())
}

func TestBestAssignment(t *testing.T) {
	cost := [][]float64{
		{4, 1, 3},
		{2, 0, 5},
	}

	assign, total := bestAssignment(cost)
	assert.Equal(t, []int{1, 0}, assign)
	assert.Equal(t, 3.0, total)

	assign, total = bestAssignment(nil)
	assert.Nil(t, assign)
	assert.Zero(t, total)

	assert.Equal(t, 9.0, assignmentCost(cost, []int{0, 2}))
}

func TestTrackedBAFrameWithoutPiecesLeavesState(t *testing.T) {
	mute(t)
	tb := NewTrackedBA(DefaultTrackedBAParams())

	tb.ProcessFrame(frameInputs(jitter(3, 1)), 0)
	tb.ProcessFrame(frameInputs(nil), 1.0/30)

	// pull the filter away from the accepted homography so a frame that
	// adopts the filter state would show
	tb.filter.mean[2] += 0.3

	h0, s0, ok := tb.AcceptedHomography()
	require.True(t, ok)

	mean := tb.filter.Mean()
	innovations := tb.filter.InnovationHistory()
	quality := tb.filter.TrackingQuality()
	prevErr := tb.previousMeanError

	sol := tb.ProcessFrame(bundle.Inputs{}, 2.0/30)

	h1, s1, _ := tb.AcceptedHomography()
	assert.Equal(t, h0, h1)
	assert.Equal(t, s0, s1)
	assert.Equal(t, h0, sol.H)
	assert.Equal(t, s0, sol.Scale)
	assert.Empty(t, sol.Poses)
	assert.Empty(t, sol.Errors)

	assert.Equal(t, mean, tb.filter.Mean())
	assert.Equal(t, innovations, tb.filter.InnovationHistory())
	assert.Equal(t, quality, sol.TrackingQuality)
	assert.Equal(t, prevErr, tb.previousMeanError)

	// pieces with unusable polygons are no better than no pieces
	in := frameInputs(nil)

	for i := range in.Pieces {
		in.Pieces[i].Detected = in.Pieces[i].Detected[:2]
	}

	sol = tb.ProcessFrame(in, 3.0/30)
	assert.Equal(t, h0, sol.H)
	assert.Equal(t, innovations, tb.filter.InnovationHistory())
}

func TestTrackedBAFrameWithoutPiecesBeforeFirstSolution(t *testing.T) {
	mute(t)
	tb := NewTrackedBA(DefaultTrackedBAParams())

	sol := tb.ProcessFrame(bundle.Inputs{}, 0)

	assert.Empty(t, sol.Poses)
	assert.False(t, sol.HomographyLocked)
	assert.Zero(t, sol.TrackingQuality)
	assert.False(t, tb.HasInitializedTracker())

	_, _, ok := tb.AcceptedHomography()
	assert.False(t, ok)

	// the next real frame is a cold start
	sol = tb.ProcessFrame(frameInputs(nil), 1.0/30)
	assert.False(t, tb.LastUsedWarmStart())
	assert.Less(t, sol.MeanError(), 1e-3)
}

func TestTrackedBAGateRejectsLargeHomographyChange(t *testing.T) {
	mute(t)
	tb := NewTrackedBA(DefaultTrackedBAParams())

	tb.ProcessFrame(frameInputs(nil), 0)

	// the accepted homography sits far from what the next frame fits while
	// the error improvement is well past the minimum
	far := geom.Identity()
	far[2] = 1
	tb.acceptedH = far
	tb.previousMeanError = 100

	_, s0, _ := tb.AcceptedHomography()

	require.Greater(t, homographyChange(far, geom.Identity()), DefaultTrackedBAParams().HUpdateMaxNorm)

	sol := tb.ProcessFrame(frameInputs(nil), 1.0/30)

	h1, s1, _ := tb.AcceptedHomography()
	assert.Equal(t, far, h1)
	assert.Equal(t, s0, s1)
	assert.Equal(t, far, sol.H)
	assert.Equal(t, s0, sol.Scale)
}

func TestAcceptHomography(t *testing.T) {
	tb := NewTrackedBA(DefaultTrackedBAParams())

	// every candidate passes before a previous error exists
	assert.True(t, tb.acceptHomography(bundle.NewSolution()))

	ref := geom.Homography{1, 0, 100, 0, 1, 50, 0, 0, 1}
	tb.acceptedH = ref
	tb.hasAccepted = true
	tb.previousMeanError = 10

	shifted := func(dx float64) geom.Homography {
		h := ref
		h[2] += dx
		return h
	}

	tests := []struct {
		name   string
		err    float64
		dx     float64
		change float64
		accept bool
	}{
		{"improved and close", 1, 11, 0.09838, true},
		{"improved but too far", 1, 11.5, 0.10285, false},
		{"close but not improved", 9.8, 1, 0.00894, false},
		{"unchanged homography", 5, 0, 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sol := bundle.NewSolution()
			sol.H = shifted(tc.dx)
			sol.Errors[0] = tc.err

			assert.InDelta(t, tc.change, homographyChange(ref, sol.H), 1e-4)
			assert.Equal(t, tc.accept, tb.acceptHomography(sol))
		})
	}
}
