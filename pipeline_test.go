package tangram

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swdee/go-tangram/geom"
	"github.com/swdee/go-tangram/internal/monitoring"
	"github.com/swdee/go-tangram/postprocess"
	"gocv.io/x/gocv"
)

// layoutPoses places the pieces apart from each other in plane units
var layoutPoses = map[int]geom.Pose{
	ClassParallelogram:  {Theta: 0.1, Tx: 100, Ty: 50},
	ClassSquare:         {Theta: 0.7, Tx: 300, Ty: 80},
	ClassLargeTriangle1: {Theta: -0.3, Tx: 60, Ty: 250},
	ClassLargeTriangle2: {Theta: 2.0, Tx: 450, Ty: 260},
	ClassMediumTriangle: {Theta: 1.2, Tx: 220, Ty: 330},
	ClassSmallTriangle1: {Theta: -2.4, Tx: 520, Ty: 100},
	ClassSmallTriangle2: {Theta: 3.0, Tx: 380, Ty: 400},
}

const layoutScale = 10.0

func mute(t testing.TB) {
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(original) })
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()

	p, err := NewPipeline(testModelsPath, DefaultPipelineParams())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	return p
}

// layoutPolygons projects every model with an identity homography
func layoutPolygons(p *Pipeline) []LabeledPolygon {
	var out []LabeledPolygon

	for id := 0; id < NumClasses; id++ {
		m := p.Models()[ModelName(id)]
		pts := geom.Project(geom.Identity(), layoutScale, layoutPoses[id], m.Vertices)
		out = append(out, LabeledPolygon{ClassID: id, Points: pts})
	}

	return out
}

func blankFrame(width, height int) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), height, width, gocv.MatTypeCV8UC3)
}

func TestNewPipelineErrors(t *testing.T) {
	_, err := NewPipeline("assets/missing.json", DefaultPipelineParams())
	assert.Error(t, err)

	params := DefaultPipelineParams()
	params.AssetsDir = "assets/missing"

	_, err = NewPipeline(testModelsPath, params)
	assert.Error(t, err)
}

func TestNewPipelineLoadsColors(t *testing.T) {
	params := DefaultPipelineParams()
	params.AssetsDir = "assets"

	p, err := NewPipeline(testModelsPath, params)
	require.NoError(t, err)
	defer p.Close()

	shapes := p.Shapes()
	require.Len(t, shapes, NumClasses)
	assert.Equal(t, "tangram_square", shapes[ClassSquare].Name)
	assert.NotEqual(t, DefaultModelColor, shapes[ClassSquare].Color)
}

func TestPipelinePolygonsTrackAndLock(t *testing.T) {
	mute(t)
	p := newTestPipeline(t)

	frame := blankFrame(640, 480)
	defer frame.Close()

	polys := layoutPolygons(p)

	for i := 0; i < 5; i++ {
		sol, err := p.ProcessPolygonsAt(frame, polys, float64(i)/30)
		require.NoError(t, err)
		require.Len(t, sol.Errors, NumClasses)
		assert.Less(t, sol.MeanError(), 0.1)
		assert.InDelta(t, layoutScale, sol.Scale, 1e-2)
	}

	assert.True(t, p.Tracker().IsHomographyLocked())
	assert.Len(t, p.LastDetectedPoints(), NumClasses)
	assert.Empty(t, p.LastRefinements())

	// toggling locking starts over
	p.ToggleLocking(false)
	assert.False(t, p.Tracker().IsHomographyLocked())
	assert.False(t, p.Tracker().IsLockingEnabled())
	assert.False(t, p.Tracker().HasInitializedTracker())
	assert.Empty(t, p.LastDetectedPoints())
}

func TestPipelinePolygonsSkipsInvalid(t *testing.T) {
	lines, restore := monitoring.Capture()
	defer restore()

	p := newTestPipeline(t)

	frame := blankFrame(640, 480)
	defer frame.Close()

	polys := layoutPolygons(p)
	square := polys[ClassSquare]

	polys = append(polys,
		// duplicate class
		LabeledPolygon{ClassID: ClassSquare, Points: square.Points},
		// unknown class
		LabeledPolygon{ClassID: 9, Points: square.Points},
	)

	// triangle given four vertices
	polys[ClassMediumTriangle].Points = square.Points

	sol, err := p.ProcessPolygonsAt(frame, polys, 0)
	require.NoError(t, err)

	assert.NotContains(t, sol.Errors, ClassMediumTriangle)
	assert.Len(t, p.LastDetectedPoints(), NumClasses-1)
	assert.Equal(t, square.Points, p.LastDetectedPoints()[ClassSquare])

	joined := ""

	for _, l := range *lines {
		joined += l + "\n"
	}

	assert.Contains(t, joined, "duplicate tangram_square")
	assert.Contains(t, joined, "unknown class 9")
	assert.Contains(t, joined, "tangram_medium_triangle: polygon has 4 vertices, expected 3")
}

func TestPipelineEmptyFrame(t *testing.T) {
	p := newTestPipeline(t)

	empty := gocv.NewMat()
	defer empty.Close()

	_, err := p.ProcessPolygonsAt(empty, nil, 0)
	assert.ErrorIs(t, err, ErrEmptyFrame)

	_, err = p.ProcessFrameAt(empty, nil, postprocess.Prototypes{}, 0)
	assert.ErrorIs(t, err, ErrEmptyFrame)

	var dest gocv.Mat
	assert.ErrorIs(t, p.PrepareInput(empty, &dest), ErrEmptyFrame)
}

// squarePrototypes returns prototypes whose first channel is positive inside
// the mask pixel rectangle and negative elsewhere
func squarePrototypes(t *testing.T, rect r2.Rect) postprocess.Prototypes {
	const channels, size = 32, 160

	data := make([]float32, channels*size*size)

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := float32(-3)

			if rect.ContainsPoint(r2.Point{X: float64(x) + 0.5, Y: float64(y) + 0.5}) {
				v = 3
			}

			data[y*size+x] = v
		}
	}

	proto, err := postprocess.NewPrototypes(channels, size, size, data)
	require.NoError(t, err)

	return proto
}

func TestPipelineProcessFrameFromMasks(t *testing.T) {
	mute(t)
	p := newTestPipeline(t)

	frame := blankFrame(640, 640)
	defer frame.Close()

	rect := r2.RectFromPoints(r2.Point{X: 50, Y: 40}, r2.Point{X: 110, Y: 100})
	proto := squarePrototypes(t, rect)

	coeffs := make([]float32, 32)
	coeffs[0] = 1

	dets := []postprocess.Detection{{
		ClassID:    ClassSquare,
		Box:        postprocess.BoxRect{Left: 200, Top: 160, Right: 440, Bottom: 400},
		MaskCoeffs: coeffs,
	}}

	_, err := p.ProcessFrameAt(frame, dets, proto, 0)
	require.NoError(t, err)

	require.Contains(t, p.LastRefinements(), ClassSquare)
	require.Contains(t, p.LastDetectedPoints(), ClassSquare)

	got := geom.OrderClockwise(p.LastDetectedPoints()[ClassSquare])
	require.Len(t, got, 4)

	// a 640x640 frame maps one to one onto the model input
	want := []r2.Point{{X: 200, Y: 160}, {X: 440, Y: 160}, {X: 440, Y: 400}, {X: 200, Y: 400}}

	for _, w := range want {
		best := 1e9

		for _, g := range got {
			if d := g.Sub(w).Norm(); d < best {
				best = d
			}
		}

		assert.Less(t, best, 8.0, "corner %v not found in %v", w, got)
	}
}

func TestPipelineProcessFrameBadPrototypes(t *testing.T) {
	mute(t)
	p := newTestPipeline(t)

	frame := blankFrame(640, 640)
	defer frame.Close()

	_, err := p.ProcessPolygonsAt(frame, layoutPolygons(p), 0)
	require.NoError(t, err)
	require.Len(t, p.LastDetectedPoints(), NumClasses)

	proto := postprocess.Prototypes{Channels: 32, Height: 160, Width: 160, Data: make([]float32, 10)}

	dets := []postprocess.Detection{{ClassID: ClassSquare, MaskCoeffs: make([]float32, 32)}}

	_, err = p.ProcessFrameAt(frame, dets, proto, 1.0/30)
	assert.Error(t, err)

	// the failed frame does not report the polygons of the frame before it
	assert.Empty(t, p.LastDetectedPoints())
	assert.Empty(t, p.LastRefinements())
}

func TestPipelineFrameSizeChange(t *testing.T) {
	mute(t)
	p := newTestPipeline(t)

	wide := blankFrame(1280, 720)
	defer wide.Close()

	dest := gocv.NewMat()
	defer dest.Close()

	require.NoError(t, p.PrepareInput(wide, &dest))
	assert.Equal(t, 640, dest.Cols())
	assert.Equal(t, 640, dest.Rows())

	// letterbox puts the 1280x720 frame at y 140 to 500 of the model input
	got := p.frameResizer(1280, 720).NormalizedToFrame([]r2.Point{{X: 0, Y: 140.0 / 640}})
	want := []r2.Point{{X: 0, Y: 0}}

	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("mapping mismatch (-want +got):\n%s", diff)
	}

	first := p.frameResizer(640, 640)
	assert.Same(t, first, p.frameResizer(640, 640))
}

func TestPipelineRender(t *testing.T) {
	mute(t)
	p := newTestPipeline(t)

	frame := blankFrame(640, 480)
	defer frame.Close()

	sol, err := p.ProcessPolygonsAt(frame, layoutPolygons(p), 0)
	require.NoError(t, err)

	overlay := p.RenderFrameOverlay(frame, sol)
	defer overlay.Close()

	assert.Equal(t, frame.Rows(), overlay.Rows())
	assert.Equal(t, frame.Cols(), overlay.Cols())
	gray := overlay.Reshape(1, 0)
	defer gray.Close()

	assert.Greater(t, gocv.CountNonZero(gray), 0)

	plane, err := p.RenderPlane(sol)
	require.NoError(t, err)
	defer plane.Close()

	assert.Equal(t, 640, plane.Rows())
	assert.Equal(t, 3, plane.Channels())
}

func TestBestPerClass(t *testing.T) {
	mute(t)

	dets := []postprocess.Detection{
		{ClassID: 2, Score: 0.4},
		{ClassID: 8, Score: 0.9},
		{ClassID: 1, Score: 0.7},
		{ClassID: 2, Score: 0.8},
		{ClassID: 2, Score: 0.6},
	}

	got := bestPerClass(dets)

	require.Len(t, got, 2)
	assert.Equal(t, postprocess.Detection{ClassID: 2, Score: 0.8}, got[0])
	assert.Equal(t, postprocess.Detection{ClassID: 1, Score: 0.7}, got[1])
}

func TestPipelineProcessHeadOutput(t *testing.T) {
	mute(t)
	p := newTestPipeline(t)

	frame := blankFrame(640, 640)
	defer frame.Close()

	proto := squarePrototypes(t, r2.RectFromPoints(r2.Point{X: 50, Y: 40}, r2.Point{X: 110, Y: 100}))

	// one anchor, channel first: box, 7 class scores, 32 coefficients
	output := make([]float32, 4+7+32)
	copy(output, []float32{320, 280, 240, 240})
	output[4+ClassSquare] = 0.9
	output[4+7] = 1

	_, err := p.ProcessHeadOutputAt(frame, output, 1, proto, 0)
	require.NoError(t, err)
	assert.Contains(t, p.LastDetectedPoints(), ClassSquare)

	_, err = p.ProcessHeadOutputAt(frame, output[:10], 1, proto, 0)
	assert.Error(t, err)
}
