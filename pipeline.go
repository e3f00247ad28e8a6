package tangram

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/geo/r2"
	"github.com/swdee/go-tangram/bundle"
	"github.com/swdee/go-tangram/internal/monitoring"
	"github.com/swdee/go-tangram/postprocess"
	"github.com/swdee/go-tangram/preprocess"
	"github.com/swdee/go-tangram/refine"
	"github.com/swdee/go-tangram/render"
	"github.com/swdee/go-tangram/tracker"
	"gocv.io/x/gocv"
)

var ErrEmptyFrame = errors.New("frame is empty")

// PipelineParams configures every stage of the Pipeline
type PipelineParams struct {
	// AssetsDir holds the .mtl files with the piece colors, empty keeps
	// the colors from the models file
	AssetsDir string
	Decode    postprocess.DecodeParams
	Mask      postprocess.MaskParams
	Refine    refine.Params
	Tracking  tracker.TrackedBAParams
	Plane     render.PlaneParams
	// FillAlpha is the opacity of the piece fill drawn under the overlay
	// outlines, 0 disables the fill
	FillAlpha float32
}

// DefaultPipelineParams returns the settings for a 640x640 segmentation
// model with 160x160 prototypes
func DefaultPipelineParams() PipelineParams {
	return PipelineParams{
		Decode:    postprocess.TangramDecodeParams(),
		Mask:      postprocess.DefaultMaskParams(),
		Refine:    refine.DefaultParams(),
		Tracking:  tracker.DefaultTrackedBAParams(),
		Plane:     render.DefaultPlaneParams(),
		FillAlpha: 0.3,
	}
}

// Pipeline turns the detections of successive frames into tracked piece
// poses. It is not safe for concurrent use, run one Pipeline per stream.
type Pipeline struct {
	params  PipelineParams
	models  map[string]Model
	decoder *postprocess.Decoder
	masks   *postprocess.MaskGenerator
	refiner *refine.Refiner
	tracked *tracker.TrackedBA
	// resizer maps model input space to frame pixels, rebuilt when the
	// frame size changes
	resizer *preprocess.Resizer
	start   time.Time
	// results of the most recent frame by class id
	lastDetected    map[int][]r2.Point
	lastRefinements map[int]refine.Result
}

// NewPipeline loads the piece models and sets up the stages
func NewPipeline(modelsPath string, p PipelineParams) (*Pipeline, error) {

	models, err := LoadModels(modelsPath)

	if err != nil {
		return nil, err
	}

	if err := CheckModels(models); err != nil {
		return nil, err
	}

	if p.AssetsDir != "" {
		if err := LoadModelColors(models, p.AssetsDir); err != nil {
			return nil, fmt.Errorf("error loading model colors: %w", err)
		}
	}

	return &Pipeline{
		params:          p,
		models:          models,
		decoder:         postprocess.NewDecoder(p.Decode),
		masks:           postprocess.NewMaskGenerator(p.Mask),
		refiner:         refine.NewRefiner(p.Refine),
		tracked:         tracker.NewTrackedBA(p.Tracking),
		start:           time.Now(),
		lastDetected:    make(map[int][]r2.Point),
		lastRefinements: make(map[int]refine.Result),
	}, nil
}

// Close frees the gocv memory held by the Pipeline
func (p *Pipeline) Close() error {
	if p.resizer != nil {
		return p.resizer.Close()
	}

	return nil
}

// ProcessFrame estimates the piece poses from the detections and mask
// prototypes of a frame. The frame timestamp is the time since the
// Pipeline was created.
func (p *Pipeline) ProcessFrame(frame gocv.Mat, dets []postprocess.Detection,
	proto postprocess.Prototypes) (bundle.Solution, error) {

	return p.ProcessFrameAt(frame, dets, proto, time.Since(p.start).Seconds())
}

// ProcessFrameAt is ProcessFrame with an explicit timestamp in seconds
func (p *Pipeline) ProcessFrameAt(frame gocv.Mat, dets []postprocess.Detection,
	proto postprocess.Prototypes, timestamp float64) (bundle.Solution, error) {

	if frame.Empty() {
		return bundle.Solution{}, ErrEmptyFrame
	}

	resizer := p.frameResizer(frame.Cols(), frame.Rows())
	dets = bestPerClass(dets)

	// a frame that fails below must not leave the previous polygons cached
	p.lastDetected = make(map[int][]r2.Point)
	p.lastRefinements = make(map[int]refine.Result)

	masks, err := p.masks.GenerateAll(proto, dets)

	if err != nil {
		return bundle.Solution{}, fmt.Errorf("error generating masks: %w", err)
	}

	for i, det := range dets {
		expected := ExpectedVertices(det.ClassID)
		res := p.refiner.Refine(masks[i], det.Box, expected)

		if res.Empty() {
			monitoring.Logf("skipping %s: no polygon from mask", ModelName(det.ClassID))
			continue
		}

		if len(res.Polygon) != expected {
			monitoring.Logf("skipping %s: refined polygon has %d vertices, expected %d",
				ModelName(det.ClassID), len(res.Polygon), expected)
			continue
		}

		p.lastRefinements[det.ClassID] = res
		p.lastDetected[det.ClassID] = resizer.NormalizedToFrame(res.Polygon)
	}

	return p.track(timestamp), nil
}

// ProcessHeadOutputAt decodes the raw detection head output of the
// segmentation model, see postprocess.Decoder, and processes the frame
func (p *Pipeline) ProcessHeadOutputAt(frame gocv.Mat, output []float32, anchors int,
	proto postprocess.Prototypes, timestamp float64) (bundle.Solution, error) {

	dets, err := p.decoder.Decode(output, anchors)

	if err != nil {
		return bundle.Solution{}, fmt.Errorf("error decoding detections: %w", err)
	}

	return p.ProcessFrameAt(frame, dets, proto, timestamp)
}

// ProcessFrameWithPolygons runs the tracker on labelled polygons in frame
// pixels, bypassing mask generation and refinement
func (p *Pipeline) ProcessFrameWithPolygons(frame gocv.Mat, polygons []LabeledPolygon) (bundle.Solution, error) {
	return p.ProcessPolygonsAt(frame, polygons, time.Since(p.start).Seconds())
}

// ProcessPolygonsAt is ProcessFrameWithPolygons with an explicit timestamp
func (p *Pipeline) ProcessPolygonsAt(frame gocv.Mat, polygons []LabeledPolygon,
	timestamp float64) (bundle.Solution, error) {

	if frame.Empty() {
		return bundle.Solution{}, ErrEmptyFrame
	}

	p.lastDetected = make(map[int][]r2.Point)
	p.lastRefinements = make(map[int]refine.Result)

	for _, poly := range polygons {

		if !ValidClass(poly.ClassID) {
			monitoring.Logf("skipping unknown class %d", poly.ClassID)
			continue
		}

		if _, ok := p.lastDetected[poly.ClassID]; ok {
			monitoring.Logf("skipping duplicate %s", ModelName(poly.ClassID))
			continue
		}

		if n := ExpectedVertices(poly.ClassID); len(poly.Points) != n {
			monitoring.Logf("skipping %s: polygon has %d vertices, expected %d",
				ModelName(poly.ClassID), len(poly.Points), n)
			continue
		}

		p.lastDetected[poly.ClassID] = append([]r2.Point(nil), poly.Points...)
	}

	return p.track(timestamp), nil
}

// track runs the orchestrator on the cached polygons and moves the cache
// entries of relabelled twin pieces to their tracked class ids
func (p *Pipeline) track(timestamp float64) bundle.Solution {
	sol := p.tracked.ProcessFrame(p.inputs(p.lastDetected), timestamp)
	relabel := p.tracked.LastRelabel()

	if len(relabel) == 0 {
		return sol
	}

	detected := make(map[int][]r2.Point, len(p.lastDetected))

	for id, pts := range p.lastDetected {
		if to, ok := relabel[id]; ok {
			id = to
		}

		detected[id] = pts
	}

	refinements := make(map[int]refine.Result, len(p.lastRefinements))

	for id, res := range p.lastRefinements {
		if to, ok := relabel[id]; ok {
			id = to
		}

		refinements[id] = res
	}

	p.lastDetected = detected
	p.lastRefinements = refinements

	return sol
}

// inputs pairs each detected polygon with its canonical model
func (p *Pipeline) inputs(detected map[int][]r2.Point) bundle.Inputs {
	var in bundle.Inputs

	for id := 0; id < NumClasses; id++ {
		pts, ok := detected[id]

		if !ok {
			continue
		}

		m := p.models[ModelName(id)]

		in.Pieces = append(in.Pieces, bundle.Piece{
			ClassID:   id,
			Detected:  pts,
			Model:     m.Vertices,
			ShapeType: ShapeType(id),
		})
	}

	return in
}

// frameResizer returns the resizer for the frame size
func (p *Pipeline) frameResizer(width, height int) *preprocess.Resizer {

	if p.resizer != nil && p.resizer.Matches(width, height) {
		return p.resizer
	}

	if p.resizer != nil {
		p.resizer.Close()
	}

	p.resizer = preprocess.NewResizer(width, height,
		p.params.Refine.InputWidth, p.params.Refine.InputHeight)

	return p.resizer
}

// PrepareInput letterboxes a frame to the model input size for the
// detector. Detections made on dest are in the space ProcessFrame expects.
func (p *Pipeline) PrepareInput(frame gocv.Mat, dest *gocv.Mat) error {

	if frame.Empty() {
		return ErrEmptyFrame
	}

	p.frameResizer(frame.Cols(), frame.Rows()).LetterBoxResize(frame, dest, render.Black)

	return nil
}

// bestPerClass drops detections of unknown classes and keeps the highest
// scoring detection of each class, the earliest on a tie
func bestPerClass(dets []postprocess.Detection) []postprocess.Detection {
	best := make(map[int]int)
	out := make([]postprocess.Detection, 0, len(dets))

	for _, d := range dets {

		if !ValidClass(d.ClassID) {
			monitoring.Logf("skipping unknown class %d", d.ClassID)
			continue
		}

		i, seen := best[d.ClassID]

		if !seen {
			best[d.ClassID] = len(out)
			out = append(out, d)
			continue
		}

		monitoring.Logf("skipping duplicate %s", ModelName(d.ClassID))

		if d.Score > out[i].Score {
			out[i] = d
		}
	}

	return out
}

// Reset clears the tracking state, the next frame starts cold
func (p *Pipeline) Reset() {
	p.tracked.Reset()
	p.lastDetected = make(map[int][]r2.Point)
	p.lastRefinements = make(map[int]refine.Result)
}

// ToggleLocking enables or disables homography locking and resets the
// tracking state
func (p *Pipeline) ToggleLocking(enabled bool) {
	p.tracked.SetLockingEnabled(enabled)
	p.Reset()
}

// Models returns the loaded models by name
func (p *Pipeline) Models() map[string]Model {
	return p.models
}

// Tracker returns the orchestrator for inspection
func (p *Pipeline) Tracker() *tracker.TrackedBA {
	return p.tracked
}

// LastDetectedPoints returns the polygons of the last frame in frame pixels
// by class id
func (p *Pipeline) LastDetectedPoints() map[int][]r2.Point {
	return p.lastDetected
}

// LastRefinements returns the refinement results of the last frame by
// class id
func (p *Pipeline) LastRefinements() map[int]refine.Result {
	return p.lastRefinements
}

// Shapes returns the models keyed by class id for rendering
func (p *Pipeline) Shapes() map[int]render.Shape {
	shapes := make(map[int]render.Shape, NumClasses)

	for id := 0; id < NumClasses; id++ {
		m, ok := p.models[ModelName(id)]

		if !ok {
			continue
		}

		shapes[id] = render.Shape{Name: m.Name, Vertices: m.Vertices, Color: m.Color}
	}

	return shapes
}

// RenderFrameOverlay returns a copy of the frame with the detected polygons,
// the reprojected models and the tracking state drawn on it. The caller
// must Close the returned Mat.
func (p *Pipeline) RenderFrameOverlay(frame gocv.Mat, sol bundle.Solution) gocv.Mat {
	out := frame.Clone()
	font := render.DefaultFont()
	shapes := p.Shapes()

	if p.params.FillAlpha > 0 {
		render.PieceFill(&out, p.lastDetected, shapes, p.params.FillAlpha)
	}

	render.FrameOverlay(&out, sol, p.lastDetected, shapes, font, 2)
	render.TrackingState(&out, sol, 0, render.PanelFont())

	return out
}

// RenderPlane returns the top down view of the posed pieces. The caller
// must Close the returned Mat.
func (p *Pipeline) RenderPlane(sol bundle.Solution) (gocv.Mat, error) {
	img := render.PlaneImage(sol, p.lastDetected, p.Shapes(), p.params.Plane)
	return render.PlaneMat(img)
}
