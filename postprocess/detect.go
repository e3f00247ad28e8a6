package postprocess

// BoxRect is the bounding box of a detection in model input pixels
type BoxRect struct {
	Left   float32
	Top    float32
	Right  float32
	Bottom float32
}

// Width of the box
func (b BoxRect) Width() float32 {
	return b.Right - b.Left
}

// Height of the box
func (b BoxRect) Height() float32 {
	return b.Bottom - b.Top
}

// IoU returns the intersection over union of two boxes. Edges are inclusive
// pixel coordinates so a box always covers at least one pixel.
func (b BoxRect) IoU(o BoxRect) float32 {

	w := minF32(b.Right, o.Right) - maxF32(b.Left, o.Left) + 1
	h := minF32(b.Bottom, o.Bottom) - maxF32(b.Top, o.Top) + 1

	if w <= 0 || h <= 0 {
		return 0
	}

	inter := w * h
	union := (b.Width()+1)*(b.Height()+1) + (o.Width()+1)*(o.Height()+1) - inter

	if union <= 0 {
		return 0
	}

	return inter / union
}

func minF32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func maxF32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// BoxFromCenter returns the box for a center point and size as emitted by
// YOLO style detection heads
func BoxFromCenter(cx, cy, w, h float32) BoxRect {
	return BoxRect{
		Left:   cx - w/2,
		Top:    cy - h/2,
		Right:  cx + w/2,
		Bottom: cy + h/2,
	}
}

// Detection defines a single tangram piece found by the segmentation model
type Detection struct {
	// ClassID is the piece class, 0 to 6
	ClassID int
	// Score is the class confidence, zero when unknown
	Score float32
	// Box is the bounding box in model input space, eg: 640x640
	Box BoxRect
	// MaskCoeffs are the prototype mask coefficients of the segmentation
	// head, one per prototype channel
	MaskCoeffs []float32
}
