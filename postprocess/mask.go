package postprocess

import (
	"fmt"
	"math"
)

// MaskParams defines the parameters used to turn prototype masks into a
// per detection probability mask
type MaskParams struct {
	// Threshold is the probability below which mask values are set to zero
	Threshold float32
	// InputWidth is the model input width the detection boxes are given in
	InputWidth int
	// InputHeight is the model input height the detection boxes are given in
	InputHeight int
	// CropToBox zeroes the mask outside of the detection bounding box
	CropToBox bool
	// MaxObjectNumber is the number of detections the buffer pool is sized
	// for when generating masks in a batch
	MaxObjectNumber int
}

// DefaultMaskParams returns the parameters for a YOLOv8-seg model with a
// 640x640 input and a 0.5 mask threshold
func DefaultMaskParams() MaskParams {
	return MaskParams{
		Threshold:       0.5,
		InputWidth:      640,
		InputHeight:     640,
		CropToBox:       true,
		MaxObjectNumber: 16,
	}
}

// MaskGenerator creates probability masks from prototype tensors
type MaskGenerator struct {
	Params MaskParams
	// logit buffers, one slab per detection sized to the prototype plane
	logits *slabPool[float32]
}

// NewMaskGenerator returns a MaskGenerator
func NewMaskGenerator(p MaskParams) *MaskGenerator {
	return &MaskGenerator{
		Params: p,
	}
}

// Generate returns the Height x Width probability mask of the detection. Each
// value is the sigmoid of the coefficient weighted sum of the prototype
// channels, values below the threshold are zero.
func (m *MaskGenerator) Generate(proto Prototypes, det Detection) ([]float32, error) {

	masks, err := m.GenerateAll(proto, []Detection{det})

	if err != nil {
		return nil, err
	}

	return masks[0], nil
}

// GenerateAll returns the probability masks of several detections sharing
// the same prototype tensor.
func (m *MaskGenerator) GenerateAll(proto Prototypes, dets []Detection) ([][]float32, error) {

	if proto.Empty() {
		return nil, fmt.Errorf("empty prototype tensor")
	}

	if len(proto.Data) != proto.Channels*proto.Plane() {
		return nil, fmt.Errorf("prototype tensor has %d values, expected %dx%dx%d",
			len(proto.Data), proto.Channels, proto.Height, proto.Width)
	}

	coeffs := make([][]float32, len(dets))

	for i, det := range dets {

		if len(det.MaskCoeffs) != proto.Channels {
			return nil, fmt.Errorf("detection %d has %d mask coefficients, expected %d",
				i, len(det.MaskCoeffs), proto.Channels)
		}

		coeffs[i] = det.MaskCoeffs
	}

	if len(dets) == 0 {
		return nil, nil
	}

	plane := proto.Plane()
	pool := m.logitPool(plane)

	logits := pool.Get(len(dets))
	defer pool.Put(logits)

	// the parallel version only pays off once there are enough boxes to
	// cover the goroutine overhead
	if len(dets) > 6 {
		matmulFloat32Parallel(coeffs, proto.Data, proto.Channels, plane, logits)
	} else {
		for i := range coeffs {
			matmulFloat32(coeffs[i], proto.Data, proto.Channels, plane,
				logits[i*plane:(i+1)*plane])
		}
	}

	out := make([][]float32, len(dets))

	for i, det := range dets {
		out[i] = m.activate(logits[i*plane:(i+1)*plane], proto, det.Box)
	}

	return out, nil
}

// activate applies the sigmoid, threshold and box crop to a logit plane
func (m *MaskGenerator) activate(logits []float32, proto Prototypes, box BoxRect) []float32 {

	mask := make([]float32, len(logits))

	x1, y1, x2, y2 := 0, 0, proto.Width, proto.Height

	if m.Params.CropToBox && m.Params.InputWidth > 0 && m.Params.InputHeight > 0 {
		sx := float64(proto.Width) / float64(m.Params.InputWidth)
		sy := float64(proto.Height) / float64(m.Params.InputHeight)

		x1 = clampInt(int(math.Floor(float64(box.Left)*sx)), 0, proto.Width)
		y1 = clampInt(int(math.Floor(float64(box.Top)*sy)), 0, proto.Height)
		x2 = clampInt(int(math.Ceil(float64(box.Right)*sx)), 0, proto.Width)
		y2 = clampInt(int(math.Ceil(float64(box.Bottom)*sy)), 0, proto.Height)
	}

	for y := y1; y < y2; y++ {
		base := y * proto.Width

		for x := x1; x < x2; x++ {
			p := sigmoid(logits[base+x])

			if p >= m.Params.Threshold {
				mask[base+x] = p
			}
		}
	}

	return mask
}

// logitPool returns the logit buffer pool for the prototype plane size,
// replacing it when the plane size changes
func (m *MaskGenerator) logitPool(plane int) *slabPool[float32] {

	if m.logits == nil || m.logits.Slab() != plane {
		m.logits = newSlabPool[float32](plane, m.Params.MaxObjectNumber)
	}

	return m.logits
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
