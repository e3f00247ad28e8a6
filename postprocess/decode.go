package postprocess

import (
	"fmt"
)

// DecodeParams defines the parameters used to decode the raw detection head
// output of a YOLOv8 segmentation model
type DecodeParams struct {
	// BoxThreshold is the minimum probability score required for a bounding box
	// region to be considered for processing
	BoxThreshold float32
	// NMSThreshold is the Non-Maximum Suppression threshold used for defining
	// the maximum allowed Intersection Over Union (IoU) between two
	// bounding boxes for both to be kept
	NMSThreshold float32
	// ObjectClassNum is the number of different object classes the Model has
	// been trained with
	ObjectClassNum int
	// PrototypeChannel is the number of mask coefficients per detection
	PrototypeChannel int
	// MaxObjectNumber is the maximum number of objects detected that can be
	// returned
	MaxObjectNumber int
	// InputWidth and InputHeight bound the decoded boxes
	InputWidth  int
	InputHeight int
}

// TangramDecodeParams returns the parameters for a 640x640 model trained on
// the seven tangram piece classes
func TangramDecodeParams() DecodeParams {
	return DecodeParams{
		BoxThreshold:     0.25,
		NMSThreshold:     0.45,
		ObjectClassNum:   7,
		PrototypeChannel: 32,
		MaxObjectNumber:  16,
		InputWidth:       640,
		InputHeight:      640,
	}
}

// Decoder turns the float output of a YOLOv8 segmentation detection head into
// Detections
type Decoder struct {
	Params DecodeParams
}

// NewDecoder returns a Decoder
func NewDecoder(p DecodeParams) *Decoder {
	return &Decoder{Params: p}
}

// Decode takes the detection head output laid out channel first as
// [4+classes+coefficients][anchors], with the box as center x, center y,
// width and height in model input pixels, and returns the detections that
// survive the score threshold and per class NMS, best first.
func (d *Decoder) Decode(output []float32, anchors int) ([]Detection, error) {

	rows := 4 + d.Params.ObjectClassNum + d.Params.PrototypeChannel

	if anchors <= 0 || len(output) != rows*anchors {
		return nil, fmt.Errorf("detection output has %d values, expected %dx%d",
			len(output), rows, anchors)
	}

	at := func(row, anchor int) float32 {
		return output[row*anchors+anchor]
	}

	maxW := float32(d.Params.InputWidth)
	maxH := float32(d.Params.InputHeight)

	var cands []Detection

	for a := 0; a < anchors; a++ {

		maxScore := d.Params.BoxThreshold
		maxClassID := -1

		for c := 0; c < d.Params.ObjectClassNum; c++ {
			if s := at(4+c, a); s >= maxScore {
				maxScore = s
				maxClassID = c
			}
		}

		if maxClassID < 0 {
			continue
		}

		box := BoxFromCenter(at(0, a), at(1, a), at(2, a), at(3, a))
		box.Left = clampF32(box.Left, 0, maxW)
		box.Top = clampF32(box.Top, 0, maxH)
		box.Right = clampF32(box.Right, 0, maxW)
		box.Bottom = clampF32(box.Bottom, 0, maxH)

		coeffs := make([]float32, d.Params.PrototypeChannel)

		for k := range coeffs {
			coeffs[k] = at(4+d.Params.ObjectClassNum+k, a)
		}

		cands = append(cands, Detection{
			ClassID:    maxClassID,
			Score:      maxScore,
			Box:        box,
			MaskCoeffs: coeffs,
		})
	}

	if len(cands) == 0 {
		// no object detected
		return nil, nil
	}

	order := sortByScore(cands)
	nms(cands, order, d.Params.NMSThreshold)

	dets := make([]Detection, 0)

	for _, n := range order {
		if n == -1 || len(dets) >= d.Params.MaxObjectNumber {
			continue
		}

		dets = append(dets, cands[n])
	}

	return dets, nil
}
