package preprocess

import (
	"image"
	"image/color"

	"github.com/golang/geo/r2"
	"gocv.io/x/gocv"
)

// Resizer maps between camera frame pixels and the letterboxed model input
// space the detector runs in
type Resizer struct {
	// srcWidth is the width of the camera frame
	srcWidth int
	// srcHeight is the height of the camera frame
	srcHeight int
	// destWidth is the model input width
	destWidth int
	// destHeight is the model input height
	destHeight int
	// tempMat is a Mat used during the resize process
	tempMat gocv.Mat
	// letterbox parameters used in scaling
	xPad  int
	yPad  int
	scale float32
	// resize dimensions
	resizeW int
	resizeH int
}

// NewResizer returns a resizer for frames of srcWidth x srcHeight feeding a
// model with a destWidth x destHeight input
func NewResizer(srcWidth, srcHeight, destWidth, destHeight int) *Resizer {
	r := &Resizer{
		srcWidth:   srcWidth,
		srcHeight:  srcHeight,
		destWidth:  destWidth,
		destHeight: destHeight,
		tempMat:    gocv.NewMat(),
	}

	// precalculate scaling dimensions
	r.preCalc()

	return r
}

// Close frees memory allocated during resize process
func (r *Resizer) Close() error {
	return r.tempMat.Close()
}

// preCalc the scaling factors for source and destination Mats
func (r *Resizer) preCalc() {

	r.resizeW = r.destWidth
	r.resizeH = r.destHeight

	scaleW := float32(r.destWidth) / float32(r.srcWidth)
	scaleH := float32(r.destHeight) / float32(r.srcHeight)
	r.scale = scaleH

	if scaleW < scaleH {
		r.scale = scaleW
		r.resizeH = int(float32(r.srcHeight) * r.scale)
	} else {
		r.resizeW = int(float32(r.srcWidth) * r.scale)
	}

	r.yPad = (r.destHeight - r.resizeH) / 2 // padding height / 2
	r.xPad = (r.destWidth - r.resizeW) / 2  // padding width / 2
}

// Matches reports whether the resizer was built for the given frame size
func (r *Resizer) Matches(srcWidth, srcHeight int) bool {
	return r.srcWidth == srcWidth && r.srcHeight == srcHeight
}

// LetterBoxResize resizes the frame to the model input size whilst
// maintaining image aspect. Color is that used for letter box padding.
func (r *Resizer) LetterBoxResize(src gocv.Mat, dest *gocv.Mat, color color.RGBA) {

	gocv.Resize(src, &r.tempMat, image.Pt(r.resizeW, r.resizeH),
		0, 0, gocv.InterpolationArea)

	gocv.CopyMakeBorder(r.tempMat, dest, r.yPad, r.destHeight-r.resizeH-r.yPad,
		r.xPad, r.destWidth-r.resizeW-r.xPad, gocv.BorderConstant, color)
}

// ModelToFrame maps a point in model input pixels to frame pixels
func (r *Resizer) ModelToFrame(p r2.Point) r2.Point {
	s := float64(r.scale)

	return r2.Point{
		X: (p.X - float64(r.xPad)) / s,
		Y: (p.Y - float64(r.yPad)) / s,
	}
}

// FrameToModel maps a point in frame pixels to model input pixels
func (r *Resizer) FrameToModel(p r2.Point) r2.Point {
	s := float64(r.scale)

	return r2.Point{
		X: p.X*s + float64(r.xPad),
		Y: p.Y*s + float64(r.yPad),
	}
}

// NormalizedToFrame maps polygon vertices normalised to [0,1] of the model
// input to frame pixels
func (r *Resizer) NormalizedToFrame(pts []r2.Point) []r2.Point {
	out := make([]r2.Point, len(pts))

	for i, p := range pts {
		out[i] = r.ModelToFrame(r2.Point{
			X: p.X * float64(r.destWidth),
			Y: p.Y * float64(r.destHeight),
		})
	}

	return out
}

// ScaleFactor returns the scale factor used in letterbox resize
func (r *Resizer) ScaleFactor() float32 {
	return r.scale
}

// XPad returns the x padding used in letterbox resize
func (r *Resizer) XPad() int {
	return r.xPad
}

// YPad returns the y padding used in letterbox resize
func (r *Resizer) YPad() int {
	return r.yPad
}

// SrcWidth returns the width of the source image
func (r *Resizer) SrcWidth() int {
	return r.srcWidth
}

// SrcHeight returns the height of the source image
func (r *Resizer) SrcHeight() int {
	return r.srcHeight
}

// DestWidth returns the model input width
func (r *Resizer) DestWidth() int {
	return r.destWidth
}

// DestHeight returns the model input height
func (r *Resizer) DestHeight() int {
	return r.destHeight
}
