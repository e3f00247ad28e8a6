package render

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// Font holds the Hershey font settings and the padding kept around text in
// piece labels and the tracking panel
type Font struct {
	Face      gocv.HersheyFont
	Scale     float64
	Color     color.RGBA
	Thickness int
	LineType  gocv.LineType
	LeftPad   int
	RightPad  int
	TopPad    int
	BottomPad int
}

// DefaultFont is the white label font used on piece labels
func DefaultFont() Font {
	return Font{
		Face:      gocv.FontHersheySimplex,
		Scale:     0.5,
		Color:     White,
		Thickness: 1,
		LineType:  gocv.LineAA,
		LeftPad:   4,
		RightPad:  4,
		TopPad:    4,
		BottomPad: 6,
	}
}

// PanelFont is the slightly larger font of the tracking state panel
func PanelFont() Font {
	f := DefaultFont()
	f.Scale = 0.6
	f.LeftPad = 8
	f.RightPad = 8
	return f
}

// TextSize returns the width and height of text without padding
func (f Font) TextSize(text string) image.Point {
	return gocv.GetTextSize(text, f.Face, f.Scale, f.Thickness)
}

// Put writes text with its baseline starting at pos
func (f Font) Put(img *gocv.Mat, text string, pos image.Point) {
	gocv.PutTextWithParams(img, text, pos, f.Face, f.Scale, f.Color,
		f.Thickness, f.LineType, false)
}
