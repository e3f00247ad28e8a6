package render

import "image/color"

var (
	// pieceColors are used for pieces whose model carries no material
	// color, indexed by class id
	pieceColors = []color.RGBA{
		{R: 255, G: 56, B: 56, A: 255},  // #FF3838
		{R: 255, G: 178, B: 29, A: 255}, // #FFB21D
		{R: 72, G: 249, B: 10, A: 255},  // #48F90A
		{R: 0, G: 212, B: 187, A: 255},  // #00D4BB
		{R: 0, G: 194, B: 255, A: 255},  // #00C2FF
		{R: 132, G: 56, B: 255, A: 255}, // #8438FF
		{R: 255, G: 55, B: 199, A: 255}, // #FF37C7
	}

	Black  = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	White  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Yellow = color.RGBA{R: 255, G: 255, B: 50, A: 255}
	Green  = color.RGBA{R: 40, G: 220, B: 80, A: 255}
	Red    = color.RGBA{R: 240, G: 40, B: 40, A: 255}
	Grey   = color.RGBA{R: 128, G: 128, B: 128, A: 255}
)

// PieceColor returns the display color of a piece, the shape color when it
// is set otherwise a fixed color per class
func PieceColor(classID int, shape Shape) color.RGBA {

	if shape.Color.A != 0 && shape.Color != Grey {
		return shape.Color
	}

	if classID < 0 {
		classID = -classID
	}

	return pieceColors[classID%len(pieceColors)]
}
