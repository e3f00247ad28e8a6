package render

import (
	"fmt"
	"image"

	"github.com/swdee/go-tangram/bundle"
	"gocv.io/x/gocv"
)

// TrackingStateText returns the status lines drawn by TrackingState. fps is
// omitted when not positive.
func TrackingStateText(sol bundle.Solution, fps float64) []string {
	mode := "TRACKING"

	if sol.HomographyLocked {
		mode = "LOCKED"
	}

	lines := []string{
		fmt.Sprintf("Mode: %s", mode),
		fmt.Sprintf("Quality: %.2f", sol.TrackingQuality),
		fmt.Sprintf("Pieces: %d", len(sol.Poses)),
		fmt.Sprintf("Error: %.2f px", sol.MeanError()),
	}

	if t, ok := sol.Timings["total"]; ok {
		lines = append(lines, fmt.Sprintf("Solve: %.1f ms", t))
	}

	if fps > 0 {
		lines = append(lines, fmt.Sprintf("FPS: %.1f", fps))
	}

	return lines
}

// TrackingState draws the tracking status panel in the top left corner of
// the image. The panel border is green while the homography is locked.
func TrackingState(img *gocv.Mat, sol bundle.Solution, fps float64, font Font) {
	lines := TrackingStateText(sol, fps)

	lineHeight := 0
	width := 0

	for _, l := range lines {
		size := font.TextSize(l)

		if size.X > width {
			width = size.X
		}

		if size.Y > lineHeight {
			lineHeight = size.Y
		}
	}

	step := lineHeight + font.TopPad + font.BottomPad
	panel := image.Rect(0, 0, width+font.LeftPad+font.RightPad, step*len(lines)+font.TopPad)

	border := Yellow

	if sol.HomographyLocked {
		border = Green
	}

	gocv.Rectangle(img, panel, Black, -1)
	gocv.Rectangle(img, panel, border, 2)

	for i, l := range lines {
		font.Put(img, l, image.Pt(font.LeftPad, (i+1)*step))
	}
}
