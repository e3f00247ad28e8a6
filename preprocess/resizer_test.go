package preprocess

import (
	"image/color"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"gocv.io/x/gocv"
)

var (
	black = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

func TestLetterBoxResize(t *testing.T) {

	tests := []struct {
		srcWidth      int
		srcHeight     int
		resizeWidth   int
		resizeHeight  int
		expectedXPad  int
		expectedYPad  int
		expectedScale float32
	}{
		{1280, 720, 640, 640, 0, 140, 0.50},
		{800, 1000, 640, 640, 64, 0, 0.64},
		{800, 800, 640, 640, 0, 0, 0.8},
	}

	for _, tc := range tests {
		img := gocv.NewMatWithSize(tc.srcHeight, tc.srcWidth, gocv.MatTypeCV8UC1)

		resizedImg := gocv.NewMat()

		resizer := NewResizer(tc.srcWidth, tc.srcHeight, tc.resizeWidth, tc.resizeHeight)

		resizer.LetterBoxResize(img, &resizedImg, black)

		if resizer.XPad() != tc.expectedXPad || resizer.YPad() != tc.expectedYPad {
			t.Errorf("src (%d, %d): expected XPad=%d, YPad=%d, got xPad=%d, yPad=%d",
				tc.srcWidth, tc.srcHeight, tc.expectedXPad, tc.expectedYPad, resizer.XPad(), resizer.YPad())
		}

		if resizer.ScaleFactor() != tc.expectedScale {
			t.Errorf("src (%d, %d): expected scale %f, got %f",
				tc.srcWidth, tc.srcHeight, tc.expectedScale, resizer.ScaleFactor())
		}

		if resizedImg.Cols() != tc.resizeWidth || resizedImg.Rows() != tc.resizeHeight {
			t.Errorf("src (%d, %d): expected %dx%d output, got %dx%d",
				tc.srcWidth, tc.srcHeight, tc.resizeWidth, tc.resizeHeight,
				resizedImg.Cols(), resizedImg.Rows())
		}

		img.Close()
		resizedImg.Close()
		resizer.Close()
	}
}

func pointsClose(a, b r2.Point, eps float64) bool {
	return math.Abs(a.X-b.X) <= eps && math.Abs(a.Y-b.Y) <= eps
}

func TestModelFrameMapping(t *testing.T) {
	r := NewResizer(1280, 720, 640, 640)
	defer r.Close()

	// the top left of the letterboxed image is the frame origin
	if got := r.ModelToFrame(r2.Point{X: 0, Y: 140}); !pointsClose(got, r2.Point{}, 1e-9) {
		t.Errorf("expected frame origin, got %v", got)
	}

	if got := r.ModelToFrame(r2.Point{X: 640, Y: 500}); !pointsClose(got, r2.Point{X: 1280, Y: 720}, 1e-9) {
		t.Errorf("expected frame corner, got %v", got)
	}

	p := r2.Point{X: 311.5, Y: 407.25}

	if got := r.ModelToFrame(r.FrameToModel(p)); !pointsClose(got, p, 1e-9) {
		t.Errorf("expected round trip to %v, got %v", p, got)
	}

	norm := r.NormalizedToFrame([]r2.Point{{X: 0.5, Y: 0.5}})

	if !pointsClose(norm[0], r2.Point{X: 640, Y: 360}, 1e-9) {
		t.Errorf("expected frame center, got %v", norm[0])
	}

	if !r.Matches(1280, 720) || r.Matches(720, 1280) {
		t.Error("Matches does not reflect the frame size")
	}
}
