package tangram

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/swdee/go-tangram/internal/monitoring"
	"gocv.io/x/gocv"
)

// LabeledPolygon is a ground truth piece outline in frame pixels
type LabeledPolygon struct {
	ClassID int
	Points  []r2.Point
}

// LoadPolygonLabels reads a polygon label file. Each line holds a class id
// followed by x y pairs normalised to the image size, which are scaled to
// pixels. Lines with fewer than three points are skipped.
func LoadPolygonLabels(file string, imageWidth, imageHeight int) ([]LabeledPolygon, error) {

	// open the file
	f, err := os.Open(file)

	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}

	defer f.Close()

	// create a scanner to read the file.
	scanner := bufio.NewScanner(f)

	var labels []LabeledPolygon
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())

		if len(fields) == 0 {
			continue
		}

		classID, err := strconv.Atoi(fields[0])

		if err != nil {
			return nil, fmt.Errorf("line %d: invalid class id %q: %w", lineNo, fields[0], err)
		}

		coords := fields[1:]

		if len(coords)%2 != 0 || len(coords) < 6 {
			monitoring.Logf("%s line %d: skipping polygon with %d coordinates", file, lineNo, len(coords))
			continue
		}

		pts := make([]r2.Point, 0, len(coords)/2)

		for i := 0; i < len(coords); i += 2 {
			x, err := strconv.ParseFloat(coords[i], 64)

			if err != nil {
				return nil, fmt.Errorf("line %d: invalid coordinate %q: %w", lineNo, coords[i], err)
			}

			y, err := strconv.ParseFloat(coords[i+1], 64)

			if err != nil {
				return nil, fmt.Errorf("line %d: invalid coordinate %q: %w", lineNo, coords[i+1], err)
			}

			pts = append(pts, r2.Point{X: x * float64(imageWidth), Y: y * float64(imageHeight)})
		}

		labels = append(labels, LabeledPolygon{ClassID: classID, Points: pts})
	}

	// check for errors during scanning
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	return labels, nil
}

// imageExtensions are tried in order when loading a test case image
var imageExtensions = []string{".jpg", ".png"}

// LoadTestCase loads <dir>/images/<name>.jpg (or .png) and the polygons of
// <dir>/labels/<name>.txt. The caller must Close the returned Mat.
func LoadTestCase(dir, name string) (gocv.Mat, []LabeledPolygon, error) {

	var imgPath string

	for _, ext := range imageExtensions {
		p := filepath.Join(dir, "images", name+ext)

		if _, err := os.Stat(p); err == nil {
			imgPath = p
			break
		}
	}

	if imgPath == "" {
		return gocv.NewMat(), nil, fmt.Errorf("no image for test case %s: %w", name, os.ErrNotExist)
	}

	img := gocv.IMRead(imgPath, gocv.IMReadColor)

	if img.Empty() {
		img.Close()
		return gocv.NewMat(), nil, fmt.Errorf("error reading image %s", imgPath)
	}

	labels, err := LoadPolygonLabels(filepath.Join(dir, "labels", name+".txt"), img.Cols(), img.Rows())

	if err != nil {
		img.Close()
		return gocv.NewMat(), nil, err
	}

	return img, labels, nil
}

// ListTestCases returns the names of the label files in <dir>/labels
func ListTestCases(dir string) ([]string, error) {

	matches, err := filepath.Glob(filepath.Join(dir, "labels", "*.txt"))

	if err != nil {
		return nil, err
	}

	if len(matches) == 0 {
		return nil, errors.New("no label files found")
	}

	names := make([]string, len(matches))

	for i, m := range matches {
		names[i] = strings.TrimSuffix(filepath.Base(m), ".txt")
	}

	return names, nil
}
