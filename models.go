package tangram

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/swdee/go-tangram/internal/monitoring"
)

var (
	ErrNoModels     = errors.New("no tangram models found")
	ErrMissingModel = errors.New("tangram model missing")
)

// DefaultModelColor is used when no material color is known
var DefaultModelColor = color.RGBA{R: 128, G: 128, B: 128, A: 255}

// Model is the canonical shape of a piece in plane units
type Model struct {
	Name     string
	Type     string
	Vertices []r2.Point
	Color    color.RGBA
}

// modelJSON is the on disk form of a model
type modelJSON struct {
	Type     string       `json:"type"`
	Vertices [][2]float64 `json:"vertices"`
	Color    []float64    `json:"color,omitempty"`
}

// LoadModels reads the canonical piece shapes from a JSON object of model
// name to model.
func LoadModels(path string) (map[string]Model, error) {

	data, err := os.ReadFile(path)

	if err != nil {
		return nil, fmt.Errorf("error reading models file: %w", err)
	}

	var raw map[string]modelJSON

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("error parsing models file %s: %w", path, err)
	}

	if len(raw) == 0 {
		return nil, ErrNoModels
	}

	models := make(map[string]Model, len(raw))

	for name, m := range raw {

		if len(m.Vertices) < 3 {
			return nil, fmt.Errorf("model %s has %d vertices, need at least 3", name, len(m.Vertices))
		}

		model := Model{
			Name:     name,
			Type:     m.Type,
			Vertices: make([]r2.Point, len(m.Vertices)),
			Color:    DefaultModelColor,
		}

		for i, v := range m.Vertices {
			model.Vertices[i] = r2.Point{X: v[0], Y: v[1]}
		}

		if len(m.Color) == 3 {
			model.Color = color.RGBA{
				R: channel(m.Color[0]),
				G: channel(m.Color[1]),
				B: channel(m.Color[2]),
				A: 255,
			}
		}

		models[name] = model
	}

	return models, nil
}

// CheckModels verifies every piece class has a model with the expected
// vertex count
func CheckModels(models map[string]Model) error {

	for id := 0; id < NumClasses; id++ {
		name := ModelName(id)
		m, ok := models[name]

		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingModel, name)
		}

		if len(m.Vertices) != ExpectedVertices(id) {
			return fmt.Errorf("model %s has %d vertices, expected %d",
				name, len(m.Vertices), ExpectedVertices(id))
		}
	}

	return nil
}

// LoadModelColors sets the color of each model from the diffuse color (Kd)
// of <assetsDir>/<model name>.mtl. Models without a material file keep
// their color.
func LoadModelColors(models map[string]Model, assetsDir string) error {

	info, err := os.Stat(assetsDir)

	if err != nil {
		return fmt.Errorf("error reading assets dir: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("assets path %s is not a directory", assetsDir)
	}

	names := make([]string, 0, len(models))

	for name := range models {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(assetsDir, name+".mtl")

		clr, err := readMaterialColor(path)

		if errors.Is(err, os.ErrNotExist) {
			continue
		}

		if err != nil {
			monitoring.Logf("skipping material %s: %v", path, err)
			continue
		}

		m := models[name]
		m.Color = clr
		models[name] = m
	}

	return nil
}

// readMaterialColor returns the first Kd entry of a .mtl file
func readMaterialColor(path string) (color.RGBA, error) {

	f, err := os.Open(path)

	if err != nil {
		return color.RGBA{}, err
	}

	defer f.Close()

	scanner := bufio.NewScanner(f)

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())

		if len(fields) < 4 || fields[0] != "Kd" {
			continue
		}

		var rgb [3]float64

		for i := 0; i < 3; i++ {
			rgb[i], err = strconv.ParseFloat(fields[i+1], 64)

			if err != nil {
				return color.RGBA{}, fmt.Errorf("invalid Kd value %q: %w", fields[i+1], err)
			}
		}

		return color.RGBA{
			R: channel(rgb[0] * 255),
			G: channel(rgb[1] * 255),
			B: channel(rgb[2] * 255),
			A: 255,
		}, nil
	}

	if err := scanner.Err(); err != nil {
		return color.RGBA{}, fmt.Errorf("error reading file: %w", err)
	}

	return color.RGBA{}, errors.New("no Kd entry")
}

func channel(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(255, v))))
}
