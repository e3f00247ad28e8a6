package tangram

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/swdee/go-tangram/bundle"
)

// PlanePiece is a posed piece in plane coordinates with the y axis pointing
// up
type PlanePiece struct {
	ClassID  int          `json:"class_id"`
	Name     string       `json:"name"`
	Vertices [][2]float64 `json:"vertices"`
}

// PlaneCoordinates places every posed piece of the solution on the plane,
// ordered by class id. Pieces without a model are left out.
func PlaneCoordinates(sol bundle.Solution, models map[string]Model) []PlanePiece {
	var out []PlanePiece

	for id := 0; id < NumClasses; id++ {
		pose, ok := sol.Poses[id]

		if !ok {
			continue
		}

		m, ok := models[ModelName(id)]

		if !ok {
			continue
		}

		piece := PlanePiece{
			ClassID:  id,
			Name:     m.Name,
			Vertices: make([][2]float64, len(m.Vertices)),
		}

		for i, v := range m.Vertices {
			q := pose.Transform(v, sol.Scale)
			// image y runs down, plane y runs up
			piece.Vertices[i] = [2]float64{q.X, -q.Y}
		}

		out = append(out, piece)
	}

	return out
}

// SavePlaneCoordinates writes PlaneCoordinates to a JSON file
func SavePlaneCoordinates(path string, sol bundle.Solution, models map[string]Model) error {

	data, err := json.MarshalIndent(PlaneCoordinates(sol, models), "", "  ")

	if err != nil {
		return fmt.Errorf("error encoding plane coordinates: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("error writing plane coordinates: %w", err)
	}

	return nil
}
