package tangram

// Class ids emitted by the detector
const (
	ClassParallelogram = iota
	ClassSquare
	ClassLargeTriangle1
	ClassLargeTriangle2
	ClassMediumTriangle
	ClassSmallTriangle1
	ClassSmallTriangle2

	NumClasses
)

// Shape types, the model file uses the same strings
const (
	ShapeTriangle      = "triangle"
	ShapeSquare        = "square"
	ShapeParallelogram = "parallelogram"
)

// classNames are the model names for each class id
var classNames = [NumClasses]string{
	"tangram_parallelogram",
	"tangram_square",
	"tangram_large_triangle_1",
	"tangram_large_triangle_2",
	"tangram_medium_triangle",
	"tangram_small_triangle_1",
	"tangram_small_triangle_2",
}

// ValidClass reports whether id is one of the seven piece classes
func ValidClass(id int) bool {
	return id >= 0 && id < NumClasses
}

// ModelName returns the model name of a class, or an empty string for an
// unknown class
func ModelName(id int) string {
	if !ValidClass(id) {
		return ""
	}

	return classNames[id]
}

// ShapeType returns triangle, square or parallelogram for a class
func ShapeType(id int) string {
	switch id {
	case ClassParallelogram:
		return ShapeParallelogram
	case ClassSquare:
		return ShapeSquare
	}

	if ValidClass(id) {
		return ShapeTriangle
	}

	return ""
}

// ExpectedVertices is the vertex count of a class polygon, zero for an
// unknown class
func ExpectedVertices(id int) int {
	switch ShapeType(id) {
	case ShapeTriangle:
		return 3
	case ShapeSquare, ShapeParallelogram:
		return 4
	}

	return 0
}

// ClassForModel returns the class id of a model name
func ClassForModel(name string) (int, bool) {
	for id, n := range classNames {
		if n == name {
			return id, true
		}
	}

	return -1, false
}
