package postprocess

import "fmt"

// Prototypes is the prototype mask tensor of the segmentation head laid out
// as channels x height x width, eg: 32x160x160
type Prototypes struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

// NewPrototypes wraps a float32 prototype tensor after checking its size
func NewPrototypes(channels, height, width int, data []float32) (Prototypes, error) {

	if channels <= 0 || height <= 0 || width <= 0 {
		return Prototypes{}, fmt.Errorf("invalid prototype dimensions %dx%dx%d",
			channels, height, width)
	}

	if len(data) != channels*height*width {
		return Prototypes{}, fmt.Errorf("prototype tensor has %d values, expected %dx%dx%d",
			len(data), channels, height, width)
	}

	return Prototypes{
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     data,
	}, nil
}

// Plane returns the number of values in a single prototype channel
func (p Prototypes) Plane() int {
	return p.Height * p.Width
}

// Empty reports whether the tensor holds no data
func (p Prototypes) Empty() bool {
	return len(p.Data) == 0
}
