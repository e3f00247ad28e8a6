package postprocess

import (
	"fmt"

	"github.com/x448/float16"
)

var f16LookupTable [65536]float32

func init() {
	// precompute float16 lookup table for faster conversion to float32
	for i := range f16LookupTable {
		f16 := float16.Frombits(uint16(i))
		f16LookupTable[i] = f16.Float32()
	}
}

// PrototypesFromFloat16 decodes a half precision prototype tensor laid out
// as channels x height x width, as produced by models exported with fp16
// outputs.
func PrototypesFromFloat16(channels, height, width int, data []uint16) (Prototypes, error) {

	if len(data) != channels*height*width {
		return Prototypes{}, fmt.Errorf("prototype tensor has %d values, expected %dx%dx%d",
			len(data), channels, height, width)
	}

	out := make([]float32, len(data))

	for i, v := range data {
		out[i] = f16LookupTable[v]
	}

	return NewPrototypes(channels, height, width, out)
}
