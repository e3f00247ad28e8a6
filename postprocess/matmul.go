package postprocess

import (
	"runtime"
	"sync"
)

// matmulFloat32 computes the weighted sum of the prototype channels for a
// single set of mask coefficients, C = A x B where A is 1 x channels and B
// is channels x plane.
func matmulFloat32(A []float32, B []float32, channels, plane int, C []float32) {

	for k := 0; k < channels; k++ {
		a := A[k]

		if a == 0 {
			continue
		}

		row := B[k*plane : (k+1)*plane]

		for j, b := range row {
			C[j] += a * b
		}
	}
}

// matmulFloat32Parallel splits the coefficient rows across NumCPU workers,
// each row writing a disjoint region of C.
func matmulFloat32Parallel(A [][]float32, B []float32, channels, plane int, C []float32) {

	numWorkers := runtime.NumCPU()

	if numWorkers > len(A) {
		numWorkers = len(A)
	}

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	// each worker handles rows i = w, w+numWorkers, w+2*numWorkers
	for w := 0; w < numWorkers; w++ {
		go func(w int) {
			defer wg.Done()

			for i := w; i < len(A); i += numWorkers {
				matmulFloat32(A[i], B, channels, plane, C[i*plane:(i+1)*plane])
			}
		}(w)
	}

	wg.Wait()
}
