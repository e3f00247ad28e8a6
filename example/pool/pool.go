package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/swdee/go-tangram"
)

func main() {
	// disable logging timestamps
	log.SetFlags(0)

	// read in cli flags
	modelsFile := flag.String("m", "../../assets/tangram_models.json", "Tangram models JSON file")
	streamsDir := flag.String("d", "../data/streams/", "A directory of test directories, each replayed as one camera stream")
	poolSize := flag.Int("s", 2, "Size of pipeline pool")
	fps := flag.Float64("f", 30, "Frame rate the label files were captured at")

	flag.Parse()

	// check dir exists
	info, err := os.Stat(*streamsDir)

	if err != nil {
		log.Fatalf("No such streams directory %s, error: %v\n", *streamsDir, err)
	}

	if !info.IsDir() {
		log.Fatal("Streams path is not a directory")
	}

	// create new pool
	pool, err := tangram.NewPool(*poolSize, *modelsFile, tangram.DefaultPipelineParams())

	if err != nil {
		log.Fatalf("Error creating pipeline pool: %v\n", err)
	}

	defer pool.Close()

	entries, err := os.ReadDir(*streamsDir)

	if err != nil {
		log.Fatalf("Error reading streams directory: %v\n", err)
	}

	start := time.Now()
	var wg sync.WaitGroup

	for _, entry := range entries {
		// each stream is a directory
		if !entry.IsDir() {
			continue
		}

		// pool.Get() blocks if no pipelines are available in the pool
		pl := pool.Get()
		wg.Add(1)

		go func(pl *tangram.Pipeline, dir string) {
			defer wg.Done()
			processStream(pl, dir, *fps)
			pool.Return(pl)
		}(pl, filepath.Join(*streamsDir, entry.Name()))
	}

	wg.Wait()

	log.Printf("Completed in %s\n", time.Since(start).String())
}

// processStream feeds the test cases of dir to the pipeline in name order as
// consecutive frames
func processStream(pl *tangram.Pipeline, dir string, fps float64) {

	names, err := tangram.ListTestCases(dir)

	if err != nil {
		log.Printf("Stream[%s] error: %v\n", dir, err)
		return
	}

	for i, name := range names {
		img, polygons, err := tangram.LoadTestCase(dir, name)

		if err != nil {
			log.Printf("Stream[%s] frame %s error: %v\n", dir, name, err)
			continue
		}

		start := time.Now()
		sol, err := pl.ProcessPolygonsAt(img, polygons, float64(i)/fps)
		exe := time.Since(start)

		img.Close()

		if err != nil {
			log.Printf("Stream[%s] frame %s error: %v\n", dir, name, err)
			continue
		}

		log.Printf("%dms - Stream[%s] frame %s pieces=%d error=%.2fpx locked=%v\n",
			exe.Milliseconds(), filepath.Base(dir), name, len(sol.Poses),
			sol.MeanError(), sol.HomographyLocked)
	}
}
