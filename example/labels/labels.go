package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/swdee/go-tangram"
	"github.com/swdee/go-tangram/config"
	"gocv.io/x/gocv"
)

func main() {
	// disable logging timestamps
	log.SetFlags(0)

	cfg, err := config.Load()

	if err != nil {
		log.Fatal("Error loading config: ", err)
	}

	// read in cli flags, the environment provides the defaults
	modelsFile := flag.String("m", cfg.ModelsPath, "Tangram models JSON file")
	assetsDir := flag.String("a", cfg.AssetsDir, "Directory of .mtl material files for piece colors")
	tuningFile := flag.String("t", cfg.TuningPath, "Optional JSON file of tracker setting overrides")
	testDir := flag.String("d", cfg.LabelsDir, "Test directory containing images/ and labels/")
	outDir := flag.String("o", "out", "Directory to write overlays and plane coordinates to")
	frames := flag.Int("n", 1, "Number of times each test case is fed to the tracker")
	locking := flag.Bool("lock", cfg.LockingEnabled, "Enable homography locking")

	flag.Parse()

	if *frames < 1 {
		*frames = 1
	}

	if *testDir == "" {
		log.Fatal("No test directory given, use -d or TANGRAM_LABELS")
	}

	params := tangram.DefaultPipelineParams()
	params.AssetsDir = *assetsDir
	params.Tracking.LockingEnabled = *locking

	if *tuningFile != "" {
		tuning, err := config.LoadTuning(*tuningFile)

		if err != nil {
			log.Fatal("Error loading tuning file: ", err)
		}

		tuning.Apply(&params.Tracking)
	}

	pipeline, err := tangram.NewPipeline(*modelsFile, params)

	if err != nil {
		log.Fatal("Error creating pipeline: ", err)
	}

	defer pipeline.Close()

	names, err := tangram.ListTestCases(*testDir)

	if err != nil {
		log.Fatal("Error listing test cases: ", err)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal("Error creating output directory: ", err)
	}

	for _, name := range names {
		if err := runCase(pipeline, *testDir, *outDir, name, *frames); err != nil {
			log.Printf("%s: %v", name, err)
		}
	}
}

// runCase tracks one labelled image and saves the overlays and plane
// coordinates
func runCase(pipeline *tangram.Pipeline, testDir, outDir, name string, frames int) error {

	img, polygons, err := tangram.LoadTestCase(testDir, name)

	if err != nil {
		return err
	}

	defer img.Close()

	pipeline.Reset()

	start := time.Now()

	for i := 0; i < frames-1; i++ {
		if _, err := pipeline.ProcessPolygonsAt(img, polygons, float64(i)/30); err != nil {
			return err
		}
	}

	sol, err := pipeline.ProcessPolygonsAt(img, polygons, float64(frames-1)/30)

	if err != nil {
		return err
	}

	elapsed := time.Since(start)

	log.Printf("%s: pieces=%d error=%.2fpx quality=%.2f locked=%v time=%s",
		name, len(sol.Poses), sol.MeanError(), sol.TrackingQuality,
		sol.HomographyLocked, elapsed.String())

	for id, e := range sol.Errors {
		log.Printf("  %-26s %.2fpx", tangram.ModelName(id), e)
	}

	overlay := pipeline.RenderFrameOverlay(img, sol)
	defer overlay.Close()

	if ok := gocv.IMWrite(filepath.Join(outDir, name+"-overlay.jpg"), overlay); !ok {
		return fmt.Errorf("error writing overlay")
	}

	plane, err := pipeline.RenderPlane(sol)

	if err != nil {
		return err
	}

	defer plane.Close()

	if ok := gocv.IMWrite(filepath.Join(outDir, name+"-plane.png"), plane); !ok {
		return fmt.Errorf("error writing plane image")
	}

	return tangram.SavePlaneCoordinates(filepath.Join(outDir, name+"-plane.json"),
		sol, pipeline.Models())
}
