package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"astrophot/internal/config"
	"astrophot/internal/logging"
	"astrophot/internal/pipeline"
	"astrophot/internal/storage"
)

// Generates a synthetic observing night and pushes it through the full
// pipeline, checking that the persisted results come back out of the store.
func main() {
	fmt.Println("Testing pipeline integration with synthetic photometry tables")

	workDir, err := os.MkdirTemp("", "astrophot-integration-*")
	if err != nil {
		log.Fatal("Failed to create work directory:", err)
	}
	defer os.RemoveAll(workDir)

	inputDir := filepath.Join(workDir, "input")
	outputDir := filepath.Join(workDir, "output")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		log.Fatal("Failed to create input directory:", err)
	}

	if err := writeSyntheticNight(inputDir); err != nil {
		log.Fatal("Failed to write synthetic tables:", err)
	}
	fmt.Println("Synthetic night written:", inputDir)

	store, err := storage.New(filepath.Join(workDir, "integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	cfg := testConfig()
	logger := logging.New("info", "text")
	pipe := pipeline.New(context.Background(), 2, logger, store, cfg)
	defer pipe.Stop()

	resCh, unsubscribe := pipe.Subscribe()
	defer unsubscribe()

	job := pipeline.Job{
		ID:        uuid.NewString(),
		Type:      pipeline.JobRun,
		InputPath: inputDir,
		Output:    outputDir,
		Options: map[string]any{
			"target_ra":  120.0001,
			"target_dec": 45.0001,
		},
	}
	if err := pipe.Submit(job); err != nil {
		log.Fatal("Failed to submit run:", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			log.Fatal("Timed out waiting for pipeline result")
		case res := <-resCh:
			if res.Job.ID != job.ID {
				continue
			}
			if res.Error != nil {
				log.Fatal("Pipeline run failed:", res.Error)
			}
			fmt.Println("Pipeline run completed")
			fmt.Printf("   Stars: %v\n", res.Meta["stars"])
			fmt.Printf("   Ensemble: %v\n", res.Meta["ensemble"])
			fmt.Printf("   Points: %v\n", res.Meta["points"])
			fmt.Printf("   Scatter: %v\n", res.Meta["scatter"])

			points, err := store.CurveForRun(job.ID)
			if err != nil {
				log.Fatal("Failed to read curve from store:", err)
			}
			if len(points) == 0 {
				log.Fatal("No light curve points persisted")
			}
			fmt.Printf("Persisted %d light curve points\n", len(points))

			for _, name := range []string{"catalog.csv", "ensemble.csv", "lightcurve.csv"} {
				if _, err := os.Stat(filepath.Join(outputDir, name)); err != nil {
					log.Fatal("Missing export:", name)
				}
			}
			fmt.Println("All exports present. Integration test passed.")
			return
		}
	}
}

func testConfig() *config.Config {
	cfg, _ := config.Load()
	cfg.Matching.Tolerance = 5.0
	cfg.Selection.MinEnsembleSize = 3
	cfg.Photometry.MinUsableFrames = 3
	cfg.Logging.FileOutput = false
	return cfg
}

// writeSyntheticNight fabricates ten frames of a constant target plus eight
// comparison stars with small gaussian noise, in the exporter CSV layout.
func writeSyntheticNight(dir string) error {
	rng := rand.New(rand.NewSource(42))

	baseRA, baseDec := 120.0, 45.0
	starCount := 9 // index 0 is the target
	for frame := 0; frame < 10; frame++ {
		mjd := 60000.0 + float64(frame)*0.01
		name := fmt.Sprintf("TEST_V_60_20230801_1d2_%sd%05d_INST.csv",
			fmt.Sprintf("%d", int(mjd)), int((mjd-math.Floor(mjd))*100000))

		var rows string
		for star := 0; star < starCount; star++ {
			ra := baseRA + float64(star)*0.01 + rng.NormFloat64()*1e-6
			dec := baseDec + float64(star)*0.01 + rng.NormFloat64()*1e-6
			counts := 50000.0/float64(star+1) + rng.NormFloat64()*50
			countsErr := math.Sqrt(counts)
			rows += fmt.Sprintf("%.8f,%.8f,%.2f,%.2f,%.2f,%.2f\n",
				ra, dec, 100+float64(star)*50, 100+float64(star)*50, counts, countsErr)
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(rows), 0o644); err != nil {
			return err
		}
	}
	return nil
}
