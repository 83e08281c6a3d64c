package main

import (
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/exp/rand"

	"empatch/pkg/augment"
	"empatch/pkg/config"
	"empatch/pkg/dataset"
	"empatch/pkg/visualization"
	"empatch/pkg/vit"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "empatch.yaml", "Path to the YAML configuration file")
	volumeList := flag.String("volumes", "", "Comma-separated HDF5 volume files (overrides the config)")
	numPatches := flag.Int("patches", 100, "Number of training patches to draw")
	seed := flag.Uint64("seed", 0, "Random seed (overrides the config when nonzero)")
	snapshotDir := flag.String("snapshot-dir", "", "Directory for patch slice snapshots (overrides the config)")
	runModel := flag.Bool("run-model", false, "Run a forward pass of the patch-to-patch transformer on each patch")
	writeDefault := flag.Bool("write-default-config", false, "Write a default configuration file and exit")
	flag.Parse()

	if *writeDefault {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Wrote default configuration to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *volumeList != "" {
		cfg.Dataset.Volumes = strings.Split(*volumeList, ",")
	}
	if *seed != 0 {
		cfg.Dataset.Seed = *seed
	}
	if *snapshotDir != "" {
		cfg.Output.SnapshotDir = *snapshotDir
	}
	if len(cfg.Dataset.Volumes) == 0 {
		flag.Usage()
		log.Fatal("No volume files given; set -volumes or the config's dataset.volumes list")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("EMPATCH: RANDOM PATCH SAMPLING AND AUGMENTATION FOR EM SEGMENTATION")
	fmt.Println("================================")

	pipeline := augment.NewDefaultPipeline(cfg.PipelineParams())
	shrink := pipeline.ShrinkSize()

	fmt.Printf("Loading %d ground-truth volumes...\n", len(cfg.Dataset.Volumes))
	ds, err := dataset.Load(cfg.Dataset.Volumes, cfg.Dataset.ImageDataset, cfg.Dataset.LabelDataset,
		pipeline, cfg.DatasetParams())
	if err != nil {
		log.Fatalf("Failed to build dataset: %v", err)
	}
	fmt.Printf("Training volumes: %d, validation volumes: %d\n",
		ds.NumTrainingVolumes(), ds.NumValidationVolumes())
	fmt.Printf("Patch size %v, pipeline shrink %v, raw sampling size %v\n",
		ds.PatchSize(), shrink, ds.OversizedPatchSize())

	var model *vit.ViT
	if *runModel {
		model, err = vit.New(vit.Config{
			PatchSize:   ds.PatchSize(),
			InChannels:  1,
			OutChannels: 1,
			EmbedDim:    128,
			Depth:       4,
			Heads:       4,
			DimHead:     32,
			MLPDim:      256,
		}, rand.New(rand.NewSource(cfg.Dataset.Seed)))
		if err != nil {
			log.Fatalf("Failed to build model: %v", err)
		}
	}

	fmt.Printf("Drawing %d random training patches...\n", *numPatches)
	bar := progressbar.Default(int64(*numPatches))
	startTime := time.Now()
	var nonzero, total int

	for n := 0; n < *numPatches; n++ {
		p, err := ds.RandomTrainingPatch()
		if err != nil {
			log.Fatalf("Sampling failed on patch %d: %v", n, err)
		}

		for _, l := range p.Label {
			if l != 0 {
				nonzero++
			}
		}
		total += len(p.Label)

		if model != nil {
			out, err := model.ForwardPatch(p)
			if err != nil {
				log.Fatalf("Model forward pass failed: %v", err)
			}
			if n == 0 {
				rows, cols := out.Dims()
				fmt.Printf("\nModel output: %d token(s) of width %d\n", rows, cols)
			}
		}

		if cfg.Output.SnapshotDir != "" && n == 0 {
			dir := filepath.Join(cfg.Output.SnapshotDir, fmt.Sprintf("patch_%04d", n))
			if err := visualization.NewPatchViewer(p).SaveSliceSequence(dir); err != nil {
				log.Printf("Warning: failed to save snapshot: %v", err)
			} else if cfg.Output.Verbose {
				fmt.Printf("\nSaved snapshot slices to %s\n", dir)
			}
		}

		bar.Add(1)
	}

	elapsed := time.Since(startTime)
	fmt.Printf("\nDrew %d patches in %.2f seconds (%.1f ms/patch)\n",
		*numPatches, elapsed.Seconds(), elapsed.Seconds()*1000/float64(*numPatches))
	fmt.Printf("Nonzero label voxels: %.1f%%\n", 100*float64(nonzero)/float64(total))
}
