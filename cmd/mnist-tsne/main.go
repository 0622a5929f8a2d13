package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"mnist-tsne/internal/config"
	"mnist-tsne/internal/pipeline"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (defaults are used when empty)")
	envPath := flag.String("env", ".env", "Path to an optional .env file with TSNE_* variables")
	checkpoint := flag.String("checkpoint", "", "Override checkpoint path (.json or .onnx)")
	arch := flag.String("arch", "", "Override architecture: auto, lenet or mlp")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	numImages := flag.Int("num-images", 0, "Number of images to embed")
	seed := flag.Int64("seed", 0, "PRNG seed")
	numWorkers := flag.Int("num-workers", 0, "Number of loader and compute workers")
	plotPath := flag.String("plot", "", "Output image path; the extension selects the format")
	exportDB := flag.String("export-db", "", "SQLite database to export embedding rows to")
	dev := flag.String("device", "", "Compute device: auto, cpu or accelerator")
	logEvery := flag.Int("log-every", 0, "Log every N batches")

	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		log.Fatalf("failed to load env: %v", err)
	}

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if err := cfg.ApplyEnv(config.EnvPrefix); err != nil {
		log.Fatalf("failed to apply env: %v", err)
	}

	// -seed 0 is a real seed, so only flags given on the command line count.
	var seedOverride *int64
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			seedOverride = seed
		}
	})

	cfg.ApplyOverrides(config.Overrides{
		Checkpoint: *checkpoint,
		Arch:       *arch,
		BatchSize:  *batchSize,
		NumImages:  *numImages,
		Seed:       seedOverride,
		NumWorkers: *numWorkers,
		PlotPath:   *plotPath,
		ExportDB:   *exportDB,
		Device:     *dev,
		LogEvery:   *logEvery,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := pipeline.Run(ctx, cfg)
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}
	log.Printf("embedded=%d arch=%s kl=%.4f plot=%s", res.Collection.Len(), res.Arch, res.KL, res.PlotPath)
}
