// Package pipeline wires the stages of an embedding run: device selection,
// model restore, dataset loading, representation extraction, t-SNE, plotting
// and the optional export.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gonum.org/v1/gonum/mat"

	"mnist-tsne/internal/checkpoint"
	"mnist-tsne/internal/config"
	"mnist-tsne/internal/dataset"
	"mnist-tsne/internal/device"
	"mnist-tsne/internal/extract"
	"mnist-tsne/internal/model"
	"mnist-tsne/internal/plot"
	"mnist-tsne/internal/store"
	"mnist-tsne/internal/tsne"
)

// ErrNothingToEmbed is returned when extraction produced no vectors.
var ErrNothingToEmbed = errors.New("pipeline: no representations to embed")

// Result summarizes a finished run.
type Result struct {
	Device     device.Device
	Arch       string
	Collection *extract.Collection
	Embedding  *mat.Dense
	KL         float64
	PlotPath   string
	RunID      string
}

// Run executes every stage in order. The checkpoint is restored before any
// dataset work so a bad model path fails fast.
func Run(ctx context.Context, cfg *config.Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	dev, err := device.Select(cfg.Device)
	if err != nil {
		return nil, err
	}
	workers := cfg.NumWorkers
	if workers <= 0 {
		workers = dev.Workers
	}
	log.Printf("device=%s workers=%d", dev, workers)

	mdl, err := loadModel(cfg, workers)
	if err != nil {
		return nil, err
	}

	ds, err := loadDataset(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("dataset=%s split=%s samples=%d", cfg.Dataset, cfg.Split, ds.Len())

	ld, err := dataset.StartLoader(ctx, ds, dataset.LoaderOptions{
		BatchSize:  cfg.BatchSize,
		Shuffle:    cfg.Shuffle,
		Seed:       cfg.Seed,
		NumWorkers: workers,
		Limit:      cfg.NumImages,
	})
	if err != nil {
		return nil, err
	}
	defer ld.Stop()
	coll, err := extract.Run(ctx, extract.RunConfig{
		Model:    mdl,
		Batches:  ld.Batches,
		Errors:   ld.Errors,
		LogEvery: cfg.LogEvery,
	})
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}

	coll = coll.Truncate(cfg.NumImages)
	if coll.Len() == 0 {
		return nil, ErrNothingToEmbed
	}
	x, err := coll.IntermediateMatrix()
	if err != nil {
		return nil, err
	}
	_, dims := x.Dims()
	log.Printf("tsne points=%d dims=%d method=%s perplexity=%g", coll.Len(), dims, cfg.Method, cfg.Perplexity)

	var kl float64
	emb, err := tsne.Embed(ctx, x, tsne.Options{
		Perplexity:        cfg.Perplexity,
		EarlyExaggeration: cfg.EarlyExaggeration,
		LearningRate:      cfg.LearningRate,
		Iterations:        cfg.Iterations,
		Theta:             cfg.Theta,
		Method:            cfg.Method,
		Seed:              cfg.Seed,
		Workers:           workers,
		PCAComponents:     cfg.PCAComponents,
		Progress: func(iter int, value float64) {
			kl = value
			log.Printf("tsne iter=%d kl=%.4f", iter, value)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tsne: %w", err)
	}

	title := cfg.PlotTitle
	if title == "" {
		title = fmt.Sprintf("t-SNE of %s representations (%d images)", mdl.Name(), coll.Len())
	}
	if err := plot.Scatter(cfg.PlotPath, emb, coll.Labels, plot.Options{Title: title}); err != nil {
		return nil, err
	}
	log.Printf("plot path=%s", cfg.PlotPath)

	res := &Result{
		Device:     dev,
		Arch:       mdl.Name(),
		Collection: coll,
		Embedding:  emb,
		KL:         kl,
		PlotPath:   cfg.PlotPath,
	}
	if cfg.ExportDB != "" {
		id, err := export(ctx, cfg, res)
		if err != nil {
			return nil, err
		}
		res.RunID = id
		log.Printf("export db=%s run=%s", cfg.ExportDB, id)
	}

	log.Printf("run done elapsed=%s", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func loadModel(cfg *config.Config, workers int) (model.Model, error) {
	sd, meta, err := checkpoint.Load(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}
	mdl, err := model.New(cfg.Arch, sd, model.Options{
		Height:    cfg.ImageHeight,
		Width:     cfg.ImageWidth,
		OutputDim: cfg.OutputDim,
		Workers:   workers,
	})
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", cfg.Checkpoint, err)
	}
	log.Printf("model arch=%s checkpoint=%s params=%d framework=%s", mdl.Name(), cfg.Checkpoint, len(sd), meta.Framework)
	return mdl, nil
}

func loadDataset(ctx context.Context, cfg *config.Config) (*dataset.Images, error) {
	var (
		ds  *dataset.Images
		err error
	)
	switch cfg.Dataset {
	case "webdataset":
		shards, derr := dataset.DiscoverShards(cfg.ShardsDir)
		if derr != nil {
			return nil, derr
		}
		if len(shards) == 0 {
			return nil, fmt.Errorf("no shards under %s", cfg.ShardsDir)
		}
		ds, err = dataset.LoadShards(ctx, shards, cfg.ImageHeight, cfg.ImageWidth)
	default:
		if err := dataset.NewDownloader().Ensure(ctx, cfg.DownloadDir); err != nil {
			return nil, err
		}
		ds, err = dataset.LoadMNIST(cfg.DownloadDir, cfg.Split)
	}
	if err != nil {
		return nil, err
	}
	if ds.Height != cfg.ImageHeight || ds.Width != cfg.ImageWidth {
		return nil, fmt.Errorf("dataset images are %dx%d, model expects %dx%d", ds.Height, ds.Width, cfg.ImageHeight, cfg.ImageWidth)
	}
	return ds, nil
}

func export(ctx context.Context, cfg *config.Config, res *Result) (string, error) {
	db, err := store.Open(cfg.ExportDB)
	if err != nil {
		return "", err
	}
	defer db.Close()

	coll := res.Collection
	points := make([]store.Point, coll.Len())
	for i := range points {
		points[i] = store.Point{
			Index:     coll.Indices[i],
			Label:     coll.Labels[i],
			Predicted: coll.Predicted[i],
			X:         res.Embedding.At(i, 0),
			Y:         res.Embedding.At(i, 1),
		}
	}
	run, err := db.SaveRun(ctx, store.Run{
		Arch:       res.Arch,
		Checkpoint: cfg.Checkpoint,
		Method:     cfg.Method,
		Perplexity: cfg.Perplexity,
		KL:         res.KL,
	}, points)
	if err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	return run.ID, nil
}
