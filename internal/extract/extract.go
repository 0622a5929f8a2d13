// Package extract runs a model over a batch stream and collects its outputs,
// intermediate activations and labels in stream order.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gonum.org/v1/gonum/mat"

	"mnist-tsne/internal/metrics"
	"mnist-tsne/internal/model"
)

// RunConfig captures what the extraction loop consumes.
type RunConfig struct {
	Model    model.Model
	Batches  <-chan model.Batch
	Errors   <-chan error
	LogEvery int
}

// Collection holds one row per sample, in the order the batches arrived.
type Collection struct {
	Outputs       [][]float64
	Intermediates [][]float64
	Labels        []int
	Predicted     []int
	// Indices are the dataset positions of each row.
	Indices []int
}

// Len returns the number of collected samples.
func (c *Collection) Len() int {
	return len(c.Labels)
}

// Truncate returns a view of the first min(n, Len) rows. A negative n keeps
// nothing.
func (c *Collection) Truncate(n int) *Collection {
	if n > c.Len() {
		n = c.Len()
	}
	if n < 0 {
		n = 0
	}
	return &Collection{
		Outputs:       c.Outputs[:n],
		Intermediates: c.Intermediates[:n],
		Labels:        c.Labels[:n],
		Predicted:     c.Predicted[:n],
		Indices:       c.Indices[:n],
	}
}

// IntermediateMatrix copies the intermediate vectors into an n x d matrix.
func (c *Collection) IntermediateMatrix() (*mat.Dense, error) {
	return toDense(c.Intermediates)
}

// OutputMatrix copies the final-layer outputs into an n x k matrix.
func (c *Collection) OutputMatrix() (*mat.Dense, error) {
	return toDense(c.Outputs)
}

func toDense(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, errors.New("extract: no rows")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("extract: row %d has %d columns, want %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}

// Run consumes every batch, forwarding each through the model.
func Run(ctx context.Context, cfg RunConfig) (*Collection, error) {
	if cfg.Model == nil {
		return nil, errors.New("extract: model is required")
	}
	if cfg.Batches == nil {
		return nil, errors.New("extract: batch channel is required")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 10
	}

	coll := &Collection{}
	var stats metrics.Run
	errs := cfg.Errors

	for step := 1; ; step++ {
		startData := time.Now()
		batch, ok, err := nextBatch(ctx, cfg.Batches, &errs)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		outputs, inter, err := cfg.Model.Forward(batch)
		if err != nil {
			return nil, fmt.Errorf("forward batch %d: %w", step, err)
		}
		computeTime := time.Since(startCompute)

		correct := coll.append(batch, outputs, inter)
		stats.Record(batch.Len(), dataTime, computeTime, correct)

		if step%cfg.LogEvery == 0 {
			snap := stats.Window.Snapshot()
			log.Printf("batch=%d samples=%d images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f accuracy=%.4f",
				step,
				coll.Len(),
				snap.ImagesPerSec,
				snap.AvgDataMS,
				snap.AvgComputeMS,
				snap.Accuracy,
			)
		}
	}

	// The loader closes its error channel before its batch channel, so any
	// failure is already buffered here.
	if errs != nil {
		for err := range errs {
			if err != nil {
				return nil, err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	total := stats.Total()
	log.Printf("extract done samples=%d batches=%d accuracy=%.4f", total.Samples, total.Batches, total.Accuracy)
	return coll, nil
}

func nextBatch(ctx context.Context, batches <-chan model.Batch, errs *<-chan error) (model.Batch, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return model.Batch{}, false, ctx.Err()
		case err, ok := <-*errs:
			if !ok {
				*errs = nil
				continue
			}
			if err != nil {
				return model.Batch{}, false, err
			}
		case batch, ok := <-batches:
			return batch, ok, nil
		}
	}
}

func (c *Collection) append(batch model.Batch, outputs, inter *mat.Dense) int {
	predicted := model.Argmax(outputs)
	correct := 0
	for i := 0; i < batch.Len(); i++ {
		c.Outputs = append(c.Outputs, mat.Row(nil, i, outputs))
		c.Intermediates = append(c.Intermediates, mat.Row(nil, i, inter))
		c.Labels = append(c.Labels, batch.Labels[i])
		c.Predicted = append(c.Predicted, predicted[i])
		if batch.Indices != nil {
			c.Indices = append(c.Indices, batch.Indices[i])
		} else {
			c.Indices = append(c.Indices, c.Len()-1)
		}
		if predicted[i] == batch.Labels[i] {
			correct++
		}
	}
	return correct
}
