package metrics

import "time"

// Window accumulates timing and accuracy across a span of batches.
type Window struct {
	samples int
	correct int
	data    time.Duration
	compute time.Duration
	steps   int
}

// Record adds one batch to the window. correct is the number of samples whose
// predicted class matched the label.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, correct int) {
	w.samples += batchSize
	w.correct += correct
	w.data += dataTime
	w.compute += computeTime
	w.steps++
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := w.peek()
	*w = Window{}
	return snap
}

func (w *Window) peek() Snapshot {
	snap := Snapshot{Samples: w.samples, Batches: w.steps}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	if w.samples > 0 {
		snap.Accuracy = float64(w.correct) / float64(w.samples)
	}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Samples      int
	Batches      int
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	Accuracy     float64
}

// Run keeps a logging window next to a running total for the whole run.
type Run struct {
	Window Window
	total  Window
}

// Record adds a batch to both the window and the run total.
func (r *Run) Record(batchSize int, dataTime, computeTime time.Duration, correct int) {
	r.Window.Record(batchSize, dataTime, computeTime, correct)
	r.total.Record(batchSize, dataTime, computeTime, correct)
}

// Total summarizes every batch recorded so far without resetting anything.
func (r *Run) Total() Snapshot {
	return r.total.peek()
}
