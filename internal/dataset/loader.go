package dataset

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"mnist-tsne/internal/model"
)

// LoaderOptions configures the batch loader.
type LoaderOptions struct {
	BatchSize  int
	Shuffle    bool
	Seed       int64
	NumWorkers int
	// Limit stops the loader after this many samples; 0 means all.
	Limit int
}

// Order returns the sample visiting order. It depends only on n, shuffle and
// seed, never on the batch size, so re-batching the same run does not change
// which samples are seen or in what order.
func Order(n int, shuffle bool, seed int64) []int {
	if !shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	return rand.New(rand.NewSource(seed)).Perm(n)
}

// Loader is a running batch pipeline. Batches and Errors are closed when
// the pipeline ends; Stop ends it early.
type Loader struct {
	Batches <-chan model.Batch
	Errors  <-chan error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stop cancels the pipeline and waits for every loader goroutine to exit.
// It is safe to call more than once and after the batches are drained.
func (l *Loader) Stop() {
	l.cancel()
	l.wg.Wait()
}

// StartLoader launches the batch pipeline over ds. Batches are assembled by
// NumWorkers goroutines and delivered strictly in order; the last batch may
// be short. Callers that stop reading before Batches closes must call Stop.
func StartLoader(parent context.Context, ds Dataset, opts LoaderOptions) (*Loader, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, ErrEmptyDataset
	}
	if opts.BatchSize <= 0 {
		return nil, errors.New("loader: batch size must be > 0")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}

	order := Order(ds.Len(), opts.Shuffle, opts.Seed)
	if opts.Limit > 0 && opts.Limit < len(order) {
		order = order[:opts.Limit]
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan batchJob, opts.NumWorkers)
	results := make(chan batchResult, opts.NumWorkers)
	out := make(chan model.Batch, opts.NumWorkers)
	errCh := make(chan error, 1)
	l := &Loader{Batches: out, Errors: errCh, cancel: cancel}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		produceJobs(ctx, jobs, order, opts.BatchSize)
	}()

	var workers sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		workers.Add(1)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer workers.Done()
			worker(ctx, ds, jobs, results)
		}()
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		workers.Wait()
		close(results)
	}()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer cancel()
		defer close(out)
		defer close(errCh)
		runAggregator(ctx, results, out, errCh)
	}()

	return l, nil
}

type batchJob struct {
	id      int64
	indices []int
}

type batchResult struct {
	id    int64
	batch model.Batch
	err   error
}

func produceJobs(ctx context.Context, jobs chan<- batchJob, order []int, batchSize int) {
	defer close(jobs)
	var id int64
	for start := 0; start < len(order); start += batchSize {
		end := start + batchSize
		if end > len(order) {
			end = len(order)
		}
		select {
		case <-ctx.Done():
			return
		case jobs <- batchJob{id: id, indices: order[start:end]}:
			id++
		}
	}
}

func worker(ctx context.Context, ds Dataset, jobs <-chan batchJob, results chan<- batchResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			res := batchResult{id: job.id}
			res.batch, res.err = assemble(ds, job.indices)
			select {
			case <-ctx.Done():
				return
			case results <- res:
			}
		}
	}
}

func assemble(ds Dataset, indices []int) (model.Batch, error) {
	b := model.Batch{
		Indices: make([]int, 0, len(indices)),
		Inputs:  make([][]float64, 0, len(indices)),
		Labels:  make([]int, 0, len(indices)),
	}
	for _, idx := range indices {
		pixels, label, err := ds.Item(idx)
		if err != nil {
			return model.Batch{}, err
		}
		b.Indices = append(b.Indices, idx)
		b.Inputs = append(b.Inputs, pixels)
		b.Labels = append(b.Labels, label)
	}
	return b, nil
}

// runAggregator reorders worker results by job id.
func runAggregator(ctx context.Context, results <-chan batchResult, out chan<- model.Batch, errCh chan<- error) {
	pending := make(map[int64]batchResult)
	var nextID int64
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			pending[res.id] = res
		}

		for {
			res, ok := pending[nextID]
			if !ok {
				break
			}
			if res.err != nil {
				errCh <- res.err
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- res.batch:
			}
			delete(pending, nextID)
			nextID++
		}
	}
}
