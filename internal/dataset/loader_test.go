package dataset

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"mnist-tsne/internal/model"
)

func syntheticImages(n int) *Images {
	ds := &Images{Height: 2, Width: 2}
	for i := 0; i < n; i++ {
		ds.Pixels = append(ds.Pixels, byte(i), byte(i), byte(i), byte(i))
		ds.Labels = append(ds.Labels, i%10)
	}
	return ds
}

func drain(t *testing.T, ld *Loader) []model.Batch {
	t.Helper()
	defer ld.Stop()
	var got []model.Batch
	for b := range ld.Batches {
		got = append(got, b)
	}
	for err := range ld.Errors {
		if err != nil {
			t.Fatalf("loader error: %v", err)
		}
	}
	return got
}

func flatten(batches []model.Batch) []int {
	var out []int
	for _, b := range batches {
		out = append(out, b.Indices...)
	}
	return out
}

func TestLoaderOrderIndependentOfBatchSize(t *testing.T) {
	ds := syntheticImages(103)
	var reference []int
	for _, size := range []int{1, 7, 32, 128} {
		ld, err := StartLoader(context.Background(), ds, LoaderOptions{
			BatchSize:  size,
			Shuffle:    true,
			Seed:       42,
			NumWorkers: 3,
		})
		if err != nil {
			t.Fatalf("StartLoader: %v", err)
		}
		got := flatten(drain(t, ld))
		if len(got) != 103 {
			t.Fatalf("batch size %d: expected 103 samples, got %d", size, len(got))
		}
		if reference == nil {
			reference = got
			continue
		}
		for i := range got {
			if got[i] != reference[i] {
				t.Fatalf("batch size %d: order differs at %d", size, i)
			}
		}
	}
}

func TestLoaderPartialFinalBatch(t *testing.T) {
	ds := syntheticImages(10)
	ld, err := StartLoader(context.Background(), ds, LoaderOptions{BatchSize: 4, NumWorkers: 2})
	if err != nil {
		t.Fatalf("StartLoader: %v", err)
	}
	got := drain(t, ld)
	if len(got) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(got))
	}
	if got[2].Len() != 2 {
		t.Fatalf("expected final batch of 2, got %d", got[2].Len())
	}
	for i, idx := range flatten(got) {
		if idx != i {
			t.Fatalf("unshuffled order broken at %d: %d", i, idx)
		}
	}
	if got[1].Labels[0] != 4 || got[1].Inputs[0][0] != 4.0/255 {
		t.Fatalf("batch content does not match dataset: %+v", got[1])
	}
}

func TestLoaderLimit(t *testing.T) {
	ds := syntheticImages(50)
	for _, tt := range []struct{ limit, want int }{{20, 20}, {0, 50}, {80, 50}} {
		ld, err := StartLoader(context.Background(), ds, LoaderOptions{BatchSize: 8, Shuffle: true, Seed: 1, Limit: tt.limit})
		if err != nil {
			t.Fatalf("StartLoader: %v", err)
		}
		if got := len(flatten(drain(t, ld))); got != tt.want {
			t.Fatalf("limit %d: expected %d samples, got %d", tt.limit, tt.want, got)
		}
	}
}

type failingDataset struct {
	n, bad int
}

func (f failingDataset) Len() int { return f.n }

func (f failingDataset) Item(i int) ([]float64, int, error) {
	if i == f.bad {
		return nil, 0, errors.New("corrupt sample")
	}
	return []float64{0}, 0, nil
}

func TestLoaderPropagatesItemError(t *testing.T) {
	ld, err := StartLoader(context.Background(), failingDataset{n: 20, bad: 13}, LoaderOptions{BatchSize: 4, NumWorkers: 4})
	if err != nil {
		t.Fatalf("StartLoader: %v", err)
	}
	defer ld.Stop()
	delivered := 0
	for range ld.Batches {
		delivered++
	}
	var loadErr error
	for err := range ld.Errors {
		loadErr = err
	}
	if loadErr == nil {
		t.Fatal("expected item error")
	}
	if delivered > 3 {
		t.Fatalf("batches after the failing one were delivered: %d", delivered)
	}
}

func TestLoaderRejectsEmpty(t *testing.T) {
	if _, err := StartLoader(context.Background(), &Images{}, LoaderOptions{BatchSize: 1}); !errors.Is(err, ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset, got %v", err)
	}
	if _, err := StartLoader(context.Background(), syntheticImages(3), LoaderOptions{}); err == nil {
		t.Fatal("expected batch size error")
	}
}

func TestLoaderStopAfterEarlyExit(t *testing.T) {
	before := runtime.NumGoroutine()
	ld, err := StartLoader(context.Background(), syntheticImages(1000), LoaderOptions{BatchSize: 10, NumWorkers: 4})
	if err != nil {
		t.Fatalf("StartLoader: %v", err)
	}
	if b := <-ld.Batches; b.Len() != 10 {
		t.Fatalf("expected a full first batch, got %d", b.Len())
	}
	ld.Stop()
	ld.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("loader goroutines still running: before=%d after=%d", before, runtime.NumGoroutine())
		}
		time.Sleep(10 * time.Millisecond)
	}
	for range ld.Batches {
	}
}

func TestOrderDeterministic(t *testing.T) {
	a := Order(30, true, 7)
	b := Order(30, true, 7)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed produced different orders")
		}
	}
}
