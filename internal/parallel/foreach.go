// Package parallel contains the small fan-out helpers shared by the forward
// pass and the embedding optimiser.
package parallel

import "sync"

// ForEach executes body for every i in [0, length) with at most limit
// goroutines running at once.
func ForEach(length, limit int, body func(i int)) {
	if limit <= 0 {
		limit = 1
	}
	if length <= 0 {
		return
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	wg.Add(length)

	for i := 0; i < length; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			body(i)
		}(i)
	}

	wg.Wait()
}

// Chunks splits [0, length) into at most workers contiguous ranges and runs
// body once per range. The split only depends on length and workers, so
// callers that reduce per-chunk results in chunk order stay deterministic.
func Chunks(length, workers int, body func(chunk, lo, hi int)) {
	if length <= 0 {
		return
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > length {
		workers = length
	}
	size := (length + workers - 1) / workers

	var wg sync.WaitGroup
	for c := 0; c < workers; c++ {
		lo := c * size
		if lo >= length {
			break
		}
		hi := lo + size
		if hi > length {
			hi = length
		}
		wg.Add(1)
		go func(c, lo, hi int) {
			defer wg.Done()
			body(c, lo, hi)
		}(c, lo, hi)
	}
	wg.Wait()
}

// NumChunks reports how many ranges Chunks will produce.
func NumChunks(length, workers int) int {
	if length <= 0 {
		return 0
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > length {
		workers = length
	}
	size := (length + workers - 1) / workers
	return (length + size - 1) / size
}
