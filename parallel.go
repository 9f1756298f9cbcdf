package cryptofs

import (
	"errors"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ParallelConfig controls parallel chunk processing
type ParallelConfig struct {
	// Enabled enables parallel chunk processing
	Enabled bool

	// MaxWorkers is the maximum number of worker goroutines
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int

	// MinChunksForParallel is the minimum number of chunks to use parallel processing
	// Below this threshold, sequential processing is used
	MinChunksForParallel int
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil
	}

	if p.MaxWorkers < 0 {
		return errors.New("parallel max workers cannot be negative")
	}
	if p.MaxWorkers > 1024 {
		return errors.New("parallel max workers must not exceed 1024")
	}
	if p.MinChunksForParallel < 1 {
		return errors.New("parallel min chunks threshold must be at least 1")
	}
	if p.MinChunksForParallel > 1000 {
		return errors.New("parallel min chunks threshold must not exceed 1000")
	}

	return nil
}

// DefaultParallelConfig returns the default parallel processing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:              true,
		MaxWorkers:           runtime.NumCPU(),
		MinChunksForParallel: 4,
	}
}

func (p ParallelConfig) workers(jobs int) int {
	n := p.MaxWorkers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return min(n, jobs)
}

// workerPanic records the first panic raised by a worker
type workerPanic struct {
	once  sync.Once
	value any
	set   bool
}

func (w *workerPanic) capture() {
	if r := recover(); r != nil {
		w.once.Do(func() {
			w.value = r
			w.set = true
		})
	}
}

// runParallel calls fn(i) for every i in [0, n). Below the configured
// threshold, or when disabled, the calls run sequentially. A panic in any
// worker is re-raised on the calling goroutine once all workers finish.
func runParallel(cfg ParallelConfig, n int, fn func(i int)) {
	if n == 0 {
		return
	}
	if !cfg.Enabled || n < cfg.MinChunksForParallel || cfg.workers(n) < 2 {
		for i := range n {
			fn(i)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(cfg.workers(n))

	var wp workerPanic
	for i := range n {
		g.Go(func() error {
			defer wp.capture()
			fn(i)
			return nil
		})
	}
	_ = g.Wait()

	if wp.set {
		panic(wp.value)
	}
}
