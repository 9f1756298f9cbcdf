package cryptofs

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunParallel_VisitsEveryIndex(t *testing.T) {
	configs := map[string]ParallelConfig{
		"disabled":        {Enabled: false},
		"below threshold": {Enabled: true, MaxWorkers: 4, MinChunksForParallel: 100},
		"single worker":   {Enabled: true, MaxWorkers: 1, MinChunksForParallel: 1},
		"parallel":        {Enabled: true, MaxWorkers: 4, MinChunksForParallel: 2},
		"default workers": {Enabled: true, MinChunksForParallel: 1},
	}

	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			const n = 37
			var mu sync.Mutex
			seen := make(map[int]int)
			runParallel(cfg, n, func(i int) {
				mu.Lock()
				seen[i]++
				mu.Unlock()
			})
			if len(seen) != n {
				t.Fatalf("visited %d indexes, want %d", len(seen), n)
			}
			for i, c := range seen {
				if c != 1 {
					t.Errorf("index %d visited %d times", i, c)
				}
			}
		})
	}
}

func TestRunParallel_RespectsWorkerLimit(t *testing.T) {
	cfg := ParallelConfig{Enabled: true, MaxWorkers: 3, MinChunksForParallel: 1}
	var running, peak atomic.Int32
	runParallel(cfg, 24, func(int) {
		cur := running.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
	})
	if got := peak.Load(); got > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", got)
	}
}

func TestRunParallel_SequentialOrder(t *testing.T) {
	var order []int
	runParallel(ParallelConfig{}, 5, func(i int) { order = append(order, i) })
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestRunParallel_Empty(t *testing.T) {
	runParallel(DefaultParallelConfig(), 0, func(int) { t.Error("called with no jobs") })
}

func TestRunParallel_PanicReraised(t *testing.T) {
	cfg := ParallelConfig{Enabled: true, MaxWorkers: 4, MinChunksForParallel: 1}
	var finished atomic.Int32

	defer func() {
		r := recover()
		if r != "worker 5 failed" {
			t.Errorf("recovered %v, want worker panic", r)
		}
		if got := finished.Load(); got != 15 {
			t.Errorf("%d workers finished, want the other 15", got)
		}
	}()

	runParallel(cfg, 16, func(i int) {
		if i == 5 {
			panic("worker 5 failed")
		}
		finished.Add(1)
	})
	t.Error("runParallel returned normally")
}

func TestParallelConfig_Workers(t *testing.T) {
	cfg := ParallelConfig{MaxWorkers: 8}
	if got := cfg.workers(3); got != 3 {
		t.Errorf("workers(3) = %d, want 3", got)
	}
	if got := cfg.workers(20); got != 8 {
		t.Errorf("workers(20) = %d, want 8", got)
	}
}
