package api

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"cryptostream/logger"
)

// ResourceSample is one reading of host and process utilisation.
type ResourceSample struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	ProcessRSS  uint64    `json:"process_rss"`
	Goroutines  int       `json:"goroutines"`
}

type resourceSampler struct {
	mu       sync.RWMutex
	items    []ResourceSample
	limit    int
	interval time.Duration

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Log
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	processRSSFn  = func(ctx context.Context) (uint64, error) {
		p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return 0, err
		}
		info, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			return 0, err
		}
		return info.RSS, nil
	}
)

func newResourceSampler(limit int, interval time.Duration, log *logger.Log) *resourceSampler {
	if limit <= 0 {
		limit = 120
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &resourceSampler{limit: limit, interval: interval, log: log}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s.running.Swap(true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

func (s *resourceSampler) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *resourceSampler) snapshot() []ResourceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ResourceSample, len(s.items))
	copy(out, s.items)
	return out
}

func (s *resourceSampler) append(sample ResourceSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, sample)
	if len(s.items) > s.limit {
		s.items = append([]ResourceSample(nil), s.items[len(s.items)-s.limit:]...)
	}
}

// run samples continuously; the cpu call itself blocks for one interval.
func (s *resourceSampler) run(ctx context.Context) {
	log := s.log.WithComponent("resource_sampler")
	for ctx.Err() == nil {
		cpuSamples, err := cpuPercentFn(ctx, s.interval)
		if err != nil {
			log.WithError(err).Debug("failed to sample cpu usage")
			if !sleep(ctx, s.interval) {
				return
			}
			continue
		}
		memStats, err := memoryStatsFn(ctx)
		if err != nil {
			log.WithError(err).Debug("failed to sample memory usage")
			continue
		}
		rss, err := processRSSFn(ctx)
		if err != nil {
			log.WithError(err).Debug("failed to sample process memory")
		}

		s.append(ResourceSample{
			Timestamp:   time.Now().UTC(),
			CPUPercent:  firstSample(cpuSamples),
			MemoryUsed:  memStats.Used,
			MemoryTotal: memStats.Total,
			MemoryPct:   memStats.UsedPercent,
			ProcessRSS:  rss,
			Goroutines:  runtime.NumGoroutine(),
		})
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func firstSample(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return samples[0]
}
