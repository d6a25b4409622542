package manager

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/t77yq/postpilot/internal/events"
	"github.com/t77yq/postpilot/internal/model"
)

// ResourceSampler periodically measures this process's CPU and resident memory
type ResourceSampler struct {
	logger   *zap.Logger
	bus      *events.Bus
	interval time.Duration
	proc     *process.Process
	numCores int

	mu       sync.RWMutex
	latest   model.SystemStats
	prevCPU  float64
	prevWall time.Time
}

// NewResourceSampler creates a sampler for the current process
func NewResourceSampler(interval time.Duration, bus *events.Bus, logger *zap.Logger) (*ResourceSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open process handle: %w", err)
	}

	cores, err := cpu.Counts(true)
	if err != nil || cores <= 0 {
		cores = runtime.NumCPU()
	}

	return &ResourceSampler{
		logger:   logger.Named("resource-sampler"),
		bus:      bus,
		interval: interval,
		proc:     proc,
		numCores: cores,
	}, nil
}

// NumCores returns the number of logical cores used for normalization
func (s *ResourceSampler) NumCores() int {
	return s.numCores
}

// Run samples on every interval until the context is cancelled
func (s *ResourceSampler) Run(ctx context.Context) {
	s.prime()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collect()
		}
	}
}

// Latest returns the most recent sample
func (s *ResourceSampler) Latest() model.SystemStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

func (s *ResourceSampler) prime() {
	total, err := s.cpuSeconds()
	if err != nil {
		s.logger.Error("Failed to get process CPU times", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.prevCPU = total
	s.prevWall = time.Now()
	s.mu.Unlock()
}

func (s *ResourceSampler) cpuSeconds() (float64, error) {
	times, err := s.proc.Times()
	if err != nil {
		return 0, err
	}
	return times.User + times.System, nil
}

// collect takes one sample and publishes it
func (s *ResourceSampler) collect() {
	now := time.Now()
	stats := model.SystemStats{
		NumCores:    s.numCores,
		Goroutines:  runtime.NumGoroutine(),
		CollectedAt: now,
	}

	total, err := s.cpuSeconds()
	if err != nil {
		s.logger.Error("Failed to get process CPU times", zap.Error(err))
	}

	memInfo, merr := s.proc.MemoryInfo()
	if merr != nil {
		s.logger.Error("Failed to get process memory usage", zap.Error(merr))
	} else {
		stats.MemoryRSS = memInfo.RSS
	}

	s.mu.Lock()
	if err == nil {
		if !s.prevWall.IsZero() {
			stats.CPUPercent = cpuPercent(s.prevCPU, total, now.Sub(s.prevWall), s.numCores)
		}
		s.prevCPU = total
		s.prevWall = now
	}
	s.latest = stats
	s.mu.Unlock()

	s.logger.Debug("Resource stats collected",
		zap.Float64("cpu_percent", stats.CPUPercent),
		zap.Uint64("memory_rss", stats.MemoryRSS),
		zap.Int("goroutines", stats.Goroutines))

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.TypeSystemStats,
			Timestamp: now,
			Payload:   stats,
		})
	}
}

// cpuPercent normalizes a CPU time delta by wall time and core count, clamped to [0,100]
func cpuPercent(prevCPU, curCPU float64, wall time.Duration, cores int) float64 {
	if wall <= 0 || cores <= 0 {
		return 0
	}
	pct := (curCPU - prevCPU) / (wall.Seconds() * float64(cores)) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
