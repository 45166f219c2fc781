package dashboard

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"crowdwatch/logger"
)

// resourceSnapshot is one sample of host and process utilisation.
type resourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	DiskPct     float64   `json:"disk_percent"`
	ProcessRSS  uint64    `json:"process_rss"`
	NetBytesIn  uint64    `json:"net_bytes_recv"`
	NetBytesOut uint64    `json:"net_bytes_sent"`
}

type resourceSampler struct {
	samples  *window[resourceSnapshot]
	interval time.Duration
	diskPath string

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Log
}

var (
	cpuPercentFn = func(ctx context.Context) ([]float64, error) {
		return cpu.PercentWithContext(ctx, 0, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
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
	netIOFn = func(ctx context.Context) (uint64, uint64, error) {
		counters, err := psnet.IOCountersWithContext(ctx, false)
		if err != nil || len(counters) == 0 {
			return 0, 0, err
		}
		return counters[0].BytesRecv, counters[0].BytesSent, nil
	}
)

func newResourceSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *resourceSampler {
	if interval <= 0 {
		interval = time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &resourceSampler{
		samples:  newWindow[resourceSnapshot](limit),
		interval: interval,
		diskPath: diskPath,
		log:      log,
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil || s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(childCtx)
	}()
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	if cancel := s.cancel; cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	if s == nil {
		return nil
	}
	return s.samples.snapshot()
}

func (s *resourceSampler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if snap, err := s.sample(ctx); err != nil {
			s.log.WithComponent("resource_sampler").WithError(err).Debug("failed to sample host resources")
		} else {
			s.samples.add(snap)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *resourceSampler) sample(ctx context.Context) (resourceSnapshot, error) {
	cpuSamples, err := cpuPercentFn(ctx)
	if err != nil {
		return resourceSnapshot{}, err
	}
	memStats, err := memoryStatsFn(ctx)
	if err != nil {
		return resourceSnapshot{}, err
	}
	diskStats, err := diskUsageFn(ctx, s.diskPath)
	if err != nil {
		return resourceSnapshot{}, err
	}
	// RSS is best effort; some sandboxes hide /proc/self.
	rss, _ := processRSSFn(ctx)
	bytesIn, bytesOut, _ := netIOFn(ctx)

	return resourceSnapshot{
		Timestamp:   time.Now(),
		CPUPercent:  firstSample(cpuSamples),
		MemoryUsed:  memStats.Used,
		MemoryTotal: memStats.Total,
		MemoryPct:   memStats.UsedPercent,
		DiskUsed:    diskStats.Used,
		DiskTotal:   diskStats.Total,
		DiskPct:     diskStats.UsedPercent,
		ProcessRSS:  rss,
		NetBytesIn:  bytesIn,
		NetBytesOut: bytesOut,
	}, nil
}

func firstSample(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return samples[0]
}
