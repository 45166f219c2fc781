package dashboard

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"crowdwatch/logger"
)

func TestResourceSamplerCollectsSamples(t *testing.T) {
	log := logger.Logger()
	sampler := newResourceSampler(3, time.Millisecond*10, "/", log)

	originalCPU := cpuPercentFn
	originalMem := memoryStatsFn
	originalDisk := diskUsageFn
	originalRSS := processRSSFn
	originalNet := netIOFn
	t.Cleanup(func() {
		cpuPercentFn = originalCPU
		memoryStatsFn = originalMem
		diskUsageFn = originalDisk
		processRSSFn = originalRSS
		netIOFn = originalNet
	})

	cpuCalls := atomic.Int32{}
	cpuPercentFn = func(ctx context.Context) ([]float64, error) {
		cpuCalls.Add(1)
		return []float64{42.5}, nil
	}
	memoryStatsFn = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 1024, Total: 2048, UsedPercent: 50}, nil
	}
	diskUsageFn = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Used: 4096, Total: 8192, UsedPercent: 50}, nil
	}
	processRSSFn = func(ctx context.Context) (uint64, error) {
		return 512, nil
	}
	netIOFn = func(ctx context.Context) (uint64, uint64, error) {
		return 10, 20, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler.start(ctx)

	// Wait for a few samples to be collected.
	deadline := time.Now().Add(250 * time.Millisecond)
	for {
		if time.Now().After(deadline) {
			t.Fatal("resource sampler did not collect samples in time")
		}
		if len(sampler.snapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	sampler.stop()

	snapshots := sampler.snapshot()
	if len(snapshots) == 0 {
		t.Fatal("expected at least one resource snapshot")
	}

	latest := snapshots[len(snapshots)-1]
	if latest.CPUPercent != 42.5 || latest.MemoryPct != 50 || latest.DiskPct != 50 || latest.ProcessRSS != 512 ||
		latest.NetBytesIn != 10 || latest.NetBytesOut != 20 {
		t.Fatalf("unexpected snapshot data: %#v", latest)
	}

	if cpuCalls.Load() == 0 {
		t.Fatal("expected cpu sampler to be invoked")
	}
}

func TestResourceSamplerSkipsFailedSamples(t *testing.T) {
	sampler := newResourceSampler(3, time.Hour, "/", logger.Logger())

	originalCPU := cpuPercentFn
	t.Cleanup(func() { cpuPercentFn = originalCPU })
	cpuPercentFn = func(ctx context.Context) ([]float64, error) {
		return nil, context.DeadlineExceeded
	}

	if _, err := sampler.sample(context.Background()); err == nil {
		t.Fatal("expected sampling error")
	}
	if len(sampler.snapshot()) != 0 {
		t.Fatal("failed sample must not be stored")
	}
}
