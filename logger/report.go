package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsStream     int64
	errorsArchive    int64
	warnsStream      int64
	warnsArchive     int64
	framesReceived   int64
	readingsAccepted int64
	decodeFailures   int64
	archiveUploads   int64
	channels         sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "archive") {
		atomic.AddInt64(&warnsArchive, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "archive") {
		atomic.AddInt64(&errorsArchive, 1)
	}
}

// IncrementFrameRead counts one inbound websocket frame of the given size.
func IncrementFrameRead(size int) {
	atomic.AddInt64(&framesReceived, 1)
	recordChannel("stream_ws", size)
}

func IncrementReadingAccepted() {
	atomic.AddInt64(&readingsAccepted, 1)
}

func IncrementDecodeFailure() {
	atomic.AddInt64(&decodeFailures, 1)
}

func IncrementArchiveUpload(size int64) {
	atomic.AddInt64(&archiveUploads, 1)
	recordChannel("s3_archive_write", int(size))
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and stream statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func reportFields() Fields {
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	return Fields{
		"errors_stream":     atomic.LoadInt64(&errorsStream),
		"errors_archive":    atomic.LoadInt64(&errorsArchive),
		"warns_stream":      atomic.LoadInt64(&warnsStream),
		"warns_archive":     atomic.LoadInt64(&warnsArchive),
		"frames_received":   atomic.LoadInt64(&framesReceived),
		"readings_accepted": atomic.LoadInt64(&readingsAccepted),
		"decode_failures":   atomic.LoadInt64(&decodeFailures),
		"archive_uploads":   atomic.LoadInt64(&archiveUploads),
		"goroutines":        runtime.NumGoroutine(),
		"channels":          channelData,
	}
}

func logReport(ctx context.Context, log *Log) {
	fields := reportFields()

	cpuPct := 0.0
	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memMB := 0.0
	if memStats, err := mem.VirtualMemory(); err == nil {
		memMB = float64(memStats.Used) / 1024 / 1024
	}
	fields["cpu_percent"] = cpuPct
	fields["memory_mb"] = int64(memMB)

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	counter := func(name, key string) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(fields[key].(int64))),
		}
	}

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CrowdWatch-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("CrowdWatch-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
		counter("CrowdWatch-FramesReceived", "frames_received"),
		counter("CrowdWatch-ReadingsAccepted", "readings_accepted"),
		counter("CrowdWatch-DecodeFailures", "decode_failures"),
		counter("CrowdWatch-ErrorsStream", "errors_stream"),
		counter("CrowdWatch-WarnsStream", "warns_stream"),
		counter("CrowdWatch-ArchiveUploads", "archive_uploads"),
	}

	publishMetrics(ctx, data)
}
