// Package archive exports accepted readings to S3 as parquet objects. It is
// write-only: nothing is ever read back into the live read model.
package archive

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crowdwatch/config"
	"crowdwatch/internal/metrics"
	"crowdwatch/internal/reading"
	"crowdwatch/logger"
)

const (
	defaultFlushInterval = time.Minute
	defaultMaxBuffer     = 1000
	defaultQueueSize     = 256
	component            = "archive_writer"
)

// Writer batches readings offered by the stream pipeline and uploads one
// object per observation date on every flush.
type Writer struct {
	location      string
	prefix        string
	flushInterval time.Duration
	maxBuffer     int
	uploader      Uploader
	log           *logger.Log

	queue chan observation

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	buffer  []observation

	newID func() string
}

func NewWriter(cfg config.ArchiveConfig, location string, uploader Uploader, log *logger.Log) (*Writer, error) {
	if uploader == nil {
		return nil, fmt.Errorf("archive requires an uploader")
	}
	if strings.TrimSpace(location) == "" {
		return nil, fmt.Errorf("archive requires a location id")
	}
	if log == nil {
		log = logger.GetLogger()
	}

	w := &Writer{
		location:      location,
		prefix:        strings.Trim(cfg.Prefix, "/"),
		flushInterval: cfg.FlushInterval,
		maxBuffer:     cfg.MaxBufferSize,
		uploader:      uploader,
		log:           log,
		newID:         uuid.NewString,
	}
	if w.flushInterval <= 0 {
		w.flushInterval = defaultFlushInterval
	}
	if w.maxBuffer <= 0 {
		w.maxBuffer = defaultMaxBuffer
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	w.queue = make(chan observation, queueSize)

	log.WithComponent(component).WithLocation(location).WithFields(logger.Fields{
		"prefix":         w.prefix,
		"flush_interval": w.flushInterval.String(),
		"max_buffer":     w.maxBuffer,
		"queue_size":     queueSize,
	}).Info("archive writer initialized")

	return w, nil
}

// Offer queues r and its alert flag without blocking. It reports false and
// records a drop metric when the queue is full.
func (w *Writer) Offer(r reading.Reading, alert bool) bool {
	select {
	case w.queue <- observation{reading: r, alert: alert}:
		return true
	default:
		metrics.EmitDropMetric(w.log, metrics.DropMetricArchiveQueue, w.location, "queue_full", "archive")
		return false
	}
}

// QueueLen and QueueCap feed the buffer occupancy metrics.
func (w *Writer) QueueLen() int { return len(w.queue) }
func (w *Writer) QueueCap() int { return cap(w.queue) }

func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("archive writer already running")
	}
	w.running = true

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.worker(runCtx)
	return nil
}

// Stop drains the queue and uploads whatever is buffered.
func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.log.WithComponent(component).Info("archive writer stopped")
}

func (w *Writer) worker(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			w.flush(context.WithoutCancel(ctx), "stop")
			return
		case o := <-w.queue:
			w.buffer = append(w.buffer, o)
			if len(w.buffer) >= w.maxBuffer {
				w.flush(ctx, "max_buffer")
			}
		case <-ticker.C:
			w.flush(ctx, "interval")
		}
	}
}

func (w *Writer) drain() {
	for {
		select {
		case o := <-w.queue:
			w.buffer = append(w.buffer, o)
		default:
			return
		}
	}
}

// flush uploads the buffer grouped by UTC observation date. A failed upload
// is logged and its readings are dropped.
func (w *Writer) flush(ctx context.Context, reason string) {
	if len(w.buffer) == 0 {
		return
	}
	entries := w.buffer
	w.buffer = nil

	byDate := make(map[string][]observation)
	for _, o := range entries {
		date := o.reading.Timestamp.UTC().Format("2006-01-02")
		byDate[date] = append(byDate[date], o)
	}
	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	for _, date := range dates {
		w.upload(ctx, date, byDate[date], reason)
	}
}

func (w *Writer) upload(ctx context.Context, date string, batch []observation, reason string) {
	log := w.log.WithComponent(component).WithLocation(w.location).WithFields(logger.Fields{
		"records": len(batch),
		"reason":  reason,
	})

	data, err := encodeParquet(w.location, batch)
	if err != nil {
		log.WithError(err).Error("failed to encode archive batch")
		return
	}

	key := w.objectKey(date)
	if err := w.uploader.Upload(ctx, key, data); err != nil {
		log.WithError(err).WithFields(logger.Fields{"s3_key": key}).Error("failed to upload archive batch")
		return
	}

	logger.IncrementArchiveUpload(int64(len(data)))
	log.WithFields(logger.Fields{"s3_key": key, "bytes": len(data)}).Info("archive batch uploaded")
}

// objectKey renders <prefix>/location=<id>/date=<YYYY-MM-DD>/<uuid>.parquet.
func (w *Writer) objectKey(date string) string {
	parts := make([]string, 0, 4)
	if w.prefix != "" {
		parts = append(parts, w.prefix)
	}
	parts = append(parts,
		"location="+w.location,
		"date="+date,
		w.newID()+".parquet",
	)
	return path.Join(parts...)
}
