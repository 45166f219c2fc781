package archive

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"crowdwatch/config"
	"crowdwatch/internal/reading"
	"crowdwatch/logger"
)

type upload struct {
	key  string
	body []byte
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads []upload
	err     error
	signal  chan struct{}
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{signal: make(chan struct{}, 16)}
}

func (f *fakeUploader) Upload(_ context.Context, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.uploads = append(f.uploads, upload{key: key, body: append([]byte(nil), body...)})
	select {
	case f.signal <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeUploader) all() []upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upload(nil), f.uploads...)
}

func quietLogger() *logger.Log {
	log := logger.Logger()
	log.SetOutput(&bytes.Buffer{})
	return log
}

func sampleReading(day, count int) reading.Reading {
	return reading.Reading{
		Count:      int64(count),
		Density:    0.4,
		Timestamp:  time.Date(2024, 5, day, 23, 59, 0, 0, time.UTC),
		AlertRaw:   "true",
		ReceivedAt: time.Date(2024, 5, day, 23, 59, 1, 0, time.UTC),
	}
}

func TestEncodeParquetProducesParquetFile(t *testing.T) {
	batch := []observation{{reading: sampleReading(1, 10)}, {reading: sampleReading(1, 12), alert: true}}
	data, err := encodeParquet("demo-square", batch)
	if err != nil {
		t.Fatalf("encodeParquet: %v", err)
	}
	if len(data) < 8 {
		t.Fatalf("parquet output too short: %d bytes", len(data))
	}
	if string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Fatal("output is missing parquet magic bytes")
	}
}

func TestToRecordPrefersWireLocation(t *testing.T) {
	r := sampleReading(1, 5)
	rec := toRecord("demo-square", observation{reading: r, alert: true})
	if rec.LocationID != "demo-square" || rec.Count != 5 || !rec.Alert {
		t.Fatalf("record = %+v", rec)
	}
	if rec.ObservedAt != r.Timestamp.UnixMilli() {
		t.Fatalf("observed_at = %d", rec.ObservedAt)
	}

	r.LocationID = "north-gate"
	if got := toRecord("demo-square", observation{reading: r}).LocationID; got != "north-gate" {
		t.Fatalf("location = %s", got)
	}
}

func TestToRecordKeepsEvaluatedAlert(t *testing.T) {
	// The wire flag says "true"; the stored flag came from the evaluator.
	rec := toRecord("demo-square", observation{reading: sampleReading(1, 5), alert: false})
	if rec.Alert {
		t.Fatal("record alert must be the evaluated flag, not the wire value")
	}
}

func TestObjectKeyLayout(t *testing.T) {
	w, err := NewWriter(config.ArchiveConfig{Prefix: "/crowd_observations/"}, "demo-square", newFakeUploader(), quietLogger())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.newID = func() string { return "abc" }

	if got := w.objectKey("2024-05-01"); got != "crowd_observations/location=demo-square/date=2024-05-01/abc.parquet" {
		t.Fatalf("key = %s", got)
	}

	w.prefix = ""
	if got := w.objectKey("2024-05-01"); got != "location=demo-square/date=2024-05-01/abc.parquet" {
		t.Fatalf("key without prefix = %s", got)
	}
}

func TestNewWriterValidation(t *testing.T) {
	if _, err := NewWriter(config.ArchiveConfig{}, "demo-square", nil, quietLogger()); err == nil {
		t.Fatal("expected error without uploader")
	}
	if _, err := NewWriter(config.ArchiveConfig{}, " ", newFakeUploader(), quietLogger()); err == nil {
		t.Fatal("expected error without location")
	}
}

func TestStopFlushesByDate(t *testing.T) {
	up := newFakeUploader()
	w, err := NewWriter(config.ArchiveConfig{FlushInterval: time.Hour, MaxBufferSize: 100, QueueSize: 10}, "demo-square", up, quietLogger())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}

	for _, r := range []reading.Reading{sampleReading(1, 1), sampleReading(2, 2), sampleReading(1, 3)} {
		if !w.Offer(r, false) {
			t.Fatal("offer rejected with free queue space")
		}
	}
	w.Stop()
	w.Stop()

	uploads := up.all()
	if len(uploads) != 2 {
		t.Fatalf("uploads = %d, want one per date", len(uploads))
	}
	if !strings.Contains(uploads[0].key, "date=2024-05-01/") || !strings.Contains(uploads[1].key, "date=2024-05-02/") {
		t.Fatalf("keys = %s, %s", uploads[0].key, uploads[1].key)
	}
	if !strings.HasPrefix(uploads[0].key, "location=demo-square/") {
		t.Fatalf("key = %s", uploads[0].key)
	}
}

func TestMaxBufferTriggersFlush(t *testing.T) {
	up := newFakeUploader()
	w, err := NewWriter(config.ArchiveConfig{FlushInterval: time.Hour, MaxBufferSize: 2, QueueSize: 10}, "demo-square", up, quietLogger())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	w.Offer(sampleReading(1, 1), false)
	w.Offer(sampleReading(1, 2), false)

	select {
	case <-up.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("full buffer was not flushed")
	}
}

func TestOfferDropsWhenQueueFull(t *testing.T) {
	w, err := NewWriter(config.ArchiveConfig{QueueSize: 1}, "demo-square", newFakeUploader(), quietLogger())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	if !w.Offer(sampleReading(1, 1), false) {
		t.Fatal("first offer should be queued")
	}
	if w.Offer(sampleReading(1, 2), false) {
		t.Fatal("offer to a full queue must be dropped")
	}
	if w.QueueLen() != 1 || w.QueueCap() != 1 {
		t.Fatalf("queue %d/%d", w.QueueLen(), w.QueueCap())
	}
}

func TestFailedUploadIsNotRetried(t *testing.T) {
	up := newFakeUploader()
	up.err = errors.New("access denied")
	w, err := NewWriter(config.ArchiveConfig{FlushInterval: time.Hour, QueueSize: 4}, "demo-square", up, quietLogger())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Offer(sampleReading(1, 1), true)
	w.Stop()

	if len(up.all()) != 0 || len(w.buffer) != 0 {
		t.Fatal("failed batch should be dropped")
	}
}
