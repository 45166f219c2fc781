// Package history keeps the bounded, arrival ordered sample series that backs
// the count-over-time chart.
package history

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"crowdwatch/internal/reading"
)

// DefaultCapacity is the number of samples retained for charting.
const DefaultCapacity = 200

// DefaultLabelLayout renders sample labels as wall clock time.
const DefaultLabelLayout = "15:04:05"

var ErrInvalidCapacity = errors.New("history capacity must be greater than 0")

// Sample is one chart point derived from an accepted reading.
type Sample struct {
	Time  string    `json:"time"`
	Count int64     `json:"count"`
	At    time.Time `json:"at"`
}

// Labeler renders the chart label for a reading timestamp.
type Labeler struct {
	Layout   string
	Location *time.Location
}

// SampleFrom builds the chart sample for r.
func (l Labeler) SampleFrom(r reading.Reading) Sample {
	layout := l.Layout
	if layout == "" {
		layout = DefaultLabelLayout
	}
	loc := l.Location
	if loc == nil {
		loc = time.Local
	}
	return Sample{
		Time:  r.Timestamp.In(loc).Format(layout),
		Count: r.Count,
		At:    r.Timestamp,
	}
}

// Buffer is a fixed capacity FIFO of samples. Once full, each Push
// overwrites the oldest sample inside the same critical section, so the
// length never exceeds the capacity. It is safe for concurrent use.
type Buffer struct {
	mu    sync.RWMutex
	items []Sample
	start int
	size  int
}

// NewBuffer allocates a buffer retaining at most capacity samples.
func NewBuffer(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	return &Buffer{items: make([]Sample, capacity)}, nil
}

// Push appends s, evicting the oldest sample when the buffer is full.
func (b *Buffer) Push(s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.items)
	if b.size < capacity {
		b.items[(b.start+b.size)%capacity] = s
		b.size++
		return
	}
	b.items[b.start] = s
	b.start = (b.start + 1) % capacity
}

// Snapshot returns a copy of the retained samples, oldest first.
func (b *Buffer) Snapshot() []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Sample, b.size)
	capacity := len(b.items)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.start+i)%capacity]
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *Buffer) Cap() int {
	return len(b.items)
}
