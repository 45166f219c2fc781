package history

import (
	"errors"
	"sync"
	"testing"
	"time"

	"crowdwatch/internal/reading"
)

func sample(i int) Sample {
	return Sample{Time: "t", Count: int64(i), At: time.Unix(int64(i), 0)}
}

func TestNewBufferRejectsNonPositiveCapacity(t *testing.T) {
	for _, capacity := range []int{0, -1} {
		b, err := NewBuffer(capacity)
		if !errors.Is(err, ErrInvalidCapacity) {
			t.Fatalf("NewBuffer(%d) error = %v, want ErrInvalidCapacity", capacity, err)
		}
		if b != nil {
			t.Fatalf("NewBuffer(%d) returned a buffer", capacity)
		}
	}
}

func TestBufferRetainsMostRecentInOrder(t *testing.T) {
	for _, n := range []int{0, 1, 199, 200, 201, 205, 450} {
		b, err := NewBuffer(DefaultCapacity)
		if err != nil {
			t.Fatalf("NewBuffer: %v", err)
		}
		for i := 1; i <= n; i++ {
			b.Push(sample(i))
			if b.Len() > DefaultCapacity {
				t.Fatalf("length %d exceeds capacity after push %d", b.Len(), i)
			}
		}

		got := b.Snapshot()
		want := n
		if want > DefaultCapacity {
			want = DefaultCapacity
		}
		if len(got) != want {
			t.Fatalf("n=%d: len = %d, want %d", n, len(got), want)
		}
		first := n - want + 1
		for i, s := range got {
			if s.Count != int64(first+i) {
				t.Fatalf("n=%d: sample %d has count %d, want %d", n, i, s.Count, first+i)
			}
		}
	}
}

func TestBufferEvictsExactlyOldest(t *testing.T) {
	b, _ := NewBuffer(DefaultCapacity)
	for i := 1; i <= 200; i++ {
		b.Push(sample(i))
	}
	before := b.Snapshot()

	b.Push(sample(201))
	after := b.Snapshot()

	if len(after) != 200 {
		t.Fatalf("len = %d, want 200", len(after))
	}
	if after[0].Count != 2 || after[199].Count != 201 {
		t.Fatalf("unexpected window [%d..%d]", after[0].Count, after[199].Count)
	}
	for i := 0; i < 199; i++ {
		if after[i] != before[i+1] {
			t.Fatalf("sample %d changed during eviction", i)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	b, _ := NewBuffer(3)
	b.Push(sample(1))

	snap := b.Snapshot()
	snap[0].Count = 99

	if got := b.Snapshot()[0].Count; got != 1 {
		t.Fatalf("buffer mutated through snapshot: %d", got)
	}
}

func TestConcurrentSnapshotsDuringPush(t *testing.T) {
	b, _ := NewBuffer(50)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 1000; i++ {
			b.Push(sample(i))
		}
	}()

	for i := 0; i < 100; i++ {
		snap := b.Snapshot()
		if len(snap) > 50 {
			t.Fatalf("snapshot length %d exceeds capacity", len(snap))
		}
		for j := 1; j < len(snap); j++ {
			if snap[j].Count != snap[j-1].Count+1 {
				t.Fatalf("snapshot out of order: %d after %d", snap[j].Count, snap[j-1].Count)
			}
		}
	}
	wg.Wait()
}

func TestLabelerSampleFrom(t *testing.T) {
	r := reading.Reading{Count: 9, Timestamp: time.Date(2024, 1, 1, 13, 4, 5, 0, time.UTC)}

	s := Labeler{Location: time.UTC}.SampleFrom(r)
	if s.Time != "13:04:05" || s.Count != 9 || !s.At.Equal(r.Timestamp) {
		t.Fatalf("unexpected sample %+v", s)
	}

	s = Labeler{Layout: time.RFC3339, Location: time.UTC}.SampleFrom(r)
	if s.Time != "2024-01-01T13:04:05Z" {
		t.Fatalf("custom layout ignored: %q", s.Time)
	}
}
