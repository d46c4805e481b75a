package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFiresWithinSettleCoalesce(t *testing.T) {
	var runs atomic.Int32
	tr := NewTrigger(context.Background(), 100*time.Millisecond, 0, func(context.Context) { runs.Add(1) })
	defer tr.Stop()

	for i := 0; i < 20; i++ {
		tr.Fire()
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(250 * time.Millisecond)
	if n := runs.Load(); n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}
}

func TestFireDuringRunSchedulesOneFollowUp(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var active, overlap, runs atomic.Int32
	tr := NewTrigger(context.Background(), 10*time.Millisecond, 0, func(context.Context) {
		if active.Add(1) > 1 {
			overlap.Store(1)
		}
		runs.Add(1)
		started <- struct{}{}
		<-release
		active.Add(-1)
	})
	defer tr.Stop()

	tr.Fire()
	<-started
	for i := 0; i < 5; i++ {
		tr.Fire()
	}
	close(release)
	<-started
	time.Sleep(100 * time.Millisecond)

	if n := runs.Load(); n != 2 {
		t.Fatalf("runs = %d, want 2", n)
	}
	if overlap.Load() != 0 {
		t.Fatal("runs overlapped")
	}
}

func TestMinIntervalDefersInsteadOfDropping(t *testing.T) {
	var mu sync.Mutex
	var at []time.Time
	tr := NewTrigger(context.Background(), 5*time.Millisecond, 150*time.Millisecond, func(context.Context) {
		mu.Lock()
		at = append(at, time.Now())
		mu.Unlock()
	})
	defer tr.Stop()

	tr.MarkRun()
	marked := time.Now()
	tr.Fire()
	time.Sleep(50 * time.Millisecond)
	if tr.Runs() != 0 {
		t.Fatal("ran before the minimum interval elapsed")
	}
	time.Sleep(250 * time.Millisecond)

	tr.Fire()
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(at) != 2 {
		t.Fatalf("runs = %d, want 2", len(at))
	}
	if at[0].Sub(marked) < 140*time.Millisecond {
		t.Fatalf("first run %s after MarkRun", at[0].Sub(marked))
	}
	if gap := at[1].Sub(at[0]); gap < 140*time.Millisecond {
		t.Fatalf("runs %s apart", gap)
	}
}

func TestStopCancelsPending(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	tr := NewTrigger(ctx, 30*time.Millisecond, 0, func(context.Context) { runs.Add(1) })

	tr.Fire()
	cancel()
	time.Sleep(80 * time.Millisecond)
	tr.Fire()
	time.Sleep(80 * time.Millisecond)
	if n := runs.Load(); n != 0 {
		t.Fatalf("runs = %d after stop", n)
	}
	tr.Stop()
}
