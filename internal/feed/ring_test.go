package feed

import (
	"context"
	"sync"
	"testing"
	"time"
)

func tick(seriesID string, tMs int64) Sample {
	return Sample{SeriesID: seriesID, TMs: tMs, Payload: Tick{Price: 100, Volume: 1}}
}

func TestAppendAssignsContiguousSeq(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 5; i++ {
		got := r.Append(tick("ES:ticks", int64(i)))
		if got.Seq != int64(i+1) {
			t.Fatalf("append %d: seq = %d, want %d", i, got.Seq, i+1)
		}
		if got.SeriesSeq != int64(i+1) {
			t.Fatalf("append %d: series_seq = %d, want %d", i, got.SeriesSeq, i+1)
		}
	}
	if got := r.LastSeq(); got != 5 {
		t.Fatalf("LastSeq = %d, want 5", got)
	}
	if got := r.MinSeq(); got != 1 {
		t.Fatalf("MinSeq = %d, want 1", got)
	}
}

func TestSeriesSeqIndependentPerSeries(t *testing.T) {
	r := NewRing(10)
	a1 := r.Append(tick("A:ticks", 1))
	b1 := r.Append(tick("B:ticks", 2))
	a2 := r.Append(tick("A:ticks", 3))

	if a1.SeriesSeq != 1 || a2.SeriesSeq != 2 {
		t.Fatalf("series A seqs = %d,%d, want 1,2", a1.SeriesSeq, a2.SeriesSeq)
	}
	if b1.SeriesSeq != 1 {
		t.Fatalf("series B seq = %d, want 1", b1.SeriesSeq)
	}
	if a1.Seq != 1 || b1.Seq != 2 || a2.Seq != 3 {
		t.Fatalf("global seqs = %d,%d,%d, want 1,2,3", a1.Seq, b1.Seq, a2.Seq)
	}
}

func TestEvictionKeepsMostRecent(t *testing.T) {
	const capacity = 4
	r := NewRing(capacity)
	for i := 0; i < 10; i++ {
		r.Append(tick("ES:ticks", int64(i)))
	}

	if got := r.Len(); got != capacity {
		t.Fatalf("Len = %d, want %d", got, capacity)
	}
	if got := r.LastSeq(); got != 10 {
		t.Fatalf("LastSeq = %d, want 10", got)
	}
	// min_seq = next_seq - C
	if got := r.MinSeq(); got != 7 {
		t.Fatalf("MinSeq = %d, want 7", got)
	}
}

func TestGetRangeClamps(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 10; i++ {
		r.Append(tick("ES:ticks", int64(i)))
	}
	// retained: 7..10

	got := r.GetRange(1, 100)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	for i, s := range got {
		if want := int64(7 + i); s.Seq != want {
			t.Fatalf("sample %d: seq = %d, want %d", i, s.Seq, want)
		}
	}

	if got := r.GetRange(8, 9); len(got) != 2 || got[0].Seq != 8 || got[1].Seq != 9 {
		t.Fatalf("GetRange(8,9) = %+v", got)
	}
	if got := r.GetRange(11, 20); got != nil {
		t.Fatalf("GetRange past last = %+v, want empty", got)
	}
	if got := r.GetRange(9, 8); got != nil {
		t.Fatalf("inverted range = %+v, want empty", got)
	}
}

func TestGetRangeEmptyRing(t *testing.T) {
	r := NewRing(4)
	if got := r.GetRange(1, 10); got != nil {
		t.Fatalf("GetRange on empty ring = %+v, want empty", got)
	}
	if got := r.MinSeq(); got != 1 {
		t.Fatalf("MinSeq on empty ring = %d, want 1", got)
	}
	if got := r.LastSeq(); got != 0 {
		t.Fatalf("LastSeq on empty ring = %d, want 0", got)
	}
}

func TestWaitForNewAfterTimesOut(t *testing.T) {
	r := NewRing(4)
	start := time.Now()
	if r.WaitForNewAfter(context.Background(), 0, 30*time.Millisecond) {
		t.Fatal("wait returned true with no data")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("wait returned before timeout")
	}
}

func TestWaitForNewAfterImmediate(t *testing.T) {
	r := NewRing(4)
	r.Append(tick("ES:ticks", 1))
	if !r.WaitForNewAfter(context.Background(), 0, time.Millisecond) {
		t.Fatal("wait returned false with data already present")
	}
}

func TestAppendWakesAllWaiters(t *testing.T) {
	r := NewRing(4)
	const waiters = 8

	var wg sync.WaitGroup
	results := make(chan bool, waiters)
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			results <- r.WaitForNewAfter(context.Background(), 0, 2*time.Second)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	r.Append(tick("ES:ticks", 1))
	wg.Wait()
	close(results)

	for ok := range results {
		if !ok {
			t.Fatal("a waiter missed the wake")
		}
	}
}

func TestWaitCancelledByContext(t *testing.T) {
	r := NewRing(4)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if r.WaitForNewAfter(ctx, 0, 5*time.Second) {
		t.Fatal("wait returned true after cancellation")
	}
}

func TestConcurrentReadersSeeConsistentPrefix(t *testing.T) {
	r := NewRing(128)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			r.Append(tick("ES:ticks", int64(i)))
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		samples := r.GetRange(r.MinSeq(), r.LastSeq())
		for i := 1; i < len(samples); i++ {
			if samples[i].Seq != samples[i-1].Seq+1 {
				t.Fatalf("torn read: %d then %d", samples[i-1].Seq, samples[i].Seq)
			}
		}
	}
}

func TestRunFinish(t *testing.T) {
	run := NewRun(8)
	for i := 0; i < 3; i++ {
		run.Ring().Append(tick("ES:ticks", int64(i)))
	}

	if done, _ := run.Done(); done {
		t.Fatal("run done before Finish")
	}
	run.Finish()
	done, finalSeq := run.Done()
	if !done || finalSeq != 3 {
		t.Fatalf("Done() = %v,%d, want true,3", done, finalSeq)
	}

	// Finish again keeps the first final seq.
	run.Ring().Append(tick("ES:ticks", 4))
	run.Finish()
	if _, finalSeq := run.Done(); finalSeq != 3 {
		t.Fatalf("finalSeq after second Finish = %d, want 3", finalSeq)
	}
}
