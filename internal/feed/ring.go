package feed

import (
	"context"
	"sync"
	"time"
)

// Ring is the bounded retention buffer behind a run. It stamps every appended
// sample with a global seq and a per-series series_seq and keeps the most
// recent `capacity` samples.
//
// Concurrency: exactly one logical appender at a time; any number of
// concurrent readers and waiters. Appends are atomic with respect to
// LastSeq/MinSeq/GetRange — a reader sees a stamped sample fully or not at
// all. A single append wakes every current waiter.
type Ring struct {
	mu         sync.Mutex
	buf        []Sample
	head       int // index of the oldest retained sample
	size       int
	nextSeq    int64
	seriesNext map[string]int64
	newData    chan struct{}
}

// NewRing creates a ring retaining at most capacity samples. Capacity must be
// positive; config validation enforces that before we get here.
func NewRing(capacity int) *Ring {
	return &Ring{
		buf:        make([]Sample, capacity),
		nextSeq:    1,
		seriesNext: make(map[string]int64),
		newData:    make(chan struct{}),
	}
}

// Capacity returns the fixed retention capacity.
func (r *Ring) Capacity() int {
	return len(r.buf)
}

// Len returns the number of currently retained samples.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Append stamps the sample with the next global seq and the next series_seq
// for its series, stores it (evicting the oldest sample when full), wakes all
// waiters, and returns the stamped copy. Input samples must not carry seq or
// series_seq. Append never fails; on overflow the oldest sample is silently
// overwritten.
func (r *Ring) Append(s Sample) Sample {
	r.mu.Lock()
	if s.SeriesID != "" {
		sseq := r.seriesNext[s.SeriesID]
		if sseq == 0 {
			sseq = 1
		}
		s.SeriesSeq = sseq
		r.seriesNext[s.SeriesID] = sseq + 1
	}
	s.Seq = r.nextSeq
	r.nextSeq++

	if r.size == len(r.buf) {
		r.buf[r.head] = s
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.buf[(r.head+r.size)%len(r.buf)] = s
		r.size++
	}

	ch := r.newData
	r.newData = make(chan struct{})
	r.mu.Unlock()

	close(ch)
	return s
}

// MinSeq returns the seq of the oldest retained sample, or the next seq to be
// assigned when the ring is empty.
func (r *Ring) MinSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextSeq - int64(r.size)
}

// LastSeq returns the most recently assigned seq (0 before the first append).
func (r *Ring) LastSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextSeq - 1
}

// Snapshot returns (last_seq, min_seq) as one consistent pair. Sessions use
// it to take the resume watermark.
func (r *Ring) Snapshot() (last, min int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextSeq - 1, r.nextSeq - int64(r.size)
}

// GetRange returns copies of the retained samples with seq in
// [max(lo, min_seq), min(hi, last_seq)], in seq order. Empty if the clamped
// interval is empty.
func (r *Ring) GetRange(lo, hi int64) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	min := r.nextSeq - int64(r.size)
	last := r.nextSeq - 1
	if lo < min {
		lo = min
	}
	if hi > last {
		hi = last
	}
	if lo > hi {
		return nil
	}

	out := make([]Sample, 0, hi-lo+1)
	for seq := lo; seq <= hi; seq++ {
		idx := (r.head + int(seq-min)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// WaitForNewAfter blocks until a sample with seq > after exists, the timeout
// elapses, or ctx is cancelled. Returns true only when new data is present.
// Waking with no new data is normal; callers loop.
func (r *Ring) WaitForNewAfter(ctx context.Context, after int64, timeout time.Duration) bool {
	r.mu.Lock()
	if r.nextSeq-1 > after {
		r.mu.Unlock()
		return true
	}
	ch := r.newData
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return r.LastSeq() > after
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Wake unblocks all current waiters without appending. Finite producers use
// it so live senders re-check run completion promptly.
func (r *Ring) Wake() {
	r.mu.Lock()
	ch := r.newData
	r.newData = make(chan struct{})
	r.mu.Unlock()
	close(ch)
}
