package feed

import "sync"

// Run is one logical feed session around a ring. A process hosts at most one
// active run; producers append into its ring, sessions read from it. A finite
// producer finishes the run exactly once when its input is drained; live
// producers never do.
type Run struct {
	ring *Ring

	mu       sync.Mutex
	done     bool
	finalSeq int64
}

// NewRun creates a run with a fresh ring of the given capacity.
func NewRun(ringCapacity int) *Run {
	return &Run{ring: NewRing(ringCapacity)}
}

// Ring returns the run's retention ring.
func (r *Run) Ring() *Ring {
	return r.ring
}

// Finish marks the run complete, records the final seq, and wakes all ring
// waiters so live senders observe completion without waiting out their poll
// timeout. Calling Finish more than once keeps the first final seq.
func (r *Run) Finish() {
	r.mu.Lock()
	if !r.done {
		r.done = true
		r.finalSeq = r.ring.LastSeq()
	}
	r.mu.Unlock()
	r.ring.Wake()
}

// Done reports whether the run is finished and, if so, its final seq.
func (r *Run) Done() (bool, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done, r.finalSeq
}
