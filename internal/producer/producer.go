// Package producer defines the contract between the feed core and the sample
// sources that drive it. The core neither knows nor cares whether samples
// come from a synthetic generator, a stream tailer, or a file.
package producer

import "context"

// Producer feeds samples into a run's ring.
//
// Rules of the contract:
//   - Input samples must not carry seq or series_seq; the ring assigns both.
//   - Calls to Append must be serialized per ring: one logical appender at a
//     time. A producer that fans out internally must funnel appends through a
//     single goroutine.
//   - A finite producer (playback) finishes the run — done + final_seq —
//     after its last append and then returns. A live producer never marks
//     the run done; it returns only on context cancellation or source
//     failure.
//   - Samples should arrive with non-decreasing t_ms per series when ordering
//     matters to clients; the ring neither enforces nor repairs ordering.
//
// A producer failure is contained: it is logged, the ring stops growing, and
// existing sessions keep serving whatever is retained.
type Producer interface {
	Produce(ctx context.Context) error
}
