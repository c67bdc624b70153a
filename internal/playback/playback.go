// Package playback drives a finite pre-built dataset into a run's ring at a
// target emission rate, then finishes the run.
package playback

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"feedd/internal/feed"
)

const minSleep = time.Millisecond

// Playback is a finite producer. Samples must not carry seq/series_seq.
type Playback struct {
	run      *feed.Run
	samples  []feed.Sample
	rate     float64 // samples/sec; <= 0 means unpaced
	batch    int     // live_batch, used to size unpaced bursts
	label    string
	log      *zap.Logger
	appended prometheus.Counter
}

// New creates a playback producer. appended may be nil.
func New(run *feed.Run, samples []feed.Sample, emitPerSec float64, liveBatch int, label string, log *zap.Logger, appended prometheus.Counter) *Playback {
	if liveBatch <= 0 {
		liveBatch = 512
	}
	return &Playback{
		run:      run,
		samples:  samples,
		rate:     emitPerSec,
		batch:    liveBatch,
		label:    label,
		log:      log,
		appended: appended,
	}
}

// Produce pushes the dataset into the ring and marks the run done with its
// final seq, waking all waiters. With a positive rate, emission averages the
// target without bursts beyond one wake quantum; unpaced emission runs in
// large batches with cooperative yields.
func (p *Playback) Produce(ctx context.Context) error {
	if len(p.samples) == 0 {
		p.run.Finish()
		_, finalSeq := p.run.Done()
		p.log.Info("nothing to play", zap.String("playback", p.label), zap.Int64("final_seq", finalSeq))
		return nil
	}

	p.log.Info("starting playback",
		zap.String("playback", p.label),
		zap.Int("samples", len(p.samples)),
		zap.Float64("emit_samples_per_sec", p.rate))

	var err error
	if p.rate <= 0 {
		err = p.unpaced(ctx)
	} else {
		err = p.paced(ctx)
	}
	if err != nil {
		return err
	}

	p.run.Finish()
	_, finalSeq := p.run.Done()
	p.log.Info("playback done",
		zap.String("playback", p.label),
		zap.Int64("final_seq", finalSeq),
		zap.Int("sent_samples", len(p.samples)))
	return nil
}

func (p *Playback) unpaced(ctx context.Context) error {
	batchSize := p.batch * 4
	if batchSize < 1 {
		batchSize = 1
	}
	for idx := 0; idx < len(p.samples); idx += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := idx + batchSize
		if end > len(p.samples) {
			end = len(p.samples)
		}
		p.emit(p.samples[idx:end])
		runtime.Gosched() // cooperative yield between bursts
	}
	return nil
}

// paced runs the credit-accumulator model as a token bucket: each wake drains
// the whole-token credit earned since the last one, capped at one second of
// rate, then sleeps at least a millisecond.
func (p *Playback) paced(ctx context.Context) error {
	burst := int(p.rate)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(p.rate), burst)
	// Start with an empty bucket so the first wake doesn't burst a full
	// second of samples.
	limiter.AllowN(time.Now(), burst)

	idx := 0
	for idx < len(p.samples) {
		if !sleepCtx(ctx, minSleep) {
			return ctx.Err()
		}

		now := time.Now()
		n := int(limiter.TokensAt(now))
		if n <= 0 {
			continue
		}
		if remaining := len(p.samples) - idx; n > remaining {
			n = remaining
		}
		if !limiter.AllowN(now, n) {
			continue
		}
		p.emit(p.samples[idx : idx+n])
		idx += n
	}
	return nil
}

func (p *Playback) emit(batch []feed.Sample) {
	ring := p.run.Ring()
	for _, s := range batch {
		ring.Append(s)
	}
	if p.appended != nil {
		p.appended.Add(float64(len(batch)))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
