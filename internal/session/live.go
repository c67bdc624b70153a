package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"feedd/internal/feed"
	"feedd/internal/wire"
)

// seriesTrack is per-session observability state for one series. It never
// modifies what gets emitted.
type seriesTrack struct {
	prev          int64
	prevSet       bool
	warnedInitial bool
	gaps          int64
	missed        int64
}

// liveLoop tails the ring from afterSeq, batching new samples into live
// frames. Global seq discontinuities (ring truncation under a slow client)
// and per-series series_seq discontinuities are logged; delivery continues
// with whatever the ring still retains. When a finite run drains, the loop
// emits test_done and returns.
func (s *Session) liveLoop(ctx context.Context, afterSeq int64) {
	ring := s.run.Ring()
	lastSent := afterSeq
	series := make(map[string]*seriesTrack)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if done, finalSeq := s.run.Done(); done && lastSent >= finalSeq {
			td := wire.TestDone{Type: wire.TypeTestDone, FinalSeq: finalSeq}
			_ = s.sendControl(wire.TypeTestDone, td)
			return
		}

		if ring.LastSeq() <= lastSent {
			ring.WaitForNewAfter(ctx, lastSent, s.cfg.LiveWait)
			continue
		}

		end := ring.LastSeq()
		expected := lastSent + 1
		toSend := ring.GetRange(expected, end)
		if len(toSend) == 0 {
			continue
		}

		if first := toSend[0].Seq; first > expected {
			s.reg.SeqGaps.Inc()
			s.log.Warn("seq gap detected, ring truncated",
				zap.Int64("expected", expected),
				zap.Int64("got", first),
				zap.Int64("skipped", first-expected))
		}

		for idx := 0; idx < len(toSend); idx += s.cfg.LiveBatch {
			hi := idx + s.cfg.LiveBatch
			if hi > len(toSend) {
				hi = len(toSend)
			}
			batch := toSend[idx:hi]

			s.trackSeriesGaps(series, batch)

			if err := s.sendSamples(wire.TypeLive, batch); err != nil {
				return
			}
			lastSent = batch[len(batch)-1].Seq

			if !sleepCtx(ctx, s.cfg.Flush) {
				return
			}
		}
	}
}

// trackSeriesGaps updates per-series gap accounting for one outgoing batch.
func (s *Session) trackSeriesGaps(series map[string]*seriesTrack, batch []feed.Sample) {
	for _, sample := range batch {
		if sample.SeriesID == "" || sample.SeriesSeq == 0 {
			continue
		}
		st := series[sample.SeriesID]
		if st == nil {
			st = &seriesTrack{}
			series[sample.SeriesID] = st
		}

		if !st.prevSet {
			st.prev = sample.SeriesSeq
			st.prevSet = true
			if sample.SeriesSeq > 1 && !st.warnedInitial {
				missed := sample.SeriesSeq - 1
				st.gaps++
				st.missed += missed
				st.warnedInitial = true
				s.reg.SeriesGaps.Inc()
				s.log.Warn("initial series gap",
					zap.String("series_id", sample.SeriesID),
					zap.Int64("first_series_seq", sample.SeriesSeq),
					zap.Int64("missed", missed))
			}
			continue
		}

		if sample.SeriesSeq > st.prev+1 {
			gap := sample.SeriesSeq - st.prev - 1
			st.gaps++
			st.missed += gap
			s.reg.SeriesGaps.Inc()
			s.log.Warn("series gap",
				zap.String("series_id", sample.SeriesID),
				zap.Int64("prev_series_seq", st.prev),
				zap.Int64("current", sample.SeriesSeq),
				zap.Int64("gap", gap))
		}
		st.prev = sample.SeriesSeq
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
