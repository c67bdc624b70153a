package synth

import (
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"

	"feedd/internal/config"
	"feedd/internal/feed"
)

func params() Params {
	return Params{
		Mode:               config.ModeQuick,
		Instrument:         "ES.c.0",
		SessionMs:          60_000,
		TickDtMs:           25,
		BarIntervals:       []int64{1000},
		IndicatorWindows:   []int64{10},
		PriceModel:         "sine",
		BasePrice:          100,
		SinePeriodSec:      60,
		SineAmp:            2,
		SineNoise:          0.05,
		Seed:               42,
		StrategyID:         "alpha",
		StrategyRatePerMin: 6,
		StrategyHoldBars:   5,
		StrategyMaxOpen:    3,
	}
}

func TestBuildDeterministicWithSeed(t *testing.T) {
	a := NewBuilder(params(), 1_000_000).Build(500)
	b := NewBuilder(params(), 1_000_000).Build(500)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("same seed produced different datasets")
	}
}

func TestBuildRespectsCap(t *testing.T) {
	samples := NewBuilder(params(), 1_000_000).Build(100)
	if len(samples) > 100 {
		t.Fatalf("built %d samples, cap 100", len(samples))
	}
	if len(samples) == 0 {
		t.Fatal("built no samples")
	}
}

func TestBuildLeavesIdentityUnassigned(t *testing.T) {
	for _, s := range NewBuilder(params(), 1_000_000).Build(200) {
		if s.Seq != 0 || s.SeriesSeq != 0 {
			t.Fatalf("builder assigned identity: %+v", s)
		}
	}
}

func TestBuildEmitsTicksAndIndicators(t *testing.T) {
	samples := NewBuilder(params(), 1_000_000).Build(400)

	var ticks, smas int
	var sawWarmupGap bool
	for _, s := range samples {
		switch {
		case strings.HasSuffix(s.SeriesID, ":ticks"):
			ticks++
			if _, ok := s.Payload.(feed.Tick); !ok {
				t.Fatalf("tick series carries %T", s.Payload)
			}
		case strings.Contains(s.SeriesID, ":sma_"):
			smas++
			scalar, ok := s.Payload.(feed.Scalar)
			if !ok {
				t.Fatalf("sma series carries %T", s.Payload)
			}
			if !scalar.Valid {
				sawWarmupGap = true
			}
		}
	}
	if ticks == 0 || smas == 0 {
		t.Fatalf("ticks = %d, smas = %d", ticks, smas)
	}
	// the first window-1 SMA points are absent
	if !sawWarmupGap {
		t.Fatal("no warm-up gap in SMA series")
	}
}

func TestBuildSessionEmitsBars(t *testing.T) {
	p := params()
	p.Mode = config.ModeSession
	p.SessionMs = 10_000
	p.BarIntervals = []int64{1000}
	samples := NewBuilder(p, 1_000_000).Build(0)

	bars := 0
	for _, s := range samples {
		if strings.Contains(s.SeriesID, ":ohlc_time:") {
			bars++
			ohlc, ok := s.Payload.(feed.OHLC)
			if !ok {
				t.Fatalf("bar series carries %T", s.Payload)
			}
			if ohlc.H < ohlc.O || ohlc.H < ohlc.C || ohlc.L > ohlc.O || ohlc.L > ohlc.C {
				t.Fatalf("inconsistent bar %+v", ohlc)
			}
		}
	}
	// a 10s session with 1s bars closes roughly nine bars
	if bars < 5 {
		t.Fatalf("bars = %d, want several", bars)
	}
}

func TestBuildTimeAxisMonotonic(t *testing.T) {
	samples := NewBuilder(params(), 1_000_000).Build(500)
	for i := 1; i < len(samples); i++ {
		if samples[i].TMs < samples[i-1].TMs {
			t.Fatalf("t_ms went backwards at %d: %d after %d", i, samples[i].TMs, samples[i-1].TMs)
		}
	}
}

func TestBuildDatasetMergesInstruments(t *testing.T) {
	cfg := config.SynthConfig{
		Instruments:        "ESU5,MESU5",
		TotalSamples:       400,
		SessionMs:          60_000,
		TickDtMs:           25,
		Seed:               7,
		PriceModel:         "randomwalk",
		BasePrice:          100,
		RwVol:              0.25,
		BarIntervals:       "1000",
		IndicatorWindows:   "10",
		StrategyID:         "alpha",
		StrategyRatePerMin: 6,
		StrategyHoldBars:   5,
		StrategyMaxOpen:    3,
	}

	samples, err := BuildDataset(cfg, config.ModeQuick, zap.NewNop())
	if err != nil {
		t.Fatalf("BuildDataset: %v", err)
	}
	if len(samples) == 0 || len(samples) > 400 {
		t.Fatalf("samples = %d, want 1..400", len(samples))
	}

	instruments := map[string]bool{}
	for i, s := range samples {
		instruments[strings.SplitN(s.SeriesID, ":", 2)[0]] = true
		if i > 0 && s.TMs < samples[i-1].TMs {
			t.Fatal("merged dataset not sorted by t_ms")
		}
	}
	if !instruments["ESU5"] || !instruments["MESU5"] {
		t.Fatalf("instruments present = %v", instruments)
	}
}
