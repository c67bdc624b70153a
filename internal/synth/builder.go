// Package synth builds finite synthetic market-data datasets: ticks from a
// price model, SMA indicator series, time bars, and a toy strategy emitting
// signals, markers and cumulative pnl. Output samples carry no seq or
// series_seq; the ring assigns both during playback.
package synth

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"feedd/internal/config"
	"feedd/internal/feed"
)

// Params configures one instrument's builder.
type Params struct {
	Mode             string // config.ModeQuick or config.ModeSession
	Instrument       string
	SessionMs        int64
	TickDtMs         int64
	BarIntervals     []int64
	IndicatorWindows []int64

	PriceModel    string // "sine" or "randomwalk"
	BasePrice     float64
	SinePeriodSec float64
	SineAmp       float64
	SineNoise     float64
	RwDrift       float64
	RwVol         float64
	Seed          int64

	StrategyID         string
	StrategyRatePerMin float64
	StrategyHoldBars   int
	StrategyMaxOpen    int
}

type smaBuffer struct {
	window int
	values []float64
	sum    float64
}

func (b *smaBuffer) push(v float64) (float64, bool) {
	b.values = append(b.values, v)
	b.sum += v
	if len(b.values) > b.window {
		b.sum -= b.values[0]
		b.values = b.values[1:]
	}
	if len(b.values) < b.window {
		return 0, false
	}
	return b.sum / float64(len(b.values)), true
}

type openTrade struct {
	side    string
	qty     int
	exitT   int64
	entryPx float64
}

// Builder generates samples for a single instrument.
type Builder struct {
	p   Params
	rng *rand.Rand

	startMs      int64
	price        float64
	rwStarted    bool
	indicators   map[int64]*smaBuffer
	nextBarClose map[int64]int64

	openTrades   []openTrade
	pnlCum       float64
	lastSignalMs int64
	hasSignal    bool
	tickIndex    int
}

// NewBuilder creates a builder whose logical time axis starts at startMs.
func NewBuilder(p Params, startMs int64) *Builder {
	if p.TickDtMs <= 0 {
		p.TickDtMs = 25
	}
	if p.SessionMs <= 0 {
		p.SessionMs = 1
	}
	if len(p.BarIntervals) == 0 {
		p.BarIntervals = []int64{10000}
	}
	if len(p.IndicatorWindows) == 0 {
		p.IndicatorWindows = []int64{10}
	}

	b := &Builder{
		p:            p,
		rng:          rand.New(rand.NewSource(p.Seed)),
		startMs:      startMs,
		price:        p.BasePrice,
		indicators:   make(map[int64]*smaBuffer, len(p.IndicatorWindows)),
		nextBarClose: make(map[int64]int64, len(p.BarIntervals)),
	}
	for _, w := range p.IndicatorWindows {
		b.indicators[w] = &smaBuffer{window: int(w)}
	}
	for _, iv := range p.BarIntervals {
		b.nextBarClose[iv] = ((startMs / iv) + 1) * iv
	}
	return b
}

func (b *Builder) nextPrice(tMs int64) float64 {
	if b.p.PriceModel == "sine" {
		periodMs := b.p.SinePeriodSec * 1000
		if periodMs < 1 {
			periodMs = 1
		}
		phase := float64(tMs-b.startMs) * (2 * math.Pi / periodMs)
		noise := 0.0
		if b.p.SineNoise > 0 {
			noise = (b.rng.Float64()*2 - 1) * b.p.SineNoise
		}
		b.price = b.p.BasePrice + b.p.SineAmp*math.Sin(phase) + noise
		return b.price
	}
	if !b.rwStarted {
		b.price = b.p.BasePrice
		b.rwStarted = true
	}
	b.price += b.rng.NormFloat64()*b.p.RwVol + b.p.RwDrift
	return b.price
}

func (b *Builder) synthesizeBar() feed.OHLC {
	c := round5(b.price + (b.rng.Float64()*2-1)*0.02)
	o := round5(c + (b.rng.Float64()*2-1)*0.05)
	h := round5(math.Max(o, c) + 0.01 + b.rng.Float64()*0.05)
	l := round5(math.Min(o, c) - 0.01 - b.rng.Float64()*0.05)
	return feed.OHLC{O: o, H: h, L: l, C: c}
}

func (b *Builder) processExits(tMs int64, out *[]feed.Sample) {
	if len(b.openTrades) == 0 {
		return
	}
	stillOpen := b.openTrades[:0]
	for _, tr := range b.openTrades {
		if tMs < tr.exitT {
			stillOpen = append(stillOpen, tr)
			continue
		}
		exitPx := b.price
		*out = append(*out, feed.Sample{
			SeriesID: fmt.Sprintf("%s:strategy:%s:markers", b.p.Instrument, b.p.StrategyID),
			TMs:      tr.exitT,
			Payload: feed.Marker{
				Strategy: b.p.StrategyID,
				Side:     tr.side,
				Tag:      feed.TagExit,
				Price:    round5(exitPx),
				Qty:      tr.qty,
			},
		})
		mult := 1.0
		if tr.side == feed.SideShort {
			mult = -1.0
		}
		b.pnlCum += (exitPx - tr.entryPx) * mult * float64(tr.qty)
		*out = append(*out, feed.Sample{
			SeriesID: fmt.Sprintf("%s:strategy:%s:pnl", b.p.Instrument, b.p.StrategyID),
			TMs:      tr.exitT,
			Payload:  feed.PnL{Value: round2(b.pnlCum)},
		})
	}
	b.openTrades = stillOpen
}

func (b *Builder) maybeEmitStrategy(tMs int64, tickHz float64, out *[]feed.Sample) {
	b.processExits(tMs, out)
	if b.p.StrategyRatePerMin <= 0 || tickHz <= 0 {
		return
	}
	if len(b.openTrades) >= b.p.StrategyMaxOpen {
		return
	}

	targetIntervalMs := 60_000.0 / math.Max(b.p.StrategyRatePerMin, 0.1)
	minGapMs := math.Max(targetIntervalMs*0.5, 1000.0)
	if b.hasSignal && float64(tMs-b.lastSignalMs) < minGapMs {
		return
	}

	// Per-tick probability that hits the target average rate.
	p := (b.p.StrategyRatePerMin / 60.0) / tickHz
	if b.rng.Float64() >= p {
		return
	}

	side := feed.SideLong
	if b.rng.Float64() < 0.5 {
		side = feed.SideShort
	}
	const qty = 1
	entryPx := b.price

	*out = append(*out, feed.Sample{
		SeriesID: fmt.Sprintf("%s:strategy:%s:signals", b.p.Instrument, b.p.StrategyID),
		TMs:      tMs,
		Payload: feed.Signal{
			Strategy:   b.p.StrategyID,
			Side:       side,
			DesiredQty: qty,
			Price:      round5(entryPx),
			Reason:     "synthetic",
		},
	})
	*out = append(*out, feed.Sample{
		SeriesID: fmt.Sprintf("%s:strategy:%s:markers", b.p.Instrument, b.p.StrategyID),
		TMs:      tMs,
		Payload: feed.Marker{
			Strategy: b.p.StrategyID,
			Side:     side,
			Tag:      feed.TagEntry,
			Price:    round5(entryPx),
			Qty:      qty,
		},
	})

	iv := b.p.BarIntervals[0]
	holdBars := int64(b.p.StrategyHoldBars)
	if holdBars < 1 {
		holdBars = 1
	}
	exitAt := ((tMs/iv)+1)*iv + (holdBars-1)*iv
	b.openTrades = append(b.openTrades, openTrade{side: side, qty: qty, exitT: exitAt, entryPx: entryPx})
	b.lastSignalMs = tMs
	b.hasSignal = true
}

// Build generates the instrument's dataset, capped at totalSamplesCap when
// positive.
func (b *Builder) Build(totalSamplesCap int) []feed.Sample {
	var samples []feed.Sample
	full := func() bool {
		return totalSamplesCap > 0 && len(samples) >= totalSamplesCap
	}

	var maxTicks int64
	if b.p.Mode == config.ModeSession {
		maxTicks = b.p.SessionMs / b.p.TickDtMs
		if maxTicks <= 0 {
			maxTicks = 1
		}
	} else {
		if totalSamplesCap > 0 {
			fanout := 1.0 + float64(len(b.p.IndicatorWindows))
			maxTicks = int64(math.Ceil(float64(totalSamplesCap) / fanout))
			if maxTicks < 1 {
				maxTicks = 1
			}
		} else {
			maxTicks = 4000 // small sanity clip
		}
	}

	endMs := b.startMs + b.p.SessionMs
	tickHz := 1000.0 / float64(b.p.TickDtMs)

	for i := int64(0); i < maxTicks; i++ {
		tMs := b.startMs + i*b.p.TickDtMs
		if b.p.Mode == config.ModeSession && tMs > endMs {
			break
		}

		b.tickIndex++
		price := b.nextPrice(tMs)
		vol := math.Max(1.0, b.rng.Float64()*2.0)

		samples = append(samples, feed.Sample{
			SeriesID: b.p.Instrument + ":ticks",
			TMs:      tMs,
			Payload:  feed.Tick{Price: round5(price), Volume: round3(vol)},
		})
		if full() {
			break
		}

		// Indicators in stable window order.
		for _, w := range b.p.IndicatorWindows {
			val, ok := b.indicators[w].push(price)
			scalar := feed.Scalar{}
			if ok {
				scalar = feed.Scalar{Value: round5(val), Valid: true}
			}
			samples = append(samples, feed.Sample{
				SeriesID: fmt.Sprintf("%s:sma_%d", b.p.Instrument, w),
				TMs:      tMs,
				Payload:  scalar,
			})
			if full() {
				break
			}
		}
		if full() {
			break
		}

		for _, iv := range b.p.BarIntervals {
			if tMs >= b.nextBarClose[iv] {
				samples = append(samples, feed.Sample{
					SeriesID: fmt.Sprintf("%s:ohlc_time:%d", b.p.Instrument, iv),
					TMs:      b.nextBarClose[iv],
					Payload:  b.synthesizeBar(),
				})
				b.nextBarClose[iv] += iv
				if full() {
					break
				}
			}
		}
		if full() {
			break
		}

		b.maybeEmitStrategy(tMs, tickHz, &samples)
		if full() {
			break
		}
	}
	return samples
}

// Instruments with well-known price levels; anything else falls back to the
// configured base price offset by its position.
var basePrices = map[string]float64{
	"ESU5":   6000.0,
	"MESU5":  3000.0,
	"ES.c.0": 100.0,
}

// BuildDataset builds and chronologically merges datasets for every
// configured instrument.
func BuildDataset(cfg config.SynthConfig, mode string, log *zap.Logger) ([]feed.Sample, error) {
	instruments := cfg.InstrumentList()
	barIntervals, err := cfg.BarIntervalList()
	if err != nil {
		return nil, err
	}
	windows, err := cfg.IndicatorWindowList()
	if err != nil {
		return nil, err
	}

	// Session mode generates the full session per instrument; quick mode
	// distributes the sample cap across them.
	perInstrumentCap := 0
	if mode == config.ModeQuick && cfg.TotalSamples > 0 {
		perInstrumentCap = cfg.TotalSamples / len(instruments)
	}

	startMs := time.Now().UnixMilli()
	var all []feed.Sample
	for idx, instrument := range instruments {
		seed := cfg.Seed
		if seed != 0 {
			seed += int64(idx)
		} else {
			seed = time.Now().UnixNano() + int64(idx)
		}

		basePrice, ok := basePrices[instrument]
		if !ok {
			basePrice = cfg.BasePrice + float64(idx)*10.0
		}

		builder := NewBuilder(Params{
			Mode:               mode,
			Instrument:         instrument,
			SessionMs:          cfg.SessionMs,
			TickDtMs:           cfg.TickDtMs,
			BarIntervals:       barIntervals,
			IndicatorWindows:   windows,
			PriceModel:         cfg.PriceModel,
			BasePrice:          basePrice,
			SinePeriodSec:      cfg.SinePeriodSec,
			SineAmp:            cfg.SineAmp,
			SineNoise:          cfg.SineNoise,
			RwDrift:            cfg.RwDrift,
			RwVol:              cfg.RwVol,
			Seed:               seed,
			StrategyID:         cfg.StrategyID,
			StrategyRatePerMin: cfg.StrategyRatePerMin,
			StrategyHoldBars:   cfg.StrategyHoldBars,
			StrategyMaxOpen:    cfg.StrategyMaxOpen,
		}, startMs)
		all = append(all, builder.Build(perInstrumentCap)...)
	}

	// Interleave instruments chronologically.
	sort.SliceStable(all, func(i, j int) bool { return all[i].TMs < all[j].TMs })

	if mode == config.ModeQuick && cfg.TotalSamples > 0 && len(all) > cfg.TotalSamples {
		all = all[:cfg.TotalSamples]
	}

	log.Info("synthetic dataset built",
		zap.String("mode", mode),
		zap.Strings("instruments", instruments),
		zap.Int("samples", len(all)))
	return all, nil
}

func round5(v float64) float64 { return math.Round(v*1e5) / 1e5 }
func round3(v float64) float64 { return math.Round(v*1e3) / 1e3 }
func round2(v float64) float64 { return math.Round(v*1e2) / 1e2 }
