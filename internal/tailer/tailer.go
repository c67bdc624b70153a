// Package tailer sources samples from NATS JetStream, the external system of
// record. The live tailer pulls new rows on a poll interval and appends them
// straight into the ring; the playback loader drains a time window into a
// finite dataset for the playback driver.
package tailer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"feedd/internal/config"
	"feedd/internal/feed"
)

const fetchBatch = 1000

// Row categories, one subject per category under the configured prefix.
var categories = []string{"ticks", "indicators", "bars", "signals", "fills", "pnl"}

// Tailer is a live producer: it never marks the run done.
type Tailer struct {
	run      *feed.Run
	cfg      config.StreamConfig
	log      *zap.Logger
	appended prometheus.Counter

	nc *nats.Conn
	js nats.JetStreamContext
}

// New dials the stream source and prepares a tailer. appended may be nil.
func New(run *feed.Run, cfg config.StreamConfig, log *zap.Logger, appended prometheus.Counter) (*Tailer, error) {
	nc, err := dial(cfg.URL, log)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &Tailer{run: run, cfg: cfg, log: log, appended: appended, nc: nc, js: js}, nil
}

func dial(url string, log *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("stream source disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("stream source reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to stream source %s: %w", url, err)
	}
	return nc, nil
}

// Close releases the source connection.
func (t *Tailer) Close() {
	if t.nc != nil {
		t.nc.Close()
	}
}

func (t *Tailer) subject(category string) string {
	return t.cfg.SubjectPrefix + "." + category
}

// Produce tails all row subjects until ctx is cancelled. Durable pull
// consumers carry the read position, so restarts resume where they left off.
func (t *Tailer) Produce(ctx context.Context) error {
	subs := make(map[string]*nats.Subscription, len(categories))
	for _, cat := range categories {
		sub, err := t.js.PullSubscribe(
			t.subject(cat),
			"feedd-live-"+cat,
			nats.BindStream(t.cfg.Stream),
		)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", t.subject(cat), err)
		}
		subs[cat] = sub
	}

	poll := t.cfg.PollInterval()
	for {
		for _, cat := range categories {
			if err := ctx.Err(); err != nil {
				return err
			}
			t.drainOnce(cat, subs[cat])
		}

		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// drainOnce fetches at most one batch from a subject and appends its rows.
func (t *Tailer) drainOnce(category string, sub *nats.Subscription) {
	msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(100*time.Millisecond))
	if err != nil {
		if !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			t.log.Warn("fetch failed", zap.String("category", category), zap.Error(err))
		}
		return
	}

	ring := t.run.Ring()
	n := 0
	for _, msg := range msgs {
		sample, ok := t.decodeRow(category, msg.Data)
		if ok {
			ring.Append(sample)
			n++
		}
		_ = msg.Ack()
	}
	if n > 0 && t.appended != nil {
		t.appended.Add(float64(n))
	}
}

// LoadWindow drains every retained row in [playback_from, playback_to] into a
// chronologically sorted dataset (stream playback mode).
func (t *Tailer) LoadWindow(ctx context.Context) ([]feed.Sample, error) {
	from, err := time.Parse(time.RFC3339, t.cfg.PlaybackFrom)
	if err != nil {
		return nil, fmt.Errorf("playback_from: %w", err)
	}
	to, err := time.Parse(time.RFC3339, t.cfg.PlaybackTo)
	if err != nil {
		return nil, fmt.Errorf("playback_to: %w", err)
	}
	fromMs, toMs := from.UnixMilli(), to.UnixMilli()

	var all []feed.Sample
	for _, cat := range categories {
		sub, err := t.js.PullSubscribe(
			t.subject(cat),
			"", // ephemeral: a one-shot window read
			nats.BindStream(t.cfg.Stream),
			nats.DeliverAll(),
		)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", t.subject(cat), err)
		}

		for {
			if err := ctx.Err(); err != nil {
				_ = sub.Unsubscribe()
				return nil, err
			}
			msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(500*time.Millisecond))
			if err != nil {
				if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
					break // subject drained
				}
				_ = sub.Unsubscribe()
				return nil, fmt.Errorf("fetch %s: %w", t.subject(cat), err)
			}
			for _, msg := range msgs {
				if sample, ok := t.decodeRow(cat, msg.Data); ok {
					if sample.TMs >= fromMs && sample.TMs <= toMs {
						all = append(all, sample)
					}
				}
				_ = msg.Ack()
			}
			if len(msgs) < fetchBatch {
				break
			}
		}
		_ = sub.Unsubscribe()
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].TMs < all[j].TMs })
	t.log.Info("stream playback window loaded",
		zap.String("from", t.cfg.PlaybackFrom),
		zap.String("to", t.cfg.PlaybackTo),
		zap.Int("samples", len(all)))
	return all, nil
}

// Row shapes on the source subjects. Timestamps are nanoseconds and are
// divided down to milliseconds at ingest.

type tickRow struct {
	TstampNs int64   `json:"tstamp_ns"`
	Symbol   string  `json:"symbol"`
	Price    float64 `json:"price"`
	Volume   float64 `json:"volume"`
}

type indicatorRow struct {
	TstampNs int64    `json:"tstamp_ns"`
	Symbol   string   `json:"symbol"`
	Name     string   `json:"name"`
	Value    *float64 `json:"value"`
}

type barRow struct {
	TstampNs   int64   `json:"tstamp_ns"`
	Symbol     string  `json:"symbol"`
	IntervalMs int64   `json:"interval_ms"`
	O          float64 `json:"o"`
	H          float64 `json:"h"`
	L          float64 `json:"l"`
	C          float64 `json:"c"`
}

type signalRow struct {
	TstampNs     int64   `json:"tstamp_ns"`
	Symbol       string  `json:"symbol"`
	StrategyID   string  `json:"strategy_id"`
	Side         string  `json:"side"` // "B" or "S"
	DesiredQty   int     `json:"desired_qty"`
	DesiredPrice float64 `json:"desired_price"`
	Reason       string  `json:"reason"`
}

type fillRow struct {
	EventTs int64   `json:"event_ts"`
	Symbol  string  `json:"symbol"`
	Side    string  `json:"side"`
	LegType string  `json:"leg_type"` // "ENTRY" or "EXIT"
	Qty     int     `json:"qty"`
	Price   float64 `json:"price"`
}

type pnlRow struct {
	TstampNs       int64   `json:"tstamp_ns"`
	Symbol         string  `json:"symbol"`
	StrategyID     string  `json:"strategy_id"`
	CumRealizedPnl float64 `json:"cum_realized_pnl"`
}

func (t *Tailer) decodeRow(category string, data []byte) (feed.Sample, bool) {
	var (
		sample feed.Sample
		err    error
	)
	switch category {
	case "ticks":
		var r tickRow
		if err = json.Unmarshal(data, &r); err == nil {
			sample = feed.Sample{
				SeriesID: r.Symbol + ":ticks",
				TMs:      nsToMs(r.TstampNs),
				Payload:  feed.Tick{Price: r.Price, Volume: r.Volume},
			}
		}
	case "indicators":
		var r indicatorRow
		if err = json.Unmarshal(data, &r); err == nil {
			scalar := feed.Scalar{}
			if r.Value != nil {
				scalar = feed.Scalar{Value: *r.Value, Valid: true}
			}
			sample = feed.Sample{
				SeriesID: r.Symbol + ":" + r.Name,
				TMs:      nsToMs(r.TstampNs),
				Payload:  scalar,
			}
		}
	case "bars":
		var r barRow
		if err = json.Unmarshal(data, &r); err == nil {
			sample = feed.Sample{
				SeriesID: fmt.Sprintf("%s:ohlc_time:%d", r.Symbol, r.IntervalMs),
				TMs:      nsToMs(r.TstampNs),
				Payload:  feed.OHLC{O: r.O, H: r.H, L: r.L, C: r.C},
			}
		}
	case "signals":
		var r signalRow
		if err = json.Unmarshal(data, &r); err == nil {
			sample = feed.Sample{
				SeriesID: fmt.Sprintf("%s:strategy:%s:signals", r.Symbol, r.StrategyID),
				TMs:      nsToMs(r.TstampNs),
				Payload: feed.Signal{
					Strategy:   r.StrategyID,
					Side:       sideName(r.Side),
					DesiredQty: r.DesiredQty,
					Price:      r.DesiredPrice,
					Reason:     r.Reason,
				},
			}
		}
	case "fills":
		var r fillRow
		if err = json.Unmarshal(data, &r); err == nil {
			tag := feed.TagExit
			if r.LegType == "ENTRY" {
				tag = feed.TagEntry
			}
			sample = feed.Sample{
				SeriesID: fmt.Sprintf("%s:strategy:%s:markers", r.Symbol, t.cfg.StrategyID),
				TMs:      nsToMs(r.EventTs),
				Payload: feed.Marker{
					Strategy: t.cfg.StrategyID,
					Side:     sideName(r.Side),
					Tag:      tag,
					Price:    r.Price,
					Qty:      r.Qty,
				},
			}
		}
	case "pnl":
		var r pnlRow
		if err = json.Unmarshal(data, &r); err == nil {
			sample = feed.Sample{
				SeriesID: fmt.Sprintf("%s:strategy:%s:pnl", r.Symbol, r.StrategyID),
				TMs:      nsToMs(r.TstampNs),
				Payload:  feed.PnL{Value: r.CumRealizedPnl},
			}
		}
	default:
		return feed.Sample{}, false
	}

	if err != nil {
		t.log.Warn("bad row skipped", zap.String("category", category), zap.Error(err))
		return feed.Sample{}, false
	}
	return sample, true
}

func sideName(s string) string {
	if s == "B" {
		return feed.SideLong
	}
	return feed.SideShort
}

func nsToMs(ns int64) int64 {
	return ns / 1_000_000
}
