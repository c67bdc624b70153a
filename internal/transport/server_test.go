package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"feedd/internal/config"
	"feedd/internal/feed"
	"feedd/internal/metrics"
	"feedd/internal/wire"
)

const readWait = 5 * time.Second

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Feed: config.FeedConfig{
			Mode:         config.ModeQuick,
			RingCapacity: 1000,
			HistoryChunk: 64,
			LiveBatch:    32,
			HeartbeatSec: 30,
			FlushMs:      1,
			WsFormat:     "text",
		},
	}
}

func startServer(t *testing.T, cfg config.Config, run *feed.Run) *Server {
	t.Helper()

	srv, err := NewServer(cfg, zap.NewNop(), metrics.NewRegistry())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if run != nil {
		srv.SetRun(run)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		srv.Stop(shutdownCtx)
	})
	return srv
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", srv.Addr())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendResume(t *testing.T, conn *websocket.Conn, fromSeq int64) {
	t.Helper()
	msg, _ := json.Marshal(wire.Resume{Type: wire.TypeResume, FromSeq: fromSeq})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("write resume: %v", err)
	}
}

// readFrame decodes the next frame regardless of wire format.
func readFrame(t *testing.T, conn *websocket.Conn) *wire.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if msgType == websocket.BinaryMessage {
		frameType, samples, err := wire.DecodeBinaryFrame(data)
		if err != nil {
			t.Fatalf("decode binary frame: %v", err)
		}
		return &wire.Frame{Type: frameType, Samples: samples}
	}
	frame, err := wire.DecodeTextFrame(data)
	if err != nil {
		t.Fatalf("decode text frame: %v", err)
	}
	return frame
}

// readInit consumes frames through init_complete, returning the init_begin,
// all catch-up samples (history + delta), and the init_complete.
func readInit(t *testing.T, conn *websocket.Conn) (initBegin *wire.Frame, catchup []feed.Sample, initComplete *wire.Frame) {
	t.Helper()

	initBegin = readFrame(t, conn)
	if initBegin.Type != wire.TypeInitBegin {
		t.Fatalf("first frame type = %q, want init_begin", initBegin.Type)
	}
	for {
		frame := readFrame(t, conn)
		switch frame.Type {
		case wire.TypeHistory, wire.TypeDelta:
			catchup = append(catchup, frame.Samples...)
		case wire.TypeInitComplete:
			return initBegin, catchup, frame
		case wire.TypeHeartbeat:
			// heartbeats never interleave before init_complete
			t.Fatal("heartbeat before init_complete")
		default:
			t.Fatalf("unexpected frame %q during init", frame.Type)
		}
	}
}

func appendTicks(ring *feed.Ring, n int, startT int64) {
	for i := 0; i < n; i++ {
		ring.Append(feed.Sample{
			SeriesID: "ES.c.0:ticks",
			TMs:      startT + int64(i),
			Payload:  feed.Tick{Price: 100 + float64(i), Volume: 1},
		})
	}
}

func TestColdClientEmptyRing(t *testing.T) {
	run := feed.NewRun(100)
	srv := startServer(t, testConfig(), run)
	conn := dial(t, srv)

	sendResume(t, conn, 1)
	initBegin, catchup, initComplete := readInit(t, conn)

	if initBegin.WmSeq != 0 || initBegin.MinSeq != 1 || initBegin.RingCapacity != 100 {
		t.Fatalf("init_begin = %+v", initBegin)
	}
	if len(catchup) != 0 {
		t.Fatalf("got %d catch-up samples on empty ring", len(catchup))
	}
	if initComplete.ResumeFrom != 0 || initComplete.ResumeTruncated {
		t.Fatalf("init_complete = %+v", initComplete)
	}

	// New appends flow as live frames starting at seq 1.
	appendTicks(run.Ring(), 3, 1000)
	var live []feed.Sample
	for len(live) < 3 {
		frame := readFrame(t, conn)
		if frame.Type == wire.TypeHeartbeat {
			continue
		}
		if frame.Type != wire.TypeLive {
			t.Fatalf("frame type = %q, want live", frame.Type)
		}
		live = append(live, frame.Samples...)
	}
	for i, s := range live {
		if s.Seq != int64(i+1) {
			t.Fatalf("live sample %d: seq = %d, want %d", i, s.Seq, i+1)
		}
	}
}

func TestMidStreamCatchUp(t *testing.T) {
	run := feed.NewRun(2000)
	appendTicks(run.Ring(), 1000, 0)
	srv := startServer(t, testConfig(), run)
	conn := dial(t, srv)

	sendResume(t, conn, 500)
	initBegin, catchup, initComplete := readInit(t, conn)

	if initBegin.WmSeq != 1000 {
		t.Fatalf("wm_seq = %d, want 1000", initBegin.WmSeq)
	}
	if initComplete.ResumeTruncated {
		t.Fatal("resume_truncated on a retained from_seq")
	}
	if initComplete.ResumeFrom < 1000 {
		t.Fatalf("resume_from = %d, want >= 1000", initComplete.ResumeFrom)
	}
	if len(catchup) != 501 {
		t.Fatalf("catch-up samples = %d, want 501", len(catchup))
	}
	for i, s := range catchup {
		if want := int64(500 + i); s.Seq != want {
			t.Fatalf("catch-up sample %d: seq = %d, want %d", i, s.Seq, want)
		}
	}

	// Live picks up exactly after resume_from.
	appendTicks(run.Ring(), 5, 5000)
	frame := readFrame(t, conn)
	for frame.Type == wire.TypeHeartbeat {
		frame = readFrame(t, conn)
	}
	if frame.Type != wire.TypeLive {
		t.Fatalf("frame type = %q, want live", frame.Type)
	}
	if frame.Samples[0].Seq != initComplete.ResumeFrom+1 {
		t.Fatalf("first live seq = %d, want %d", frame.Samples[0].Seq, initComplete.ResumeFrom+1)
	}
}

func TestResumePastRetention(t *testing.T) {
	cfg := testConfig()
	cfg.Feed.RingCapacity = 200
	run := feed.NewRun(200)
	appendTicks(run.Ring(), 10000, 0)
	srv := startServer(t, cfg, run)
	conn := dial(t, srv)

	sendResume(t, conn, 5)
	initBegin, catchup, initComplete := readInit(t, conn)

	if initBegin.WmSeq != 10000 || initBegin.MinSeq != 9801 || initBegin.RingCapacity != 200 {
		t.Fatalf("init_begin = %+v", initBegin)
	}
	if !initComplete.ResumeTruncated {
		t.Fatal("resume_truncated = false, want true")
	}
	if len(catchup) != 200 || catchup[0].Seq != 9801 || catchup[len(catchup)-1].Seq != 10000 {
		t.Fatalf("catch-up covers %d..%d (%d samples)", catchup[0].Seq, catchup[len(catchup)-1].Seq, len(catchup))
	}
}

func TestFiniteRunDeliversTestDone(t *testing.T) {
	run := feed.NewRun(100)
	appendTicks(run.Ring(), 50, 0)
	run.Finish()
	srv := startServer(t, testConfig(), run)
	conn := dial(t, srv)

	sendResume(t, conn, 1)
	_, catchup, _ := readInit(t, conn)
	if len(catchup) != 50 {
		t.Fatalf("catch-up samples = %d, want 50", len(catchup))
	}

	for {
		frame := readFrame(t, conn)
		if frame.Type == wire.TypeHeartbeat {
			continue
		}
		if frame.Type != wire.TypeTestDone {
			t.Fatalf("frame type = %q, want test_done", frame.Type)
		}
		if frame.FinalSeq != 50 {
			t.Fatalf("final_seq = %d, want 50", frame.FinalSeq)
		}
		return
	}
}

func TestHeartbeatWhenIdle(t *testing.T) {
	cfg := testConfig()
	cfg.Feed.HeartbeatSec = 1
	run := feed.NewRun(100)
	srv := startServer(t, cfg, run)
	conn := dial(t, srv)

	sendResume(t, conn, 1)
	readInit(t, conn)

	frame := readFrame(t, conn)
	if frame.Type != wire.TypeHeartbeat {
		t.Fatalf("frame type = %q, want heartbeat", frame.Type)
	}
	if frame.TsMs <= 0 {
		t.Fatalf("heartbeat ts_ms = %d", frame.TsMs)
	}
}

func TestInvalidFirstFrameGetsError(t *testing.T) {
	run := feed.NewRun(100)
	srv := startServer(t, testConfig(), run)
	conn := dial(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, conn)
	if frame.Type != wire.TypeError || frame.Reason == "" {
		t.Fatalf("frame = %+v, want error with reason", frame)
	}
}

func TestWrongFirstFrameTypeGetsError(t *testing.T) {
	run := feed.NewRun(100)
	srv := startServer(t, testConfig(), run)
	conn := dial(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, conn)
	if frame.Type != wire.TypeError {
		t.Fatalf("frame type = %q, want error", frame.Type)
	}
}

func TestNoActiveRunGetsError(t *testing.T) {
	srv := startServer(t, testConfig(), nil)
	conn := dial(t, srv)

	sendResume(t, conn, 1)
	frame := readFrame(t, conn)
	if frame.Type != wire.TypeError || frame.Reason != "no active run" {
		t.Fatalf("frame = %+v, want no-active-run error", frame)
	}
}

func TestBinaryFormatSession(t *testing.T) {
	cfg := testConfig()
	cfg.Feed.WsFormat = "binary"
	run := feed.NewRun(1000)
	appendTicks(run.Ring(), 10, 0)
	srv := startServer(t, cfg, run)
	conn := dial(t, srv)

	sendResume(t, conn, 1)

	// init_begin stays text even in binary mode
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read init_begin: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatal("init_begin arrived as binary")
	}
	frame, err := wire.DecodeTextFrame(data)
	if err != nil || frame.Type != wire.TypeInitBegin {
		t.Fatalf("init_begin decode: %v %+v", err, frame)
	}

	// history arrives as one binary blob
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	msgType, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatal("history data frame arrived as text in binary mode")
	}
	frameType, samples, err := wire.DecodeBinaryFrame(data)
	if err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if frameType != wire.TypeHistory || len(samples) != 10 {
		t.Fatalf("history = %q with %d samples", frameType, len(samples))
	}
	if samples[0].Seq != 1 || samples[9].Seq != 10 {
		t.Fatalf("history covers %d..%d", samples[0].Seq, samples[9].Seq)
	}
}

func TestHistoryChunking(t *testing.T) {
	cfg := testConfig()
	cfg.Feed.HistoryChunk = 16
	run := feed.NewRun(1000)
	appendTicks(run.Ring(), 100, 0)
	srv := startServer(t, cfg, run)
	conn := dial(t, srv)

	sendResume(t, conn, 1)

	initBegin := readFrame(t, conn)
	if initBegin.Type != wire.TypeInitBegin {
		t.Fatalf("first frame = %q", initBegin.Type)
	}

	frames := 0
	seen := int64(0)
	for {
		frame := readFrame(t, conn)
		if frame.Type == wire.TypeInitComplete {
			break
		}
		if frame.Type != wire.TypeHistory {
			t.Fatalf("frame type = %q, want history", frame.Type)
		}
		if len(frame.Samples) > 16 {
			t.Fatalf("history frame has %d samples, chunk is 16", len(frame.Samples))
		}
		frames++
		for _, s := range frame.Samples {
			if s.Seq != seen+1 {
				t.Fatalf("seq %d after %d", s.Seq, seen)
			}
			seen = s.Seq
		}
	}
	if seen != 100 {
		t.Fatalf("history covered up to %d, want 100", seen)
	}
	if frames != 7 { // ceil(100/16)
		t.Fatalf("history frames = %d, want 7", frames)
	}
}
