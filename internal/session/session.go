// Package session implements the per-client protocol: a resume handshake that
// bridges the client from its last known seq into the live tail with no
// dropped or duplicated samples, then a live sender plus heartbeats.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"feedd/internal/feed"
	"feedd/internal/metrics"
	"feedd/internal/wire"
)

const writeTimeout = 10 * time.Second

// Config carries the per-session knobs. All sessions of one server share the
// same values; nothing is negotiated per client.
type Config struct {
	HistoryChunk  int
	LiveBatch     int
	Heartbeat     time.Duration
	Flush         time.Duration
	Format        wire.Format
	ResumeTimeout time.Duration
	LiveWait      time.Duration
}

func (c Config) withDefaults() Config {
	if c.ResumeTimeout <= 0 {
		c.ResumeTimeout = 15 * time.Second
	}
	if c.LiveWait <= 0 {
		c.LiveWait = time.Second
	}
	if c.HistoryChunk <= 0 {
		c.HistoryChunk = 4096
	}
	if c.LiveBatch <= 0 {
		c.LiveBatch = 512
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 5 * time.Second
	}
	return c
}

// Session owns one client connection for its whole lifetime.
type Session struct {
	conn *websocket.Conn
	run  *feed.Run // nil when no run is active
	cfg  Config
	log  *zap.Logger
	reg  *metrics.Registry

	// gorilla allows one concurrent writer; the handshake, heartbeat and
	// live sender all serialize through writeMu.
	writeMu sync.Mutex
}

// New wraps an upgraded connection in a session.
func New(conn *websocket.Conn, run *feed.Run, cfg Config, log *zap.Logger, reg *metrics.Registry) *Session {
	return &Session{conn: conn, run: run, cfg: cfg.withDefaults(), log: log, reg: reg}
}

// Handle runs the session to completion: resume handshake, history, delta,
// then live + heartbeats until the transport drops, the run drains, or ctx is
// cancelled. Errors are contained to this session.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	fromSeq, ok := s.awaitResume()
	if !ok {
		return
	}

	if s.run == nil {
		s.sendError("no active run")
		return
	}
	ring := s.run.Ring()

	// Snapshot the watermark before any history bytes leave; appends landing
	// during history transmission are replayed as delta.
	wmSeq, minSeq := ring.Snapshot()
	start := fromSeq
	if start < minSeq {
		start = minSeq
	}
	resumeTruncated := fromSeq < minSeq
	if resumeTruncated {
		s.reg.ResumeTruncated.Inc()
	}

	if err := s.sendControl(wire.TypeInitBegin, wire.InitBegin{
		Type:         wire.TypeInitBegin,
		WmSeq:        wmSeq,
		MinSeq:       minSeq,
		RingCapacity: ring.Capacity(),
	}); err != nil {
		return
	}

	if start <= wmSeq {
		if !s.sendChunked(wire.TypeHistory, ring.GetRange(start, wmSeq)) {
			return
		}
	}

	deltaEnd := ring.LastSeq()
	if deltaEnd > wmSeq {
		if !s.sendChunked(wire.TypeDelta, ring.GetRange(wmSeq+1, deltaEnd)) {
			return
		}
	}

	if err := s.sendControl(wire.TypeInitComplete, wire.InitComplete{
		Type:            wire.TypeInitComplete,
		ResumeFrom:      deltaEnd,
		ResumeTruncated: resumeTruncated,
	}); err != nil {
		return
	}

	s.log.Debug("session live",
		zap.Int64("from_seq", fromSeq),
		zap.Int64("resume_from", deltaEnd),
		zap.Bool("resume_truncated", resumeTruncated))

	// Live phase: heartbeat, live sender and a read loop (close detection)
	// race; the first to finish tears the session down.
	liveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer cancel()
		s.readLoop()
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		s.heartbeatLoop(liveCtx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		s.liveLoop(liveCtx, deltaEnd)
	}()

	<-liveCtx.Done()
	s.conn.Close() // unblocks the read loop and any in-flight write
	wg.Wait()
}

// awaitResume reads and validates the mandatory first frame. Returns the
// effective from_seq (absent/zero reads as 1).
func (s *Session) awaitResume() (int64, bool) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ResumeTimeout))
	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		s.reg.ProtocolErrors.Inc()
		s.sendError("first frame must be resume (timeout)")
		return 0, false
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	if msgType != websocket.TextMessage {
		s.reg.ProtocolErrors.Inc()
		s.sendError("first frame must be resume")
		return 0, false
	}

	var resume wire.Resume
	if err := json.Unmarshal(data, &resume); err != nil {
		s.reg.ProtocolErrors.Inc()
		s.sendError("invalid JSON for first frame")
		return 0, false
	}
	if resume.Type != wire.TypeResume {
		s.reg.ProtocolErrors.Inc()
		s.sendError("first frame must be resume")
		return 0, false
	}

	fromSeq := resume.FromSeq
	if fromSeq <= 0 {
		fromSeq = 1
	}
	return fromSeq, true
}

// sendChunked emits samples as data frames of at most history_chunk samples,
// in order. Returns false on transport failure.
func (s *Session) sendChunked(frameType string, samples []feed.Sample) bool {
	for len(samples) > 0 {
		n := s.cfg.HistoryChunk
		if n > len(samples) {
			n = len(samples)
		}
		if err := s.sendSamples(frameType, samples[:n]); err != nil {
			return false
		}
		samples = samples[n:]
	}
	return true
}

// sendSamples writes one data frame in the configured wire format. Empty
// sample sets never produce a frame.
func (s *Session) sendSamples(frameType string, samples []feed.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	var (
		payload []byte
		msgType int
		err     error
	)
	if s.cfg.Format == wire.FormatBinary {
		payload, err = wire.EncodeBinaryFrame(frameType, samples)
		msgType = websocket.BinaryMessage
	} else {
		payload, err = wire.EncodeTextFrame(frameType, samples)
		msgType = websocket.TextMessage
	}
	if err != nil {
		return err
	}

	if err := s.write(msgType, payload); err != nil {
		return err
	}
	s.reg.FramesSent.WithLabelValues(frameType).Inc()
	return nil
}

// sendControl writes one JSON control frame. Control frames are text in both
// wire formats.
func (s *Session) sendControl(frameType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.write(websocket.TextMessage, data); err != nil {
		return err
	}
	s.reg.FramesSent.WithLabelValues(frameType).Inc()
	return nil
}

// sendError is best effort: the connection is about to close anyway.
func (s *Session) sendError(reason string) {
	_ = s.sendControl(wire.TypeError, wire.Error{Type: wire.TypeError, Reason: reason})
}

func (s *Session) write(msgType int, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, payload)
}

// readLoop drains client frames after the handshake. Clients send nothing
// after resume; reading keeps ping/close processing alive and detects
// disconnects promptly.
func (s *Session) readLoop() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := wire.Heartbeat{Type: wire.TypeHeartbeat, TsMs: time.Now().UnixMilli()}
			if err := s.sendControl(wire.TypeHeartbeat, hb); err != nil {
				return
			}
			s.reg.HeartbeatsSent.Inc()
		}
	}
}
