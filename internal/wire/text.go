package wire

import (
	"encoding/json"
	"fmt"

	"feedd/internal/feed"
)

type textSample struct {
	Seq       int64           `json:"seq"`
	SeriesSeq int64           `json:"series_seq"`
	TMs       int64           `json:"t_ms"`
	SeriesID  string          `json:"series_id"`
	Payload   json.RawMessage `json:"payload"`
}

type textFrame struct {
	Type    string       `json:"type"`
	Samples []textSample `json:"samples"`
}

// EncodeTextFrame encodes a history/delta/live frame as one JSON text
// message. Callers must not pass an empty sample set; empty data frames never
// reach the wire.
func EncodeTextFrame(frameType string, samples []feed.Sample) ([]byte, error) {
	out := textFrame{Type: frameType, Samples: make([]textSample, 0, len(samples))}
	for _, s := range samples {
		payload, err := json.Marshal(s.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload for %s: %w", s.SeriesID, err)
		}
		out.Samples = append(out.Samples, textSample{
			Seq:       s.Seq,
			SeriesSeq: s.SeriesSeq,
			TMs:       s.TMs,
			SeriesID:  s.SeriesID,
			Payload:   payload,
		})
	}
	return json.Marshal(out)
}

// Frame is the decoded form of any text frame. Data frames populate Samples;
// control frames populate their respective fields. Used by client tooling and
// tests; the server itself only ever decodes Resume.
type Frame struct {
	Type string `json:"type"`

	// resume
	FromSeq int64 `json:"from_seq"`

	// init_begin
	WmSeq        int64 `json:"wm_seq"`
	MinSeq       int64 `json:"min_seq"`
	RingCapacity int   `json:"ring_capacity"`

	// init_complete
	ResumeFrom      int64 `json:"resume_from"`
	ResumeTruncated bool  `json:"resume_truncated"`

	// heartbeat / test_done / error
	TsMs     int64  `json:"ts_ms"`
	FinalSeq int64  `json:"final_seq"`
	Reason   string `json:"reason"`

	// history / delta / live
	Samples []feed.Sample `json:"-"`
}

// DecodeTextFrame parses one text message into a Frame, reconstructing typed
// payloads for data frames.
func DecodeTextFrame(data []byte) (*Frame, error) {
	var head struct {
		Frame
		Samples []textSample `json:"samples"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	f := head.Frame
	for _, ts := range head.Samples {
		payload, err := decodePayload(ts.SeriesID, ts.Payload)
		if err != nil {
			return nil, err
		}
		f.Samples = append(f.Samples, feed.Sample{
			Seq:       ts.Seq,
			SeriesSeq: ts.SeriesSeq,
			TMs:       ts.TMs,
			SeriesID:  ts.SeriesID,
			Payload:   payload,
		})
	}
	return &f, nil
}

// decodePayload picks the payload variant from the series id, falling back on
// shape: an object carrying "value" is a scalar, anything else a tick.
func decodePayload(seriesID string, raw json.RawMessage) (feed.Payload, error) {
	kind := feed.Classify(seriesID, feed.Tick{})
	if kind == feed.KindTick {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("decode payload for %s: %w", seriesID, err)
		}
		if _, ok := probe["value"]; ok {
			kind = feed.KindScalar
		}
	}

	var (
		p   feed.Payload
		err error
	)
	switch kind {
	case feed.KindScalar:
		var v feed.Scalar
		err = json.Unmarshal(raw, &v)
		p = v
	case feed.KindOHLC:
		var v feed.OHLC
		err = json.Unmarshal(raw, &v)
		p = v
	case feed.KindSignal:
		var v feed.Signal
		err = json.Unmarshal(raw, &v)
		p = v
	case feed.KindMarker:
		var v feed.Marker
		err = json.Unmarshal(raw, &v)
		p = v
	case feed.KindPnL:
		var v feed.PnL
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		var v feed.Tick
		err = json.Unmarshal(raw, &v)
		p = v
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload for %s: %w", kind, seriesID, err)
	}
	return p, nil
}
