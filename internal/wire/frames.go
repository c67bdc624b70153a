// Package wire implements the client-facing framing: JSON control frames and
// the text/binary encodings of history, delta and live data frames.
package wire

import "fmt"

// Frame type tags.
const (
	TypeResume       = "resume"
	TypeInitBegin    = "init_begin"
	TypeInitComplete = "init_complete"
	TypeHeartbeat    = "heartbeat"
	TypeTestDone     = "test_done"
	TypeError        = "error"
	TypeHistory      = "history"
	TypeDelta        = "delta"
	TypeLive         = "live"
)

// Format selects how data frames are encoded on the wire. Control frames are
// JSON text in either format. The format is fixed at server startup.
type Format int

const (
	FormatText Format = iota
	FormatBinary
)

// ParseFormat maps the ws_format config value onto a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "text":
		return FormatText, nil
	case "binary":
		return FormatBinary, nil
	}
	return FormatText, fmt.Errorf("unknown ws_format %q (want text or binary)", s)
}

func (f Format) String() string {
	if f == FormatBinary {
		return "binary"
	}
	return "text"
}

// Resume is the first and only frame a client sends: the first seq it wants
// delivered. FromSeq of 0 or less reads as 1.
type Resume struct {
	Type    string `json:"type"`
	FromSeq int64  `json:"from_seq"`
}

// InitBegin opens the catch-up phase. WmSeq is the ring watermark captured at
// resume time: everything at or below it that is still retained arrives as
// history, everything after as delta or live.
type InitBegin struct {
	Type         string `json:"type"`
	WmSeq        int64  `json:"wm_seq"`
	MinSeq       int64  `json:"min_seq"`
	RingCapacity int    `json:"ring_capacity"`
}

// InitComplete closes the catch-up phase. The client now holds every retained
// sample up to ResumeFrom; live frames continue from ResumeFrom+1.
type InitComplete struct {
	Type            string `json:"type"`
	ResumeFrom      int64  `json:"resume_from"`
	ResumeTruncated bool   `json:"resume_truncated"`
}

// Heartbeat is emitted periodically so idle clients can detect a dead server.
type Heartbeat struct {
	Type string `json:"type"`
	TsMs int64  `json:"ts_ms"`
}

// TestDone tells the client a finite run is fully delivered.
type TestDone struct {
	Type     string `json:"type"`
	FinalSeq int64  `json:"final_seq"`
}

// Error is sent before closing on a protocol violation.
type Error struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}
