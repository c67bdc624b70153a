package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"feedd/internal/feed"
)

// Binary data-frame layout (big-endian, no padding):
//
//	u8  frame_type (1=history, 2=delta, 3=live)
//	u32 sample_count
//	per sample:
//	    f64 seq
//	    f64 series_seq
//	    f64 t_ms
//	    u8  sid_len, sid_len bytes series_id (UTF-8, truncated to 255)
//	    u8  payload_kind (1..6)
//	    payload body
//
// seq/series_seq/t_ms travel as f64; the conversion is lossless below 2^53.

var frameCodes = map[string]byte{
	TypeHistory: 1,
	TypeDelta:   2,
	TypeLive:    3,
}

var frameNames = map[byte]string{
	1: TypeHistory,
	2: TypeDelta,
	3: TypeLive,
}

// EncodeBinaryFrame encodes a history/delta/live frame as one binary blob.
// Callers must not pass an empty sample set.
func EncodeBinaryFrame(frameType string, samples []feed.Sample) ([]byte, error) {
	code, ok := frameCodes[frameType]
	if !ok {
		return nil, fmt.Errorf("frame type %q has no binary encoding", frameType)
	}

	buf := make([]byte, 0, 5+len(samples)*48)
	buf = append(buf, code)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(samples)))

	for _, s := range samples {
		buf = appendF64(buf, float64(s.Seq))
		buf = appendF64(buf, float64(s.SeriesSeq))
		buf = appendF64(buf, float64(s.TMs))
		buf = appendStr255(buf, s.SeriesID)

		switch p := s.Payload.(type) {
		case feed.Tick:
			buf = append(buf, byte(feed.KindTick))
			buf = appendF64(buf, p.Price)
			buf = appendF64(buf, p.Volume)
		case feed.Scalar:
			buf = append(buf, byte(feed.KindScalar))
			v := math.NaN()
			if p.Valid {
				v = p.Value
			}
			buf = appendF64(buf, v)
		case feed.OHLC:
			buf = append(buf, byte(feed.KindOHLC))
			buf = appendF64(buf, p.O)
			buf = appendF64(buf, p.H)
			buf = appendF64(buf, p.L)
			buf = appendF64(buf, p.C)
		case feed.Signal:
			buf = append(buf, byte(feed.KindSignal))
			buf = appendStr255(buf, p.Strategy)
			buf = append(buf, sideChar(p.Side))
			buf = appendI32(buf, int32(p.DesiredQty))
			buf = appendF64(buf, p.Price)
			buf = appendStr255(buf, p.Reason)
		case feed.Marker:
			buf = append(buf, byte(feed.KindMarker))
			buf = appendStr255(buf, p.Strategy)
			buf = append(buf, sideChar(p.Side))
			buf = appendStr255(buf, p.Tag)
			buf = appendF64(buf, p.Price)
			buf = appendI32(buf, int32(p.Qty))
		case feed.PnL:
			buf = append(buf, byte(feed.KindPnL))
			buf = appendF64(buf, p.Value)
		default:
			return nil, fmt.Errorf("sample %d: unknown payload %T", s.Seq, s.Payload)
		}
	}
	return buf, nil
}

// DecodeBinaryFrame parses one binary blob back into its frame type and
// samples. NaN scalar values decode as absent.
func DecodeBinaryFrame(data []byte) (string, []feed.Sample, error) {
	r := binReader{buf: data}

	code, err := r.u8()
	if err != nil {
		return "", nil, err
	}
	frameType, ok := frameNames[code]
	if !ok {
		return "", nil, fmt.Errorf("unknown binary frame code %d", code)
	}
	count, err := r.u32()
	if err != nil {
		return "", nil, err
	}

	samples := make([]feed.Sample, 0, count)
	for i := uint32(0); i < count; i++ {
		var s feed.Sample
		var f float64

		if f, err = r.f64(); err != nil {
			return "", nil, err
		}
		s.Seq = int64(f)
		if f, err = r.f64(); err != nil {
			return "", nil, err
		}
		s.SeriesSeq = int64(f)
		if f, err = r.f64(); err != nil {
			return "", nil, err
		}
		s.TMs = int64(f)
		if s.SeriesID, err = r.str(); err != nil {
			return "", nil, err
		}

		kind, err := r.u8()
		if err != nil {
			return "", nil, err
		}
		if s.Payload, err = r.payload(feed.Kind(kind)); err != nil {
			return "", nil, fmt.Errorf("sample %d: %w", i, err)
		}
		samples = append(samples, s)
	}
	return frameType, samples, nil
}

func sideChar(side string) byte {
	if side == feed.SideShort {
		return 'S'
	}
	return 'L'
}

func sideName(c byte) string {
	if c == 'S' {
		return feed.SideShort
	}
	return feed.SideLong
}

func appendF64(buf []byte, v float64) []byte {
	return binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
}

func appendI32(buf []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(buf, uint32(v))
}

func appendStr255(buf []byte, s string) []byte {
	b := []byte(s)
	if len(b) > 255 {
		b = b[:255]
	}
	buf = append(buf, byte(len(b)))
	return append(buf, b...)
}

type binReader struct {
	buf []byte
	off int
}

func (r *binReader) need(n int) error {
	if r.off+n > len(r.buf) {
		return fmt.Errorf("truncated binary frame at offset %d (need %d bytes)", r.off, n)
	}
	return nil
}

func (r *binReader) u8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *binReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *binReader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *binReader) f64() (float64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := math.Float64frombits(binary.BigEndian.Uint64(r.buf[r.off:]))
	r.off += 8
	return v, nil
}

func (r *binReader) str() (string, error) {
	n, err := r.u8()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *binReader) payload(kind feed.Kind) (feed.Payload, error) {
	switch kind {
	case feed.KindTick:
		price, err := r.f64()
		if err != nil {
			return nil, err
		}
		vol, err := r.f64()
		if err != nil {
			return nil, err
		}
		return feed.Tick{Price: price, Volume: vol}, nil
	case feed.KindScalar:
		v, err := r.f64()
		if err != nil {
			return nil, err
		}
		if math.IsNaN(v) {
			return feed.Scalar{}, nil
		}
		return feed.Scalar{Value: v, Valid: true}, nil
	case feed.KindOHLC:
		var vals [4]float64
		for i := range vals {
			v, err := r.f64()
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		return feed.OHLC{O: vals[0], H: vals[1], L: vals[2], C: vals[3]}, nil
	case feed.KindSignal:
		strategy, err := r.str()
		if err != nil {
			return nil, err
		}
		side, err := r.u8()
		if err != nil {
			return nil, err
		}
		qty, err := r.i32()
		if err != nil {
			return nil, err
		}
		price, err := r.f64()
		if err != nil {
			return nil, err
		}
		reason, err := r.str()
		if err != nil {
			return nil, err
		}
		return feed.Signal{
			Strategy:   strategy,
			Side:       sideName(side),
			DesiredQty: int(qty),
			Price:      price,
			Reason:     reason,
		}, nil
	case feed.KindMarker:
		strategy, err := r.str()
		if err != nil {
			return nil, err
		}
		side, err := r.u8()
		if err != nil {
			return nil, err
		}
		tag, err := r.str()
		if err != nil {
			return nil, err
		}
		price, err := r.f64()
		if err != nil {
			return nil, err
		}
		qty, err := r.i32()
		if err != nil {
			return nil, err
		}
		return feed.Marker{
			Strategy: strategy,
			Side:     sideName(side),
			Tag:      tag,
			Price:    price,
			Qty:      int(qty),
		}, nil
	case feed.KindPnL:
		v, err := r.f64()
		if err != nil {
			return nil, err
		}
		return feed.PnL{Value: v}, nil
	}
	return nil, fmt.Errorf("unknown payload kind %d", kind)
}
