package message

import (
	"bytes"
	"math"
	"strconv"
)

// Sentinel delimits frames on raw byte streams. Compact JSON never contains
// a raw newline, so payloads produced by this package cannot contain it.
// Foreign payloads that do will be split incorrectly.
var Sentinel = []byte("\n\n\n\n\n\n\n\n\n")

// Legacy is the codec used with the sentinel-delimited raw socket transport.
//
// Encode wraps the JSON between sentinels. Decode strips them and then
// reinterprets every string scalar as an integer, else a float, else leaves
// it as a string, recursively. This undoes peers that stringify numbers, but
// it is lossy: "007" decodes as 7 and "1e3" as 1000.0. Binary fields are
// never touched.
var Legacy Codec = legacyCodec{}

type legacyCodec struct{}

func (legacyCodec) Encode(r Record) ([]byte, error) {
	b, err := JSON.Encode(r)
	if err != nil {
		return nil, err
	}
	return Frame(b), nil
}

func (legacyCodec) Decode(b []byte) (Record, error) {
	r, err := JSON.Decode(Unframe(b))
	if err != nil {
		return nil, err
	}
	return destringify(r), nil
}

// IsFramed reports whether b starts and ends with a sentinel.
func IsFramed(b []byte) bool {
	return len(b) >= 2*len(Sentinel) && bytes.HasPrefix(b, Sentinel) && bytes.HasSuffix(b, Sentinel)
}

// Frame wraps payload between sentinels. Already framed payloads are
// returned unchanged.
func Frame(payload []byte) []byte {
	if IsFramed(payload) {
		return payload
	}
	out := make([]byte, 0, len(payload)+2*len(Sentinel))
	out = append(out, Sentinel...)
	out = append(out, payload...)
	return append(out, Sentinel...)
}

// Unframe strips surrounding sentinels, if any.
func Unframe(b []byte) []byte {
	return bytes.Trim(b, "\n")
}

// SplitFrames cuts an accumulated stream into framed payloads.
func SplitFrames(buf []byte) [][]byte {
	var frames [][]byte
	for _, part := range bytes.Split(buf, Sentinel) {
		part = bytes.Trim(part, "\n")
		if len(part) == 0 {
			continue
		}
		frames = append(frames, Frame(part))
	}
	return frames
}

func destringify(r Record) Record {
	for k, v := range r {
		r[k] = destringifyValue(v)
	}
	return r
}

func destringifyValue(v any) any {
	switch val := v.(type) {
	case string:
		return coerceNumber(val)
	case Record:
		return destringify(val)
	case []any:
		for i, item := range val {
			val[i] = destringifyValue(item)
		}
		return val
	default:
		return v
	}
}

func coerceNumber(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	// NaN and Inf stay strings: they have no JSON encoding.
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return s
}
