package message

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Base64Suffix marks a text field that carries a base64-encoded binary value.
const Base64Suffix = "_base64"

// ErrDecode is matched by every decoding failure.
var ErrDecode = errors.New("message: decode failed")

// DecodeError reports a malformed frame or an invalid binary field.
type DecodeError struct {
	Field string // empty when the frame itself is malformed
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("message: decode: %v", e.Err)
	}
	return fmt.Sprintf("message: decode field %q: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDecode) hold for every DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Codec converts records to frame payloads and back.
type Codec interface {
	Encode(r Record) ([]byte, error)
	Decode(b []byte) (Record, error)
}

// JSON is the codec used on natively framed transports.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

// Encode renames every binary field k to k_base64, recursively, and
// serializes the result as compact JSON.
func (jsonCodec) Encode(r Record) ([]byte, error) {
	b, err := json.Marshal(stringifyBinary(r))
	if err != nil {
		return nil, fmt.Errorf("message: encode: %w", err)
	}
	return b, nil
}

// Decode parses compact JSON and restores k_base64 fields as binary k.
func (jsonCodec) Decode(b []byte) (Record, error) {
	raw, err := parseObject(b)
	if err != nil {
		return nil, err
	}
	return restoreBinary(raw, "")
}

func parseObject(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if raw == nil {
		return nil, &DecodeError{Err: errors.New("payload is not an object")}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &DecodeError{Err: errors.New("trailing data after object")}
	}
	return raw, nil
}

func stringifyBinary(r Record) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		switch val := v.(type) {
		case []byte:
			out[k+Base64Suffix] = base64.StdEncoding.EncodeToString(val)
		case Record:
			out[k] = stringifyBinary(val)
		case map[string]any:
			out[k] = stringifyBinary(Record(val))
		default:
			out[k] = v
		}
	}
	return out
}

func restoreBinary(raw map[string]any, path string) (Record, error) {
	out := make(Record, len(raw))
	for k, v := range raw {
		if name, ok := strings.CutSuffix(k, Base64Suffix); ok && name != "" {
			s, ok := v.(string)
			if !ok {
				return nil, &DecodeError{Field: path + k, Err: fmt.Errorf("expected base64 string, got %T", v)}
			}
			data, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, &DecodeError{Field: path + k, Err: err}
			}
			out[name] = data
			continue
		}
		val, err := normalize(v, path+k+".")
		if err != nil {
			return nil, err
		}
		out[k] = val
	}
	return out, nil
}

func normalize(v any, path string) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		return restoreBinary(val, path)
	case []any:
		for i, item := range val {
			n, err := normalize(item, path)
			if err != nil {
				return nil, err
			}
			val[i] = n
		}
		return val, nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, &DecodeError{Field: strings.TrimSuffix(path, "."), Err: err}
		}
		return f, nil
	default:
		return v, nil
	}
}
