// Package message implements the voice-note wire format: untyped JSON records
// with base64-encoded binary fields, plus the typed message variants the rest
// of the module works with.
package message

import (
	"fmt"
	"strconv"
)

// Record is one wire message. Values are string, int64, float64, bool,
// []byte, nested Record, []any or nil.
type Record map[string]any

// Reserved field names.
const (
	FieldID          = "id"
	FieldStatus      = "status"
	FieldAction      = "action"
	FieldAudio       = "audio"
	FieldText        = "text"
	FieldSavePath    = "save_path"
	FieldAudioConfig = "audio_config"
	FieldConfig      = "config"
	FieldTopic       = "topic"
	FieldChatMode    = "chat_mode"
	FieldEpoch       = "epoch"
)

// Clone returns a shallow copy of r with nested records copied.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		if nested, ok := v.(Record); ok {
			v = nested.Clone()
		}
		out[k] = v
	}
	return out
}

func (r Record) str(key string) (string, bool, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, &DecodeError{Field: key, Err: fmt.Errorf("expected string, got %T", v)}
	}
	return s, true, nil
}

// scalar accepts numbers where text is expected, so that legacy peers, whose
// codec turns "42" into 42, still interoperate.
func (r Record) scalar(key string) (string, error) {
	switch v := r[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", &DecodeError{Field: key, Err: fmt.Errorf("expected string, got %T", v)}
	}
}

func (r Record) bytes(key string) ([]byte, bool, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, &DecodeError{Field: key, Err: fmt.Errorf("expected binary, got %T", v)}
	}
	return b, true, nil
}

func (r Record) boolean(key string) (bool, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, &DecodeError{Field: key, Err: fmt.Errorf("expected bool, got %T", v)}
	}
	return b, nil
}

func (r Record) integer(key string) (int64, bool, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int64:
		return n, true, nil
	case float64:
		return int64(n), true, nil
	default:
		return 0, false, &DecodeError{Field: key, Err: fmt.Errorf("expected number, got %T", v)}
	}
}
