// Package dton implements the structured buffer exchanged with guests.
//
// A Buffer is an opaque msgpack-encoded value, almost always a map keyed by
// strings. The host never interprets payload bytes beyond converting them to
// and from JSON for text-mode guests and for display.
package dton

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// UsageKey is the map key that carries the usage name inside a payload.
const UsageKey = "$usage"

// Buffer is an encoded structured value. The zero value is the empty payload.
type Buffer []byte

// Empty returns the empty payload.
func Empty() Buffer {
	return nil
}

// IsEmpty reports whether the buffer carries no value.
func (b Buffer) IsEmpty() bool {
	return len(b) == 0
}

// Bytes returns the encoded bytes.
func (b Buffer) Bytes() []byte {
	return b
}

// Clone returns a copy that does not alias b.
func (b Buffer) Clone() Buffer {
	if b == nil {
		return nil
	}
	return append(Buffer(nil), b...)
}

// Encode encodes an arbitrary Go value. Map keys are sorted so equal values
// produce equal bytes.
func Encode(v any) (Buffer, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("dton: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// MustEncode is Encode for values known to be encodable.
func MustEncode(v any) Buffer {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode decodes the buffer into a generic value. Maps decode as
// map[string]any, integers as int64 or uint64, floats as float64.
func (b Buffer) Decode() (any, error) {
	if b.IsEmpty() {
		return nil, nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.UseLooseInterfaceDecoding(true)
	v, err := dec.DecodeInterface()
	if err != nil {
		return nil, fmt.Errorf("dton: decode: %w", err)
	}
	return v, nil
}

// DecodeInto decodes the buffer into v.
func (b Buffer) DecodeInto(v any) error {
	if b.IsEmpty() {
		return nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("dton: decode: %w", err)
	}
	return nil
}

// Map decodes the buffer as a map. An empty buffer yields an empty map.
func (b Buffer) Map() (map[string]any, error) {
	v, err := b.Decode()
	if err != nil {
		return nil, err
	}
	switch m := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return m, nil
	default:
		return nil, fmt.Errorf("dton: payload is %T, not a map", v)
	}
}

// Keys returns the sorted top-level keys of a map payload.
func (b Buffer) Keys() ([]string, error) {
	m, err := b.Map()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// String returns the string stored under key in a map payload.
func (b Buffer) String(key string) (string, bool) {
	m, err := b.Map()
	if err != nil {
		return "", false
	}
	s, ok := m[key].(string)
	return s, ok
}

// Usage returns the "$usage" value of a map payload.
func (b Buffer) Usage() (string, bool) {
	return b.String(UsageKey)
}

// WithUsage returns the payload with "$usage" set to name when it is a map
// that lacks the key. Other payloads are returned unchanged; an empty payload
// becomes a map holding only the usage.
func (b Buffer) WithUsage(name string) (Buffer, error) {
	v, err := b.Decode()
	if err != nil {
		return nil, err
	}
	switch m := v.(type) {
	case nil:
		return Encode(map[string]any{UsageKey: name})
	case map[string]any:
		if _, ok := m[UsageKey]; ok {
			return b, nil
		}
		m[UsageKey] = name
		return Encode(m)
	default:
		return b, nil
	}
}

// FromJSON converts JSON text into a buffer. Empty or whitespace-only text
// yields the empty payload.
func FromJSON(text []byte) (Buffer, error) {
	if len(bytes.TrimSpace(text)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("dton: parse json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("dton: parse json: trailing data")
	}
	return Encode(normalizeJSON(v))
}

// MustFromJSON is FromJSON for literals in tests and examples.
func MustFromJSON(text string) Buffer {
	b, err := FromJSON([]byte(text))
	if err != nil {
		panic(err)
	}
	return b
}

// JSON renders the buffer as JSON text. The empty payload renders as "".
func (b Buffer) JSON() ([]byte, error) {
	if b.IsEmpty() {
		return nil, nil
	}
	v, err := b.Decode()
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(jsonSafe(v))
	if err != nil {
		return nil, fmt.Errorf("dton: render json: %w", err)
	}
	return out, nil
}

// Text renders the buffer as JSON for diagnostics, never failing.
func (b Buffer) Text() string {
	out, err := b.JSON()
	if err != nil {
		return fmt.Sprintf("<%d bytes: %v>", len(b), err)
	}
	return string(out)
}

// normalizeJSON turns json.Number into int64 when exact, float64 otherwise.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeJSON(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeJSON(e)
		}
		return t
	default:
		return v
	}
}

// jsonSafe converts msgpack-only shapes (binary, non-string map keys) into
// values encoding/json accepts.
func jsonSafe(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = jsonSafe(e)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[fmt.Sprint(k)] = jsonSafe(e)
		}
		return m
	case []any:
		for i, e := range t {
			t[i] = jsonSafe(e)
		}
		return t
	case []byte:
		return string(t)
	default:
		return v
	}
}
