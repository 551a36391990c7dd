// Package codec implements the deterministic binary/canonical encoding used
// for event bodies and metadata values on the wire (§4.4, §6). Event bodies
// are opaque to the runtime; application code registers a serializer per
// event type via Register, matching the source's dynamic serializer table
// (§9 "Event-body opacity"), re-architected here as a static registration
// API instead of a dynamic dispatch table.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Codec encodes and decodes a single event type's body to/from bytes.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// CodecFunc adapts a pair of functions to the Codec interface.
type CodecFunc struct {
	EncodeFunc func(v any) ([]byte, error)
	DecodeFunc func(data []byte) (any, error)
}

func (f CodecFunc) Encode(v any) ([]byte, error)       { return f.EncodeFunc(v) }
func (f CodecFunc) Decode(data []byte) (any, error)    { return f.DecodeFunc(data) }

// Registry maps numeric event types to their registered Codec. Unregistered
// types fall back to the canonical encoding below, and only succeed if the
// value is one of the primitive kinds that encoding supports.
type Registry struct {
	mu     sync.RWMutex
	codecs map[uint32]Codec
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[uint32]Codec)}
}

// Register associates a Codec with an event type tag.
func (r *Registry) Register(typeTag uint32, c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[typeTag] = c
}

// Encode serializes v for the given event type, using the registered codec
// if present, else the canonical primitive encoding.
func (r *Registry) Encode(typeTag uint32, v any) ([]byte, error) {
	r.mu.RLock()
	c, ok := r.codecs[typeTag]
	r.mu.RUnlock()
	if ok {
		return c.Encode(v)
	}
	return EncodeValue(v)
}

// Decode deserializes data for the given event type, using the registered
// codec if present, else the canonical primitive decoding.
func (r *Registry) Decode(typeTag uint32, data []byte) (any, error) {
	r.mu.RLock()
	c, ok := r.codecs[typeTag]
	r.mu.RUnlock()
	if ok {
		return c.Decode(data)
	}
	return DecodeValue(data)
}

// taggedBytes and taggedTime tag byte strings and timestamps so they
// round-trip through the otherwise-untyped JSON-like canonical form, per
// §6's requirement to preserve null/number/string/bool/bytes/timestamp.
type taggedBytes struct {
	Bytes string `json:"__bytes"`
}

type taggedTime struct {
	MillisSinceEpoch int64 `json:"__time_ms"`
}

// EncodeValue canonically encodes a primitive value: nil, bool, any numeric
// type, string, []byte (tagged), time.Time (tagged, millisecond precision),
// map[string]any, or []any. It is used both for event bodies with no
// registered codec and for metadata values.
func EncodeValue(v any) ([]byte, error) {
	wrapped, err := wrap(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wrapped)
}

// DecodeValue reverses EncodeValue, recovering tagged []byte and time.Time
// values from their wrapper forms.
func DecodeValue(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("codec: decode canonical value: %w", err)
	}
	return unwrap(raw), nil
}

func wrap(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val, nil
	case []byte:
		return taggedBytes{Bytes: base64.StdEncoding.EncodeToString(val)}, nil
	case time.Time:
		return taggedTime{MillisSinceEpoch: val.UnixMilli()}, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			w, err := wrap(item)
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			w, err := wrap(item)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	default:
		return nil, fmt.Errorf("codec: value of type %T is not a registered or primitive type", v)
	}
}

func unwrap(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if b, ok := val["__bytes"]; ok && len(val) == 1 {
			if s, ok := b.(string); ok {
				if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
					return decoded
				}
			}
		}
		if t, ok := val["__time_ms"]; ok && len(val) == 1 {
			if ms, ok := t.(float64); ok {
				return time.UnixMilli(int64(ms)).UTC()
			}
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = unwrap(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = unwrap(item)
		}
		return out
	default:
		return val
	}
}

// EncodeMeta canonically encodes a metadata map into the opaque per-key byte
// values domain.Event.Meta carries.
func EncodeMeta(meta map[string]any) (map[string][]byte, error) {
	out := make(map[string][]byte, len(meta))
	for k, v := range meta {
		b, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("codec: encode meta key %q: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}

// DecodeMeta reverses EncodeMeta.
func DecodeMeta(meta map[string][]byte) (map[string]any, error) {
	out := make(map[string]any, len(meta))
	for k, b := range meta {
		v, err := DecodeValue(b)
		if err != nil {
			return nil, fmt.Errorf("codec: decode meta key %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
