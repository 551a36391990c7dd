package codec

import "encoding/json"

// jsonCodec implements Codec for a concrete Go type T via encoding/json.
type jsonCodec[T any] struct{}

func (jsonCodec[T]) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec[T]) Decode(data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// JSONCodec returns a Codec that marshals/unmarshals event bodies as JSON
// into the concrete type T, for application event types that prefer a typed
// struct over the canonical primitive encoding in EncodeValue/DecodeValue.
func JSONCodec[T any]() Codec {
	return jsonCodec[T]{}
}
