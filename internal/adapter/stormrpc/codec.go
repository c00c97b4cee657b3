package stormrpc

import (
	"encoding/json"
	"fmt"
)

// jsonCodec carries stream messages as plain JSON objects. Field naming is
// left to domain.Normalize.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal stream message: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal stream message: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return "json" }
