package codec

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// JSON marshals v into a Text payload.
func JSON(v any) (Text, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return Text(data), nil
}

// DecodeJSON unmarshals a received payload into v.
func DecodeJSON(p Payload, v any) error {
	if IsEmpty(p) {
		return fmt.Errorf("decode json: empty payload")
	}
	if err := sonic.Unmarshal(p.Bytes(), v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}
