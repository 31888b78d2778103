package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type orderedField struct {
	key   string
	value any
}

// marshalOrdered encodes fields as a JSON object preserving declaration order.
func marshalOrdered(fields []orderedField) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.key)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", f.key, err)
		}
		value, err := json.Marshal(f.value)
		if err != nil {
			return nil, fmt.Errorf("marshal field %q: %w", f.key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
