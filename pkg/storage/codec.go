package storage

import (
	"encoding/json"
	"fmt"
)

func encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return b, nil
}

func decode(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// sortableInt maps a signed value onto uint64 preserving order, so negative
// priorities still sort before positive ones in a zero-padded key
func sortableInt(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}
