package store

import (
	"encoding/json"
	"fmt"
)

func marshalMap(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}

// unmarshalMap decodes a JSON object column. Rows written by other tools may
// carry invalid JSON; those surface the raw text instead of failing the read.
func unmarshalMap(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]interface{}{"_raw": string(raw)}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
