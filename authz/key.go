// Package authz caches authorization-service permission checks keyed by a
// canonical serialization of the resource descriptor.
package authz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// MakeResourceKey serializes a resource descriptor to canonical JSON: every
// object's keys are sorted recursively, arrays keep their order with each
// element canonicalized. Descriptors that differ only in key order therefore
// produce identical keys.
func MakeResourceKey(resource any) (string, error) {
	// Round-trip through encoding/json so structs, maps, and slices all
	// reduce to the same generic shape before canonicalization.
	raw, err := json.Marshal(resource)
	if err != nil {
		return "", fmt.Errorf("marshal resource descriptor: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("reparse resource descriptor: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encoded, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(encoded)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	}
}
