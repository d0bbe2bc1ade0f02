package flatten

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Decode parses payload bytes into a record batch.
//
// Accepted shapes:
//   - a JSON array of objects (non-object elements are skipped);
//   - an envelope object: the largest array-of-objects member is unwrapped
//     (ties broken by field name for determinism);
//   - a bare object, taken as a single record;
//   - NDJSON continuation objects after the first value.
//
// Numbers decode as json.Number so integer precision survives inference.
func Decode(payload []byte) ([]Record, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var root any
	if err := dec.Decode(&root); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var out []Record
	switch v := root.(type) {
	case []any:
		for _, it := range v {
			if m, ok := it.(map[string]any); ok {
				out = append(out, Record(m))
			}
		}
	case map[string]any:
		if slice := largestObjectSlice(v); slice != nil {
			out = slice
		} else {
			out = append(out, Record(v))
		}
	default:
		return nil, fmt.Errorf("decode payload: unsupported root %T", root)
	}

	// NDJSON / multiple top-level objects.
	for {
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			break
		}
		if obj != nil {
			out = append(out, Record(obj))
		}
	}
	return out, nil
}

// DecodeOne parses payload bytes as a single structured document. Arrays and
// scalars are rejected: callers that expect a document treat that as a parse
// failure.
func DecodeOne(payload []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	m, ok := root.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode document: root is %T, want object", root)
	}
	return Record(m), nil
}

// largestObjectSlice finds the envelope member holding the record list: the
// longest array whose non-null elements are all objects.
func largestObjectSlice(root map[string]any) []Record {
	keys := make([]string, 0, len(root))
	for k := range root {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var best []Record
	for _, k := range keys {
		rawSlice, ok := root[k].([]any)
		if !ok || len(rawSlice) == 0 {
			continue
		}
		objects := make([]Record, 0, len(rawSlice))
		valid := true
		for _, elem := range rawSlice {
			if elem == nil {
				continue
			}
			m, ok := elem.(map[string]any)
			if !ok {
				valid = false
				break
			}
			objects = append(objects, Record(m))
		}
		if valid && len(objects) > len(best) {
			best = objects
		}
	}
	return best
}
