// Package manifest implements the category synchronization protocol: list
// the catalog, fetch each category's meta document, skip categories whose
// declared version is already recorded, and otherwise persist the manifest
// and reload the category table from its data records.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"torgi/internal/flatten"
)

// Manifest is one category's parsed meta document.
type Manifest struct {
	// Version is the document's declared version: the modified field,
	// falling back to published, falling back to the latest entry created
	// date. Empty when the document declares none of them.
	Version string
	// Records holds the data array, one record per manifest entry.
	Records []flatten.Record
}

// Parse decodes a meta document. Non-object data elements are dropped; a
// document whose root is not an object is a parse failure.
func Parse(raw []byte) (Manifest, error) {
	rec, err := flatten.DecodeOne(raw)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: %w", err)
	}

	m := Manifest{Version: asString(rec["modified"])}
	if m.Version == "" {
		m.Version = asString(rec["published"])
	}

	if arr, ok := rec["data"].([]any); ok {
		m.Records = make([]flatten.Record, 0, len(arr))
		for _, el := range arr {
			if obj, ok := el.(map[string]any); ok {
				m.Records = append(m.Records, flatten.Record(obj))
			}
		}
	}

	if m.Version == "" {
		// Entry created dates are ISO-8601, so the maximum string is the
		// latest date.
		for _, r := range m.Records {
			if c := asString(r["created"]); c > m.Version {
				m.Version = c
			}
		}
	}
	return m, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
