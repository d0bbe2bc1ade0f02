package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NormalizeKey converts a key value to a canonical string form, suitable for
// the in-memory maps returned by SelectKeyStrings (e.g. "privatizationplans"
// or "22000204580001").
//
// Backends must not assume a particular underlying type for keys; values
// arrive as decoded JSON (string, json.Number) on the way in and as driver
// types (int64, []byte) on the way out, and this helper keeps both sides of
// the lookup consistent.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case int64:
		return fmt.Sprintf("%d", t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int:
		return fmt.Sprintf("%d", t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
