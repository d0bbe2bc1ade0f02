package flatten

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Type is the inferred scalar type of a column.
//
// Widening follows a small lattice: integer widens to float, date widens to
// timestamp, and everything widens to text. TypeUnknown is the bottom
// element (only nulls observed). Any two types join at text, so inference
// is total.
type Type int

const (
	TypeUnknown Type = iota
	TypeBoolean
	TypeInteger
	TypeFloat
	TypeDate
	TypeTimestamp
	TypeText
)

var typeNames = map[Type]string{
	TypeUnknown:   "unknown",
	TypeBoolean:   "boolean",
	TypeInteger:   "integer",
	TypeFloat:     "float",
	TypeDate:      "date",
	TypeTimestamp: "timestamp",
	TypeText:      "text",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "text"
}

// ParseType maps a type name back to its Type. Unrecognized names map to
// TypeText, mirroring the widening rule.
func ParseType(s string) Type {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "boolean", "bool":
		return TypeBoolean
	case "integer", "bigint", "int":
		return TypeInteger
	case "float", "double", "double precision", "numeric", "real":
		return TypeFloat
	case "date":
		return TypeDate
	case "timestamp", "timestamptz", "timestamp with time zone", "datetime":
		return TypeTimestamp
	case "unknown":
		return TypeUnknown
	}
	return TypeText
}

// lub returns the least upper bound of two observed types.
func lub(a, b Type) Type {
	if a == b {
		return a
	}
	if a == TypeUnknown {
		return b
	}
	if b == TypeUnknown {
		return a
	}
	if (a == TypeInteger && b == TypeFloat) || (a == TypeFloat && b == TypeInteger) {
		return TypeFloat
	}
	if (a == TypeDate && b == TypeTimestamp) || (a == TypeTimestamp && b == TypeDate) {
		return TypeTimestamp
	}
	return TypeText
}

// FitsInto reports whether a value of type v can be stored in a column of
// type col without altering the column. Widening along the lattice is
// allowed (integer into float, date into timestamp, anything into text);
// the reverse direction is a schema conflict.
func FitsInto(v, col Type) bool {
	if v == col || v == TypeUnknown || col == TypeText {
		return true
	}
	if v == TypeInteger && col == TypeFloat {
		return true
	}
	if v == TypeDate && col == TypeTimestamp {
		return true
	}
	return false
}

// scalarType classifies one non-null scalar value.
//
// JSON numbers arrive as json.Number (decoders here use UseNumber); native
// Go numerics are accepted for callers that construct records by hand.
// Strings infer date/timestamp only: numeric-looking strings stay text so
// identifiers with leading zeros survive round trips.
func scalarType(v any) Type {
	switch t := v.(type) {
	case bool:
		return TypeBoolean
	case json.Number:
		if _, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return TypeInteger
		}
		return TypeFloat
	case int, int32, int64:
		return TypeInteger
	case float32:
		return TypeFloat
	case float64:
		if t == float64(int64(t)) {
			return TypeInteger
		}
		return TypeFloat
	case time.Time:
		return TypeTimestamp
	case string:
		if _, _, ok := parseDateValue(t); ok {
			return TypeDate
		}
		if _, _, ok := parseTimestampValue(t); ok {
			return TypeTimestamp
		}
		return TypeText
	}
	return TypeText
}

var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02.01.2006 15:04:05",
}

func parseDateValue(s string) (time.Time, string, bool) {
	s = strings.TrimSpace(s)
	for _, lay := range dateLayouts {
		if t, err := time.Parse(lay, s); err == nil {
			return t, lay, true
		}
	}
	return time.Time{}, "", false
}

func parseTimestampValue(s string) (time.Time, string, bool) {
	s = strings.TrimSpace(s)
	for _, lay := range timestampLayouts {
		if t, err := time.Parse(lay, s); err == nil {
			return t, lay, true
		}
	}
	return time.Time{}, "", false
}

// convertValue turns a raw decoded value into the Go type the loader binds
// for the given column type. Structurally incompatible values become nil for
// typed columns and a textual rendering for text columns.
func convertValue(typ Type, raw any) any {
	if raw == nil {
		return nil
	}
	switch typ {
	case TypeBoolean:
		if b, ok := raw.(bool); ok {
			return b
		}
		return nil
	case TypeInteger:
		switch t := raw.(type) {
		case json.Number:
			if n, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
				return n
			}
		case int:
			return int64(t)
		case int32:
			return int64(t)
		case int64:
			return t
		case float64:
			return int64(t)
		}
		return nil
	case TypeFloat:
		switch t := raw.(type) {
		case json.Number:
			if f, err := t.Float64(); err == nil {
				return f
			}
		case int:
			return float64(t)
		case int64:
			return float64(t)
		case float32:
			return float64(t)
		case float64:
			return t
		}
		return nil
	case TypeDate:
		if s, ok := raw.(string); ok {
			if t, _, ok := parseDateValue(s); ok {
				return t
			}
		}
		if t, ok := raw.(time.Time); ok {
			return t
		}
		return nil
	case TypeTimestamp:
		switch t := raw.(type) {
		case time.Time:
			return t
		case string:
			if ts, _, ok := parseTimestampValue(t); ok {
				return ts
			}
			if d, _, ok := parseDateValue(t); ok {
				return d
			}
		}
		return nil
	default:
		return textValue(raw)
	}
}

// textValue renders any decoded value as text. Lists and objects serialize
// as JSON so nothing is lost when a column widens to text.
func textValue(raw any) string {
	switch t := raw.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case []any:
		return serializeScalars(t)
	case map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return "{}"
		}
		return string(b)
	case time.Time:
		return t.Format(time.RFC3339)
	}
	return fmt.Sprintf("%v", raw)
}

// normalizeName converts an arbitrary field name into a safe lowercase
// identifier: whitespace and separators collapse to "_", everything outside
// [a-z0-9_] is dropped.
func normalizeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))

	lastUnderscore := false
	for _, r := range s {
		if r == ' ' || r == '-' || r == '.' || r == '/' || r == '\\' || r == ':' || r == ';' {
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
			lastUnderscore = (r == '_')
			continue
		}
		// Drop everything else.
	}

	return strings.Trim(b.String(), "_")
}

// truncateName enforces the 63-byte backend identifier limit while keeping
// the cut on a UTF-8 boundary.
func truncateName(s string) string {
	const maxLen = 63
	if len(s) <= maxLen {
		return s
	}
	b := []byte(s)
	cut := maxLen
	for cut > 0 && !utf8.Valid(b[:cut]) {
		cut--
	}
	if cut <= 0 {
		return s[:maxLen]
	}
	return string(b[:cut])
}
