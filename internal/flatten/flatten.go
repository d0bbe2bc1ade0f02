// Package flatten derives relational schemas from batches of nested
// structured records.
//
// The synthesizer is pure computation: it never talks to storage or the
// network, which keeps schema inference testable on its own. A batch of
// records produces a Schema holding an ordered column set (scalar leaves,
// joined by "_" across nesting levels) and a set of embedded-collection
// extraction points (fields whose value is a list of structured objects,
// which become child tables rather than columns).
package flatten

import (
	"encoding/json"
	"sort"
	"strings"
)

// Record is one structured document, as decoded from JSON.
type Record map[string]any

// Column is one scalar column of a synthesized schema.
type Column struct {
	// Name is the normalized identifier ("a_b_c"), safe for column names
	// across backends and at most 63 bytes.
	Name string
	// Path is the dotted source path ("a.b.c") of the first field that
	// produced this column. Distinct paths can normalize to the same Name;
	// they merge into one column and the extra paths feed it as fallbacks.
	Path string
	// Type is the least upper bound of every value observed for the column.
	Type Type

	paths [][]string
}

// Collection is an embedded-collection extraction point: a field whose value
// is a list of structured objects. It is excluded from the parent's columns
// and carries its own per-element schema, computed recursively.
type Collection struct {
	// Field is the raw source field name (last path segment).
	Field string
	// Path is the dotted source path from the root record.
	Path string
	// Name is the normalized identifier used to derive the child table name.
	Name string
	// Schema describes one element of the collection.
	Schema *Schema

	segs []string
}

// Schema is the synthesized relational shape of a record batch.
//
// Columns keep first-seen order (object keys are visited sorted, so the
// output is deterministic for a given batch). Collections likewise.
type Schema struct {
	Columns     []Column
	Collections []Collection
}

// Flatten synthesizes a schema from a batch of records believed to share a
// logical type.
//
// Rules:
//   - a scalar leaf at path a.b.c becomes column a_b_c;
//   - a nested object contributes its leaves the same way, unbounded depth;
//   - a list of structured objects becomes a Collection, not a column;
//   - a list of scalars becomes a single serialized-text column;
//   - null values and empty lists contribute no type information.
//
// Type inference per column is the least upper bound across all observed
// values; conflicting types widen to text rather than failing. Flatten is
// total: any batch yields a schema.
func Flatten(recs []Record) Schema {
	b := newBuilder()
	for _, rec := range recs {
		b.walkRecord(nil, rec)
	}
	return b.finalize()
}

// Merge combines two schemas into one: the receiver's columns keep their
// positions while new columns append, and types widen pairwise. Collections
// merge recursively by path. Use it to fold a prior column set into a fresh
// batch.
func (s Schema) Merge(other Schema) Schema {
	b := newBuilder()
	b.absorb(s)
	b.absorb(other)
	return b.finalize()
}

// Row projects one record onto the schema's column order. Missing fields and
// fields whose value is structurally incompatible with the column project as
// nil. Values are converted to loadable Go types per the column type
// (int64, float64, bool, time.Time, string).
func (s Schema) Row(rec Record) []any {
	out := make([]any, len(s.Columns))
	for i, c := range s.Columns {
		var raw any
		ok := false
		for _, segs := range c.paths {
			if v, found := lookup(rec, segs); found && v != nil {
				raw, ok = v, true
				break
			}
		}
		if !ok {
			continue
		}
		out[i] = convertValue(c.Type, raw)
	}
	return out
}

// ColumnNames returns the schema's column names in order.
func (s Schema) ColumnNames() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// Project restricts the schema to the columns named in types and replaces
// each kept column's type with the mapped one. Loaders project a fresh batch
// schema onto a table's settled column types: an existing wider column keeps
// its stored type, and a column absent from the map (conflicting or dropped)
// projects away so Row never produces a value for it. Collections carry over
// unchanged.
func (s Schema) Project(types map[string]Type) Schema {
	out := Schema{Collections: s.Collections}
	for _, c := range s.Columns {
		typ, ok := types[c.Name]
		if !ok {
			continue
		}
		c.Type = typ
		out.Columns = append(out.Columns, c)
	}
	return out
}

// Elements extracts the collection's element records from one parent record.
// A missing field or a non-list value yields nil; non-object elements are
// skipped.
func (c Collection) Elements(rec Record) []Record {
	v, found := lookup(rec, c.segs)
	if !found {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []Record
	for _, el := range list {
		if m, ok := el.(map[string]any); ok {
			out = append(out, Record(m))
		}
	}
	return out
}

// lookup walks rec along path segments. The walk stops early when a segment
// is missing or the intermediate value is not an object.
func lookup(rec Record, segs []string) (any, bool) {
	cur := any(map[string]any(rec))
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// -------------------- builder --------------------

type builder struct {
	cols      []*colState
	byName    map[string]*colState
	colls     []*collState
	collByKey map[string]*collState
}

type colState struct {
	name     string
	path     string
	typ      Type
	paths    [][]string
	pathSeen map[string]bool
}

type collState struct {
	field string
	path  string
	name  string
	segs  []string
	child *builder
}

func newBuilder() *builder {
	return &builder{
		byName:    make(map[string]*colState),
		collByKey: make(map[string]*collState),
	}
}

func (b *builder) walkRecord(prefix []string, rec Record) {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		segs := append(append([]string(nil), prefix...), k)
		b.walkValue(segs, rec[k])
	}
}

func (b *builder) walkValue(segs []string, v any) {
	switch t := v.(type) {
	case map[string]any:
		b.walkRecord(segs, Record(t))
	case []any:
		if len(t) == 0 {
			return
		}
		if isObjectList(t) {
			cs := b.collection(segs)
			for _, el := range t {
				if m, ok := el.(map[string]any); ok {
					cs.child.walkRecord(nil, Record(m))
				}
			}
			return
		}
		// List of scalars: one serialized text column.
		b.column(segs, TypeText)
	case nil:
		// Explicit null: the column exists but contributes no type.
		b.column(segs, TypeUnknown)
	default:
		b.column(segs, scalarType(v))
	}
}

// isObjectList reports whether every non-null element is a structured object.
// Mixed lists fall back to the serialized-scalar treatment.
func isObjectList(list []any) bool {
	sawObject := false
	for _, el := range list {
		switch el.(type) {
		case map[string]any:
			sawObject = true
		case nil:
		default:
			return false
		}
	}
	return sawObject
}

func (b *builder) column(segs []string, typ Type) *colState {
	name := columnName(segs)
	if name == "" {
		return nil
	}
	cs, ok := b.byName[name]
	if !ok {
		cs = &colState{
			name:     name,
			path:     strings.Join(segs, "."),
			typ:      typ,
			pathSeen: make(map[string]bool),
		}
		b.byName[name] = cs
		b.cols = append(b.cols, cs)
	} else {
		cs.typ = lub(cs.typ, typ)
	}
	key := strings.Join(segs, "\x1f")
	if !cs.pathSeen[key] {
		cs.pathSeen[key] = true
		cs.paths = append(cs.paths, append([]string(nil), segs...))
	}
	return cs
}

func (b *builder) collection(segs []string) *collState {
	key := strings.Join(segs, "\x1f")
	cs, ok := b.collByKey[key]
	if !ok {
		field := segs[len(segs)-1]
		cs = &collState{
			field: field,
			path:  strings.Join(segs, "."),
			name:  columnName(segs),
			segs:  append([]string(nil), segs...),
			child: newBuilder(),
		}
		b.collByKey[key] = cs
		b.colls = append(b.colls, cs)
	}
	return cs
}

// absorb seeds the builder from an already-finalized schema, preserving
// column order and widening types.
func (b *builder) absorb(s Schema) {
	for _, c := range s.Columns {
		cs, ok := b.byName[c.Name]
		if !ok {
			cs = &colState{
				name:     c.Name,
				path:     c.Path,
				typ:      c.Type,
				pathSeen: make(map[string]bool),
			}
			b.byName[c.Name] = cs
			b.cols = append(b.cols, cs)
		} else {
			cs.typ = lub(cs.typ, c.Type)
		}
		for _, segs := range c.paths {
			key := strings.Join(segs, "\x1f")
			if !cs.pathSeen[key] {
				cs.pathSeen[key] = true
				cs.paths = append(cs.paths, append([]string(nil), segs...))
			}
		}
	}
	for _, c := range s.Collections {
		cs := b.collection(c.segs)
		if c.Schema != nil {
			cs.child.absorb(*c.Schema)
		}
	}
}

func (b *builder) finalize() Schema {
	s := Schema{}
	if len(b.cols) > 0 {
		s.Columns = make([]Column, 0, len(b.cols))
	}
	for _, cs := range b.cols {
		typ := cs.typ
		if typ == TypeUnknown {
			typ = TypeText
		}
		s.Columns = append(s.Columns, Column{
			Name:  cs.name,
			Path:  cs.path,
			Type:  typ,
			paths: cs.paths,
		})
	}
	for _, cs := range b.colls {
		child := cs.child.finalize()
		s.Collections = append(s.Collections, Collection{
			Field:  cs.field,
			Path:   cs.path,
			Name:   cs.name,
			Schema: &child,
			segs:   cs.segs,
		})
	}
	return s
}

// columnName normalizes path segments and joins them with "_", truncating to
// the backend identifier limit.
func columnName(segs []string) string {
	parts := make([]string, 0, len(segs))
	for _, seg := range segs {
		n := normalizeName(seg)
		if n != "" {
			parts = append(parts, n)
		}
	}
	return truncateName(strings.Join(parts, "_"))
}

// serializeScalars renders a scalar list as its JSON text form. Marshal
// cannot fail for values produced by json decoding; a failure falls back to
// the empty array literal.
func serializeScalars(list []any) string {
	b, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(b)
}
