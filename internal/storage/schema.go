package storage

// This file holds the shared table vocabulary: TableSpec and the value
// types that cross the Repository boundary. Backend packages import these
// without pulling in the Manager.

import (
	"time"

	"torgi/internal/flatten"
)

// IdentityColumn is the surrogate key every managed table carries. The name
// is reserved: a data field normalizing to it is skipped at load time.
const IdentityColumn = "skey"

// FKColumn derives the foreign-key column name that links a child table to
// its parent table's identity.
func FKColumn(parent string) string {
	return IdentityColumn + "_" + parent
}

// TableSpec describes one managed table: its flattened data columns plus the
// implicit identity key and, when Parent is set, a foreign-key column back to
// the parent table.
type TableSpec struct {
	Name string `json:"name"`
	// Parent names the owning table. When set, the spec implies a column
	// FKColumn(Parent) referencing the parent's identity.
	Parent  string       `json:"parent,omitempty"`
	Columns []ColumnSpec `json:"columns"`
	// Unique lists column sets that must be unique. The loader relies on
	// these for idempotent re-loads (insert-or-ignore semantics).
	Unique [][]string `json:"unique,omitempty"`
}

// Column returns the spec's column with the given name, if present.
func (t TableSpec) Column(name string) (ColumnSpec, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}

// ColumnSpec is one data column. Type uses the shared inference vocabulary;
// backends map it to their dialect.
type ColumnSpec struct {
	Name string       `json:"name"`
	Type flatten.Type `json:"type"`
}

// ColumnInfo is one introspected column of an existing table, with its type
// mapped back into the shared vocabulary (unmappable dialect types come back
// as text, which only ever widens).
type ColumnInfo struct {
	Name string
	Type flatten.Type
}

// PendingRef is one child row awaiting document retrieval.
type PendingRef struct {
	Skey   int64
	Ref    string
	Status string
}

// TableCount is one table with its row count, for the inspection surface.
type TableCount struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// StatusUpdate describes a bookkeeping column flip on one row.
type StatusUpdate struct {
	Table        string
	Skey         int64
	StatusColumn string
	Status       string
	// AtColumn optionally receives At when non-empty.
	AtColumn string
	At       time.Time
}
