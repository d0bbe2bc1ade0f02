package postgres

import (
	"fmt"
	"strings"

	"torgi/internal/flatten"
	"torgi/internal/storage"
)

// pgIdent quotes an identifier. Table and column names here derive from
// source data (category keys, flattened field paths), so they are always
// quoted even after normalization.
func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func typeToPG(t flatten.Type) string {
	switch t {
	case flatten.TypeBoolean:
		return "BOOLEAN"
	case flatten.TypeInteger:
		return "BIGINT"
	case flatten.TypeFloat:
		return "DOUBLE PRECISION"
	case flatten.TypeDate:
		return "DATE"
	case flatten.TypeTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func typeFromPG(dataType string) flatten.Type {
	switch strings.ToLower(dataType) {
	case "bigint", "integer", "smallint":
		return flatten.TypeInteger
	case "double precision", "real", "numeric":
		return flatten.TypeFloat
	case "boolean":
		return flatten.TypeBoolean
	case "date":
		return flatten.TypeDate
	case "timestamp with time zone", "timestamp without time zone", "timestamptz", "timestamp":
		return flatten.TypeTimestamp
	default:
		return flatten.TypeText
	}
}

// buildCreateSQL renders CREATE TABLE IF NOT EXISTS for a spec: implicit
// identity, optional parent FK (NOT NULL, inline REFERENCES), nullable data
// columns, table-level UNIQUE constraints.
//
// Why this is a standalone function:
//   - It is pure and deterministic, so DDL correctness is unit-testable
//     without a database.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if t.Name == "" {
		return "", fmt.Errorf("postgres: empty table name")
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(pgIdent(t.Name))
	b.WriteString(" (")
	b.WriteString(pgIdent(storage.IdentityColumn))
	b.WriteString(" BIGSERIAL PRIMARY KEY")

	if t.Parent != "" {
		b.WriteString(", ")
		b.WriteString(pgIdent(storage.FKColumn(t.Parent)))
		b.WriteString(" BIGINT NOT NULL REFERENCES ")
		b.WriteString(pgIdent(t.Parent))
		b.WriteString(" (")
		b.WriteString(pgIdent(storage.IdentityColumn))
		b.WriteString(")")
	}

	for _, c := range t.Columns {
		if c.Name == "" {
			return "", fmt.Errorf("postgres: table %s: empty column name", t.Name)
		}
		b.WriteString(", ")
		b.WriteString(pgIdent(c.Name))
		b.WriteString(" ")
		b.WriteString(typeToPG(c.Type))
	}

	for _, uq := range t.Unique {
		if len(uq) == 0 {
			continue
		}
		b.WriteString(", UNIQUE (")
		for i, c := range uq {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
		}
		b.WriteString(")")
	}

	b.WriteString(");")
	return b.String(), nil
}

// buildAddColumnsSQL renders one ALTER TABLE with an ADD COLUMN IF NOT EXISTS
// clause per column. New columns are always nullable: old rows predate the
// field.
func buildAddColumnsSQL(table string, cols []storage.ColumnSpec) string {
	var b strings.Builder
	b.WriteString("ALTER TABLE ")
	b.WriteString(pgIdent(table))
	for i, c := range cols {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(" ADD COLUMN IF NOT EXISTS ")
		b.WriteString(pgIdent(c.Name))
		b.WriteString(" ")
		b.WriteString(typeToPG(c.Type))
	}
	b.WriteString(";")
	return b.String()
}

// buildInsertSQL renders a single-row INSERT with numbered placeholders,
// ON CONFLICT (...) DO NOTHING when conflictColumns is set, and RETURNING of
// the identity when requested.
func buildInsertSQL(table string, columns []string, conflictColumns []string, returning bool) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(")")

	if len(conflictColumns) > 0 {
		b.WriteString(" ON CONFLICT (")
		for i, c := range conflictColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
		}
		b.WriteString(") DO NOTHING")
	}
	if returning {
		b.WriteString(" RETURNING ")
		b.WriteString(pgIdent(storage.IdentityColumn))
	}
	b.WriteString(";")
	return b.String()
}

// buildSelectIDSQL renders the identity lookup used when an insert conflict
// fires: match the row through its conflict-column values.
func buildSelectIDSQL(table string, columns []string, values []any, conflictColumns []string) (string, []any, error) {
	if len(conflictColumns) == 0 {
		return "", nil, fmt.Errorf("postgres: %s: conflict with no conflict columns", table)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(pgIdent(storage.IdentityColumn))
	b.WriteString(" FROM ")
	b.WriteString(pgIdent(table))
	b.WriteString(" WHERE ")

	args := make([]any, 0, len(conflictColumns))
	for i, cc := range conflictColumns {
		idx := indexOf(columns, cc)
		if idx < 0 {
			return "", nil, fmt.Errorf("postgres: %s: conflict column %q not in insert columns", table, cc)
		}
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(pgIdent(cc))
		fmt.Fprintf(&b, " = $%d", i+1)
		args = append(args, values[idx])
	}
	b.WriteString(";")
	return b.String(), args, nil
}

func buildUpsertKeyedSQL(table, keyColumn string, columns []string, updateColumns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(") ON CONFLICT (")
	b.WriteString(pgIdent(keyColumn))
	b.WriteString(")")

	if len(updateColumns) == 0 {
		b.WriteString(" DO NOTHING;")
		return b.String()
	}
	b.WriteString(" DO UPDATE SET ")
	for i, c := range updateColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
		b.WriteString(" = EXCLUDED.")
		b.WriteString(pgIdent(c))
	}
	b.WriteString(";")
	return b.String()
}

func buildPendingRefsSQL(table, refColumn, statusColumn string, want []string, limit int) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(pgIdent(storage.IdentityColumn))
	b.WriteString(", ")
	b.WriteString(pgIdent(refColumn))
	b.WriteString(", ")
	b.WriteString(pgIdent(statusColumn))
	b.WriteString(" FROM ")
	b.WriteString(pgIdent(table))
	b.WriteString(" WHERE ")
	b.WriteString(pgIdent(statusColumn))
	b.WriteString(" IN (")

	args := make([]any, 0, len(want))
	for i, s := range want {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
		args = append(args, s)
	}
	b.WriteString(") ORDER BY ")
	b.WriteString(pgIdent(storage.IdentityColumn))
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	b.WriteString(";")
	return b.String(), args
}

func buildSetStatusSQL(u storage.StatusUpdate) (string, []any) {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(pgIdent(u.Table))
	b.WriteString(" SET ")
	b.WriteString(pgIdent(u.StatusColumn))
	b.WriteString(" = $1")

	args := []any{u.Status}
	if u.AtColumn != "" {
		b.WriteString(", ")
		b.WriteString(pgIdent(u.AtColumn))
		b.WriteString(" = $2")
		args = append(args, u.At)
	}
	fmt.Fprintf(&b, " WHERE %s = $%d;", pgIdent(storage.IdentityColumn), len(args)+1)
	args = append(args, u.Skey)
	return b.String(), args
}

func indexOf(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}
