package sqlite

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"torgi/internal/flatten"
	"torgi/internal/storage"
)

// sqlIdent quotes an identifier for SQLite.
func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// typeToSQLite maps an inferred column type to a declared SQLite type.
// The declarations matter only for introspection: SQLite applies affinity
// rules, so DATE and TIMESTAMP columns hold the RFC3339 strings we bind.
func typeToSQLite(t flatten.Type) string {
	switch t {
	case flatten.TypeBoolean:
		return "BOOLEAN"
	case flatten.TypeInteger:
		return "INTEGER"
	case flatten.TypeFloat:
		return "REAL"
	case flatten.TypeDate:
		return "DATE"
	case flatten.TypeTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func typeFromSQLite(dt string) flatten.Type {
	switch strings.ToLower(strings.TrimSpace(dt)) {
	case "integer", "int", "bigint", "smallint":
		return flatten.TypeInteger
	case "real", "double", "double precision", "float", "numeric":
		return flatten.TypeFloat
	case "boolean", "bool":
		return flatten.TypeBoolean
	case "date":
		return flatten.TypeDate
	case "timestamp", "datetime", "timestamptz":
		return flatten.TypeTimestamp
	default:
		return flatten.TypeText
	}
}

// formatSQLiteTime renders a timestamp the way every write path stores it.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

var sqliteTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseSQLiteTime(s string) (time.Time, error) {
	for _, layout := range sqliteTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

// bindValues normalizes argument values for database/sql. Timestamps become
// RFC3339 strings so that reads and window comparisons see one format, and
// json.Number values become plain numerics.
func bindValues(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = bindValue(v)
	}
	return out
}

func bindValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return formatSQLiteTime(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	default:
		return v
	}
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if t.Name == "" {
		return "", fmt.Errorf("create table: empty table name")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", sqlIdent(t.Name))
	fmt.Fprintf(&b, "  %s INTEGER PRIMARY KEY AUTOINCREMENT", sqlIdent(storage.IdentityColumn))

	if t.Parent != "" {
		fmt.Fprintf(&b, ",\n  %s INTEGER NOT NULL REFERENCES %s (%s)",
			sqlIdent(storage.FKColumn(t.Parent)), sqlIdent(t.Parent), sqlIdent(storage.IdentityColumn))
	}
	for _, c := range t.Columns {
		if c.Name == "" {
			return "", fmt.Errorf("create table %s: empty column name", t.Name)
		}
		fmt.Fprintf(&b, ",\n  %s %s", sqlIdent(c.Name), typeToSQLite(c.Type))
	}
	for _, u := range t.Unique {
		if len(u) == 0 {
			continue
		}
		quoted := make([]string, len(u))
		for i, col := range u {
			quoted[i] = sqlIdent(col)
		}
		fmt.Fprintf(&b, ",\n  UNIQUE (%s)", strings.Join(quoted, ", "))
	}
	b.WriteString("\n);")
	return b.String(), nil
}

func buildAddColumnSQL(table string, c storage.ColumnSpec) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;",
		sqlIdent(table), sqlIdent(c.Name), typeToSQLite(c.Type))
}

func buildInsertSQL(table string, columns []string, ignoreConflicts bool) string {
	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = sqlIdent(c)
		marks[i] = "?"
	}
	verb := "INSERT"
	if ignoreConflicts {
		verb = "INSERT OR IGNORE"
	}
	return fmt.Sprintf("%s INTO %s (%s) VALUES (%s);",
		verb, sqlIdent(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
}

func buildSelectIDSQL(table string, columns []string, values []any, conflictColumns []string) (string, []any, error) {
	if len(conflictColumns) == 0 {
		return "", nil, fmt.Errorf("select id %s: no conflict columns", table)
	}
	conds := make([]string, 0, len(conflictColumns))
	args := make([]any, 0, len(conflictColumns))
	for _, cc := range conflictColumns {
		idx := indexOf(columns, cc)
		if idx < 0 {
			return "", nil, fmt.Errorf("select id %s: conflict column %s not in insert columns", table, cc)
		}
		conds = append(conds, fmt.Sprintf("%s = ?", sqlIdent(cc)))
		args = append(args, values[idx])
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s;",
		sqlIdent(storage.IdentityColumn), sqlIdent(table), strings.Join(conds, " AND "))
	return q, args, nil
}

func buildUpsertKeyedSQL(table, keyColumn string, columns []string, updateColumns []string) string {
	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = sqlIdent(c)
		marks[i] = "?"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)",
		sqlIdent(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	if len(updateColumns) == 0 {
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO NOTHING;", sqlIdent(keyColumn))
		return b.String()
	}
	sets := make([]string, len(updateColumns))
	for i, c := range updateColumns {
		sets[i] = fmt.Sprintf("%s = excluded.%s", sqlIdent(c), sqlIdent(c))
	}
	fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET %s;", sqlIdent(keyColumn), strings.Join(sets, ", "))
	return b.String()
}

func buildPendingRefsSQL(table, refColumn, statusColumn string, want []string, limit int) (string, []any) {
	marks := make([]string, len(want))
	args := make([]any, len(want))
	for i, w := range want {
		marks[i] = "?"
		args[i] = w
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s, %s, %s FROM %s WHERE %s IN (%s) ORDER BY %s",
		sqlIdent(storage.IdentityColumn), sqlIdent(refColumn), sqlIdent(statusColumn),
		sqlIdent(table), sqlIdent(statusColumn), strings.Join(marks, ", "),
		sqlIdent(storage.IdentityColumn))
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	b.WriteString(";")
	return b.String(), args
}

func buildSetStatusSQL(u storage.StatusUpdate) (string, []any) {
	args := []any{u.Status}
	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s SET %s = ?", sqlIdent(u.Table), sqlIdent(u.StatusColumn))
	if u.AtColumn != "" {
		fmt.Fprintf(&b, ", %s = ?", sqlIdent(u.AtColumn))
		args = append(args, formatSQLiteTime(u.At))
	}
	fmt.Fprintf(&b, " WHERE %s = ?;", sqlIdent(storage.IdentityColumn))
	args = append(args, u.Skey)
	return b.String(), args
}

func indexOf(list []string, want string) int {
	for i, v := range list {
		if v == want {
			return i
		}
	}
	return -1
}
