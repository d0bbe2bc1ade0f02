package mssql

import (
	"fmt"
	"strings"

	"torgi/internal/flatten"
	"torgi/internal/storage"
)

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// typeToMSSQL maps an inferred column type to a SQL Server type. Text columns
// under a unique constraint get NVARCHAR(450) because unique constraints
// cannot cover NVARCHAR(MAX).
func typeToMSSQL(t flatten.Type, unique bool) string {
	switch t {
	case flatten.TypeBoolean:
		return "BIT"
	case flatten.TypeInteger:
		return "BIGINT"
	case flatten.TypeFloat:
		return "FLOAT"
	case flatten.TypeDate:
		return "DATE"
	case flatten.TypeTimestamp:
		return "DATETIMEOFFSET"
	default:
		if unique {
			return "NVARCHAR(450)"
		}
		return "NVARCHAR(MAX)"
	}
}

func typeFromMSSQL(dt string) flatten.Type {
	switch strings.ToLower(strings.TrimSpace(dt)) {
	case "bigint", "int", "smallint", "tinyint":
		return flatten.TypeInteger
	case "float", "real", "decimal", "numeric", "money":
		return flatten.TypeFloat
	case "bit":
		return flatten.TypeBoolean
	case "date":
		return flatten.TypeDate
	case "datetimeoffset", "datetime2", "datetime", "smalldatetime":
		return flatten.TypeTimestamp
	default:
		return flatten.TypeText
	}
}

// buildCreateSQL wraps CREATE TABLE in an OBJECT_ID guard so that repeated
// runs are idempotent without IF NOT EXISTS syntax.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if t.Name == "" {
		return "", fmt.Errorf("create table: empty table name")
	}

	uniqueCols := map[string]bool{}
	for _, u := range t.Unique {
		for _, c := range u {
			uniqueCols[c] = true
		}
	}

	defs := []string{
		fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(storage.IdentityColumn)),
	}
	if t.Parent != "" {
		defs = append(defs, fmt.Sprintf("%s BIGINT NOT NULL REFERENCES %s (%s)",
			mssqlIdent(storage.FKColumn(t.Parent)), mssqlIdent(t.Parent), mssqlIdent(storage.IdentityColumn)))
	}
	for _, c := range t.Columns {
		if c.Name == "" {
			return "", fmt.Errorf("create table %s: empty column name", t.Name)
		}
		defs = append(defs, fmt.Sprintf("%s %s NULL", mssqlIdent(c.Name), typeToMSSQL(c.Type, uniqueCols[c.Name])))
	}
	for _, u := range t.Unique {
		if len(u) == 0 {
			continue
		}
		quoted := make([]string, len(u))
		for i, col := range u {
			quoted[i] = mssqlIdent(col)
		}
		defs = append(defs, fmt.Sprintf("UNIQUE (%s)", strings.Join(quoted, ", ")))
	}

	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		t.Name, mssqlIdent(t.Name), strings.Join(defs, ", ")), nil
}

func buildAddColumnsSQL(table string, cols []storage.ColumnSpec) (string, error) {
	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		if c.Name == "" {
			return "", fmt.Errorf("add columns %s: empty column name", table)
		}
		defs = append(defs, fmt.Sprintf("%s %s NULL", mssqlIdent(c.Name), typeToMSSQL(c.Type, false)))
	}
	return fmt.Sprintf("ALTER TABLE %s ADD %s;", mssqlIdent(table), strings.Join(defs, ", ")), nil
}

// buildInsertSQL builds a single-row insert. With conflictColumns present it
// becomes INSERT ... SELECT ... WHERE NOT EXISTS, reusing the conflict
// columns' own @p placeholders in the guard. withOutput appends an OUTPUT
// clause yielding the new identity.
func buildInsertSQL(table string, columns []string, conflictColumns []string, withOutput bool) (string, error) {
	if table == "" {
		return "", fmt.Errorf("insert: empty table name")
	}
	if len(columns) == 0 {
		return "", fmt.Errorf("insert %s: no columns", table)
	}

	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = mssqlIdent(c)
		marks[i] = fmt.Sprintf("@p%d", i+1)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s)", mssqlIdent(table), strings.Join(quoted, ", "))
	if withOutput {
		fmt.Fprintf(&b, " OUTPUT INSERTED.%s", mssqlIdent(storage.IdentityColumn))
	}

	if len(conflictColumns) == 0 {
		fmt.Fprintf(&b, " VALUES (%s);", strings.Join(marks, ", "))
		return b.String(), nil
	}

	conds := make([]string, 0, len(conflictColumns))
	for _, cc := range conflictColumns {
		idx := indexOf(columns, cc)
		if idx < 0 {
			return "", fmt.Errorf("insert %s: conflict column %s not in insert columns", table, cc)
		}
		conds = append(conds, fmt.Sprintf("%s = @p%d", mssqlIdent(cc), idx+1))
	}
	fmt.Fprintf(&b, " SELECT %s WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s);",
		strings.Join(marks, ", "), mssqlIdent(table), strings.Join(conds, " AND "))
	return b.String(), nil
}

func buildSelectIDSQL(table string, columns []string, values []any, conflictColumns []string) (string, []any, error) {
	if len(conflictColumns) == 0 {
		return "", nil, fmt.Errorf("select id %s: no conflict columns", table)
	}
	conds := make([]string, 0, len(conflictColumns))
	args := make([]any, 0, len(conflictColumns))
	for i, cc := range conflictColumns {
		idx := indexOf(columns, cc)
		if idx < 0 {
			return "", nil, fmt.Errorf("select id %s: conflict column %s not in insert columns", table, cc)
		}
		conds = append(conds, fmt.Sprintf("%s = @p%d", mssqlIdent(cc), i+1))
		args = append(args, values[idx])
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s;",
		mssqlIdent(storage.IdentityColumn), mssqlIdent(table), strings.Join(conds, " AND "))
	return q, args, nil
}

func buildUpdateKeyedSQL(table, keyColumn string, columns []string, values []any, updateColumns []string) (string, []any, error) {
	keyIdx := indexOf(columns, keyColumn)
	if keyIdx < 0 {
		return "", nil, fmt.Errorf("upsert %s: key column %s not in columns", table, keyColumn)
	}

	sets := make([]string, 0, len(updateColumns))
	args := make([]any, 0, len(updateColumns)+1)
	for _, uc := range updateColumns {
		idx := indexOf(columns, uc)
		if idx < 0 {
			return "", nil, fmt.Errorf("upsert %s: update column %s not in columns", table, uc)
		}
		sets = append(sets, fmt.Sprintf("%s = @p%d", mssqlIdent(uc), len(args)+1))
		args = append(args, values[idx])
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = @p%d;",
		mssqlIdent(table), strings.Join(sets, ", "), mssqlIdent(keyColumn), len(args)+1)
	args = append(args, values[keyIdx])
	return q, args, nil
}

func buildPendingRefsSQL(table, refColumn, statusColumn string, want []string, limit int) (string, []any) {
	marks := make([]string, len(want))
	args := make([]any, len(want))
	for i, w := range want {
		marks[i] = fmt.Sprintf("@p%d", i+1)
		args[i] = w
	}

	top := ""
	if limit > 0 {
		top = fmt.Sprintf("TOP (%d) ", limit)
	}
	q := fmt.Sprintf("SELECT %s%s, %s, %s FROM %s WHERE %s IN (%s) ORDER BY %s;",
		top, mssqlIdent(storage.IdentityColumn), mssqlIdent(refColumn), mssqlIdent(statusColumn),
		mssqlIdent(table), mssqlIdent(statusColumn), strings.Join(marks, ", "),
		mssqlIdent(storage.IdentityColumn))
	return q, args
}

func buildSetStatusSQL(u storage.StatusUpdate) (string, []any) {
	args := []any{u.Status}
	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s SET %s = @p1", mssqlIdent(u.Table), mssqlIdent(u.StatusColumn))
	if u.AtColumn != "" {
		fmt.Fprintf(&b, ", %s = @p2", mssqlIdent(u.AtColumn))
		args = append(args, u.At.UTC())
	}
	fmt.Fprintf(&b, " WHERE %s = @p%d;", mssqlIdent(storage.IdentityColumn), len(args)+1)
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
