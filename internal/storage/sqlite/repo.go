// Package sqlite implements storage.Repository on SQLite via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"torgi/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native timestamp type: DATE/TIMESTAMP declarations get
//     NUMERIC affinity and the driver round-trips whatever we store.
//     Timestamps are therefore stored as RFC3339Nano strings for reliable
//     round-trip behavior and easy debugging.
//   - Idempotent inserts use INSERT OR IGNORE, which relies on the table's
//     UNIQUE constraints rather than an explicit conflict target.
type Repo struct {
	db *sql.DB
}

// New opens (or creates) the database file named by the DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Kind() string { return "sqlite" }

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) CreateTable(ctx context.Context, t storage.TableSpec) error {
	ddl, err := buildCreateSQL(t)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

func (r *Repo) TableColumns(ctx context.Context, table string) ([]storage.ColumnInfo, error) {
	q := fmt.Sprintf("PRAGMA table_info(%s);", sqlIdent(table))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("TableColumns: query %s: %w", table, err)
	}
	defer rows.Close()

	var out []storage.ColumnInfo
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("TableColumns: scan %s: %w", table, err)
		}
		out = append(out, storage.ColumnInfo{Name: name, Type: typeFromSQLite(typ)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("TableColumns: rows %s: %w", table, err)
	}
	return out, nil
}

func (r *Repo) AddColumns(ctx context.Context, table string, cols []storage.ColumnSpec) error {
	// SQLite accepts a single ADD COLUMN per ALTER TABLE.
	for _, c := range cols {
		ddl := buildAddColumnSQL(table, c)
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c.Name, err)
		}
	}
	return nil
}

func (r *Repo) SelectKeyStrings(ctx context.Context, table, keyColumn, valueColumn string) (map[string]string, error) {
	q := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IS NOT NULL;",
		sqlIdent(keyColumn), sqlIdent(valueColumn), sqlIdent(table), sqlIdent(valueColumn))

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("SelectKeyStrings: query %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k any
		var v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("SelectKeyStrings: scan %s: %w", table, err)
		}
		out[storage.NormalizeKey(k)] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SelectKeyStrings: rows %s: %w", table, err)
	}
	return out, nil
}

func (r *Repo) UpsertKeyed(ctx context.Context, table, keyColumn string, columns []string, values []any, updateColumns []string) error {
	q := buildUpsertKeyedSQL(table, keyColumn, columns, updateColumns)
	if _, err := r.db.ExecContext(ctx, q, bindValues(values)...); err != nil {
		return fmt.Errorf("UpsertKeyed: %s: %w", table, err)
	}
	return nil
}

func (r *Repo) PendingRefs(ctx context.Context, table, refColumn, statusColumn string, want []string, limit int) ([]storage.PendingRef, error) {
	q, args := buildPendingRefsSQL(table, refColumn, statusColumn, want, limit)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("PendingRefs: query %s: %w", table, err)
	}
	defer rows.Close()

	var out []storage.PendingRef
	for rows.Next() {
		var p storage.PendingRef
		if err := rows.Scan(&p.Skey, &p.Ref, &p.Status); err != nil {
			return nil, fmt.Errorf("PendingRefs: scan %s: %w", table, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("PendingRefs: rows %s: %w", table, err)
	}
	return out, nil
}

func (r *Repo) SetStatus(ctx context.Context, u storage.StatusUpdate) error {
	q, args := buildSetStatusSQL(u)
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("SetStatus: %s: %w", u.Table, err)
	}
	return nil
}

func (r *Repo) ListTables(ctx context.Context) ([]storage.TableCount, error) {
	const q = `SELECT name FROM sqlite_master
WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name;`

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ListTables: query: %w", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("ListTables: scan: %w", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("ListTables: rows: %w", err)
	}
	rows.Close()

	out := make([]storage.TableCount, 0, len(names))
	for _, n := range names {
		var count int64
		if err := r.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s;", sqlIdent(n))).Scan(&count); err != nil {
			return nil, fmt.Errorf("ListTables: count %s: %w", n, err)
		}
		out = append(out, storage.TableCount{Name: n, Rows: count})
	}
	return out, nil
}

func (r *Repo) DropTable(ctx context.Context, table string) error {
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s;", sqlIdent(table))); err != nil {
		return fmt.Errorf("DropTable: %s: %w", table, err)
	}
	return nil
}

func (r *Repo) RunUnit(ctx context.Context, fn func(storage.Unit) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("RunUnit: begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&unit{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("RunUnit: commit: %w", err)
	}
	return nil
}

type unit struct {
	tx *sql.Tx
}

func (u *unit) Insert(ctx context.Context, table string, columns []string, values []any, conflictColumns []string) (bool, error) {
	q := buildInsertSQL(table, columns, len(conflictColumns) > 0)
	res, err := u.tx.ExecContext(ctx, q, bindValues(values)...)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert %s: rows affected: %w", table, err)
	}
	return n > 0, nil
}

func (u *unit) InsertReturningID(ctx context.Context, table string, columns []string, values []any, conflictColumns []string) (int64, bool, error) {
	q := buildInsertSQL(table, columns, len(conflictColumns) > 0)
	res, err := u.tx.ExecContext(ctx, q, bindValues(values)...)
	if err != nil {
		return 0, false, fmt.Errorf("insert %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("insert %s: rows affected: %w", table, err)
	}
	if n > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("insert %s: last id: %w", table, err)
		}
		return id, true, nil
	}

	// OR IGNORE swallowed the row: resolve the existing identity.
	sel, args, err := buildSelectIDSQL(table, columns, values, conflictColumns)
	if err != nil {
		return 0, false, err
	}
	var id int64
	if err := u.tx.QueryRowContext(ctx, sel, bindValues(args)...).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, fmt.Errorf("insert %s: conflict fired but row not found", table)
		}
		return 0, false, fmt.Errorf("insert %s: resolve id: %w", table, err)
	}
	return id, false, nil
}

func (u *unit) SetStatus(ctx context.Context, su storage.StatusUpdate) error {
	q, args := buildSetStatusSQL(su)
	if _, err := u.tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("SetStatus: %s: %w", su.Table, err)
	}
	return nil
}
