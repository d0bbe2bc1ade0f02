// Package mssql implements storage.Repository for Microsoft SQL Server.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/microsoft/go-mssqldb"

	"torgi/internal/storage"
)

// Repo implements storage.Repository on SQL Server.
//
// SQL Server specifics handled here:
//   - No ON CONFLICT: idempotent inserts use INSERT ... SELECT ... WHERE NOT
//     EXISTS, and keyed upserts run UPDATE-then-INSERT inside a transaction.
//   - CREATE TABLE IF NOT EXISTS is unavailable: DDL is wrapped in an
//     OBJECT_ID guard.
//   - Unique constraints cannot cover NVARCHAR(MAX) columns, so text columns
//     under a unique constraint are declared NVARCHAR(450).
type Repo struct {
	db *sql.DB
}

// New connects to SQL Server and validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Conservative defaults for bursty batch loads.
	db.SetMaxOpenConns(64)
	db.SetMaxIdleConns(64)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Kind() string { return "mssql" }

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
	const q = `SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = SCHEMA_NAME() AND TABLE_NAME = @p1
ORDER BY ORDINAL_POSITION`

	rows, err := r.db.QueryContext(ctx, q, table)
	if err != nil {
		return nil, fmt.Errorf("TableColumns: query %s: %w", table, err)
	}
	defer rows.Close()

	var out []storage.ColumnInfo
	for rows.Next() {
		var name, dt string
		if err := rows.Scan(&name, &dt); err != nil {
			return nil, fmt.Errorf("TableColumns: scan %s: %w", table, err)
		}
		out = append(out, storage.ColumnInfo{Name: name, Type: typeFromMSSQL(dt)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("TableColumns: rows %s: %w", table, err)
	}
	return out, nil
}

func (r *Repo) AddColumns(ctx context.Context, table string, cols []storage.ColumnSpec) error {
	if len(cols) == 0 {
		return nil
	}
	ddl, err := buildAddColumnsSQL(table, cols)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("add columns %s: %w", table, err)
	}
	return nil
}

func (r *Repo) SelectKeyStrings(ctx context.Context, table, keyColumn, valueColumn string) (map[string]string, error) {
	q := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IS NOT NULL",
		mssqlIdent(keyColumn), mssqlIdent(valueColumn), mssqlIdent(table), mssqlIdent(valueColumn))

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

// UpsertKeyed updates the row matching keyColumn, inserting it when absent.
// Runs as UPDATE-then-INSERT in one transaction since SQL Server lacks a
// portable ON CONFLICT clause and MERGE is avoided on purpose.
func (r *Repo) UpsertKeyed(ctx context.Context, table, keyColumn string, columns []string, values []any, updateColumns []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("UpsertKeyed: begin %s: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(updateColumns) > 0 {
		q, args, err := buildUpdateKeyedSQL(table, keyColumn, columns, values, updateColumns)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("UpsertKeyed: update %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return tx.Commit()
		}
	}

	q, err := buildInsertSQL(table, columns, []string{keyColumn}, false)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, q, values...); err != nil {
		return fmt.Errorf("UpsertKeyed: insert %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("UpsertKeyed: commit %s: %w", table, err)
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
	const q = `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
WHERE TABLE_SCHEMA = SCHEMA_NAME() AND TABLE_TYPE = 'BASE TABLE'
ORDER BY TABLE_NAME`

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
		if err := r.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", mssqlIdent(n))).Scan(&count); err != nil {
			return nil, fmt.Errorf("ListTables: count %s: %w", n, err)
		}
		out = append(out, storage.TableCount{Name: n, Rows: count})
	}
	return out, nil
}

func (r *Repo) DropTable(ctx context.Context, table string) error {
	q := fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s;", table, mssqlIdent(table))
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("DropTable: %s: %w", table, err)
	}
	return nil
}

func (r *Repo) RunUnit(ctx context.Context, fn func(storage.Unit) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("RunUnit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

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
	q, err := buildInsertSQL(table, columns, conflictColumns, false)
	if err != nil {
		return false, err
	}
	res, err := u.tx.ExecContext(ctx, q, values...)
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
	q, err := buildInsertSQL(table, columns, conflictColumns, true)
	if err != nil {
		return 0, false, err
	}
	var id int64
	err = u.tx.QueryRowContext(ctx, q, values...).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("insert %s: %w", table, err)
	}

	// NOT EXISTS suppressed the insert: resolve the existing identity.
	sel, args, err := buildSelectIDSQL(table, columns, values, conflictColumns)
	if err != nil {
		return 0, false, err
	}
	if err := u.tx.QueryRowContext(ctx, sel, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
