// Package postgres implements storage.Repository on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"torgi/internal/storage"
)

// Repo implements storage.Repository for Postgres.
//
// Idempotent inserts use ON CONFLICT (...) DO NOTHING; identity resolution
// uses RETURNING skey with a SELECT fallback when the conflict fires.
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a Postgres-backed repository and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

func (r *Repo) Kind() string { return "postgres" }

// Close closes the connection pool.
func (r *Repo) Close() { r.pool.Close() }

func (r *Repo) CreateTable(ctx context.Context, t storage.TableSpec) error {
	sql, err := buildCreateSQL(t)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

func (r *Repo) TableColumns(ctx context.Context, table string) ([]storage.ColumnInfo, error) {
	const q = `SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1
ORDER BY ordinal_position;`

	rows, err := r.pool.Query(ctx, q, table)
	if err != nil {
		return nil, fmt.Errorf("TableColumns: query %s: %w", table, err)
	}
	defer rows.Close()

	var out []storage.ColumnInfo
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, fmt.Errorf("TableColumns: scan %s: %w", table, err)
		}
		out = append(out, storage.ColumnInfo{Name: name, Type: typeFromPG(typ)})
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
	sql := buildAddColumnsSQL(table, cols)
	if _, err := r.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("add columns %s: %w", table, err)
	}
	return nil
}

func (r *Repo) SelectKeyStrings(ctx context.Context, table, keyColumn, valueColumn string) (map[string]string, error) {
	sql := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IS NOT NULL;",
		pgIdent(keyColumn), pgIdent(valueColumn), pgIdent(table), pgIdent(valueColumn))

	rows, err := r.pool.Query(ctx, sql)
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
	sql := buildUpsertKeyedSQL(table, keyColumn, columns, updateColumns)
	if _, err := r.pool.Exec(ctx, sql, values...); err != nil {
		return fmt.Errorf("UpsertKeyed: %s: %w", table, err)
	}
	return nil
}

func (r *Repo) PendingRefs(ctx context.Context, table, refColumn, statusColumn string, want []string, limit int) ([]storage.PendingRef, error) {
	sql, args := buildPendingRefsSQL(table, refColumn, statusColumn, want, limit)
	rows, err := r.pool.Query(ctx, sql, args...)
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
	sql, args := buildSetStatusSQL(u)
	if _, err := r.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("SetStatus: %s: %w", u.Table, err)
	}
	return nil
}

func (r *Repo) ListTables(ctx context.Context) ([]storage.TableCount, error) {
	const q = `SELECT table_name
FROM information_schema.tables
WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
ORDER BY table_name;`

	rows, err := r.pool.Query(ctx, q)
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
		sql := fmt.Sprintf("SELECT COUNT(*) FROM %s;", pgIdent(n))
		if err := r.pool.QueryRow(ctx, sql).Scan(&count); err != nil {
			return nil, fmt.Errorf("ListTables: count %s: %w", n, err)
		}
		out = append(out, storage.TableCount{Name: n, Rows: count})
	}
	return out, nil
}

func (r *Repo) DropTable(ctx context.Context, table string) error {
	sql := fmt.Sprintf("DROP TABLE IF EXISTS %s;", pgIdent(table))
	if _, err := r.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("DropTable: %s: %w", table, err)
	}
	return nil
}

// RunUnit executes fn inside one transaction.
func (r *Repo) RunUnit(ctx context.Context, fn func(storage.Unit) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("RunUnit: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&unit{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("RunUnit: commit: %w", err)
	}
	return nil
}

type unit struct {
	tx pgx.Tx
}

func (u *unit) Insert(ctx context.Context, table string, columns []string, values []any, conflictColumns []string) (bool, error) {
	sql := buildInsertSQL(table, columns, conflictColumns, false)
	cmd, err := u.tx.Exec(ctx, sql, values...)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", table, err)
	}
	return cmd.RowsAffected() > 0, nil
}

func (u *unit) InsertReturningID(ctx context.Context, table string, columns []string, values []any, conflictColumns []string) (int64, bool, error) {
	sql := buildInsertSQL(table, columns, conflictColumns, true)

	var id int64
	err := u.tx.QueryRow(ctx, sql, values...).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("insert %s: %w", table, err)
	}

	// Conflict fired: resolve the existing row through the conflict columns.
	sel, args, serr := buildSelectIDSQL(table, columns, values, conflictColumns)
	if serr != nil {
		return 0, false, serr
	}
	if err := u.tx.QueryRow(ctx, sel, args...).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, fmt.Errorf("insert %s: conflict fired but row not found", table)
		}
		return 0, false, fmt.Errorf("insert %s: resolve id: %w", table, err)
	}
	return id, false, nil
}

func (u *unit) SetStatus(ctx context.Context, su storage.StatusUpdate) error {
	sql, args := buildSetStatusSQL(su)
	if _, err := u.tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("SetStatus: %s: %w", su.Table, err)
	}
	return nil
}
