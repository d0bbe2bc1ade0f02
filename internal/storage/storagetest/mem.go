// Package storagetest provides an in-memory storage.Repository for tests.
//
// MemRepo mirrors the semantics the real backends implement (idempotent
// inserts by conflict columns, identity assignment, unit rollback) without a
// database, so loaders and pipelines are testable in-process.
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"torgi/internal/flatten"
	"torgi/internal/storage"
)

// Row is one stored row, column name to bound value.
type Row map[string]any

type memTable struct {
	spec    storage.TableSpec
	columns []storage.ColumnInfo
	rows    []Row
	nextID  int64
}

// MemRepo is an in-memory storage.Repository.
//
// Creates and Alters count DDL calls so tests can assert that repeated runs
// perform no schema work.
type MemRepo struct {
	mu     sync.Mutex
	tables map[string]*memTable

	Creates int
	Alters  int
}

// NewMem returns an empty in-memory repository.
func NewMem() *MemRepo {
	return &MemRepo{tables: make(map[string]*memTable)}
}

func (r *MemRepo) Kind() string { return "mem" }

func (r *MemRepo) Close() {}

func (r *MemRepo) CreateTable(_ context.Context, t storage.TableSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tables[t.Name]; ok {
		return nil
	}
	cols := []storage.ColumnInfo{{Name: storage.IdentityColumn, Type: flatten.TypeInteger}}
	if t.Parent != "" {
		cols = append(cols, storage.ColumnInfo{Name: storage.FKColumn(t.Parent), Type: flatten.TypeInteger})
	}
	for _, c := range t.Columns {
		cols = append(cols, storage.ColumnInfo{Name: c.Name, Type: c.Type})
	}
	r.tables[t.Name] = &memTable{spec: t, columns: cols, nextID: 1}
	r.Creates++
	return nil
}

func (r *MemRepo) TableColumns(_ context.Context, table string) ([]storage.ColumnInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[table]
	if !ok {
		return nil, nil
	}
	return append([]storage.ColumnInfo(nil), t.columns...), nil
}

func (r *MemRepo) AddColumns(_ context.Context, table string, cols []storage.ColumnSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[table]
	if !ok {
		return fmt.Errorf("storagetest: AddColumns: no table %s", table)
	}
	for _, c := range cols {
		t.columns = append(t.columns, storage.ColumnInfo{Name: c.Name, Type: c.Type})
	}
	r.Alters++
	return nil
}

func (r *MemRepo) SelectKeyStrings(_ context.Context, table, keyColumn, valueColumn string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := map[string]string{}
	t, ok := r.tables[table]
	if !ok {
		return out, nil
	}
	for _, row := range t.rows {
		if v, ok := row[valueColumn].(string); ok {
			out[storage.NormalizeKey(row[keyColumn])] = v
		}
	}
	return out, nil
}

func (r *MemRepo) UpsertKeyed(_ context.Context, table, keyColumn string, columns []string, values []any, updateColumns []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[table]
	if !ok {
		return fmt.Errorf("storagetest: UpsertKeyed: no table %s", table)
	}
	incoming := rowFrom(columns, values)

	for _, row := range t.rows {
		if normVal(row[keyColumn]) == normVal(incoming[keyColumn]) {
			for _, uc := range updateColumns {
				row[uc] = incoming[uc]
			}
			return nil
		}
	}
	incoming[storage.IdentityColumn] = t.nextID
	t.nextID++
	t.rows = append(t.rows, incoming)
	return nil
}

func (r *MemRepo) PendingRefs(_ context.Context, table, refColumn, statusColumn string, want []string, limit int) ([]storage.PendingRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[table]
	if !ok {
		return nil, nil
	}
	wanted := map[string]bool{}
	for _, w := range want {
		wanted[w] = true
	}

	var out []storage.PendingRef
	for _, row := range t.rows {
		status, _ := row[statusColumn].(string)
		if !wanted[status] {
			continue
		}
		ref, _ := row[refColumn].(string)
		out = append(out, storage.PendingRef{
			Skey:   row[storage.IdentityColumn].(int64),
			Ref:    ref,
			Status: status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Skey < out[j].Skey })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemRepo) SetStatus(ctx context.Context, u storage.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setStatusLocked(u)
}

func (r *MemRepo) setStatusLocked(u storage.StatusUpdate) error {
	t, ok := r.tables[u.Table]
	if !ok {
		return fmt.Errorf("storagetest: SetStatus: no table %s", u.Table)
	}
	for _, row := range t.rows {
		if row[storage.IdentityColumn] == u.Skey {
			row[u.StatusColumn] = u.Status
			if u.AtColumn != "" {
				row[u.AtColumn] = u.At
			}
			return nil
		}
	}
	return fmt.Errorf("storagetest: SetStatus: no row skey=%d in %s", u.Skey, u.Table)
}

func (r *MemRepo) ListTables(_ context.Context) ([]storage.TableCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.tables))
	for n := range r.tables {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]storage.TableCount, 0, len(names))
	for _, n := range names {
		out = append(out, storage.TableCount{Name: n, Rows: int64(len(r.tables[n].rows))})
	}
	return out, nil
}

func (r *MemRepo) DropTable(_ context.Context, table string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tables, table)
	return nil
}

// RunUnit snapshots state before fn and restores it when fn fails, matching
// transactional rollback.
func (r *MemRepo) RunUnit(ctx context.Context, fn func(storage.Unit) error) error {
	r.mu.Lock()
	snap := r.snapshotLocked()
	r.mu.Unlock()

	if err := fn(&memUnit{repo: r}); err != nil {
		r.mu.Lock()
		r.tables = snap
		r.mu.Unlock()
		return err
	}
	return nil
}

// Rows returns a copy of a table's rows in insertion order.
func (r *MemRepo) Rows(table string) []Row {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[table]
	if !ok {
		return nil
	}
	out := make([]Row, len(t.rows))
	for i, row := range t.rows {
		out[i] = copyRow(row)
	}
	return out
}

// HasTable reports whether a table was created.
func (r *MemRepo) HasTable(table string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tables[table]
	return ok
}

// TableSpecFor returns the spec the table was created with.
func (r *MemRepo) TableSpecFor(table string) (storage.TableSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[table]
	if !ok {
		return storage.TableSpec{}, false
	}
	return t.spec, true
}

func (r *MemRepo) snapshotLocked() map[string]*memTable {
	snap := make(map[string]*memTable, len(r.tables))
	for name, t := range r.tables {
		ct := &memTable{
			spec:    t.spec,
			columns: append([]storage.ColumnInfo(nil), t.columns...),
			nextID:  t.nextID,
		}
		ct.rows = make([]Row, len(t.rows))
		for i, row := range t.rows {
			ct.rows[i] = copyRow(row)
		}
		snap[name] = ct
	}
	return snap
}

type memUnit struct {
	repo *MemRepo
}

func (u *memUnit) Insert(ctx context.Context, table string, columns []string, values []any, conflictColumns []string) (bool, error) {
	_, inserted, err := u.InsertReturningID(ctx, table, columns, values, conflictColumns)
	return inserted, err
}

func (u *memUnit) InsertReturningID(_ context.Context, table string, columns []string, values []any, conflictColumns []string) (int64, bool, error) {
	u.repo.mu.Lock()
	defer u.repo.mu.Unlock()

	t, ok := u.repo.tables[table]
	if !ok {
		return 0, false, fmt.Errorf("storagetest: insert: no table %s", table)
	}
	if len(columns) != len(values) {
		return 0, false, fmt.Errorf("storagetest: insert %s: %d columns, %d values", table, len(columns), len(values))
	}
	incoming := rowFrom(columns, values)

	if len(conflictColumns) > 0 {
		for _, row := range t.rows {
			match := true
			for _, cc := range conflictColumns {
				if normVal(row[cc]) != normVal(incoming[cc]) {
					match = false
					break
				}
			}
			if match {
				return row[storage.IdentityColumn].(int64), false, nil
			}
		}
	}

	id := t.nextID
	t.nextID++
	incoming[storage.IdentityColumn] = id
	t.rows = append(t.rows, incoming)
	return id, true, nil
}

func (u *memUnit) SetStatus(_ context.Context, su storage.StatusUpdate) error {
	u.repo.mu.Lock()
	defer u.repo.mu.Unlock()
	return u.repo.setStatusLocked(su)
}

func rowFrom(columns []string, values []any) Row {
	row := make(Row, len(columns)+1)
	for i, c := range columns {
		row[c] = values[i]
	}
	return row
}

func copyRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// normVal canonicalizes a value for conflict comparison across the Go types
// loaders bind.
func normVal(v any) string {
	switch t := v.(type) {
	case nil:
		return "\x00nil"
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case string, int, int64, []byte:
		return storage.NormalizeKey(t)
	default:
		return fmt.Sprint(t)
	}
}
