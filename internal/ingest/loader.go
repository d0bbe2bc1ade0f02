// Package ingest loads batches of structured records into managed tables.
//
// The Loader is the one write path of the engine: it synthesizes the batch
// schema, lets the table manager settle it against what already exists, and
// inserts rows idempotently. Embedded collections become child tables linked
// by the parent's identity; child rows are written only when their parent row
// is new, which keeps re-runs duplicate-free without per-child keys.
package ingest

import (
	"context"
	"fmt"
	"strconv"

	"torgi/internal/flatten"
	"torgi/internal/storage"
)

// Constant is an engine-stamped column appended to every root row: provenance
// markers, bookkeeping status fields. A nil Value still declares the column.
type Constant struct {
	Name  string
	Type  flatten.Type
	Value any
}

// CollectionOption overrides how one root-level embedded collection loads.
// Field is the collection's flattened (lower-case) name. Collections deeper
// than the root always use the defaults.
type CollectionOption struct {
	Field string
	// Table overrides the default <parent>_<field> child table name.
	Table string
	// Unique names the child table's natural key.
	Unique []string
	// Constants are stamped on every child row.
	Constants []Constant
}

// Options configures one Load call.
type Options struct {
	// Table is the root table name.
	Table string
	// Unique names the root table's natural-key columns. Rows whose key
	// already exists are skipped, making re-runs idempotent. May name the
	// parent FK column.
	Unique []string
	// Parent and ParentID link every root row to an existing row of another
	// managed table. ParentID must be a resolved identity.
	Parent   string
	ParentID int64
	// Constants are stamped on every root row after the data columns.
	Constants []Constant
	// Collections customizes root-level embedded collections by field name.
	Collections []CollectionOption
	// UnitPerRecord runs each root record (with its child rows) in its own
	// unit instead of one unit for the whole batch.
	UnitPerRecord bool
	// AfterRecord, when set, runs inside the unit after each root record,
	// whether or not the row was newly inserted. Returning an error rolls the
	// unit back.
	AfterRecord func(ctx context.Context, u storage.Unit, index int, rootID int64, inserted bool) error
}

// Stats reports what one Load call did.
type Stats struct {
	Records       int // root records presented
	Inserted      int // root rows newly inserted
	Duplicates    int // root rows skipped by their unique key
	ChildRows     int // collection rows inserted, all levels
	SkippedFields int // field values dropped by schema conflicts or shadowing
}

// Add folds another call's stats into s.
func (s *Stats) Add(o Stats) {
	s.Records += o.Records
	s.Inserted += o.Inserted
	s.Duplicates += o.Duplicates
	s.ChildRows += o.ChildRows
	s.SkippedFields += o.SkippedFields
}

// Loader writes record batches through a table manager.
type Loader struct {
	repo storage.Repository
	mgr  *storage.Manager
	log  storage.Logger
}

// NewLoader builds a Loader. A nil logger is replaced with a silent one.
func NewLoader(repo storage.Repository, mgr *storage.Manager, log storage.Logger) *Loader {
	if log == nil {
		log = nopLogger{}
	}
	return &Loader{repo: repo, mgr: mgr, log: log}
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Load ensures the root table (and every collection table the batch implies),
// then inserts the records. The returned stats are valid only when err is nil.
func (l *Loader) Load(ctx context.Context, records []flatten.Record, opts Options) (Stats, error) {
	var stats Stats
	if opts.Table == "" {
		return stats, fmt.Errorf("ingest: empty table name")
	}
	if opts.Parent != "" && opts.ParentID <= 0 {
		return stats, &storage.OrphanRowError{
			Table:  opts.Table,
			Parent: opts.Parent,
			Key:    strconv.FormatInt(opts.ParentID, 10),
		}
	}
	if len(records) == 0 {
		return stats, nil
	}
	stats.Records = len(records)

	overrides := make(map[string]CollectionOption, len(opts.Collections))
	for _, co := range opts.Collections {
		overrides[co.Field] = co
	}

	schema := flatten.Flatten(records)
	root, err := l.ensureTree(ctx, opts.Table, opts.Parent, schema, opts.Unique, opts.Constants, overrides, &stats)
	if err != nil {
		return stats, err
	}

	fkCol := ""
	if opts.Parent != "" {
		fkCol = storage.FKColumn(opts.Parent)
	}
	needID := opts.AfterRecord != nil

	loadOne := func(u storage.Unit, i int, rec flatten.Record) error {
		inserted, rootID, err := l.insertTree(ctx, u, root, rec, fkCol, opts.ParentID, needID, &stats)
		if err != nil {
			return err
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Duplicates++
		}
		if opts.AfterRecord != nil {
			return opts.AfterRecord(ctx, u, i, rootID, inserted)
		}
		return nil
	}

	if opts.UnitPerRecord {
		for i, rec := range records {
			i, rec := i, rec
			if err := l.repo.RunUnit(ctx, func(u storage.Unit) error {
				return loadOne(u, i, rec)
			}); err != nil {
				return stats, fmt.Errorf("ingest: load %s: %w", opts.Table, err)
			}
		}
	} else {
		if err := l.repo.RunUnit(ctx, func(u storage.Unit) error {
			for i, rec := range records {
				if err := loadOne(u, i, rec); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return stats, fmt.Errorf("ingest: load %s: %w", opts.Table, err)
		}
	}

	l.log.Printf("info stage=load table=%s records=%d inserted=%d duplicates=%d children=%d skipped_fields=%d",
		opts.Table, stats.Records, stats.Inserted, stats.Duplicates, stats.ChildRows, stats.SkippedFields)
	return stats, nil
}

// node is one table of the load tree with its settled, bindable schema.
type node struct {
	table     string
	schema    flatten.Schema
	cols      []string
	constants []Constant
	unique    []string
	children  []child
}

type child struct {
	coll flatten.Collection
	node *node
}

// ensureTree settles the table for one schema level and recurses into its
// collections. Child tables are named <parent>_<collection> and carry the
// parent link; overrides may rename a root-level collection's table and give
// it a natural key and constants.
func (l *Loader) ensureTree(ctx context.Context, table, parent string, schema flatten.Schema, unique []string, constants []Constant, overrides map[string]CollectionOption, stats *Stats) (*node, error) {
	shadow := make(map[string]bool, len(constants))
	for _, c := range constants {
		shadow[c.Name] = true
	}

	specCols := make([]storage.ColumnSpec, 0, len(schema.Columns)+len(constants))
	for _, c := range schema.Columns {
		if shadow[c.Name] {
			l.log.Printf("warn stage=load table=%s column=%s err=%q", table, c.Name, "field shadows engine column, skipped")
			stats.SkippedFields++
			continue
		}
		specCols = append(specCols, storage.ColumnSpec{Name: c.Name, Type: c.Type})
	}
	for _, c := range constants {
		specCols = append(specCols, storage.ColumnSpec{Name: c.Name, Type: c.Type})
	}

	spec := storage.TableSpec{Name: table, Parent: parent, Columns: specCols}
	if len(unique) > 0 {
		spec.Unique = [][]string{unique}
	}

	plan, err := l.mgr.Ensure(ctx, spec)
	if err != nil {
		return nil, err
	}
	stats.SkippedFields += len(plan.Skipped)

	planned := make(map[string]flatten.Type, len(plan.Columns))
	for _, c := range plan.Columns {
		planned[c.Name] = c.Type
	}

	types := make(map[string]flatten.Type, len(planned))
	for name, typ := range planned {
		if !shadow[name] {
			types[name] = typ
		}
	}
	projected := schema.Project(types)

	kept := make([]Constant, 0, len(constants))
	for _, c := range constants {
		if _, ok := planned[c.Name]; ok {
			kept = append(kept, c)
		}
	}

	n := &node{
		table:     table,
		schema:    projected,
		cols:      projected.ColumnNames(),
		constants: kept,
		unique:    unique,
	}
	for _, coll := range schema.Collections {
		childTable := table + "_" + coll.Name
		var childUnique []string
		var childConstants []Constant
		// Options declare collections by raw field name; accept the
		// normalized spelling too.
		ov, ok := overrides[coll.Field]
		if !ok {
			ov, ok = overrides[coll.Name]
		}
		if ok {
			if ov.Table != "" {
				childTable = ov.Table
			}
			childUnique = ov.Unique
			childConstants = ov.Constants
		}
		cn, err := l.ensureTree(ctx, childTable, table, *coll.Schema, childUnique, childConstants, nil, stats)
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, child{coll: coll, node: cn})
	}
	return n, nil
}

// insertTree writes one record at one tree level and, when the row is new,
// its collection elements one level down.
func (l *Loader) insertTree(ctx context.Context, u storage.Unit, n *node, rec flatten.Record, fkCol string, fkVal int64, needID bool, stats *Stats) (bool, int64, error) {
	columns := make([]string, 0, len(n.cols)+len(n.constants)+1)
	values := make([]any, 0, len(n.cols)+len(n.constants)+1)

	if fkCol != "" {
		columns = append(columns, fkCol)
		values = append(values, fkVal)
	}
	columns = append(columns, n.cols...)
	values = append(values, n.schema.Row(rec)...)
	for _, c := range n.constants {
		columns = append(columns, c.Name)
		values = append(values, c.Value)
	}
	if len(columns) == 0 {
		return false, 0, fmt.Errorf("ingest: %s: record produced no columns", n.table)
	}

	if needID || len(n.children) > 0 {
		id, inserted, err := u.InsertReturningID(ctx, n.table, columns, values, n.unique)
		if err != nil {
			return false, 0, err
		}
		if inserted {
			if err := l.insertChildren(ctx, u, n, rec, id, stats); err != nil {
				return false, 0, err
			}
		}
		return inserted, id, nil
	}

	inserted, err := u.Insert(ctx, n.table, columns, values, n.unique)
	if err != nil {
		return false, 0, err
	}
	return inserted, 0, nil
}

func (l *Loader) insertChildren(ctx context.Context, u storage.Unit, n *node, rec flatten.Record, parentID int64, stats *Stats) error {
	for _, ch := range n.children {
		fk := storage.FKColumn(n.table)
		for _, el := range ch.coll.Elements(rec) {
			inserted, _, err := l.insertTree(ctx, u, ch.node, el, fk, parentID, false, stats)
			if err != nil {
				return err
			}
			if inserted {
				stats.ChildRows++
			}
		}
	}
	return nil
}
