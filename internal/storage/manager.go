package storage

import (
	"context"
	"fmt"
	"sync"

	"torgi/internal/flatten"
)

// Logger is the minimal logging interface accepted across the module.
// *log.Logger satisfies it; nil loggers are replaced with a silent one.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Manager owns table lifecycle: create-if-absent and additive-only column
// evolution. Schema mutation for one table is serialized by a per-table
// mutex held only across the Ensure call; loads against a stable schema
// proceed concurrently.
type Manager struct {
	repo Repository
	log  Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	// known caches introspected column types per table. The process owns
	// schema mutation, so the cache only goes stale if an external actor
	// alters tables mid-run.
	known map[string]map[string]flatten.Type
}

// NewManager wraps a repository with table lifecycle management.
func NewManager(repo Repository, log Logger) *Manager {
	if log == nil {
		log = nopLogger{}
	}
	return &Manager{
		repo:  repo,
		log:   log,
		locks: make(map[string]*sync.Mutex),
		known: make(map[string]map[string]flatten.Type),
	}
}

// TablePlan is the usable projection of a TableSpec after evolution: the
// columns a loader may bind, with conflicting fields removed.
type TablePlan struct {
	Table   string
	Columns []ColumnSpec
	// Skipped lists fields excluded from the plan, with the reason
	// (schema conflict or reserved name). Their values are dropped for the
	// batch; the rest of each row still loads.
	Skipped []SkippedColumn
}

// SkippedColumn is one field excluded from a table plan.
type SkippedColumn struct {
	Name   string
	Reason error
}

// ColumnNames returns the plan's usable column names in order.
func (p *TablePlan) ColumnNames() []string {
	out := make([]string, len(p.Columns))
	for i, c := range p.Columns {
		out[i] = c.Name
	}
	return out
}

// Ensure creates the table if absent, or adds exactly the missing columns if
// present. Existing columns are never altered: a required column whose type
// does not fit the existing one is excluded from the returned plan and
// reported in Skipped, with a warning logged.
//
// Edge cases:
//   - Reserved names (the identity column and the parent FK column) are
//     stripped from the data columns before any DDL.
//   - A repeated Ensure with an unchanged spec performs no DDL.
func (m *Manager) Ensure(ctx context.Context, spec TableSpec) (*TablePlan, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("storage: Ensure: empty table name")
	}

	plan := &TablePlan{Table: spec.Name}
	spec = m.stripReserved(spec, plan)

	lock := m.lockFor(spec.Name)
	lock.Lock()
	defer lock.Unlock()

	existing, ok := m.cached(spec.Name)
	if !ok {
		cols, err := m.repo.TableColumns(ctx, spec.Name)
		if err != nil {
			return nil, fmt.Errorf("storage: introspect %s: %w", spec.Name, err)
		}
		if cols == nil {
			if err := m.repo.CreateTable(ctx, spec); err != nil {
				return nil, fmt.Errorf("storage: create %s: %w", spec.Name, err)
			}
			existing = make(map[string]flatten.Type, len(spec.Columns))
			for _, c := range spec.Columns {
				existing[c.Name] = c.Type
			}
			m.remember(spec.Name, existing)
			plan.Columns = spec.Columns
			return plan, nil
		}
		existing = make(map[string]flatten.Type, len(cols))
		for _, c := range cols {
			existing[c.Name] = c.Type
		}
		m.remember(spec.Name, existing)
	}

	var missing []ColumnSpec
	for _, c := range spec.Columns {
		have, found := existing[c.Name]
		if !found {
			missing = append(missing, c)
			plan.Columns = append(plan.Columns, c)
			continue
		}
		if !flatten.FitsInto(c.Type, have) {
			conflict := &SchemaConflictError{
				Table:    spec.Name,
				Column:   c.Name,
				Existing: have,
				Proposed: c.Type,
			}
			m.log.Printf("warn stage=schema table=%s column=%s err=%q", spec.Name, c.Name, conflict)
			plan.Skipped = append(plan.Skipped, SkippedColumn{Name: c.Name, Reason: conflict})
			continue
		}
		plan.Columns = append(plan.Columns, ColumnSpec{Name: c.Name, Type: have})
	}

	if len(missing) > 0 {
		if err := m.repo.AddColumns(ctx, spec.Name, missing); err != nil {
			return nil, fmt.Errorf("storage: evolve %s: %w", spec.Name, err)
		}
		for _, c := range missing {
			existing[c.Name] = c.Type
		}
	}
	return plan, nil
}

// stripReserved removes the identity column and the parent FK column from the
// data columns. Their names are owned by the engine.
func (m *Manager) stripReserved(spec TableSpec, plan *TablePlan) TableSpec {
	reserved := map[string]bool{IdentityColumn: true}
	if spec.Parent != "" {
		reserved[FKColumn(spec.Parent)] = true
	}

	kept := spec.Columns[:0:0]
	for _, c := range spec.Columns {
		if c.Name == "" {
			continue
		}
		if reserved[c.Name] {
			m.log.Printf("warn stage=schema table=%s column=%s err=\"reserved name, field skipped\"", spec.Name, c.Name)
			plan.Skipped = append(plan.Skipped, SkippedColumn{
				Name:   c.Name,
				Reason: fmt.Errorf("storage: column %s.%s: reserved name", spec.Name, c.Name),
			})
			continue
		}
		kept = append(kept, c)
	}
	spec.Columns = kept
	return spec
}

func (m *Manager) lockFor(table string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[table]
	if !ok {
		l = &sync.Mutex{}
		m.locks[table] = l
	}
	return l
}

func (m *Manager) cached(table string) (map[string]flatten.Type, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cols, ok := m.known[table]
	return cols, ok
}

func (m *Manager) remember(table string, cols map[string]flatten.Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.known[table] = cols
}
