// Package storage defines the backend-agnostic repository surface, the
// table lifecycle manager and the registry relational backends plug into.
package storage

import (
	"context"
	"fmt"
	"sync"
)

// Config is the minimal configuration needed to create a repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is
//     backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository is the backend-agnostic storage interface.
//
// IMPORTANT: the interface is intentionally minimal and purpose-built for the
// ingestion engine. Each backend implements the semantics in its own
// idiomatic way (Postgres ON CONFLICT, SQLite OR IGNORE, MSSQL conditional
// insert).
//
// Concurrency: schema-mutating calls (CreateTable, AddColumns) are serialized
// per table by the Manager; everything else is safe for concurrent use.
type Repository interface {
	// Kind reports the registered backend kind.
	Kind() string

	// Close releases backend resources. Call once at shutdown.
	Close()

	// CreateTable creates the table if it does not exist, with the implicit
	// identity column, the parent FK column when Parent is set, and the
	// declared unique constraints.
	CreateTable(ctx context.Context, t TableSpec) error

	// TableColumns introspects an existing table. A nil slice means the
	// table does not exist (every managed table has at least its identity
	// column).
	TableColumns(ctx context.Context, table string) ([]ColumnInfo, error)

	// AddColumns appends the given columns to an existing table. Additive
	// only: callers diff against TableColumns first.
	AddColumns(ctx context.Context, table string, cols []ColumnSpec) error

	// SelectKeyStrings returns keyColumn -> valueColumn for every row whose
	// value is non-null. The registry reads last-synced versions this way.
	SelectKeyStrings(ctx context.Context, table, keyColumn, valueColumn string) (map[string]string, error)

	// UpsertKeyed inserts a row or, on a keyColumn conflict, updates only
	// updateColumns from the incoming values.
	UpsertKeyed(ctx context.Context, table, keyColumn string, columns []string, values []any, updateColumns []string) error

	// PendingRefs lists rows whose status column holds one of the wanted
	// values, up to limit (0 = no limit), ordered by identity.
	PendingRefs(ctx context.Context, table, refColumn, statusColumn string, want []string, limit int) ([]PendingRef, error)

	// SetStatus flips one row's bookkeeping columns outside any unit.
	SetStatus(ctx context.Context, u StatusUpdate) error

	// ListTables reports managed-schema tables with row counts.
	ListTables(ctx context.Context) ([]TableCount, error)

	// DropTable removes a table. Only the cleanup surface calls this.
	DropTable(ctx context.Context, table string) error

	// RunUnit executes fn inside one transaction: the logical-unit boundary.
	// fn returning an error rolls the unit back and surfaces the error.
	RunUnit(ctx context.Context, fn func(Unit) error) error
}

// Unit is the transactional scope of one logical unit (one manifest page, or
// one parent row plus all of its dependent child rows).
type Unit interface {
	// Insert adds one row. With conflictColumns set the insert is
	// idempotent: an existing row with the same values is left untouched and
	// inserted=false is returned.
	Insert(ctx context.Context, table string, columns []string, values []any, conflictColumns []string) (inserted bool, err error)

	// InsertReturningID behaves like Insert and also resolves the row's
	// identity: the fresh identity when inserted, the existing row's when
	// the conflict fired.
	InsertReturningID(ctx context.Context, table string, columns []string, values []any, conflictColumns []string) (id int64, inserted bool, err error)

	// SetStatus flips one row's bookkeeping columns inside the unit.
	SetStatus(ctx context.Context, u StatusUpdate) error
}

// ---- backend factories ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. Failing fast avoids ambiguous backend
//     selection.
func Register(kind string, f factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Errors:
//   - If cfg.Kind is empty or not registered.
//   - Whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.kind")
	}

	factoryMu.RLock()
	f := factories[cfg.Kind]
	factoryMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
