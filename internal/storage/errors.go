package storage

import (
	"fmt"

	"torgi/internal/flatten"
)

// SchemaConflictError reports a field whose observed type cannot be stored in
// the existing column without altering it. The field is skipped for the
// affected batch; the rest of the row still loads.
type SchemaConflictError struct {
	Table    string
	Column   string
	Existing flatten.Type
	Proposed flatten.Type
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("storage: schema conflict on %s.%s: existing %s, proposed %s",
		e.Table, e.Column, e.Existing, e.Proposed)
}

// OrphanRowError reports a child row whose parent identity could not be
// resolved. It is fatal to the logical unit being loaded, not to the run.
type OrphanRowError struct {
	Table  string
	Parent string
	Key    string
}

func (e *OrphanRowError) Error() string {
	return fmt.Sprintf("storage: orphan row for %s: no parent in %s (key %q)",
		e.Table, e.Parent, e.Key)
}
