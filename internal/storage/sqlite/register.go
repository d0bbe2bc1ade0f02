package sqlite

import (
	"torgi/internal/storage"
)

// Importing this package makes the "sqlite" backend available via storage.New.
func init() {
	storage.Register("sqlite", New)
}
