package mssql

import (
	"torgi/internal/storage"
)

// Importing this package makes the "mssql" backend available via storage.New.
func init() {
	storage.Register("mssql", New)
}
