package postgres

import "torgi/internal/storage"

func init() {
	// registers the backend factory
	storage.Register("postgres", New)
}
