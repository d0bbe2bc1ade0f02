package fetch

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Cache stores raw downloaded payloads under a root directory. Writes go to
// a temp file in the destination directory and rename into place, so
// readers never observe partial files.
type Cache struct {
	root string
}

// NewCache returns a cache rooted at dir. The directory is created lazily
// on first write.
func NewCache(dir string) *Cache {
	return &Cache{root: dir}
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

// Path joins parts under the cache root.
func (c *Cache) Path(parts ...string) string {
	return filepath.Join(append([]string{c.root}, parts...)...)
}

// Has reports whether a cached file exists.
func (c *Cache) Has(parts ...string) bool {
	info, err := os.Stat(c.Path(parts...))
	return err == nil && info.Mode().IsRegular()
}

// Read returns the cached bytes.
func (c *Cache) Read(parts ...string) ([]byte, error) {
	b, err := os.ReadFile(c.Path(parts...))
	if err != nil {
		return nil, fmt.Errorf("cache read: %w", err)
	}
	return b, nil
}

// Write stores data atomically, creating parent directories as needed.
func (c *Cache) Write(data []byte, parts ...string) error {
	path := c.Path(parts...)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cache write: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".torgi-*")
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()

	if writeErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("cache write: %w", writeErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("cache write: %w", closeErr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

// HashRef returns the hex SHA-1 of a reference string. Cache file names for
// downloaded payloads derive from it, so the same URL or document reference
// always maps to the same file.
func HashRef(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
