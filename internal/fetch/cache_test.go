package fetch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestCache_WriteReadRoundTrip verifies nested writes land atomically and
// read back byte for byte.
func TestCache_WriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	c := NewCache(t.TempDir())
	parts := []string{"docs", HashRef("doc-ref-1")}

	if c.Has(parts...) {
		t.Fatalf("Has() true before write")
	}

	payload := []byte(`{"documentType":"PLAN"}`)
	if err := c.Write(payload, parts...); err != nil {
		t.Fatalf("Write() err=%v", err)
	}
	if !c.Has(parts...) {
		t.Fatalf("Has() false after write")
	}

	got, err := c.Read(parts...)
	if err != nil {
		t.Fatalf("Read() err=%v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("Read()=%q, want %q", string(got), string(payload))
	}

	// The temp file must be gone after the rename.
	entries, err := os.ReadDir(filepath.Dir(c.Path(parts...)))
	if err != nil {
		t.Fatalf("ReadDir() err=%v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".torgi-") {
			t.Fatalf("leftover temp file %q", e.Name())
		}
	}
}

// TestCache_ReadMissing verifies a miss surfaces as an error, not empty
// bytes.
func TestCache_ReadMissing(t *testing.T) {
	t.Parallel()

	c := NewCache(t.TempDir())
	if _, err := c.Read("docs", "nope"); err == nil {
		t.Fatalf("Read() nil error for missing file")
	}
}

// TestCache_OverwriteReplaces verifies a second write fully replaces the
// first.
func TestCache_OverwriteReplaces(t *testing.T) {
	t.Parallel()

	c := NewCache(t.TempDir())
	parts := []string{"manifests", "landplans", "meta.json"}

	if err := c.Write([]byte("first version with a long body"), parts...); err != nil {
		t.Fatalf("Write() err=%v", err)
	}
	if err := c.Write([]byte("second"), parts...); err != nil {
		t.Fatalf("Write() err=%v", err)
	}

	got, err := c.Read(parts...)
	if err != nil {
		t.Fatalf("Read() err=%v", err)
	}
	if string(got) != "second" {
		t.Fatalf("Read()=%q, want %q", string(got), "second")
	}
}

// TestCache_Path verifies joining stays under the root.
func TestCache_Path(t *testing.T) {
	t.Parallel()

	c := NewCache("/var/cache/torgi")
	want := filepath.Join("/var/cache/torgi", "plans", "abc")
	if got := c.Path("plans", "abc"); got != want {
		t.Fatalf("Path()=%q, want %q", got, want)
	}
}

// TestHashRef pins the digest so cache layouts survive refactors.
func TestHashRef(t *testing.T) {
	t.Parallel()

	if got := HashRef("hello"); got != "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d" {
		t.Fatalf("HashRef(hello)=%q", got)
	}
	if HashRef("a") == HashRef("b") {
		t.Fatalf("distinct refs collided")
	}
}
