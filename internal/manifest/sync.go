package manifest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"torgi/internal/catalog"
	"torgi/internal/fetch"
	"torgi/internal/flatten"
	"torgi/internal/ingest"
	"torgi/internal/storage"
)

// RegistryTable records one row per known category: its key, descriptor
// fields from the catalog, and the synchronization bookkeeping.
const RegistryTable = "categories"

const (
	registryKey     = "key"
	registryVersion = "last_synced_version"
	defaultWorkers  = 4
)

// Logger is the minimal logging surface the synchronizer uses.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Fetcher is the retrieval surface the synchronizer needs from fetch.Client.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Config wires a Synchronizer. All collaborator fields are required.
type Config struct {
	Client  Fetcher
	Cache   *fetch.Cache
	Repo    storage.Repository
	Manager *storage.Manager
	Loader  *ingest.Loader
	// BaseURL is the catalog root; <BaseURL>/list.json is the catalog
	// document and relative category links resolve against it.
	BaseURL string
	// Workers bounds SyncAll's fan-out. Values below 1 mean 4.
	Workers int
	// Log may be nil for silence.
	Log Logger
}

// Synchronizer implements the manifest staleness protocol.
type Synchronizer struct {
	client  Fetcher
	cache   *fetch.Cache
	repo    storage.Repository
	mgr     *storage.Manager
	loader  *ingest.Loader
	log     Logger
	base    *url.URL
	workers int

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// New validates cfg and builds a Synchronizer.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Client == nil || cfg.Cache == nil || cfg.Repo == nil || cfg.Manager == nil || cfg.Loader == nil {
		return nil, fmt.Errorf("manifest: missing collaborator")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("manifest: base url required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("manifest: base url: %w", err)
	}
	// Relative catalog links resolve against the base as a directory.
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	workers := cfg.Workers
	if workers < 1 {
		workers = defaultWorkers
	}
	log := cfg.Log
	if log == nil {
		log = nopLogger{}
	}

	return &Synchronizer{
		client:  cfg.Client,
		cache:   cfg.Cache,
		repo:    cfg.Repo,
		mgr:     cfg.Manager,
		loader:  cfg.Loader,
		log:     log,
		base:    base,
		workers: workers,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// Outcome describes one category's synchronization.
type Outcome struct {
	Key      string
	Version  string
	Synced   bool // false: the stored version already covers the remote one
	Records  int  // manifest records presented to the category table
	Inserted int  // rows newly inserted
}

// Result aggregates a SyncAll pass. The field tags feed the run summary.
type Result struct {
	Synced    int `json:"synced"`    // categories reloaded at a new version
	Skipped   int `json:"skipped"`   // categories already current
	Failed    int `json:"failed"`    // categories that errored
	Malformed int `json:"malformed"` // catalog entries with no derivable key
	Records   int `json:"records"`   // manifest records presented across all categories
	Inserted  int `json:"inserted"`  // rows newly inserted across all categories
}

// ListCategories fetches and parses the catalog document.
func (s *Synchronizer) ListCategories(ctx context.Context) ([]catalog.Category, error) {
	u := s.base.JoinPath("list.json").String()
	data, err := s.client.Get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("manifest: catalog %s: %w", u, err)
	}
	cats, err := catalog.ParseCatalog(data)
	if err != nil {
		// The portal intermittently serves the index as rendered HTML.
		if hcats, herr := catalog.ParseCatalogHTML(data); herr == nil && len(hcats) > 0 {
			return hcats, nil
		}
		return nil, fmt.Errorf("manifest: catalog %s: %w", u, err)
	}
	return cats, nil
}

// Sync brings one category up to date. When the remote version does not
// supersede the stored one the call performs no writes: no cache file, no
// rows, no registry change.
func (s *Synchronizer) Sync(ctx context.Context, cat catalog.Category) (Outcome, error) {
	metaURL := s.metaURL(cat.Link)
	key, err := catalog.NormalizeKey(metaURL)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Key: key}

	unlock := s.lockCategory(key)
	defer unlock()

	if err := s.ensureRegistry(ctx); err != nil {
		return out, err
	}

	raw, err := s.client.Get(ctx, metaURL)
	if err != nil {
		return out, fmt.Errorf("manifest: fetch %s: %w", key, err)
	}
	m, err := Parse(raw)
	if err != nil {
		return out, fmt.Errorf("manifest: %s: %w", key, err)
	}
	out.Version = m.Version

	versions, err := s.repo.SelectKeyStrings(ctx, RegistryTable, registryKey, registryVersion)
	if err != nil {
		return out, fmt.Errorf("manifest: registry: %w", err)
	}
	// An empty stored version carries no staleness signal, so the category
	// reloads; the loader's unique key keeps that idempotent.
	if stored, ok := versions[key]; ok && stored != "" && m.Version <= stored {
		s.log.Printf("info stage=sync category=%s status=skip version=%q", key, stored)
		return out, nil
	}

	if err := s.cache.Write(raw, "manifests", key, "meta.json"); err != nil {
		return out, fmt.Errorf("manifest: %s: %w", key, err)
	}

	stats, err := s.loader.Load(ctx, m.Records, ingest.Options{
		Table:  key,
		Unique: uniqueColumns(m.Records),
	})
	if err != nil {
		return out, fmt.Errorf("manifest: load %s: %w", key, err)
	}
	out.Records = stats.Records
	out.Inserted = stats.Inserted

	if err := s.upsertCategory(ctx, key, cat, metaURL, m.Version); err != nil {
		return out, err
	}
	out.Synced = true
	s.log.Printf("info stage=sync category=%s version=%q records=%d inserted=%d children=%d",
		key, m.Version, stats.Records, stats.Inserted, stats.ChildRows)
	return out, nil
}

// SyncAll lists the catalog and syncs every category through a bounded
// worker pool. Per-category failures are counted and logged without
// stopping the pass; cancellation stops dispatch between categories.
func (s *Synchronizer) SyncAll(ctx context.Context) (Result, error) {
	cats, err := s.ListCategories(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := s.ensureRegistry(ctx); err != nil {
		return Result{}, err
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		res  Result
		jobs = make(chan catalog.Category)
	)
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cat := range jobs {
				out, err := s.Sync(ctx, cat)

				mu.Lock()
				switch {
				case err == nil && out.Synced:
					res.Synced++
					res.Records += out.Records
					res.Inserted += out.Inserted
				case err == nil:
					res.Skipped++
				default:
					var mke *catalog.MalformedKeyError
					if errors.As(err, &mke) {
						res.Malformed++
						s.log.Printf("warn stage=sync link=%q err=%q", cat.Link, err)
					} else {
						res.Failed++
						s.log.Printf("warn stage=sync category=%s err=%q", out.Key, err)
					}
				}
				mu.Unlock()
			}
		}()
	}

dispatch:
	for _, cat := range cats {
		select {
		case jobs <- cat:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	return res, ctx.Err()
}

func (s *Synchronizer) metaURL(link string) string {
	return MetaURL(s.base, link)
}

// MetaURL resolves a catalog link against the portal base to the category's
// meta document location. Folder links (the HTML fallback shape) get
// meta.json appended; links that already point at a document are used as-is.
func MetaURL(base *url.URL, link string) string {
	ref, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return link
	}
	u := ref
	if base != nil {
		b := *base
		if !strings.HasSuffix(b.Path, "/") {
			b.Path += "/"
		}
		u = b.ResolveReference(ref)
	}
	if !strings.HasSuffix(u.Path, ".json") {
		u = u.JoinPath("meta.json")
	}
	return u.String()
}

// lockCategory serializes syncs of the same category; distinct categories
// proceed in parallel.
func (s *Synchronizer) lockCategory(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *Synchronizer) ensureRegistry(ctx context.Context) error {
	if _, err := s.mgr.Ensure(ctx, registrySpec()); err != nil {
		return fmt.Errorf("manifest: registry: %w", err)
	}
	return nil
}

func (s *Synchronizer) upsertCategory(ctx context.Context, key string, cat catalog.Category, metaURL, version string) error {
	cols := []string{registryKey, "name", "format", "source_link", registryVersion, "synced_at"}
	vals := []any{key, cat.Name, cat.Format, metaURL, version, s.timeNow().UTC()}
	if err := s.repo.UpsertKeyed(ctx, RegistryTable, registryKey, cols, vals, cols[1:]); err != nil {
		return fmt.Errorf("manifest: registry %s: %w", key, err)
	}
	return nil
}

func (s *Synchronizer) timeNow() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func registrySpec() storage.TableSpec {
	return storage.TableSpec{
		Name: RegistryTable,
		Columns: []storage.ColumnSpec{
			{Name: registryKey, Type: flatten.TypeText},
			{Name: "name", Type: flatten.TypeText},
			{Name: "format", Type: flatten.TypeText},
			{Name: "source_link", Type: flatten.TypeText},
			{Name: registryVersion, Type: flatten.TypeText},
			{Name: "synced_at", Type: flatten.TypeTimestamp},
		},
		Unique: [][]string{{registryKey}},
	}
}

// uniqueColumns declares the category table's natural key. Manifest entries
// point at their data file via source; when every record carries one the
// column makes reloads idempotent. A batch with gaps gets no key: partial
// uniqueness would reject legitimate rows.
func uniqueColumns(recs []flatten.Record) []string {
	if len(recs) == 0 {
		return nil
	}
	for _, r := range recs {
		if asString(r["source"]) == "" {
			return nil
		}
	}
	return []string{"source"}
}
