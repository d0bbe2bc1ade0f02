// Package docs drains pending plan details: each referenced document is
// fetched, classified by its discriminator field and loaded into the typed
// table for its kind, with the detail row flipping to fetched inside the
// same unit. Documents of unknown kind land in the unclassified sink.
package docs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"torgi/internal/fetch"
	"torgi/internal/flatten"
	"torgi/internal/ingest"
	"torgi/internal/plans"
	"torgi/internal/storage"
)

const (
	defaultWorkers = 4
	defaultLimit   = 500
)

// kindTables routes discriminator values to typed table suffixes. Anything
// else goes to the sink; table names never derive from document content.
var kindTables = map[string]string{
	"PLAN":        "plan",
	"PLAN_CHANGE": "plan_change",
	"REPORT":      "report",
	"DECISION":    "decision",
}

// Logger is the subset of log.Logger the dispatcher needs.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Fetcher retrieves one document by URL.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Config wires a Dispatcher.
type Config struct {
	Client Fetcher
	Cache  *fetch.Cache
	Repo   storage.Repository
	Loader *ingest.Loader

	// DetailTable holds the pending references; empty means plans_details.
	DetailTable string
	// RefField is the detail reference field; empty means href.
	RefField string
	// Discriminator is the document field naming its kind; empty means
	// documentType.
	Discriminator string
	// TablePrefix prefixes the typed tables and the sink; empty means
	// plans_docs.
	TablePrefix string
	// Workers bounds the fetch pool; 0 means 4.
	Workers int
	// Limit caps how many details one pass drains; 0 means 500.
	Limit int

	Log Logger
}

// Dispatcher is the document pass over one detail table.
type Dispatcher struct {
	client Fetcher
	cache  *fetch.Cache
	repo   storage.Repository
	loader *ingest.Loader
	log    Logger

	detailTable string
	refCol      string
	disc        string
	prefix      string
	workers     int
	limit       int

	now func() time.Time
}

// New validates cfg and builds a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Client == nil:
		return nil, fmt.Errorf("docs: nil client")
	case cfg.Cache == nil:
		return nil, fmt.Errorf("docs: nil cache")
	case cfg.Repo == nil:
		return nil, fmt.Errorf("docs: nil repository")
	case cfg.Loader == nil:
		return nil, fmt.Errorf("docs: nil loader")
	}
	detail := cfg.DetailTable
	if detail == "" {
		detail = "plans_details"
	}
	refField := cfg.RefField
	if refField == "" {
		refField = "href"
	}
	disc := cfg.Discriminator
	if disc == "" {
		disc = "documentType"
	}
	prefix := cfg.TablePrefix
	if prefix == "" {
		prefix = "plans_docs"
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	log := cfg.Log
	if log == nil {
		log = nopLogger{}
	}
	return &Dispatcher{
		client:      cfg.Client,
		cache:       cfg.Cache,
		repo:        cfg.Repo,
		loader:      cfg.Loader,
		log:         log,
		detailTable: detail,
		refCol:      strings.ToLower(refField),
		disc:        disc,
		prefix:      prefix,
		workers:     workers,
		limit:       limit,
		now:         time.Now,
	}, nil
}

// Result aggregates one document pass. The field tags feed the run summary.
type Result struct {
	Pending      int `json:"pending"`      // detail rows drained
	Loaded       int `json:"loaded"`       // documents newly landed in a typed table
	Duplicates   int `json:"duplicates"`   // documents whose typed row already existed
	Unclassified int `json:"unclassified"` // documents of unknown kind, sunk
	Failed       int `json:"failed"`       // fetch or parse failures, marked retry
	ChildRows    int `json:"child_rows"`   // embedded collection rows inserted
}

type outcome struct {
	loaded       bool
	duplicate    bool
	unclassified bool
	failed       bool
	childRows    int
}

// Run selects the pending details from storage, then fetches and classifies
// each referenced document on a bounded worker pool. Individual document
// failures mark the detail retry and continue; only the pending select and
// context cancellation are fatal.
func (d *Dispatcher) Run(ctx context.Context) (Result, error) {
	var res Result

	// A store the plan stage never wrote to has no detail table yet.
	cols, err := d.repo.TableColumns(ctx, d.detailTable)
	if err != nil {
		return res, fmt.Errorf("docs: detail table: %w", err)
	}
	if len(cols) == 0 {
		return res, nil
	}

	want := []string{plans.StatusPending, plans.StatusRetry}
	refs, err := d.repo.PendingRefs(ctx, d.detailTable, d.refCol, plans.StatusColumn, want, d.limit)
	if err != nil {
		return res, fmt.Errorf("docs: pending details: %w", err)
	}
	res.Pending = len(refs)
	if len(refs) == 0 {
		return res, nil
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan storage.PendingRef)
	)
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ref := range jobs {
				out := d.process(ctx, ref)
				mu.Lock()
				switch {
				case out.loaded:
					res.Loaded++
				case out.duplicate:
					res.Duplicates++
				case out.unclassified:
					res.Unclassified++
				case out.failed:
					res.Failed++
				}
				res.ChildRows += out.childRows
				mu.Unlock()
			}
		}()
	}
	for _, ref := range refs {
		select {
		case <-ctx.Done():
		case jobs <- ref:
			continue
		}
		break
	}
	close(jobs)
	wg.Wait()
	return res, ctx.Err()
}

// process handles one pending detail end to end.
func (d *Dispatcher) process(ctx context.Context, ref storage.PendingRef) outcome {
	payload, err := d.docBytes(ctx, ref.Ref)
	if err != nil {
		d.log.Printf("warn stage=docs ref=%s err=%q", ref.Ref, err)
		d.markRetry(ctx, ref.Skey)
		return outcome{failed: true}
	}

	rec, err := flatten.DecodeOne(payload)
	if err != nil {
		d.log.Printf("warn stage=docs ref=%s err=%q", ref.Ref, err)
		if qerr := d.sink(ctx, ref, "", payload, err.Error(), false); qerr != nil {
			d.log.Printf("warn stage=docs ref=%s err=%q", ref.Ref, qerr)
		}
		d.markRetry(ctx, ref.Skey)
		return outcome{failed: true}
	}

	kind := kindOf(rec, d.disc)
	suffix, ok := kindTables[kind]
	if !ok {
		if err := d.sink(ctx, ref, kind, payload, "", true); err != nil {
			d.log.Printf("warn stage=docs ref=%s kind=%q err=%q", ref.Ref, kind, err)
			d.markRetry(ctx, ref.Skey)
			return outcome{failed: true}
		}
		d.log.Printf("info stage=docs ref=%s kind=%q table=%s", ref.Ref, kind, d.sinkTable())
		return outcome{unclassified: true}
	}

	table := d.prefix + "_" + suffix
	stats, err := d.loader.Load(ctx, []flatten.Record{rec}, ingest.Options{
		Table:    table,
		Parent:   d.detailTable,
		ParentID: ref.Skey,
		Unique:   []string{storage.FKColumn(d.detailTable)},
		Constants: []ingest.Constant{
			{Name: "provenance", Type: flatten.TypeText, Value: ref.Ref},
		},
		AfterRecord: d.flipFetched(ref.Skey),
	})
	if err != nil {
		d.log.Printf("warn stage=docs ref=%s table=%s err=%q", ref.Ref, table, err)
		d.markRetry(ctx, ref.Skey)
		return outcome{failed: true}
	}
	d.log.Printf("info stage=docs ref=%s table=%s inserted=%d children=%d",
		ref.Ref, table, stats.Inserted, stats.ChildRows)
	if stats.Inserted > 0 {
		return outcome{loaded: true, childRows: stats.ChildRows}
	}
	return outcome{duplicate: true}
}

// docBytes fetches one document, cache first.
func (d *Dispatcher) docBytes(ctx context.Context, ref string) ([]byte, error) {
	key := fetch.HashRef(ref)
	if d.cache.Has("docs", key) {
		return d.cache.Read("docs", key)
	}
	payload, err := d.client.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := d.cache.Write(payload, "docs", key); err != nil {
		return nil, err
	}
	return payload, nil
}

// sink records a document the typed pipelines cannot take. One row per
// detail: a retried failure updates nothing. flip marks the detail fetched
// inside the same unit, for kinds that parsed fine but have no pipeline.
func (d *Dispatcher) sink(ctx context.Context, ref storage.PendingRef, kind string, payload []byte, errText string, flip bool) error {
	rec := flatten.Record{"kind": kind, "payload": string(payload)}
	if errText != "" {
		rec["error"] = errText
	}
	opts := ingest.Options{
		Table:    d.sinkTable(),
		Parent:   d.detailTable,
		ParentID: ref.Skey,
		Unique:   []string{storage.FKColumn(d.detailTable)},
		Constants: []ingest.Constant{
			{Name: "loaded_at", Type: flatten.TypeTimestamp, Value: d.now().UTC()},
		},
	}
	if flip {
		opts.AfterRecord = d.flipFetched(ref.Skey)
	}
	_, err := d.loader.Load(ctx, []flatten.Record{rec}, opts)
	return err
}

func (d *Dispatcher) sinkTable() string { return d.prefix + "_unclassified" }

// flipFetched stamps the detail fetched inside the unit that loaded its
// document, so the status never outruns the data.
func (d *Dispatcher) flipFetched(skey int64) func(context.Context, storage.Unit, int, int64, bool) error {
	return func(ctx context.Context, u storage.Unit, _ int, _ int64, _ bool) error {
		return u.SetStatus(ctx, storage.StatusUpdate{
			Table:        d.detailTable,
			Skey:         skey,
			StatusColumn: plans.StatusColumn,
			Status:       plans.StatusFetched,
			AtColumn:     plans.FetchedAtColumn,
			At:           d.now().UTC(),
		})
	}
}

// markRetry is its own small write so a failure report survives even when
// the document unit rolled back.
func (d *Dispatcher) markRetry(ctx context.Context, skey int64) {
	err := d.repo.SetStatus(ctx, storage.StatusUpdate{
		Table:        d.detailTable,
		Skey:         skey,
		StatusColumn: plans.StatusColumn,
		Status:       plans.StatusRetry,
	})
	if err != nil {
		d.log.Printf("warn stage=docs skey=%d err=%q", skey, err)
	}
}

func kindOf(rec flatten.Record, field string) string {
	switch t := rec[field].(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	}
	return ""
}
