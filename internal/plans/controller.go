package plans

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"torgi/internal/fetch"
	"torgi/internal/flatten"
	"torgi/internal/ingest"
	"torgi/internal/manifest"
)

// Logger is the subset of log.Logger the controller needs.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Fetcher retrieves one document by URL.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Config wires a Controller.
type Config struct {
	Client  Fetcher
	Cache   *fetch.Cache
	Loader  *ingest.Loader
	MetaURL string // plan category manifest location

	// Table is the parent table name; empty means plans.
	Table string
	// KeyField is the parent natural-key field; empty means registrationNumber.
	KeyField string
	// DetailTable overrides the attachment table name; empty means <Table>_details.
	DetailTable string
	// RefField is the detail reference field; empty means href.
	RefField string
	// AttachmentsField is the collection holding details; empty means attachments.
	AttachmentsField string

	Log Logger
}

// Controller fetches the plan data files covering a day window and loads
// them. Attachment rows land in the detail table marked pending so the
// document pass can pick them up later.
type Controller struct {
	client  Fetcher
	cache   *fetch.Cache
	loader  *ingest.Loader
	log     Logger
	metaURL string
	base    *url.URL

	table       string
	detailTable string
	keyCol      string
	refCol      string
	attachField string
}

// New validates cfg and builds a Controller.
func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Client == nil:
		return nil, fmt.Errorf("plans: nil client")
	case cfg.Cache == nil:
		return nil, fmt.Errorf("plans: nil cache")
	case cfg.Loader == nil:
		return nil, fmt.Errorf("plans: nil loader")
	case cfg.MetaURL == "":
		return nil, fmt.Errorf("plans: meta url required")
	}
	base, err := url.Parse(cfg.MetaURL)
	if err != nil {
		return nil, fmt.Errorf("plans: meta url: %w", err)
	}

	table := cfg.Table
	if table == "" {
		table = "plans"
	}
	detail := cfg.DetailTable
	if detail == "" {
		detail = table + "_details"
	}
	keyField := cfg.KeyField
	if keyField == "" {
		keyField = "registrationNumber"
	}
	refField := cfg.RefField
	if refField == "" {
		refField = "href"
	}
	attach := cfg.AttachmentsField
	if attach == "" {
		attach = "attachments"
	}
	log := cfg.Log
	if log == nil {
		log = nopLogger{}
	}

	return &Controller{
		client:      cfg.Client,
		cache:       cfg.Cache,
		loader:      cfg.Loader,
		log:         log,
		metaURL:     cfg.MetaURL,
		base:        base,
		table:       table,
		detailTable: detail,
		keyCol:      strings.ToLower(keyField),
		refCol:      strings.ToLower(refField),
		attachField: strings.ToLower(attach),
	}, nil
}

// Result aggregates one windowed pass. The field tags feed the run summary.
type Result struct {
	Pages      int `json:"pages"`      // data files loaded
	Skipped    int `json:"skipped"`    // manifest entries outside the window or undated
	Failed     int `json:"failed"`     // data files that errored
	Parents    int `json:"parents"`    // parent records presented
	Inserted   int `json:"inserted"`   // parent rows newly inserted
	Duplicates int `json:"duplicates"` // parent rows already present
	Details    int `json:"details"`    // detail rows newly inserted
}

// Run fetches the manifest, walks its entries newest first and loads every
// data file whose covered days intersect w. Entries older than the window
// end the walk; a failing data file is logged and counted, not fatal.
func (c *Controller) Run(ctx context.Context, w Window) (Result, error) {
	var res Result

	raw, err := c.client.Get(ctx, c.metaURL)
	if err != nil {
		return res, fmt.Errorf("plans: fetch manifest: %w", err)
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		return res, fmt.Errorf("plans: %w", err)
	}

	type dated struct {
		rec      flatten.Record
		from, to time.Time
	}
	entries := make([]dated, 0, len(m.Records))
	for _, rec := range m.Records {
		from, to, ok := EntryRange(rec)
		if !ok {
			res.Skipped++
			c.log.Printf("warn stage=plans source=%q err=%q", stringField(rec, "source"), "entry has no date range")
			continue
		}
		entries = append(entries, dated{rec: rec, from: from, to: to})
	}
	// Newest first, so the walk can stop at the first entry that ends
	// before the window starts.
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].to.After(entries[j].to) })

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if e.to.Before(w.From) {
			break
		}
		if !w.Intersects(e.from, e.to) {
			res.Skipped++
			continue
		}
		src := c.resolveSource(stringField(e.rec, "source"))
		if src == "" {
			res.Skipped++
			c.log.Printf("warn stage=plans err=%q", "dated entry has no source")
			continue
		}
		stats, err := c.loadPage(ctx, src)
		if err != nil {
			res.Failed++
			c.log.Printf("warn stage=plans source=%s err=%q", src, err)
			continue
		}
		res.Pages++
		res.Parents += stats.Records
		res.Inserted += stats.Inserted
		res.Duplicates += stats.Duplicates
		res.Details += stats.ChildRows
	}
	return res, nil
}

// loadPage fetches one data file, cache first, and loads its records.
func (c *Controller) loadPage(ctx context.Context, src string) (ingest.Stats, error) {
	payload, err := c.pageBytes(ctx, src)
	if err != nil {
		return ingest.Stats{}, err
	}
	recs, err := flatten.Decode(payload)
	if err != nil {
		return ingest.Stats{}, err
	}
	stats, err := c.loader.Load(ctx, recs, ingest.Options{
		Table:         c.table,
		Unique:        []string{c.keyCol},
		UnitPerRecord: true,
		Constants: []ingest.Constant{
			{Name: "provenance", Type: flatten.TypeText, Value: src},
		},
		Collections: []ingest.CollectionOption{{
			Field:  c.attachField,
			Table:  c.detailTable,
			Unique: []string{c.refCol},
			Constants: []ingest.Constant{
				{Name: StatusColumn, Type: flatten.TypeText, Value: StatusPending},
				{Name: FetchedAtColumn, Type: flatten.TypeTimestamp, Value: nil},
			},
		}},
	})
	if err != nil {
		return stats, err
	}
	c.log.Printf("info stage=plans source=%s records=%d inserted=%d details=%d",
		src, stats.Records, stats.Inserted, stats.ChildRows)
	return stats, nil
}

func (c *Controller) pageBytes(ctx context.Context, src string) ([]byte, error) {
	ref := fetch.HashRef(src)
	if c.cache.Has("plans", ref) {
		return c.cache.Read("plans", ref)
	}
	payload, err := c.client.Get(ctx, src)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Write(payload, "plans", ref); err != nil {
		return nil, err
	}
	return payload, nil
}

// resolveSource makes a manifest source absolute against the manifest URL.
func (c *Controller) resolveSource(src string) string {
	if src == "" {
		return ""
	}
	ref, err := url.Parse(src)
	if err != nil {
		return ""
	}
	return c.base.ResolveReference(ref).String()
}
