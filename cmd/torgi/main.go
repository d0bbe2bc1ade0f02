// Command torgi collects the trade portal's open data into a relational
// store: category manifests, the date-windowed plan stream, and the typed
// documents the plan details reference.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"torgi/internal/config"
	"torgi/internal/docs"
	"torgi/internal/fetch"
	"torgi/internal/ingest"
	"torgi/internal/manifest"
	"torgi/internal/metrics"
	"torgi/internal/metrics/datadog"
	"torgi/internal/plans"
	"torgi/internal/storage"

	_ "torgi/internal/storage/mssql"
	_ "torgi/internal/storage/postgres"
	_ "torgi/internal/storage/sqlite"
)

// Exit codes. Ingest modes distinguish an empty run from a clean one;
// inspection modes (tables, cleanup) return 0 on success.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
	exitNoNew  = 3
)

// backendCloser is the metrics backend surface this command manages.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// fetcher is the HTTP seam every stage shares.
type fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	OpenRepo       func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	BackendFactory func(ctx context.Context, job string, tags []string, flushEvery time.Duration) (backendCloser, error)
	// Client overrides the HTTP client; nil builds one from config.
	Client fetcher
	Now    func() time.Time
}

// main is intentionally small: it wires real dependencies and exits with a
// code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := run(ctx, os.Args[1:], deps{
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		OpenRepo: storage.New,
		BackendFactory: func(ctx context.Context, job string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{JobName: job, Tags: tags, FlushEvery: flushEvery})
		},
		Now: time.Now,
	})
	os.Exit(code)
}

// runFlags holds the parsed command line.
type runFlags struct {
	Mode       string
	ConfigPath string
	Days       int
	Storage    string
	DSN        string
	Verbose    bool
	Yes        bool
}

func parseFlags(args []string) (runFlags, error) {
	fs := flag.NewFlagSet("torgi", flag.ContinueOnError)

	var usage strings.Builder
	fs.SetOutput(&usage)
	fs.Usage = func() {
		fmt.Fprintf(&usage, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var f runFlags
	fs.StringVar(&f.Mode, "mode", "all", "Run mode: sync, plans, docs, all, tables or cleanup")
	fs.StringVar(&f.ConfigPath, "config", "", "Path to a JSON config file (environment only when empty)")
	fs.IntVar(&f.Days, "days", 0, "Override the plan window length in days")
	fs.StringVar(&f.Storage, "storage", "", "Override the storage backend kind")
	fs.StringVar(&f.DSN, "dsn", "", "Override the storage DSN")
	fs.BoolVar(&f.Verbose, "v", false, "Log per-stage detail to stderr")
	fs.BoolVar(&f.Yes, "yes", false, "Really drop tables in cleanup mode")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runFlags{}, errors.New(usage.String())
		}
		return runFlags{}, fmt.Errorf("%v\n\n%s", err, usage.String())
	}
	switch f.Mode {
	case "sync", "plans", "docs", "all", "tables", "cleanup":
	default:
		return runFlags{}, fmt.Errorf("unknown -mode %q (want sync, plans, docs, all, tables or cleanup)", f.Mode)
	}
	if f.Days < 0 {
		return runFlags{}, fmt.Errorf("-days %d is negative", f.Days)
	}
	return f, nil
}

// summary is the one-line machine-readable run report on stdout. Additive
// changes are safe; renames and removals break downstream consumers.
type summary struct {
	Run        string               `json:"run"`
	Mode       string               `json:"mode"`
	Started    time.Time            `json:"started"`
	DurationMs int64                `json:"duration_ms"`
	Sync       *manifest.Result     `json:"sync,omitempty"`
	Plans      *plans.Result        `json:"plans,omitempty"`
	Docs       *docs.Result         `json:"docs,omitempty"`
	Tables     []storage.TableCount `json:"tables,omitempty"`
	Dropped    []string             `json:"dropped,omitempty"`
	WouldDrop  []string             `json:"would_drop,omitempty"`
	NewItems   int                  `json:"new_items"`
	Failed     int                  `json:"failed_units"`
}

// stageLogger drops info lines unless verbose. Warnings always pass.
type stageLogger struct {
	l       *log.Logger
	verbose bool
}

func (s *stageLogger) Printf(format string, v ...any) {
	if !s.verbose && strings.HasPrefix(format, "info ") {
		return
	}
	s.l.Printf(format, v...)
}

// run executes one collector invocation and returns an exit code.
//
// Exit codes:
//   - 0: completed; ingest modes loaded at least one new item.
//   - 1: at least one unit, category or stage failed.
//   - 2: configuration or usage error.
//   - 3: completed cleanly with zero new items.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.OpenRepo == nil {
		d.OpenRepo = storage.New
	}

	flags, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return exitUsage
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return exitUsage
	}
	if flags.Days > 0 {
		cfg.Days = flags.Days
	}
	if flags.Storage != "" {
		cfg.Storage.Kind = flags.Storage
	}
	if flags.DSN != "" {
		cfg.Storage.DSN = os.Expand(flags.DSN, os.Getenv)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return exitUsage
	}

	logger := &stageLogger{l: log.New(d.Stderr, "", log.LstdFlags|log.LUTC), verbose: flags.Verbose}
	runID := uuid.NewString()

	if cfg.Metrics.Enabled {
		if d.BackendFactory == nil {
			fmt.Fprintln(d.Stderr, "metrics enabled but no backend factory wired")
			return exitUsage
		}
		backend, err := d.BackendFactory(ctx, cfg.Metrics.Job, []string{"run:" + runID}, cfg.Metrics.Flush())
		if err != nil {
			fmt.Fprintf(d.Stderr, "metrics backend: %v\n", err)
			return exitUsage
		}
		metrics.SetBackend(backend)
		defer func() {
			_ = metrics.Flush()
			_ = backend.Close()
		}()
	}

	repo, err := d.OpenRepo(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		fmt.Fprintf(d.Stderr, "storage: %v\n", err)
		return exitUsage
	}
	defer repo.Close()

	client := d.Client
	if client == nil {
		client = fetch.New(fetch.Options{
			Job:           flags.Mode,
			Timeout:       cfg.HTTP.Timeout(),
			MaxAttempts:   cfg.HTTP.MaxAttempts,
			RatePerSecond: cfg.HTTP.RatePerSecond,
			UserAgent:     cfg.HTTP.UserAgent,
		}, logger)
	}

	p := &pipeline{
		cfg:    cfg,
		client: client,
		cache:  fetch.NewCache(cfg.CacheDir),
		repo:   repo,
		mgr:    storage.NewManager(repo, logger),
		log:    logger,
		now:    d.Now,
	}
	p.loader = ingest.NewLoader(repo, p.mgr, logger)

	started := d.Now()
	sum := summary{Run: runID, Mode: flags.Mode, Started: started.UTC()}
	logger.Printf("info stage=run id=%s mode=%s days=%d storage=%s",
		sum.Run, flags.Mode, cfg.Days, cfg.Storage.Kind)

	fatal := func(stage string, err error) {
		sum.Failed++
		fmt.Fprintf(d.Stderr, "%s: %v\n", stage, err)
	}

	if flags.Mode == "sync" || flags.Mode == "all" {
		res, err := p.runSync(ctx)
		if res != nil {
			sum.Sync = res
			sum.NewItems += res.Inserted
			sum.Failed += res.Failed
		}
		if err != nil {
			fatal("sync", err)
		}
	}
	if flags.Mode == "plans" || flags.Mode == "all" {
		res, err := p.runPlans(ctx)
		if res != nil {
			sum.Plans = res
			sum.NewItems += res.Inserted + res.Details
			sum.Failed += res.Failed
		}
		if err != nil {
			fatal("plans", err)
		}
	}
	if flags.Mode == "docs" || flags.Mode == "all" {
		res, err := p.runDocs(ctx)
		if res != nil {
			sum.Docs = res
			sum.NewItems += res.Loaded + res.Unclassified
			sum.Failed += res.Failed
		}
		if err != nil {
			fatal("docs", err)
		}
	}

	switch flags.Mode {
	case "tables":
		counts, err := repo.ListTables(ctx)
		if err != nil {
			fatal("tables", err)
		} else {
			sum.Tables = counts
		}
	case "cleanup":
		dropped, candidates, err := p.runCleanup(ctx, flags.Yes)
		sum.Dropped = dropped
		if !flags.Yes {
			sum.WouldDrop = candidates
		}
		if err != nil {
			fatal("cleanup", err)
		}
	}

	sum.DurationMs = d.Now().Sub(started).Milliseconds()
	if line, err := json.Marshal(sum); err == nil {
		fmt.Fprintln(d.Stdout, string(line))
	}

	informational := flags.Mode == "tables" || flags.Mode == "cleanup"
	switch {
	case sum.Failed > 0:
		return exitFailed
	case informational:
		return exitOK
	case sum.NewItems == 0:
		return exitNoNew
	}
	return exitOK
}

// pipeline bundles the wired collaborators the stages share.
type pipeline struct {
	cfg    *config.Config
	client fetcher
	cache  *fetch.Cache
	repo   storage.Repository
	mgr    *storage.Manager
	loader *ingest.Loader
	log    *stageLogger
	now    func() time.Time
}

func (p *pipeline) runSync(ctx context.Context) (*manifest.Result, error) {
	s, err := manifest.New(manifest.Config{
		Client:  p.client,
		Cache:   p.cache,
		Repo:    p.repo,
		Manager: p.mgr,
		Loader:  p.loader,
		BaseURL: p.cfg.BaseURL,
		Workers: p.cfg.Workers,
		Log:     p.log,
	})
	if err != nil {
		return nil, err
	}
	start := p.now()
	res, err := s.SyncAll(ctx)
	metrics.RecordStage("sync", statusOf(err), p.now().Sub(start))
	metrics.AddRecords("manifest_rows", res.Inserted)
	metrics.IncBatches()
	return &res, err
}

func (p *pipeline) runPlans(ctx context.Context) (*plans.Result, error) {
	base, err := url.Parse(p.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("plans: base url: %w", err)
	}
	c, err := plans.New(plans.Config{
		Client:  p.client,
		Cache:   p.cache,
		Loader:  p.loader,
		MetaURL: manifest.MetaURL(base, p.cfg.Plans.Link),
		Table:   p.cfg.Plans.Table,
		Log:     p.log,
	})
	if err != nil {
		return nil, err
	}
	start := p.now()
	res, err := c.Run(ctx, plans.NewWindow(p.now(), p.cfg.Days))
	metrics.RecordStage("plans", statusOf(err), p.now().Sub(start))
	metrics.AddRecords("plans", res.Inserted)
	metrics.AddRecords("plan_details", res.Details)
	metrics.IncBatches()
	return &res, err
}

func (p *pipeline) runDocs(ctx context.Context) (*docs.Result, error) {
	disp, err := docs.New(docs.Config{
		Client:      p.client,
		Cache:       p.cache,
		Repo:        p.repo,
		Loader:      p.loader,
		DetailTable: p.cfg.Plans.Table + "_details",
		Workers:     p.cfg.Workers,
		Limit:       p.cfg.Docs.Limit,
		Log:         p.log,
	})
	if err != nil {
		return nil, err
	}
	start := p.now()
	res, err := disp.Run(ctx)
	metrics.RecordStage("docs", statusOf(err), p.now().Sub(start))
	metrics.AddRecords("documents", res.Loaded)
	metrics.IncBatches()
	return &res, err
}

// runCleanup drops scratch tables, the ones whose names start with "_".
// Without yes it only reports the candidates.
func (p *pipeline) runCleanup(ctx context.Context, yes bool) (dropped, candidates []string, err error) {
	counts, err := p.repo.ListTables(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, tc := range counts {
		if !strings.HasPrefix(tc.Name, "_") {
			continue
		}
		candidates = append(candidates, tc.Name)
		if !yes {
			p.log.Printf("warn stage=cleanup table=%s err=%q", tc.Name, "would drop, pass -yes")
			continue
		}
		if err := p.repo.DropTable(ctx, tc.Name); err != nil {
			return dropped, candidates, err
		}
		p.log.Printf("info stage=cleanup table=%s rows=%d dropped", tc.Name, tc.Rows)
		dropped = append(dropped, tc.Name)
	}
	return dropped, candidates, nil
}

func statusOf(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
