package plans

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"torgi/internal/fetch"
	"torgi/internal/ingest"
	"torgi/internal/storage"
	"torgi/internal/storage/storagetest"
)

const plansMetaURL = "https://portal.test/opendata/7710568760-privatizationPlans/meta.json"

type fakeFetcher struct {
	mu    sync.Mutex
	body  map[string][]byte
	errs  map[string]error
	calls []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{body: map[string][]byte{}, errs: map[string]error{}}
}

func (f *fakeFetcher) set(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body[url] = []byte(body)
}

func (f *fakeFetcher) fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
}

func (f *fakeFetcher) Get(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	b, ok := f.body[url]
	if !ok {
		return nil, fmt.Errorf("no fixture for %s", url)
	}
	return append([]byte(nil), b...), nil
}

func (f *fakeFetcher) called(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == url {
			n++
		}
	}
	return n
}

func pageURL(from, to string) string {
	return fmt.Sprintf(
		"https://portal.test/opendata/7710568760-privatizationPlans/data-%sT0000-%sT0000-structure-20240101.json",
		from, to)
}

func metaDoc(sources ...string) string {
	entries := make([]string, len(sources))
	for i, s := range sources {
		entries[i] = fmt.Sprintf(`{"source": %q, "provenance": "plans"}`, s)
	}
	return fmt.Sprintf(`{"modified": "2024-05-02", "data": [%s]}`, strings.Join(entries, ","))
}

func pageDoc(plans ...string) string {
	return "[" + strings.Join(plans, ",") + "]"
}

func planRec(reg string, hrefs ...string) string {
	atts := make([]string, len(hrefs))
	for i, h := range hrefs {
		atts[i] = fmt.Sprintf(`{"href": %q, "name": "doc %d"}`, h, i+1)
	}
	return fmt.Sprintf(`{"registrationNumber": %q, "bidderType": "state", "attachments": [%s]}`,
		reg, strings.Join(atts, ","))
}

func newTestController(t *testing.T, client Fetcher) (*Controller, *storagetest.MemRepo) {
	t.Helper()
	repo := storagetest.NewMem()
	mgr := storage.NewManager(repo, nil)
	c, err := New(Config{
		Client:  client,
		Cache:   fetch.NewCache(t.TempDir()),
		Loader:  ingest.NewLoader(repo, mgr, nil),
		MetaURL: plansMetaURL,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, repo
}

func TestRun_LoadsWindowedPages(t *testing.T) {
	t.Parallel()

	newest := pageURL("20240502", "20240503")
	middle := pageURL("20240501", "20240502")
	oldest := pageURL("20240420", "20240421")

	fx := newFakeFetcher()
	fx.set(plansMetaURL, metaDoc(oldest, middle, newest))
	fx.set(newest, pageDoc(planRec("RN-1", "https://files.test/a.pdf", "https://files.test/b.pdf")))
	fx.set(middle, pageDoc(planRec("RN-2", "https://files.test/c.pdf")))

	c, repo := newTestController(t, fx)
	w := Window{From: day(2024, time.May, 1), To: day(2024, time.May, 2)}

	res, err := c.Run(context.Background(), w)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := Result{Pages: 2, Parents: 2, Inserted: 2, Details: 3}
	if res != want {
		t.Fatalf("Run = %+v, want %+v", res, want)
	}
	if got := fx.called(oldest); got != 0 {
		t.Fatalf("entry before the window fetched %d times", got)
	}

	parents := map[int64]string{}
	for _, r := range repo.Rows("plans") {
		if r["provenance"] != newest && r["provenance"] != middle {
			t.Fatalf("parent provenance = %v", r["provenance"])
		}
		parents[r[storage.IdentityColumn].(int64)] = r["registrationnumber"].(string)
	}
	if len(parents) != 2 {
		t.Fatalf("plans rows = %d, want 2", len(parents))
	}

	owners := map[string]string{}
	for _, r := range repo.Rows("plans_details") {
		if got := r[StatusColumn]; got != StatusPending {
			t.Fatalf("detail fetch_status = %v, want %q", got, StatusPending)
		}
		if v, ok := r[FetchedAtColumn]; !ok || v != nil {
			t.Fatalf("detail fetched_at = %v (present %v), want declared null", v, ok)
		}
		owners[r["href"].(string)] = parents[r[storage.FKColumn("plans")].(int64)]
	}
	wantOwners := map[string]string{
		"https://files.test/a.pdf": "RN-1",
		"https://files.test/b.pdf": "RN-1",
		"https://files.test/c.pdf": "RN-2",
	}
	if !reflect.DeepEqual(owners, wantOwners) {
		t.Fatalf("detail owners = %v, want %v", owners, wantOwners)
	}
}

func TestRun_RerunIsIdempotentAndCached(t *testing.T) {
	t.Parallel()

	page := pageURL("20240501", "20240502")
	fx := newFakeFetcher()
	fx.set(plansMetaURL, metaDoc(page))
	fx.set(page, pageDoc(planRec("RN-1", "https://files.test/a.pdf")))

	c, repo := newTestController(t, fx)
	w := Window{From: day(2024, time.May, 1), To: day(2024, time.May, 2)}

	first, err := c.Run(context.Background(), w)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if want := (Result{Pages: 1, Parents: 1, Inserted: 1, Details: 1}); first != want {
		t.Fatalf("first Run = %+v, want %+v", first, want)
	}
	if !c.cache.Has("plans", fetch.HashRef(page)) {
		t.Fatal("data file not cached after first run")
	}

	second, err := c.Run(context.Background(), w)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if want := (Result{Pages: 1, Parents: 1, Duplicates: 1}); second != want {
		t.Fatalf("second Run = %+v, want %+v", second, want)
	}
	if got := fx.called(page); got != 1 {
		t.Fatalf("data file fetched %d times, want 1 (cache)", got)
	}
	if got := len(repo.Rows("plans")); got != 1 {
		t.Fatalf("plans rows after rerun = %d, want 1", got)
	}
	if got := len(repo.Rows("plans_details")); got != 1 {
		t.Fatalf("plans_details rows after rerun = %d, want 1", got)
	}
}

func TestRun_FutureSkippedOlderStopsWalk(t *testing.T) {
	t.Parallel()

	future := pageURL("20240510", "20240511")
	inWindow := pageURL("20240502", "20240503")
	oldest := pageURL("20240420", "20240421")

	fx := newFakeFetcher()
	fx.set(plansMetaURL, metaDoc(future, inWindow, oldest))
	fx.set(inWindow, pageDoc(planRec("RN-1")))

	c, _ := newTestController(t, fx)
	w := Window{From: day(2024, time.May, 1), To: day(2024, time.May, 2)}

	res, err := c.Run(context.Background(), w)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := Result{Pages: 1, Parents: 1, Inserted: 1, Skipped: 1}
	if res != want {
		t.Fatalf("Run = %+v, want %+v", res, want)
	}
	if fx.called(future) != 0 || fx.called(oldest) != 0 {
		t.Fatal("out-of-window entries were fetched")
	}
}

func TestRun_PageFailureDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	good := pageURL("20240502", "20240503")
	bad := pageURL("20240501", "20240502")

	fx := newFakeFetcher()
	fx.set(plansMetaURL, metaDoc(good, bad))
	fx.set(good, pageDoc(planRec("RN-1", "https://files.test/a.pdf")))
	fx.fail(bad, errors.New("boom"))

	c, _ := newTestController(t, fx)
	w := Window{From: day(2024, time.May, 1), To: day(2024, time.May, 2)}

	res, err := c.Run(context.Background(), w)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := Result{Pages: 1, Parents: 1, Inserted: 1, Details: 1, Failed: 1}
	if res != want {
		t.Fatalf("Run = %+v, want %+v", res, want)
	}
}

func TestRun_UndatedAndSourcelessEntriesSkipped(t *testing.T) {
	t.Parallel()

	fx := newFakeFetcher()
	fx.set(plansMetaURL, `{"modified": "2024-05-02", "data": [
		{"source": "https://portal.test/opendata/full.json"},
		{"created": "2024-05-01T10:00:00Z"}
	]}`)

	c, _ := newTestController(t, fx)
	w := Window{From: day(2024, time.May, 1), To: day(2024, time.May, 2)}

	res, err := c.Run(context.Background(), w)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := (Result{Skipped: 2}); res != want {
		t.Fatalf("Run = %+v, want %+v", res, want)
	}
	if got := len(fx.calls); got != 1 {
		t.Fatalf("fetch calls = %d, want 1 (manifest only)", got)
	}
}

func TestRun_RelativeSourceResolved(t *testing.T) {
	t.Parallel()

	resolved := pageURL("20240501", "20240502")
	fx := newFakeFetcher()
	fx.set(plansMetaURL, metaDoc("data-20240501T0000-20240502T0000-structure-20240101.json"))
	fx.set(resolved, pageDoc(planRec("RN-1")))

	c, repo := newTestController(t, fx)
	w := Window{From: day(2024, time.May, 1), To: day(2024, time.May, 2)}

	res, err := c.Run(context.Background(), w)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Pages != 1 || res.Inserted != 1 {
		t.Fatalf("Run = %+v, want one page loaded", res)
	}
	rows := repo.Rows("plans")
	if len(rows) != 1 {
		t.Fatalf("plans rows = %d, want 1", len(rows))
	}
	if rows[0]["provenance"] != resolved {
		t.Fatalf("provenance = %v, want %q", rows[0]["provenance"], resolved)
	}
}

func TestRun_ManifestFailures(t *testing.T) {
	t.Parallel()

	t.Run("fetch_error", func(t *testing.T) {
		t.Parallel()
		fx := newFakeFetcher()
		fx.fail(plansMetaURL, errors.New("unreachable"))
		c, _ := newTestController(t, fx)
		if _, err := c.Run(context.Background(), NewWindow(time.Now(), 1)); err == nil {
			t.Fatal("Run succeeded with unreachable manifest")
		}
	})

	t.Run("malformed_manifest", func(t *testing.T) {
		t.Parallel()
		fx := newFakeFetcher()
		fx.set(plansMetaURL, "not json")
		c, _ := newTestController(t, fx)
		if _, err := c.Run(context.Background(), NewWindow(time.Now(), 1)); err == nil {
			t.Fatal("Run succeeded with malformed manifest")
		}
	})
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	repo := storagetest.NewMem()
	mgr := storage.NewManager(repo, nil)
	loader := ingest.NewLoader(repo, mgr, nil)
	cache := fetch.NewCache(t.TempDir())

	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "nil_client", cfg: Config{Cache: cache, Loader: loader, MetaURL: plansMetaURL}},
		{name: "nil_cache", cfg: Config{Client: newFakeFetcher(), Loader: loader, MetaURL: plansMetaURL}},
		{name: "nil_loader", cfg: Config{Client: newFakeFetcher(), Cache: cache, MetaURL: plansMetaURL}},
		{name: "no_meta_url", cfg: Config{Client: newFakeFetcher(), Cache: cache, Loader: loader}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tc.cfg); err == nil {
				t.Fatal("New accepted incomplete config")
			}
		})
	}
}
