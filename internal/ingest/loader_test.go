package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"torgi/internal/flatten"
	"torgi/internal/storage"
	"torgi/internal/storage/storagetest"
)

func decode(t *testing.T, payload string) []flatten.Record {
	t.Helper()
	recs, err := flatten.Decode([]byte(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return recs
}

func TestLoad_RootAndCollections(t *testing.T) {
	t.Parallel()

	repo := storagetest.NewMem()
	l := NewLoader(repo, storage.NewManager(repo, nil), nil)

	recs := decode(t, `[
		{"registrationNumber": "P-1", "info": {"region": 77}, "attachments": [{"url": "u1"}, {"url": "u2"}]},
		{"registrationNumber": "P-2", "info": {"region": 50}, "attachments": [{"url": "u3"}]}
	]`)

	stats, err := l.Load(context.Background(), recs, Options{
		Table:  "plans",
		Unique: []string{"registrationnumber"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stats.Records != 2 || stats.Inserted != 2 || stats.Duplicates != 0 || stats.ChildRows != 3 {
		t.Fatalf("stats=%+v", stats)
	}

	rows := repo.Rows("plans")
	if len(rows) != 2 {
		t.Fatalf("plans rows=%d", len(rows))
	}
	if rows[0]["registrationnumber"] != "P-1" || rows[0]["info_region"] != int64(77) {
		t.Fatalf("row=%v", rows[0])
	}

	children := repo.Rows("plans_attachments")
	if len(children) != 3 {
		t.Fatalf("attachment rows=%d", len(children))
	}
	fk := storage.FKColumn("plans")
	if children[0][fk] != rows[0]["skey"] {
		t.Fatalf("child fk=%v parent skey=%v", children[0][fk], rows[0]["skey"])
	}
	if children[2][fk] != rows[1]["skey"] {
		t.Fatalf("third child fk=%v want parent 2 skey=%v", children[2][fk], rows[1]["skey"])
	}
}

func TestLoad_RerunIsIdempotent(t *testing.T) {
	t.Parallel()

	repo := storagetest.NewMem()
	l := NewLoader(repo, storage.NewManager(repo, nil), nil)
	opts := Options{Table: "plans", Unique: []string{"registrationnumber"}}

	payload := `[{"registrationNumber": "P-1", "attachments": [{"url": "u1"}]}]`

	if _, err := l.Load(context.Background(), decode(t, payload), opts); err != nil {
		t.Fatalf("first load: %v", err)
	}
	creates, alters := repo.Creates, repo.Alters

	stats, err := l.Load(context.Background(), decode(t, payload), opts)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if stats.Inserted != 0 || stats.Duplicates != 1 || stats.ChildRows != 0 {
		t.Fatalf("stats=%+v", stats)
	}
	if len(repo.Rows("plans")) != 1 || len(repo.Rows("plans_attachments")) != 1 {
		t.Fatalf("rows duplicated: plans=%d attachments=%d",
			len(repo.Rows("plans")), len(repo.Rows("plans_attachments")))
	}
	if repo.Creates != creates || repo.Alters != alters {
		t.Fatalf("re-run performed DDL: creates %d->%d alters %d->%d",
			creates, repo.Creates, alters, repo.Alters)
	}
}

func TestLoad_CollectionOverrides(t *testing.T) {
	t.Parallel()

	repo := storagetest.NewMem()
	l := NewLoader(repo, storage.NewManager(repo, nil), nil)
	opts := Options{
		Table:         "plans",
		Unique:        []string{"registrationnumber"},
		UnitPerRecord: true,
		Collections: []CollectionOption{{
			Field:  "attachments",
			Table:  "plans_details",
			Unique: []string{"href"},
			Constants: []Constant{
				{Name: "fetch_status", Type: flatten.TypeText, Value: "pending"},
				{Name: "fetched_at", Type: flatten.TypeTimestamp, Value: nil},
			},
		}},
	}

	recs := decode(t, `[
		{"registrationNumber": "P-1", "attachments": [{"href": "h1"}, {"href": "h2"}]},
		{"registrationNumber": "P-2", "attachments": [{"href": "h3"}]}
	]`)
	stats, err := l.Load(context.Background(), recs, opts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stats.Inserted != 2 || stats.ChildRows != 3 {
		t.Fatalf("stats=%+v", stats)
	}

	if repo.HasTable("plans_attachments") {
		t.Fatal("default child table created despite override")
	}
	details := repo.Rows("plans_details")
	if len(details) != 3 {
		t.Fatalf("detail rows=%d", len(details))
	}
	fk := storage.FKColumn("plans")
	parents := repo.Rows("plans")
	if details[0][fk] != parents[0]["skey"] || details[2][fk] != parents[1]["skey"] {
		t.Fatalf("detail links wrong: %v / %v", details[0], details[2])
	}
	for _, d := range details {
		if d["fetch_status"] != "pending" {
			t.Fatalf("detail=%v, want pending status", d)
		}
		if v, ok := d["fetched_at"]; !ok || v != nil {
			t.Fatalf("fetched_at=%v present=%v", v, ok)
		}
	}

	spec, ok := repo.TableSpecFor("plans_details")
	if !ok || len(spec.Unique) != 1 || spec.Unique[0][0] != "href" {
		t.Fatalf("detail spec=%+v", spec)
	}
}

func TestLoad_CollectionOverrideMatchesRawFieldName(t *testing.T) {
	t.Parallel()

	repo := storagetest.NewMem()
	l := NewLoader(repo, storage.NewManager(repo, nil), nil)
	opts := Options{
		Table:  "plans",
		Unique: []string{"reg"},
		Collections: []CollectionOption{{
			Field:  "planAttachments",
			Table:  "plans_details",
			Unique: []string{"href"},
		}},
	}

	recs := decode(t, `[{"reg": "P-1", "planAttachments": [{"href": "h1"}]}]`)
	if _, err := l.Load(context.Background(), recs, opts); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if repo.HasTable("plans_planattachments") {
		t.Fatal("default child table created despite override")
	}
	spec, ok := repo.TableSpecFor("plans_details")
	if !ok || len(spec.Unique) != 1 || spec.Unique[0][0] != "href" {
		t.Fatalf("detail spec=%+v", spec)
	}
}

func TestLoad_ConstantsStampedAndShadowingFieldSkipped(t *testing.T) {
	t.Parallel()

	repo := storagetest.NewMem()
	l := NewLoader(repo, storage.NewManager(repo, nil), nil)

	recs := decode(t, `[{"url": "u1", "fetch_status": "from-source"}]`)
	stats, err := l.Load(context.Background(), recs, Options{
		Table:  "plans_details",
		Unique: []string{"url"},
		Constants: []Constant{
			{Name: "fetch_status", Type: flatten.TypeText, Value: "pending"},
			{Name: "fetched_at", Type: flatten.TypeTimestamp, Value: nil},
		},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stats.SkippedFields != 1 {
		t.Fatalf("stats=%+v, want one shadowed field", stats)
	}

	rows := repo.Rows("plans_details")
	if len(rows) != 1 {
		t.Fatalf("rows=%d", len(rows))
	}
	if rows[0]["fetch_status"] != "pending" {
		t.Fatalf("fetch_status=%v, want engine constant to win", rows[0]["fetch_status"])
	}
	if v, ok := rows[0]["fetched_at"]; !ok || v != nil {
		t.Fatalf("fetched_at=%v present=%v, want declared null column", v, ok)
	}
}

func TestLoad_ParentLink(t *testing.T) {
	t.Parallel()

	repo := storagetest.NewMem()
	l := NewLoader(repo, storage.NewManager(repo, nil), nil)

	if _, err := l.Load(context.Background(), decode(t, `[{"registrationNumber": "P-1"}]`), Options{
		Table:  "plans",
		Unique: []string{"registrationnumber"},
	}); err != nil {
		t.Fatalf("parent load: %v", err)
	}
	parentID := repo.Rows("plans")[0]["skey"].(int64)

	if _, err := l.Load(context.Background(), decode(t, `[{"documentType": "PLAN"}]`), Options{
		Table:    "plans_docs_plan",
		Parent:   "plans",
		ParentID: parentID,
	}); err != nil {
		t.Fatalf("child load: %v", err)
	}
	rows := repo.Rows("plans_docs_plan")
	if len(rows) != 1 || rows[0][storage.FKColumn("plans")] != parentID {
		t.Fatalf("rows=%v", rows)
	}
}

func TestLoad_MissingParentIsOrphan(t *testing.T) {
	t.Parallel()

	repo := storagetest.NewMem()
	l := NewLoader(repo, storage.NewManager(repo, nil), nil)

	_, err := l.Load(context.Background(), decode(t, `[{"a": 1}]`), Options{
		Table:  "plans_docs_plan",
		Parent: "plans",
	})
	var orphan *storage.OrphanRowError
	if !errors.As(err, &orphan) {
		t.Fatalf("err=%v, want OrphanRowError", err)
	}
	if orphan.Table != "plans_docs_plan" || orphan.Parent != "plans" {
		t.Fatalf("orphan=%+v", orphan)
	}
}

func TestLoad_ConflictingFieldSkippedRowStillLoads(t *testing.T) {
	t.Parallel()

	repo := storagetest.NewMem()
	l := NewLoader(repo, storage.NewManager(repo, nil), nil)
	opts := Options{Table: "plans", Unique: []string{"registrationnumber"}}

	if _, err := l.Load(context.Background(), decode(t, `[{"registrationNumber": "P-1", "area": 5}]`), opts); err != nil {
		t.Fatalf("first load: %v", err)
	}

	// area arrives as text now: narrower-than-nothing, a genuine conflict.
	stats, err := l.Load(context.Background(), decode(t, `[{"registrationNumber": "P-2", "area": "5 ha"}]`), opts)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if stats.Inserted != 1 || stats.SkippedFields != 1 {
		t.Fatalf("stats=%+v", stats)
	}

	rows := repo.Rows("plans")
	if len(rows) != 2 {
		t.Fatalf("rows=%d", len(rows))
	}
	if v, ok := rows[1]["area"]; ok && v != nil {
		t.Fatalf("conflicting field loaded anyway: %v", v)
	}
	if rows[1]["registrationnumber"] != "P-2" {
		t.Fatalf("row=%v", rows[1])
	}
}

func TestLoad_AfterRecordRunsInUnit(t *testing.T) {
	t.Parallel()

	repo := storagetest.NewMem()
	l := NewLoader(repo, storage.NewManager(repo, nil), nil)

	var gotIDs []int64
	stats, err := l.Load(context.Background(), decode(t, `[{"a": 1}, {"a": 2}]`), Options{
		Table:         "t",
		Unique:        []string{"a"},
		UnitPerRecord: true,
		AfterRecord: func(_ context.Context, _ storage.Unit, _ int, rootID int64, inserted bool) error {
			if !inserted {
				return fmt.Errorf("expected fresh rows")
			}
			gotIDs = append(gotIDs, rootID)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stats.Inserted != 2 || len(gotIDs) != 2 || gotIDs[0] == gotIDs[1] {
		t.Fatalf("stats=%+v ids=%v", stats, gotIDs)
	}
}

func TestLoad_AfterRecordErrorRollsUnitBack(t *testing.T) {
	t.Parallel()

	repo := storagetest.NewMem()
	l := NewLoader(repo, storage.NewManager(repo, nil), nil)

	boom := errors.New("boom")
	_, err := l.Load(context.Background(), decode(t, `[{"a": 1}]`), Options{
		Table:         "t",
		UnitPerRecord: true,
		AfterRecord: func(context.Context, storage.Unit, int, int64, bool) error {
			return boom
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if rows := repo.Rows("t"); len(rows) != 0 {
		t.Fatalf("unit not rolled back: rows=%v", rows)
	}
}

func TestLoad_EmptyBatchIsNoop(t *testing.T) {
	t.Parallel()

	repo := storagetest.NewMem()
	l := NewLoader(repo, storage.NewManager(repo, nil), nil)

	stats, err := l.Load(context.Background(), nil, Options{Table: "t"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stats != (Stats{}) {
		t.Fatalf("stats=%+v", stats)
	}
	if repo.HasTable("t") {
		t.Fatal("empty batch must not create tables")
	}
}
