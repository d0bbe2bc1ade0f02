package mssql

import (
	"strings"
	"testing"
	"time"

	"torgi/internal/flatten"
	"torgi/internal/storage"
)

func TestBuildCreateSQL_GuardedAndTyped(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name: "plans",
		Columns: []storage.ColumnSpec{
			{Name: "registrationnumber", Type: flatten.TypeText},
			{Name: "published", Type: flatten.TypeTimestamp},
			{Name: "note", Type: flatten.TypeText},
		},
		Unique: [][]string{{"registrationnumber"}},
	}

	ddl, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if !strings.HasPrefix(ddl, "IF OBJECT_ID(N'plans', N'U') IS NULL BEGIN CREATE TABLE [plans] (") {
		t.Fatalf("missing OBJECT_ID guard: %q", ddl)
	}
	if !strings.Contains(ddl, "[skey] BIGINT IDENTITY(1,1) PRIMARY KEY") {
		t.Fatalf("missing identity column: %q", ddl)
	}
	// The unique-constrained text column must stay indexable.
	if !strings.Contains(ddl, "[registrationnumber] NVARCHAR(450) NULL") {
		t.Fatalf("unique text column not narrowed: %q", ddl)
	}
	if !strings.Contains(ddl, "[note] NVARCHAR(MAX) NULL") {
		t.Fatalf("plain text column widened incorrectly: %q", ddl)
	}
	if !strings.Contains(ddl, "UNIQUE ([registrationnumber])") {
		t.Fatalf("missing unique constraint: %q", ddl)
	}
}

func TestBuildCreateSQL_ChildTableCarriesParentRef(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:    "plans_attachments",
		Parent:  "plans",
		Columns: []storage.ColumnSpec{{Name: "url", Type: flatten.TypeText}},
	}
	ddl, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if !strings.Contains(ddl, "[skey_plans] BIGINT NOT NULL REFERENCES [plans] ([skey])") {
		t.Fatalf("missing parent reference: %q", ddl)
	}
}

func TestBuildAddColumnsSQL_SingleStatement(t *testing.T) {
	t.Parallel()

	got, err := buildAddColumnsSQL("plans", []storage.ColumnSpec{
		{Name: "a", Type: flatten.TypeInteger},
		{Name: "b", Type: flatten.TypeText},
	})
	if err != nil {
		t.Fatalf("buildAddColumnsSQL: %v", err)
	}
	want := "ALTER TABLE [plans] ADD [a] BIGINT NULL, [b] NVARCHAR(MAX) NULL;"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestBuildInsertSQL_NotExistsGuardReusesPlaceholders(t *testing.T) {
	t.Parallel()

	got, err := buildInsertSQL("plans", []string{"a", "b"}, []string{"b"}, false)
	if err != nil {
		t.Fatalf("buildInsertSQL: %v", err)
	}
	want := "INSERT INTO [plans] ([a], [b]) SELECT @p1, @p2 WHERE NOT EXISTS (SELECT 1 FROM [plans] WHERE [b] = @p2);"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	got, err = buildInsertSQL("plans", []string{"a"}, nil, true)
	if err != nil {
		t.Fatalf("buildInsertSQL: %v", err)
	}
	if !strings.Contains(got, "OUTPUT INSERTED.[skey]") || !strings.Contains(got, "VALUES (@p1)") {
		t.Fatalf("plain output insert malformed: %q", got)
	}

	if _, err := buildInsertSQL("plans", []string{"a"}, []string{"missing"}, false); err == nil {
		t.Fatal("expected error for conflict column outside insert columns")
	}
}

func TestBuildUpdateKeyedSQL(t *testing.T) {
	t.Parallel()

	q, args, err := buildUpdateKeyedSQL("categories", "key",
		[]string{"key", "name", "source_link"},
		[]any{"privatizationplans", "Privatization plans", "https://example.org"},
		[]string{"name", "source_link"})
	if err != nil {
		t.Fatalf("buildUpdateKeyedSQL: %v", err)
	}
	want := "UPDATE [categories] SET [name] = @p1, [source_link] = @p2 WHERE [key] = @p3;"
	if q != want {
		t.Fatalf("got %q want %q", q, want)
	}
	if len(args) != 3 || args[2] != "privatizationplans" {
		t.Fatalf("args=%v", args)
	}
}

func TestBuildPendingRefsSQL_TopAndOrder(t *testing.T) {
	t.Parallel()

	q, args := buildPendingRefsSQL("plans_details", "url", "fetch_status", []string{"pending", "retry"}, 25)
	want := "SELECT TOP (25) [skey], [url], [fetch_status] FROM [plans_details] WHERE [fetch_status] IN (@p1, @p2) ORDER BY [skey];"
	if q != want {
		t.Fatalf("got %q want %q", q, want)
	}
	if len(args) != 2 {
		t.Fatalf("args=%v", args)
	}

	q, _ = buildPendingRefsSQL("plans_details", "url", "fetch_status", []string{"pending"}, 0)
	if strings.Contains(q, "TOP") {
		t.Fatalf("zero limit must not emit TOP: %q", q)
	}
}

func TestBuildSetStatusSQL(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	q, args := buildSetStatusSQL(storage.StatusUpdate{
		Table:        "plans_details",
		Skey:         9,
		StatusColumn: "fetch_status",
		Status:       "fetched",
		AtColumn:     "fetched_at",
		At:           at,
	})
	want := "UPDATE [plans_details] SET [fetch_status] = @p1, [fetched_at] = @p2 WHERE [skey] = @p3;"
	if q != want {
		t.Fatalf("got %q want %q", q, want)
	}
	if len(args) != 3 || args[0] != "fetched" || args[2] != int64(9) {
		t.Fatalf("args=%v", args)
	}
}

func TestMSSQLIdentQuoting(t *testing.T) {
	t.Parallel()

	if got := mssqlIdent("we]ird"); got != "[we]]ird]" {
		t.Fatalf("got %q", got)
	}
}

func TestTypeFromMSSQLRoundTrip(t *testing.T) {
	t.Parallel()

	types := []flatten.Type{
		flatten.TypeBoolean,
		flatten.TypeInteger,
		flatten.TypeFloat,
		flatten.TypeDate,
		flatten.TypeTimestamp,
		flatten.TypeText,
	}
	for _, typ := range types {
		if got := typeFromMSSQL(strings.Split(typeToMSSQL(typ, false), "(")[0]); got != typ {
			t.Fatalf("round trip %v: got %v", typ, got)
		}
	}
}
