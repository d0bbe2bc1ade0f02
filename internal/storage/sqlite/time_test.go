package sqlite

import (
	"testing"
	"time"
)

func TestParseSQLiteTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "rfc3339nano", in: "2026-01-27T12:17:08.123456789Z", want: "2026-01-27T12:17:08.123456789Z"},
		{name: "rfc3339", in: "2026-01-27T12:17:08Z", want: "2026-01-27T12:17:08Z"},
		{name: "space_with_offset", in: "2026-01-27 12:17:08+03:00", want: "2026-01-27T09:17:08Z"},
		{name: "space_no_offset_is_utc", in: "2026-01-27 12:17:08", want: "2026-01-27T12:17:08Z"},
		{name: "date_only", in: "2026-01-27", want: "2026-01-27T00:00:00Z"},
		{name: "garbage", in: "not-a-time", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSQLiteTime(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSQLiteTime(%q) err=%v wantErr=%v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			want, err := time.Parse(time.RFC3339Nano, tt.want)
			if err != nil {
				t.Fatalf("bad want value %q: %v", tt.want, err)
			}
			if !got.UTC().Equal(want) {
				t.Fatalf("got=%s want=%s", got.UTC().Format(time.RFC3339Nano), tt.want)
			}
		})
	}
}

func TestFormatSQLiteTimeRoundTrip(t *testing.T) {
	t.Parallel()

	in := time.Date(2026, 1, 27, 12, 17, 8, 123, time.FixedZone("X", 3600))
	got, err := parseSQLiteTime(formatSQLiteTime(in))
	if err != nil {
		t.Fatalf("round trip parse: %v", err)
	}
	if !got.UTC().Equal(in.UTC()) {
		t.Fatalf("round trip mismatch: got=%s want=%s", got.UTC(), in.UTC())
	}
}
