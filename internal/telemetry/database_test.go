package telemetry

import (
	"testing"

	_ "github.com/lib/pq"
)

func TestWithSearchPath(t *testing.T) {
	tests := []struct {
		name   string
		dsn    string
		schema string
		want   string
	}{
		{
			name:   "bare URL",
			dsn:    "postgres://u:p@localhost:5432/farmflow",
			schema: "stock",
			want:   "postgres://u:p@localhost:5432/farmflow?search_path=stock",
		},
		{
			name:   "existing params preserved",
			dsn:    "postgres://u:p@localhost:5432/farmflow?sslmode=disable",
			schema: "orders",
			want:   "postgres://u:p@localhost:5432/farmflow?search_path=orders&sslmode=disable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := WithSearchPath(tt.dsn, tt.schema)
			if err != nil {
				t.Fatalf("WithSearchPath: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpenDBRegistersStatsMetrics(t *testing.T) {
	// sql.Open is lazy, so no server is needed to exercise the
	// instrumentation path.
	db, err := OpenDB("postgres", "postgres://u:p@localhost:5432/farmflow?sslmode=disable")
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	if db == nil {
		t.Fatal("OpenDB returned nil handle")
	}
	_ = db.Close()
}

func TestOpenDBUnknownDriver(t *testing.T) {
	if _, err := OpenDB("no-such-driver", "dsn"); err == nil {
		t.Fatal("expected error for unregistered driver")
	}
}
