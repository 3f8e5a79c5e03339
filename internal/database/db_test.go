package database

import (
	"strings"
	"testing"
)

func TestMeasurementsDDL(t *testing.T) {
	plain := measurementsDDL(`"measurements"`, false)
	for _, stmt := range plain {
		if strings.Contains(stmt, "create_hypertable") {
			t.Errorf("Expected no hypertable conversion without timescaledb, got %q", stmt)
		}
	}
	if !strings.HasPrefix(plain[0], `CREATE TABLE "measurements"`) {
		t.Errorf("Expected the table to be created first, got %q", plain[0])
	}

	ts := measurementsDDL(`"measurements"`, true)
	if len(ts) != len(plain)+1 {
		t.Fatalf("Expected one extra statement with timescaledb, got %d", len(ts))
	}
	if last := ts[len(ts)-1]; !strings.Contains(last, `create_hypertable('"measurements"'`) {
		t.Errorf("Expected conversion last, got %q", last)
	}
}

func TestBucketExpr(t *testing.T) {
	if got := bucketExpr(true); !strings.HasPrefix(got, "time_bucket(") {
		t.Errorf("Expected time_bucket with timescaledb, got %q", got)
	}
	if got := bucketExpr(false); !strings.HasPrefix(got, "date_bin(") {
		t.Errorf("Expected date_bin on plain Postgres, got %q", got)
	}
}
