package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"testing"
	"time"

	"github.com/ponytojas/go-iot-hub/config"
	"github.com/ponytojas/go-iot-hub/internal/database"
	"github.com/ponytojas/go-iot-hub/internal/models"
)

func seed(t *testing.T, n int) *database.MemoryDB {
	t.Helper()
	ctx := context.Background()
	db := database.NewMemoryDB()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		_, err := db.InsertMeasurement(ctx, &models.Measurement{
			DeviceID: 1, SensorTypeID: 1, Value: float64(i), RawValue: float64(i),
			// Pairs share a timestamp to exercise the page boundary.
			CreatedAt: base.Add(time.Duration(i/2) * time.Second),
		})
		if err != nil {
			t.Fatalf("InsertMeasurement failed: %v", err)
		}
	}
	return db
}

func TestWriteCSV(t *testing.T) {
	db := seed(t, 3)
	var buf bytes.Buffer

	rows, err := WriteCSV(context.Background(), &buf, db, models.MeasurementFilter{})
	if err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	if rows != 3 {
		t.Errorf("Expected 3 rows, got %d", rows)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse csv: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("Expected header plus 3 rows, got %d lines", len(records))
	}
	if records[0][0] != "id" || records[0][5] != "created_at" {
		t.Errorf("Unexpected header %v", records[0])
	}
	if records[1][3] != "2" {
		t.Errorf("Expected newest value first, got %v", records[1])
	}
}

func TestWriteCSV_PagesPastTheQueryLimit(t *testing.T) {
	db := seed(t, models.MaxMeasurementLimit+301)
	var buf bytes.Buffer

	rows, err := WriteCSV(context.Background(), &buf, db, models.MeasurementFilter{})
	if err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	if rows != models.MaxMeasurementLimit+301 {
		t.Errorf("Expected every measurement exported once, got %d rows", rows)
	}
}

func TestWriteCSV_SameInstantBeyondOnePage(t *testing.T) {
	ctx := context.Background()
	db := database.NewMemoryDB()
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	const n = 1500
	for i := 0; i < n; i++ {
		if _, err := db.InsertMeasurement(ctx, &models.Measurement{DeviceID: 1, SensorTypeID: 1, Value: float64(i), CreatedAt: at}); err != nil {
			t.Fatalf("InsertMeasurement failed: %v", err)
		}
	}
	var buf bytes.Buffer

	rows, err := WriteCSV(ctx, &buf, db, models.MeasurementFilter{})
	if err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	if rows != n {
		t.Fatalf("Expected %d rows, got %d", n, rows)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse csv: %v", err)
	}
	seen := map[string]bool{}
	for _, rec := range records[1:] {
		if seen[rec[0]] {
			t.Fatalf("Measurement %s exported twice", rec[0])
		}
		seen[rec[0]] = true
	}
}

func TestWriteCSV_RespectsLimit(t *testing.T) {
	db := seed(t, 10)
	var buf bytes.Buffer

	rows, err := WriteCSV(context.Background(), &buf, db, models.MeasurementFilter{Limit: 4})
	if err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	if rows != 4 {
		t.Errorf("Expected 4 rows, got %d", rows)
	}
}

func TestExporter_Disabled(t *testing.T) {
	cfg := config.GetDefaultConfig()
	e, err := NewExporter(cfg, database.NewMemoryDB())
	if err != nil {
		t.Fatalf("NewExporter failed: %v", err)
	}
	if _, err := e.Export(context.Background(), models.MeasurementFilter{}); !errors.Is(err, ErrDisabled) {
		t.Errorf("Expected ErrDisabled, got %v", err)
	}
}
