package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ponytojas/go-iot-hub/internal/models"
)

func newDevice(t *testing.T, db *MemoryDB, slug string, orgID *int64) *models.Device {
	t.Helper()
	d, err := db.CreateDevice(context.Background(), models.DeviceCreate{Name: slug, Slug: slug, OrganizationID: orgID})
	if err != nil {
		t.Fatalf("CreateDevice(%s) failed: %v", slug, err)
	}
	return d
}

func TestMemoryDB_DeviceSlugConflict(t *testing.T) {
	db := NewMemoryDB()
	newDevice(t, db, "greenhouse-1", nil)

	_, err := db.CreateDevice(context.Background(), models.DeviceCreate{Name: "dup", Slug: "greenhouse-1"})
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}
}

func TestMemoryDB_ArchiveAndRestore(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	d := newDevice(t, db, "esp32-a", nil)
	newDevice(t, db, "esp32-b", nil)

	archived, err := db.ArchiveDevice(ctx, d.ID, time.Now())
	if err != nil {
		t.Fatalf("ArchiveDevice failed: %v", err)
	}
	if !archived.Archived() || archived.IsActive {
		t.Errorf("Expected archived inactive device, got %+v", archived)
	}

	visible, _ := db.ListDevices(ctx, models.DeviceFilter{})
	if len(visible) != 1 || visible[0].Slug != "esp32-b" {
		t.Fatalf("Expected only esp32-b to be listed, got %d devices", len(visible))
	}
	all, _ := db.ListDevices(ctx, models.DeviceFilter{IncludeArchived: true})
	if len(all) != 2 {
		t.Fatalf("Expected 2 devices with archived included, got %d", len(all))
	}
	if all[0].Slug != "esp32-b" {
		t.Errorf("Expected newest device first, got %s", all[0].Slug)
	}

	restored, err := db.RestoreDevice(ctx, d.ID)
	if err != nil {
		t.Fatalf("RestoreDevice failed: %v", err)
	}
	if restored.Archived() || !restored.IsActive {
		t.Errorf("Expected restored device to be active, got %+v", restored)
	}
}

func TestMemoryDB_ListDevicesScopedToOrganization(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	acme, _ := db.CreateOrganization(ctx, models.OrganizationCreate{Name: "Acme", Slug: "acme"})
	globex, _ := db.CreateOrganization(ctx, models.OrganizationCreate{Name: "Globex", Slug: "globex"})
	newDevice(t, db, "acme-1", &acme.ID)
	newDevice(t, db, "globex-1", &globex.ID)

	devices, _ := db.ListDevices(ctx, models.DeviceFilter{OrganizationID: &acme.ID})
	if len(devices) != 1 || devices[0].Slug != "acme-1" {
		t.Fatalf("Expected only acme-1, got %+v", devices)
	}
}

func TestMemoryDB_TouchDeviceOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	d := newDevice(t, db, "touch", nil)
	later := time.Now().UTC()
	earlier := later.Add(-time.Hour)

	if err := db.TouchDevice(ctx, d.ID, later); err != nil {
		t.Fatalf("TouchDevice failed: %v", err)
	}
	if err := db.TouchDevice(ctx, d.ID, earlier); err != nil {
		t.Fatalf("TouchDevice failed: %v", err)
	}

	got, _ := db.GetDevice(ctx, d.ID)
	if got.LastSeen == nil || !got.LastSeen.Equal(later) {
		t.Errorf("Expected last_seen %v, got %v", later, got.LastSeen)
	}
}

func TestMemoryDB_ReplaceDeviceSensors(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	d := newDevice(t, db, "links", nil)
	temp, _ := db.CreateSensorType(ctx, models.SensorTypeCreate{Name: "Temperatura", Unit: "°C"})
	hum, _ := db.CreateSensorType(ctx, models.SensorTypeCreate{Name: "Umidade", Unit: "%"})

	change, err := db.ReplaceDeviceSensors(ctx, d.ID, []models.DeviceSensorLink{
		{SensorTypeID: temp.ID}, {SensorTypeID: hum.ID},
	})
	if err != nil {
		t.Fatalf("ReplaceDeviceSensors failed: %v", err)
	}
	if change.Added != 2 || change.Removed != 0 {
		t.Errorf("Expected 2 added 0 removed, got %+v", change)
	}

	formula := "x * 2"
	change, err = db.ReplaceDeviceSensors(ctx, d.ID, []models.DeviceSensorLink{
		{SensorTypeID: temp.ID, CalibrationFormula: &formula},
	})
	if err != nil {
		t.Fatalf("ReplaceDeviceSensors failed: %v", err)
	}
	if change.Added != 0 || change.Removed != 1 {
		t.Errorf("Expected 0 added 1 removed, got %+v", change)
	}

	links, _ := db.ListDeviceSensors(ctx, d.ID)
	if len(links) != 1 || links[0].CalibrationFormula == nil || *links[0].CalibrationFormula != formula {
		t.Errorf("Expected one link with formula, got %+v", links)
	}

	_, err = db.ReplaceDeviceSensors(ctx, d.ID, []models.DeviceSensorLink{{SensorTypeID: 999}})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown sensor type, got %v", err)
	}
}

func TestMemoryDB_TokenLifecycle(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	d := newDevice(t, db, "tokens", nil)

	tok, err := db.CreateToken(ctx, d.ID, models.DefaultTokenLabel)
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	now := time.Now()
	resolved, err := db.ResolveToken(ctx, tok.Token, now)
	if err != nil {
		t.Fatalf("ResolveToken failed: %v", err)
	}
	if resolved.DeviceID != d.ID || resolved.LastUsedAt == nil {
		t.Errorf("Unexpected resolved token: %+v", resolved)
	}

	if err := db.RevokeToken(ctx, d.ID+1, tok.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound revoking through another device, got %v", err)
	}
	if err := db.RevokeToken(ctx, d.ID, tok.ID); err != nil {
		t.Fatalf("RevokeToken failed: %v", err)
	}
	if _, err := db.ResolveToken(ctx, tok.Token, now); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected revoked token to stop resolving, got %v", err)
	}
}

func TestMemoryDB_ListMeasurementsNewestFirst(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	d := newDevice(t, db, "m", nil)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Inserted out of order on purpose.
	for _, offset := range []int{2, 0, 3, 1} {
		_, err := db.InsertMeasurement(ctx, &models.Measurement{
			DeviceID: d.ID, SensorTypeID: 1, Value: float64(offset),
			CreatedAt: base.Add(time.Duration(offset) * time.Minute),
		})
		if err != nil {
			t.Fatalf("InsertMeasurement failed: %v", err)
		}
	}

	got, err := db.ListMeasurements(ctx, models.MeasurementFilter{DeviceID: d.ID, Limit: 2})
	if err != nil {
		t.Fatalf("ListMeasurements failed: %v", err)
	}
	if len(got) != 2 || got[0].Value != 3 || got[1].Value != 2 {
		t.Fatalf("Expected values [3 2], got %+v", got)
	}

	windowed, _ := db.ListMeasurements(ctx, models.MeasurementFilter{
		Start: base.Add(time.Minute), End: base.Add(2 * time.Minute),
	})
	if len(windowed) != 2 {
		t.Errorf("Expected 2 readings in range, got %d", len(windowed))
	}
}

func TestMemoryDB_ListMeasurementsKeysetCursor(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	d := newDevice(t, db, "k", nil)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var ids []int64
	for i := 0; i < 5; i++ {
		m, err := db.InsertMeasurement(ctx, &models.Measurement{DeviceID: d.ID, SensorTypeID: 1, CreatedAt: at})
		if err != nil {
			t.Fatalf("InsertMeasurement failed: %v", err)
		}
		ids = append(ids, m.ID)
	}
	if _, err := db.InsertMeasurement(ctx, &models.Measurement{DeviceID: d.ID, SensorTypeID: 1, CreatedAt: at.Add(-time.Second)}); err != nil {
		t.Fatalf("InsertMeasurement failed: %v", err)
	}

	got, err := db.ListMeasurements(ctx, models.MeasurementFilter{DeviceID: d.ID, End: at, BeforeID: ids[2]})
	if err != nil {
		t.Fatalf("ListMeasurements failed: %v", err)
	}
	if len(got) != 3 || got[0].ID != ids[1] || got[1].ID != ids[0] || !got[2].CreatedAt.Before(at) {
		t.Errorf("Expected the two lower ids at the cursor instant then the older reading, got %+v", got)
	}
}

func TestMemoryDB_Analytics(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	d := newDevice(t, db, "a", nil)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, v := range []float64{10, 20, 30} {
		db.InsertMeasurement(ctx, &models.Measurement{
			DeviceID: d.ID, SensorTypeID: 1, Value: v,
			CreatedAt: base.Add(time.Duration(i*20) * time.Minute),
		})
	}

	buckets, err := db.Analytics(ctx, models.AnalyticsQuery{Since: base, Bucket: time.Hour})
	if err != nil {
		t.Fatalf("Analytics failed: %v", err)
	}
	if len(buckets) != 1 {
		t.Fatalf("Expected 1 bucket, got %d", len(buckets))
	}
	b := buckets[0]
	if b.Count != 3 || b.Avg != 20 || b.Min != 10 || b.Max != 30 {
		t.Errorf("Unexpected bucket: %+v", b)
	}

	if _, err := db.Analytics(ctx, models.AnalyticsQuery{Since: base}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected ErrValidation for zero bucket, got %v", err)
	}
}

func TestMemoryDB_OnboardIsAtomic(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	db.CreateUser(ctx, &models.User{Username: "taken@acme.io"})

	_, err := db.Onboard(ctx, models.OrganizationCreate{Name: "Acme", Slug: "acme"},
		&models.User{Username: "taken@acme.io"})
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}
	orgs, _ := db.ListOrganizations(ctx, 0, 0)
	if len(orgs) != 0 {
		t.Errorf("Expected no organization after failed onboarding, got %d", len(orgs))
	}

	org, err := db.Onboard(ctx, models.OrganizationCreate{Name: "Acme", Slug: "acme"},
		&models.User{Username: "admin@acme.io", IsActive: true})
	if err != nil {
		t.Fatalf("Onboard failed: %v", err)
	}
	admin, err := db.GetUserByLogin(ctx, "admin@acme.io")
	if err != nil {
		t.Fatalf("GetUserByLogin failed: %v", err)
	}
	if admin.OrganizationID == nil || *admin.OrganizationID != org.ID {
		t.Errorf("Expected admin in organization %d, got %v", org.ID, admin.OrganizationID)
	}
}
