package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ponytojas/go-iot-hub/internal/database"
	"github.com/ponytojas/go-iot-hub/internal/models"
)

type recorder struct {
	orgs []*int64
	sent []*models.Measurement
}

func (r *recorder) BroadcastMeasurement(orgID *int64, m *models.Measurement) {
	r.orgs = append(r.orgs, orgID)
	r.sent = append(r.sent, m)
}

type fixture struct {
	db     *database.MemoryDB
	device *models.Device
	temp   *models.SensorType
	hum    *models.SensorType
	token  *models.DeviceToken
	hub    *recorder
	ing    *Ingestor
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := database.NewMemoryDB()
	org, _ := db.CreateOrganization(ctx, models.OrganizationCreate{Name: "Acme", Slug: "acme"})
	device, err := db.CreateDevice(ctx, models.DeviceCreate{Name: "ESP32", Slug: "esp32", OrganizationID: &org.ID})
	if err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}
	temp, _ := db.CreateSensorType(ctx, models.SensorTypeCreate{Name: "Temperatura", Unit: "°C"})
	hum, _ := db.CreateSensorType(ctx, models.SensorTypeCreate{Name: "Umidade", Unit: "%"})
	token, _ := db.CreateToken(ctx, device.ID, models.DefaultTokenLabel)

	hub := &recorder{}
	return &fixture{db: db, device: device, temp: temp, hum: hum, token: token, hub: hub,
		ing: NewIngestor(db, nil, hub)}
}

func TestIngest_TokenPathAppliesCalibration(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	formula := "x * 0.5 + 10"
	f.db.ReplaceDeviceSensors(ctx, f.device.ID, []models.DeviceSensorLink{
		{SensorTypeID: f.temp.ID, CalibrationFormula: &formula},
	})

	ts := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	m, err := f.ing.Ingest(ctx, Reading{Token: f.token.Token, SensorTypeID: f.temp.ID, Value: 100, Timestamp: &ts, Source: SourceMQTT})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if m.Value != 60 || m.RawValue != 100 {
		t.Errorf("Expected value 60 raw 100, got %v raw %v", m.Value, m.RawValue)
	}
	if !m.CreatedAt.Equal(ts) {
		t.Errorf("Expected device timestamp to be kept, got %v", m.CreatedAt)
	}

	device, _ := f.db.GetDevice(ctx, f.device.ID)
	if device.LastSeen == nil {
		t.Error("Expected last_seen to be updated")
	}
	if len(f.hub.sent) != 1 || f.hub.orgs[0] == nil || *f.hub.orgs[0] != *f.device.OrganizationID {
		t.Errorf("Expected one broadcast to the device organization, got %v", f.hub.orgs)
	}
}

func TestIngest_RejectsUnlinkedSensor(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.db.ReplaceDeviceSensors(ctx, f.device.ID, []models.DeviceSensorLink{{SensorTypeID: f.temp.ID}})

	_, err := f.ing.Ingest(ctx, Reading{DeviceID: f.device.ID, SensorTypeID: f.hum.ID, Value: 55})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("Expected ErrValidation, got %v", err)
	}
	if len(f.hub.sent) != 0 {
		t.Error("Expected nothing broadcast for a rejected reading")
	}
}

func TestIngest_UnlinkedDeviceAcceptsAnySensor(t *testing.T) {
	f := setup(t)

	m, err := f.ing.Ingest(context.Background(), Reading{DeviceID: f.device.ID, SensorTypeID: f.hum.ID, Value: 55})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if m.Value != 55 {
		t.Errorf("Expected uncalibrated value 55, got %v", m.Value)
	}
}

func TestIngest_Rejections(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if _, err := f.ing.Ingest(ctx, Reading{Token: "sk_iot_bogus", SensorTypeID: f.temp.ID}); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for unknown token, got %v", err)
	}
	if _, err := f.ing.Ingest(ctx, Reading{DeviceID: f.device.ID, SensorTypeID: 999}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected ErrValidation for unknown sensor type, got %v", err)
	}
	if _, err := f.ing.Ingest(ctx, Reading{SensorTypeID: f.temp.ID}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected ErrValidation without a device, got %v", err)
	}

	f.db.ArchiveDevice(ctx, f.device.ID, time.Now())
	if _, err := f.ing.Ingest(ctx, Reading{Token: f.token.Token, SensorTypeID: f.temp.ID}); !errors.Is(err, models.ErrInactive) {
		t.Errorf("Expected ErrInactive for archived device, got %v", err)
	}
}
