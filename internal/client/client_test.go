package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ponytojas/go-iot-hub/internal/api"
	"github.com/ponytojas/go-iot-hub/internal/auth"
	"github.com/ponytojas/go-iot-hub/internal/database"
	"github.com/ponytojas/go-iot-hub/internal/ingest"
	"github.com/ponytojas/go-iot-hub/internal/live"
	"github.com/ponytojas/go-iot-hub/internal/models"
)

func startHub(t *testing.T) (*httptest.Server, *models.SensorType) {
	t.Helper()
	ctx := context.Background()
	db := database.NewMemoryDB()
	org, _ := db.CreateOrganization(ctx, models.OrganizationCreate{Name: "Acme", Slug: "acme"})
	st, _ := db.CreateSensorType(ctx, models.SensorTypeCreate{Name: "Temperatura", Unit: "°C"})
	hash, _ := auth.HashPassword("secret")
	db.CreateUser(ctx, &models.User{Username: "alice", HashedPassword: hash, IsActive: true, OrganizationID: &org.ID})

	hub := live.NewHub(16, nil)
	srv := api.NewServer(api.Options{
		Store:    db,
		Issuer:   auth.NewIssuer("test-secret", time.Hour),
		Ingestor: ingest.NewIngestor(db, nil, hub),
		Hub:      hub,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

func TestClient_DeviceWorkflow(t *testing.T) {
	ts, st := startHub(t)
	ctx := context.Background()
	c := New(ts.URL + "/")

	if err := c.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	me, err := c.Me(ctx)
	if err != nil || me.Username != "alice" {
		t.Fatalf("Me returned %+v, %v", me, err)
	}

	d, err := c.CreateDevice(ctx, models.DeviceCreate{Name: "ESP32", Slug: "esp32"})
	if err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}
	formula := "x / 10"
	if _, err := c.UpdateSensors(ctx, d.ID, []models.DeviceSensorLink{{SensorTypeID: st.ID, CalibrationFormula: &formula}}); err != nil {
		t.Fatalf("UpdateSensors failed: %v", err)
	}
	tok, err := c.CreateToken(ctx, d.ID, "firmware")
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}
	tokens, _ := c.ListTokens(ctx, d.ID)
	if len(tokens) != 1 || tokens[0].Label != "firmware" {
		t.Errorf("Unexpected tokens: %+v", tokens)
	}

	m, err := c.Push(ctx, tok.Token, st.ID, 215)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if m.Value != 21.5 {
		t.Errorf("Expected calibrated 21.5, got %v", m.Value)
	}

	ms, err := c.ListMeasurements(ctx, models.MeasurementFilter{DeviceID: d.ID, Limit: 10})
	if err != nil || len(ms) != 1 {
		t.Fatalf("ListMeasurements returned %d, %v", len(ms), err)
	}

	devices, _ := c.ListDevices(ctx, false)
	if len(devices) != 1 || devices[0].Status != models.StatusOnline {
		t.Errorf("Expected one ONLINE device, got %+v", devices)
	}
	types, _ := c.ListSensorTypes(ctx)
	if len(types) != 1 {
		t.Errorf("Expected 1 sensor type, got %d", len(types))
	}
}

func TestClient_APIError(t *testing.T) {
	ts, _ := startHub(t)
	ctx := context.Background()
	c := New(ts.URL)

	err := c.Login(ctx, "alice", "wrong")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Detail != models.ErrInvalidCredentials.Error() {
		t.Errorf("Unexpected error: %+v", apiErr)
	}

	c.Login(ctx, "alice", "secret")
	if _, err := c.GetDevice(ctx, 42); !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Errorf("Expected 404, got %v", err)
	}
}

func TestClient_Stream(t *testing.T) {
	ts, st := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := New(ts.URL)
	if err := c.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	d, _ := c.CreateDevice(ctx, models.DeviceCreate{Name: "ESP32", Slug: "esp32"})
	tok, _ := c.CreateToken(ctx, d.ID, "")

	got := make(chan *models.Measurement, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Stream(ctx, func(m *models.Measurement) {
			select {
			case got <- m:
			default:
			}
		})
	}()

	// The subscription may not be registered yet, so push until a frame arrives.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case m := <-got:
			if m.DeviceID != d.ID || m.Value != 7 {
				t.Errorf("Unexpected streamed measurement: %+v", m)
			}
			cancel()
			if err := <-done; !errors.Is(err, context.Canceled) {
				t.Errorf("Expected context.Canceled, got %v", err)
			}
			return
		case <-ticker.C:
			c.Push(ctx, tok.Token, st.ID, 7)
		case <-ctx.Done():
			t.Fatal("Timed out waiting for a streamed measurement")
		}
	}
}

func TestClient_StreamRejectedWithoutToken(t *testing.T) {
	ts, _ := startHub(t)
	err := New(ts.URL).Stream(context.Background(), func(*models.Measurement) {})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Errorf("Expected a 401 handshake rejection, got %v", err)
	}
}
