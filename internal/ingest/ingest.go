// Package ingest turns raw device readings into stored, calibrated measurements.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-iot-hub/internal/cache"
	"github.com/ponytojas/go-iot-hub/internal/calibration"
	"github.com/ponytojas/go-iot-hub/internal/metrics"
	"github.com/ponytojas/go-iot-hub/internal/models"
)

// Sources label where a reading came from.
const (
	SourceHTTP = "http"
	SourceMQTT = "mqtt"
)

// Reading is a raw value reported for one sensor of one device. Either Token or
// DeviceID identifies the device; the token wins when both are set.
type Reading struct {
	Token        string
	DeviceID     int64
	SensorTypeID int64
	Value        float64
	Timestamp    *time.Time
	Source       string
}

// Store is the persistence the pipeline needs.
type Store interface {
	ResolveToken(ctx context.Context, raw string, at time.Time) (*models.DeviceToken, error)
	GetDevice(ctx context.Context, id int64) (*models.Device, error)
	GetSensorType(ctx context.Context, id int64) (*models.SensorType, error)
	ListDeviceSensors(ctx context.Context, deviceID int64) ([]models.DeviceSensorLink, error)
	InsertMeasurement(ctx context.Context, m *models.Measurement) (*models.Measurement, error)
	TouchDevice(ctx context.Context, id int64, at time.Time) error
}

// Broadcaster publishes stored measurements to live clients.
type Broadcaster interface {
	BroadcastMeasurement(orgID *int64, m *models.Measurement)
}

// Ingestor validates, calibrates, stores and fans out readings.
type Ingestor struct {
	store  Store
	latest *cache.Latest
	hub    Broadcaster
	now    func() time.Time
}

// NewIngestor wires the pipeline. latest and hub may be nil.
func NewIngestor(store Store, latest *cache.Latest, hub Broadcaster) *Ingestor {
	return &Ingestor{store: store, latest: latest, hub: hub, now: time.Now}
}

// Ingest stores r and returns the measurement. Failures carry a models sentinel and
// are counted by reason.
func (i *Ingestor) Ingest(ctx context.Context, r Reading) (*models.Measurement, error) {
	m, reason, err := i.ingest(ctx, r)
	if err != nil {
		metrics.IncrementRejected(reason)
		return nil, err
	}
	source := r.Source
	if source == "" {
		source = SourceHTTP
	}
	metrics.IncrementIngested(source)
	return m, nil
}

func (i *Ingestor) ingest(ctx context.Context, r Reading) (*models.Measurement, string, error) {
	now := i.now()

	deviceID := r.DeviceID
	if r.Token != "" {
		tok, err := i.store.ResolveToken(ctx, r.Token, now)
		if errors.Is(err, models.ErrNotFound) {
			return nil, "invalid_token", fmt.Errorf("invalid device token: %w", models.ErrUnauthorized)
		}
		if err != nil {
			return nil, "store_error", err
		}
		deviceID = tok.DeviceID
	}
	if deviceID == 0 {
		return nil, "missing_device", fmt.Errorf("device_id is required: %w", models.ErrValidation)
	}

	device, err := i.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, "unknown_device", err
	}
	if device.Archived() || !device.IsActive {
		return nil, "inactive_device", fmt.Errorf("device %s: %w", device.Slug, models.ErrInactive)
	}

	if _, err := i.store.GetSensorType(ctx, r.SensorTypeID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, "unknown_sensor", fmt.Errorf("sensor type %d does not exist: %w", r.SensorTypeID, models.ErrValidation)
		}
		return nil, "store_error", err
	}

	formula, err := i.linkedFormula(ctx, device.ID, r.SensorTypeID)
	if err != nil {
		return nil, "unlinked_sensor", err
	}

	created := now
	if r.Timestamp != nil && !r.Timestamp.IsZero() {
		created = *r.Timestamp
	}
	m, err := i.store.InsertMeasurement(ctx, &models.Measurement{
		DeviceID:     device.ID,
		SensorTypeID: r.SensorTypeID,
		Value:        calibration.Apply(formula, r.Value),
		RawValue:     r.Value,
		CreatedAt:    created,
	})
	if err != nil {
		return nil, "store_error", err
	}

	if err := i.store.TouchDevice(ctx, device.ID, now); err != nil {
		log.Warn().Err(err).Int64("device_id", device.ID).Msg("Failed to update last_seen")
	}
	if err := i.latest.Put(ctx, m); err != nil {
		log.Warn().Err(err).Int64("device_id", device.ID).Msg("Failed to cache latest measurement")
	}
	if i.hub != nil {
		i.hub.BroadcastMeasurement(device.OrganizationID, m)
	}

	log.Debug().
		Str("device", device.Slug).
		Int64("sensor_type_id", m.SensorTypeID).
		Float64("raw", m.RawValue).
		Float64("value", m.Value).
		Msg("Stored measurement")
	return m, "", nil
}

// linkedFormula enforces the device's sensor set. A device without links accepts any
// sensor type, uncalibrated.
func (i *Ingestor) linkedFormula(ctx context.Context, deviceID, sensorTypeID int64) (string, error) {
	links, err := i.store.ListDeviceSensors(ctx, deviceID)
	if err != nil {
		return "", err
	}
	if len(links) == 0 {
		return "", nil
	}
	for _, l := range links {
		if l.SensorTypeID == sensorTypeID {
			if l.CalibrationFormula == nil {
				return "", nil
			}
			return *l.CalibrationFormula, nil
		}
	}
	return "", fmt.Errorf("sensor type %d is not linked to device %d: %w", sensorTypeID, deviceID, models.ErrValidation)
}
