package database

import (
	"context"
	"time"

	"github.com/ponytojas/go-iot-hub/config"
	"github.com/ponytojas/go-iot-hub/internal/models"
)

// Store is the persistence surface used by the API, the ingest pipeline and the seeder.
// Lookups of missing rows return models.ErrNotFound; unique violations return models.ErrConflict.
type Store interface {
	CreateOrganization(ctx context.Context, in models.OrganizationCreate) (*models.Organization, error)
	ListOrganizations(ctx context.Context, skip, limit int) ([]*models.Organization, error)
	GetOrganization(ctx context.Context, id int64) (*models.Organization, error)
	UpdateOrganization(ctx context.Context, id int64, in models.OrganizationUpdate) (*models.Organization, error)
	DeleteOrganization(ctx context.Context, id int64) error
	// Onboard creates the organization and its admin in one transaction.
	Onboard(ctx context.Context, org models.OrganizationCreate, admin *models.User) (*models.Organization, error)

	CreateUser(ctx context.Context, u *models.User) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	// GetUserByLogin matches the username or the email.
	GetUserByLogin(ctx context.Context, login string) (*models.User, error)
	ListUsers(ctx context.Context, orgID *int64, skip, limit int) ([]*models.User, error)

	CreateDevice(ctx context.Context, in models.DeviceCreate) (*models.Device, error)
	ListDevices(ctx context.Context, filter models.DeviceFilter) ([]*models.Device, error)
	GetDevice(ctx context.Context, id int64) (*models.Device, error)
	UpdateDevice(ctx context.Context, id int64, in models.DeviceUpdate) (*models.Device, error)
	ArchiveDevice(ctx context.Context, id int64, at time.Time) (*models.Device, error)
	RestoreDevice(ctx context.Context, id int64) (*models.Device, error)
	TouchDevice(ctx context.Context, id int64, at time.Time) error

	CreateSensorType(ctx context.Context, in models.SensorTypeCreate) (*models.SensorType, error)
	ListSensorTypes(ctx context.Context, skip, limit int) ([]*models.SensorType, error)
	GetSensorType(ctx context.Context, id int64) (*models.SensorType, error)
	UpdateSensorType(ctx context.Context, id int64, in models.SensorTypeUpdate) (*models.SensorType, error)

	// ReplaceDeviceSensors makes links the exact sensor set of the device.
	ReplaceDeviceSensors(ctx context.Context, deviceID int64, links []models.DeviceSensorLink) (models.SensorLinkChange, error)
	ListDeviceSensors(ctx context.Context, deviceID int64) ([]models.DeviceSensorLink, error)

	CreateToken(ctx context.Context, deviceID int64, label string) (*models.DeviceToken, error)
	ListTokens(ctx context.Context, deviceID int64) ([]*models.DeviceToken, error)
	RevokeToken(ctx context.Context, deviceID, tokenID int64) error
	// ResolveToken returns the active token matching raw and stamps last_used_at.
	ResolveToken(ctx context.Context, raw string, at time.Time) (*models.DeviceToken, error)

	InsertMeasurement(ctx context.Context, m *models.Measurement) (*models.Measurement, error)
	ListMeasurements(ctx context.Context, filter models.MeasurementFilter) ([]*models.Measurement, error)
	Analytics(ctx context.Context, q models.AnalyticsQuery) ([]models.AnalyticsBucket, error)

	Close() error
}

const defaultPageLimit = 100

func pageBounds(skip, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	return skip, limit
}

// Open returns the store selected by cfg.Database.Driver and prepares its schema.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.Database.Driver == "memory" {
		return NewMemoryDB(), nil
	}
	db, err := NewTimescaleDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := db.InitializeSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
