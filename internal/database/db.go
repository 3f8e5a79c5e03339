package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-iot-hub/config"
	"github.com/ponytojas/go-iot-hub/internal/models"
)

// TimescaleDB handles database operations
type TimescaleDB struct {
	pool   *pgxpool.Pool
	config *config.Config
	// timescale is set when the extension is installed and conversion is enabled.
	timescale bool
}

// NewTimescaleDB creates a new TimescaleDB instance
func NewTimescaleDB(ctx context.Context, cfg *config.Config) (*TimescaleDB, error) {
	pool, err := pgxpool.New(ctx, cfg.GetDBConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &TimescaleDB{
		pool:   pool,
		config: cfg,
	}, nil
}

// Close closes the database pool
func (db *TimescaleDB) Close() error {
	db.pool.Close()
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		slug TEXT NOT NULL UNIQUE,
		description TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT,
		full_name TEXT,
		hashed_password TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		is_superuser BOOLEAN NOT NULL DEFAULT FALSE,
		organization_id BIGINT REFERENCES organizations(id) ON DELETE SET NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_users_email ON users (lower(email))`,
	`CREATE TABLE IF NOT EXISTS devices (
		id BIGSERIAL PRIMARY KEY,
		organization_id BIGINT REFERENCES organizations(id) ON DELETE SET NULL,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		location TEXT,
		description TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		heartbeat_interval INTEGER NOT NULL DEFAULT 300,
		last_seen TIMESTAMPTZ,
		deleted_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sensor_types (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		unit TEXT NOT NULL,
		description TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS device_sensor_links (
		device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		sensor_type_id BIGINT NOT NULL REFERENCES sensor_types(id) ON DELETE CASCADE,
		calibration_formula TEXT,
		PRIMARY KEY (device_id, sensor_type_id)
	)`,
	`CREATE TABLE IF NOT EXISTS device_tokens (
		id BIGSERIAL PRIMARY KEY,
		device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		token TEXT NOT NULL UNIQUE,
		label TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_used_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS ix_device_tokens_device ON device_tokens (device_id)`,
}

// InitializeSchema creates the relational tables and the measurements hypertable
func (db *TimescaleDB) InitializeSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return db.initializeMeasurements(ctx)
}

// timescaleInstalled reports whether the timescaledb extension is installed in the database
func (db *TimescaleDB) timescaleInstalled(ctx context.Context) (bool, error) {
	var installed bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`).Scan(&installed)
	if err != nil {
		return false, fmt.Errorf("failed to check for timescaledb: %w", err)
	}
	return installed, nil
}

// measurementsDDL returns the statements creating the measurements table, converted
// to a hypertable when timescale is set.
func measurementsDDL(table string, timescale bool) []string {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE %s (
			id BIGSERIAL NOT NULL,
			device_id BIGINT NOT NULL,
			sensor_type_id BIGINT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			raw_value DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`, table),
		fmt.Sprintf(`CREATE INDEX ON %s (device_id, sensor_type_id, created_at DESC)`, table),
		fmt.Sprintf(`CREATE INDEX ON %s (created_at DESC, id DESC)`, table),
	}
	if timescale {
		stmts = append(stmts, fmt.Sprintf(
			`SELECT create_hypertable('%s', 'created_at', if_not_exists => TRUE)`,
			strings.ReplaceAll(table, "'", "''")))
	}
	return stmts
}

// bucketExpr groups m.created_at into $1-sized buckets. date_bin is the plain
// Postgres fallback when TimescaleDB is not installed.
func bucketExpr(timescale bool) string {
	if timescale {
		return "time_bucket($1::interval, m.created_at)"
	}
	return "date_bin($1::interval, m.created_at, TIMESTAMPTZ '2000-01-01')"
}

// initializeMeasurements checks if the measurements table exists and creates it if it doesn't
func (db *TimescaleDB) initializeMeasurements(ctx context.Context) error {
	tableName := db.table()

	installed, err := db.timescaleInstalled(ctx)
	if err != nil {
		return err
	}
	db.timescale = installed && db.config.Timescale.Hypertable
	if !installed {
		log.Warn().Msg("timescaledb extension not installed, measurements stay a plain table")
	}

	var exists bool
	err = db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = $1
		)
	`, db.config.Timescale.TableName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if table exists: %w", err)
	}

	if exists {
		log.Info().Str("table", tableName).Msg("Measurements table already exists")
		return nil
	}

	log.Info().Str("table", tableName).Bool("hypertable", db.timescale).Msg("Creating measurements table")
	err = pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		for _, stmt := range measurementsDDL(tableName, db.timescale) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create measurements table: %w", err)
	}

	log.Info().Str("table", tableName).Msg("Measurements table created")
	return nil
}

func (db *TimescaleDB) table() string {
	return pgx.Identifier{db.config.Timescale.TableName}.Sanitize()
}

// translate maps driver errors onto the model sentinels
func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", what, models.ErrConflict)
		case "23503":
			return fmt.Errorf("%s: %w", what, models.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- organizations ---

const orgColumns = `id, name, slug, description, created_at`

func scanOrganization(row pgx.Row) (*models.Organization, error) {
	var o models.Organization
	if err := row.Scan(&o.ID, &o.Name, &o.Slug, &o.Description, &o.CreatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func (db *TimescaleDB) CreateOrganization(ctx context.Context, in models.OrganizationCreate) (*models.Organization, error) {
	o, err := scanOrganization(db.pool.QueryRow(ctx,
		`INSERT INTO organizations (name, slug, description) VALUES ($1, $2, $3) RETURNING `+orgColumns,
		in.Name, in.Slug, in.Description))
	return o, translate(err, "failed to create organization")
}

func (db *TimescaleDB) ListOrganizations(ctx context.Context, skip, limit int) ([]*models.Organization, error) {
	skip, limit = pageBounds(skip, limit)
	rows, err := db.pool.Query(ctx,
		`SELECT `+orgColumns+` FROM organizations ORDER BY id OFFSET $1 LIMIT $2`, skip, limit)
	if err != nil {
		return nil, translate(err, "failed to list organizations")
	}
	defer rows.Close()

	out := []*models.Organization{}
	for rows.Next() {
		o, err := scanOrganization(rows)
		if err != nil {
			return nil, translate(err, "failed to scan organization")
		}
		out = append(out, o)
	}
	return out, translate(rows.Err(), "failed to list organizations")
}

func (db *TimescaleDB) GetOrganization(ctx context.Context, id int64) (*models.Organization, error) {
	o, err := scanOrganization(db.pool.QueryRow(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id))
	return o, translate(err, fmt.Sprintf("organization %d", id))
}

func (db *TimescaleDB) UpdateOrganization(ctx context.Context, id int64, in models.OrganizationUpdate) (*models.Organization, error) {
	o, err := scanOrganization(db.pool.QueryRow(ctx, `
		UPDATE organizations SET
			name = COALESCE($2, name),
			slug = COALESCE($3, slug),
			description = COALESCE($4, description)
		WHERE id = $1
		RETURNING `+orgColumns,
		id, in.Name, in.Slug, in.Description))
	return o, translate(err, fmt.Sprintf("organization %d", id))
}

func (db *TimescaleDB) DeleteOrganization(ctx context.Context, id int64) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return translate(err, fmt.Sprintf("organization %d", id))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("organization %d: %w", id, models.ErrNotFound)
	}
	return nil
}

func (db *TimescaleDB) Onboard(ctx context.Context, in models.OrganizationCreate, admin *models.User) (*models.Organization, error) {
	var org *models.Organization
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var err error
		org, err = scanOrganization(tx.QueryRow(ctx,
			`INSERT INTO organizations (name, slug, description) VALUES ($1, $2, $3) RETURNING `+orgColumns,
			in.Name, in.Slug, in.Description))
		if err != nil {
			return translate(err, "failed to create organization")
		}
		u := *admin
		u.OrganizationID = &org.ID
		_, err = scanUser(tx.QueryRow(ctx, insertUserSQL,
			u.Username, u.Email, u.FullName, u.HashedPassword, u.IsActive, u.IsSuperuser, u.OrganizationID))
		return translate(err, "failed to create organization admin")
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

// --- users ---

const userColumns = `id, username, email, full_name, hashed_password, is_active, is_superuser, organization_id`

const insertUserSQL = `INSERT INTO users
	(username, email, full_name, hashed_password, is_active, is_superuser, organization_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING ` + userColumns

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.HashedPassword,
		&u.IsActive, &u.IsSuperuser, &u.OrganizationID)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (db *TimescaleDB) CreateUser(ctx context.Context, u *models.User) (*models.User, error) {
	created, err := scanUser(db.pool.QueryRow(ctx, insertUserSQL,
		u.Username, u.Email, u.FullName, u.HashedPassword, u.IsActive, u.IsSuperuser, u.OrganizationID))
	return created, translate(err, "failed to create user")
}

func (db *TimescaleDB) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	return u, translate(err, fmt.Sprintf("user %d", id))
}

func (db *TimescaleDB) GetUserByLogin(ctx context.Context, login string) (*models.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE username = $1 OR lower(email) = lower($1)
		ORDER BY (username = $1) DESC, id
		LIMIT 1`, login))
	return u, translate(err, fmt.Sprintf("user %q", login))
}

func (db *TimescaleDB) ListUsers(ctx context.Context, orgID *int64, skip, limit int) ([]*models.User, error) {
	skip, limit = pageBounds(skip, limit)
	rows, err := db.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE ($1::BIGINT IS NULL OR organization_id = $1)
		ORDER BY id OFFSET $2 LIMIT $3`, orgID, skip, limit)
	if err != nil {
		return nil, translate(err, "failed to list users")
	}
	defer rows.Close()

	out := []*models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, translate(err, "failed to scan user")
		}
		out = append(out, u)
	}
	return out, translate(rows.Err(), "failed to list users")
}

// --- devices ---

const deviceColumns = `id, organization_id, name, slug, location, description, is_active,
	heartbeat_interval, last_seen, deleted_at, created_at, updated_at`

func scanDevice(row pgx.Row) (*models.Device, error) {
	var d models.Device
	err := row.Scan(&d.ID, &d.OrganizationID, &d.Name, &d.Slug, &d.Location, &d.Description,
		&d.IsActive, &d.HeartbeatInterval, &d.LastSeen, &d.DeletedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (db *TimescaleDB) CreateDevice(ctx context.Context, in models.DeviceCreate) (*models.Device, error) {
	heartbeat := models.DefaultHeartbeatInterval
	if in.HeartbeatInterval != nil {
		heartbeat = *in.HeartbeatInterval
	}
	d, err := scanDevice(db.pool.QueryRow(ctx, `
		INSERT INTO devices (organization_id, name, slug, location, description, heartbeat_interval)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+deviceColumns,
		in.OrganizationID, in.Name, in.Slug, in.Location, in.Description, heartbeat))
	return d, translate(err, fmt.Sprintf("device %q", in.Slug))
}

func (db *TimescaleDB) ListDevices(ctx context.Context, filter models.DeviceFilter) ([]*models.Device, error) {
	skip, limit := pageBounds(filter.Skip, filter.Limit)
	rows, err := db.pool.Query(ctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE ($1::BIGINT IS NULL OR organization_id = $1)
		AND ($2::BOOLEAN OR deleted_at IS NULL)
		ORDER BY id DESC OFFSET $3 LIMIT $4`,
		filter.OrganizationID, filter.IncludeArchived, skip, limit)
	if err != nil {
		return nil, translate(err, "failed to list devices")
	}
	defer rows.Close()

	out := []*models.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, translate(err, "failed to scan device")
		}
		out = append(out, d)
	}
	return out, translate(rows.Err(), "failed to list devices")
}

func (db *TimescaleDB) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	d, err := scanDevice(db.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
	return d, translate(err, fmt.Sprintf("device %d", id))
}

func (db *TimescaleDB) UpdateDevice(ctx context.Context, id int64, in models.DeviceUpdate) (*models.Device, error) {
	d, err := scanDevice(db.pool.QueryRow(ctx, `
		UPDATE devices SET
			name = COALESCE($2, name),
			slug = COALESCE($3, slug),
			location = COALESCE($4, location),
			description = COALESCE($5, description),
			is_active = COALESCE($6, is_active),
			heartbeat_interval = COALESCE($7, heartbeat_interval),
			updated_at = now()
		WHERE id = $1
		RETURNING `+deviceColumns,
		id, in.Name, in.Slug, in.Location, in.Description, in.IsActive, in.HeartbeatInterval))
	return d, translate(err, fmt.Sprintf("device %d", id))
}

func (db *TimescaleDB) ArchiveDevice(ctx context.Context, id int64, at time.Time) (*models.Device, error) {
	d, err := scanDevice(db.pool.QueryRow(ctx, `
		UPDATE devices SET deleted_at = $2, is_active = FALSE, updated_at = $2
		WHERE id = $1
		RETURNING `+deviceColumns, id, at.UTC()))
	return d, translate(err, fmt.Sprintf("device %d", id))
}

func (db *TimescaleDB) RestoreDevice(ctx context.Context, id int64) (*models.Device, error) {
	d, err := scanDevice(db.pool.QueryRow(ctx, `
		UPDATE devices SET deleted_at = NULL, is_active = TRUE, updated_at = now()
		WHERE id = $1
		RETURNING `+deviceColumns, id))
	return d, translate(err, fmt.Sprintf("device %d", id))
}

func (db *TimescaleDB) TouchDevice(ctx context.Context, id int64, at time.Time) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE devices SET last_seen = GREATEST(COALESCE(last_seen, $2), $2)
		WHERE id = $1`, id, at.UTC())
	return translate(err, fmt.Sprintf("device %d", id))
}

// --- sensor types ---

const sensorTypeColumns = `id, name, unit, description, is_active`

func scanSensorType(row pgx.Row) (*models.SensorType, error) {
	var s models.SensorType
	if err := row.Scan(&s.ID, &s.Name, &s.Unit, &s.Description, &s.IsActive); err != nil {
		return nil, err
	}
	return &s, nil
}

func (db *TimescaleDB) CreateSensorType(ctx context.Context, in models.SensorTypeCreate) (*models.SensorType, error) {
	s, err := scanSensorType(db.pool.QueryRow(ctx, `
		INSERT INTO sensor_types (name, unit, description) VALUES ($1, $2, $3)
		RETURNING `+sensorTypeColumns, in.Name, in.Unit, in.Description))
	return s, translate(err, fmt.Sprintf("sensor type %q", in.Name))
}

func (db *TimescaleDB) ListSensorTypes(ctx context.Context, skip, limit int) ([]*models.SensorType, error) {
	skip, limit = pageBounds(skip, limit)
	rows, err := db.pool.Query(ctx,
		`SELECT `+sensorTypeColumns+` FROM sensor_types ORDER BY id OFFSET $1 LIMIT $2`, skip, limit)
	if err != nil {
		return nil, translate(err, "failed to list sensor types")
	}
	defer rows.Close()

	out := []*models.SensorType{}
	for rows.Next() {
		s, err := scanSensorType(rows)
		if err != nil {
			return nil, translate(err, "failed to scan sensor type")
		}
		out = append(out, s)
	}
	return out, translate(rows.Err(), "failed to list sensor types")
}

func (db *TimescaleDB) GetSensorType(ctx context.Context, id int64) (*models.SensorType, error) {
	s, err := scanSensorType(db.pool.QueryRow(ctx,
		`SELECT `+sensorTypeColumns+` FROM sensor_types WHERE id = $1`, id))
	return s, translate(err, fmt.Sprintf("sensor type %d", id))
}

func (db *TimescaleDB) UpdateSensorType(ctx context.Context, id int64, in models.SensorTypeUpdate) (*models.SensorType, error) {
	s, err := scanSensorType(db.pool.QueryRow(ctx, `
		UPDATE sensor_types SET
			name = COALESCE($2, name),
			unit = COALESCE($3, unit),
			description = COALESCE($4, description),
			is_active = COALESCE($5, is_active)
		WHERE id = $1
		RETURNING `+sensorTypeColumns,
		id, in.Name, in.Unit, in.Description, in.IsActive))
	return s, translate(err, fmt.Sprintf("sensor type %d", id))
}

// --- device sensors ---

func (db *TimescaleDB) ReplaceDeviceSensors(ctx context.Context, deviceID int64, links []models.DeviceSensorLink) (models.SensorLinkChange, error) {
	change := models.SensorLinkChange{Status: "ok"}
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM devices WHERE id = $1)`, deviceID).Scan(&exists); err != nil {
			return translate(err, fmt.Sprintf("device %d", deviceID))
		}
		if !exists {
			return fmt.Errorf("device %d: %w", deviceID, models.ErrNotFound)
		}

		keep := make([]int64, 0, len(links))
		for _, l := range links {
			keep = append(keep, l.SensorTypeID)
		}
		tag, err := tx.Exec(ctx, `
			DELETE FROM device_sensor_links
			WHERE device_id = $1 AND NOT (sensor_type_id = ANY($2))`, deviceID, keep)
		if err != nil {
			return translate(err, "failed to remove sensor links")
		}
		change.Removed = int(tag.RowsAffected())

		for _, l := range links {
			// xmax = 0 only for freshly inserted rows.
			var inserted bool
			err := tx.QueryRow(ctx, `
				INSERT INTO device_sensor_links (device_id, sensor_type_id, calibration_formula)
				VALUES ($1, $2, $3)
				ON CONFLICT (device_id, sensor_type_id)
				DO UPDATE SET calibration_formula = EXCLUDED.calibration_formula
				RETURNING (xmax = 0)`, deviceID, l.SensorTypeID, l.CalibrationFormula).Scan(&inserted)
			if err != nil {
				return translate(err, fmt.Sprintf("sensor type %d", l.SensorTypeID))
			}
			if inserted {
				change.Added++
			}
		}
		return nil
	})
	return change, err
}

func (db *TimescaleDB) ListDeviceSensors(ctx context.Context, deviceID int64) ([]models.DeviceSensorLink, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT device_id, sensor_type_id, calibration_formula FROM device_sensor_links
		WHERE device_id = $1 ORDER BY sensor_type_id`, deviceID)
	if err != nil {
		return nil, translate(err, "failed to list sensor links")
	}
	defer rows.Close()

	out := []models.DeviceSensorLink{}
	for rows.Next() {
		var l models.DeviceSensorLink
		if err := rows.Scan(&l.DeviceID, &l.SensorTypeID, &l.CalibrationFormula); err != nil {
			return nil, translate(err, "failed to scan sensor link")
		}
		out = append(out, l)
	}
	return out, translate(rows.Err(), "failed to list sensor links")
}

// --- tokens ---

const tokenColumns = `id, device_id, token, label, is_active, created_at, last_used_at`

func scanToken(row pgx.Row) (*models.DeviceToken, error) {
	var t models.DeviceToken
	if err := row.Scan(&t.ID, &t.DeviceID, &t.Token, &t.Label, &t.IsActive, &t.CreatedAt, &t.LastUsedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (db *TimescaleDB) CreateToken(ctx context.Context, deviceID int64, label string) (*models.DeviceToken, error) {
	raw, err := models.GenerateToken()
	if err != nil {
		return nil, err
	}
	t, err := scanToken(db.pool.QueryRow(ctx, `
		INSERT INTO device_tokens (device_id, token, label) VALUES ($1, $2, $3)
		RETURNING `+tokenColumns, deviceID, raw, label))
	return t, translate(err, fmt.Sprintf("device %d", deviceID))
}

func (db *TimescaleDB) ListTokens(ctx context.Context, deviceID int64) ([]*models.DeviceToken, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+tokenColumns+` FROM device_tokens WHERE device_id = $1 ORDER BY id`, deviceID)
	if err != nil {
		return nil, translate(err, "failed to list tokens")
	}
	defer rows.Close()

	out := []*models.DeviceToken{}
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, translate(err, "failed to scan token")
		}
		out = append(out, t)
	}
	return out, translate(rows.Err(), "failed to list tokens")
}

func (db *TimescaleDB) RevokeToken(ctx context.Context, deviceID, tokenID int64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE device_tokens SET is_active = FALSE WHERE id = $1 AND device_id = $2`, tokenID, deviceID)
	if err != nil {
		return translate(err, fmt.Sprintf("token %d", tokenID))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("token %d: %w", tokenID, models.ErrNotFound)
	}
	return nil
}

func (db *TimescaleDB) ResolveToken(ctx context.Context, raw string, at time.Time) (*models.DeviceToken, error) {
	t, err := scanToken(db.pool.QueryRow(ctx, `
		UPDATE device_tokens SET last_used_at = $2
		WHERE token = $1 AND is_active
		RETURNING `+tokenColumns, raw, at.UTC()))
	return t, translate(err, "device token")
}

// --- measurements ---

// InsertMeasurement inserts a calibrated reading into the hypertable
func (db *TimescaleDB) InsertMeasurement(ctx context.Context, m *models.Measurement) (*models.Measurement, error) {
	stored := *m
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	err := db.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (device_id, sensor_type_id, value, raw_value, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, db.table()), stored.DeviceID, stored.SensorTypeID, stored.Value, stored.RawValue, stored.CreatedAt.UTC()).
		Scan(&stored.ID, &stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert measurement: %w", err)
	}
	return &stored, nil
}

func (db *TimescaleDB) ListMeasurements(ctx context.Context, filter models.MeasurementFilter) ([]*models.Measurement, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.DeviceID != 0 {
		add("m.device_id = $%d", filter.DeviceID)
	}
	if filter.SensorTypeID != 0 {
		add("m.sensor_type_id = $%d", filter.SensorTypeID)
	}
	if filter.OrganizationID != nil {
		add("d.organization_id = $%d", *filter.OrganizationID)
	}
	if !filter.Start.IsZero() {
		add("m.created_at >= $%d", filter.Start.UTC())
	}
	if !filter.End.IsZero() && filter.BeforeID != 0 {
		args = append(args, filter.End.UTC(), filter.BeforeID)
		where = append(where, fmt.Sprintf("(m.created_at, m.id) < ($%d, $%d)", len(args)-1, len(args)))
	} else if !filter.End.IsZero() {
		add("m.created_at <= $%d", filter.End.UTC())
	}

	query := fmt.Sprintf(`
		SELECT m.id, m.device_id, m.sensor_type_id, m.value, m.raw_value, m.created_at
		FROM %s m JOIN devices d ON d.id = m.device_id`, db.table())
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.NormalizedLimit())
	query += fmt.Sprintf(" ORDER BY m.created_at DESC, m.id DESC LIMIT $%d", len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list measurements: %w", err)
	}
	defer rows.Close()

	out := []*models.Measurement{}
	for rows.Next() {
		var m models.Measurement
		if err := rows.Scan(&m.ID, &m.DeviceID, &m.SensorTypeID, &m.Value, &m.RawValue, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Analytics aggregates readings per bucket, device and sensor type
func (db *TimescaleDB) Analytics(ctx context.Context, q models.AnalyticsQuery) ([]models.AnalyticsBucket, error) {
	if q.Bucket <= 0 {
		return nil, fmt.Errorf("bucket size must be positive: %w", models.ErrValidation)
	}
	rows, err := db.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s AS bucket, m.device_id, m.sensor_type_id,
			avg(m.value), min(m.value), max(m.value), count(*)
		FROM %s m JOIN devices d ON d.id = m.device_id
		WHERE m.created_at >= $2
		AND ($3::BIGINT = 0 OR m.device_id = $3)
		AND ($4::BIGINT IS NULL OR d.organization_id = $4)
		GROUP BY bucket, m.device_id, m.sensor_type_id
		ORDER BY bucket, m.device_id, m.sensor_type_id`, bucketExpr(db.timescale), db.table()),
		q.Bucket, q.Since.UTC(), q.DeviceID, q.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate measurements: %w", err)
	}
	defer rows.Close()

	out := []models.AnalyticsBucket{}
	for rows.Next() {
		var b models.AnalyticsBucket
		if err := rows.Scan(&b.Bucket, &b.DeviceID, &b.SensorTypeID, &b.Avg, &b.Min, &b.Max, &b.Count); err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
