package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ponytojas/go-iot-hub/internal/models"
)

type linkKey struct {
	deviceID     int64
	sensorTypeID int64
}

type seriesBucket struct {
	bucket       time.Time
	deviceID     int64
	sensorTypeID int64
}

// MemoryDB keeps everything in process memory. Values are copied in and out so
// callers never share state with the store.
type MemoryDB struct {
	mu sync.RWMutex

	seq map[string]int64

	orgs         map[int64]models.Organization
	users        map[int64]models.User
	devices      map[int64]models.Device
	sensorTypes  map[int64]models.SensorType
	links        map[linkKey]models.DeviceSensorLink
	tokens       map[int64]models.DeviceToken
	measurements []models.Measurement
}

// NewMemoryDB creates an empty in-memory store.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		seq:         map[string]int64{},
		orgs:        map[int64]models.Organization{},
		users:       map[int64]models.User{},
		devices:     map[int64]models.Device{},
		sensorTypes: map[int64]models.SensorType{},
		links:       map[linkKey]models.DeviceSensorLink{},
		tokens:      map[int64]models.DeviceToken{},
	}
}

func (db *MemoryDB) next(table string) int64 {
	db.seq[table]++
	return db.seq[table]
}

// Close is a no-op.
func (db *MemoryDB) Close() error { return nil }

func (db *MemoryDB) CreateOrganization(_ context.Context, in models.OrganizationCreate) (*models.Organization, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.createOrganizationLocked(in)
}

func (db *MemoryDB) createOrganizationLocked(in models.OrganizationCreate) (*models.Organization, error) {
	for _, o := range db.orgs {
		if o.Slug == in.Slug || o.Name == in.Name {
			return nil, fmt.Errorf("organization %q: %w", in.Slug, models.ErrConflict)
		}
	}
	org := models.Organization{
		ID:          db.next("organizations"),
		Name:        in.Name,
		Slug:        in.Slug,
		Description: in.Description,
		CreatedAt:   time.Now().UTC(),
	}
	db.orgs[org.ID] = org
	return &org, nil
}

func (db *MemoryDB) ListOrganizations(_ context.Context, skip, limit int) ([]*models.Organization, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]*models.Organization, 0, len(db.orgs))
	for _, o := range db.orgs {
		o := o
		out = append(out, &o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, skip, limit), nil
}

func (db *MemoryDB) GetOrganization(_ context.Context, id int64) (*models.Organization, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	o, ok := db.orgs[id]
	if !ok {
		return nil, fmt.Errorf("organization %d: %w", id, models.ErrNotFound)
	}
	return &o, nil
}

func (db *MemoryDB) UpdateOrganization(_ context.Context, id int64, in models.OrganizationUpdate) (*models.Organization, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	o, ok := db.orgs[id]
	if !ok {
		return nil, fmt.Errorf("organization %d: %w", id, models.ErrNotFound)
	}
	for otherID, other := range db.orgs {
		if otherID == id {
			continue
		}
		if (in.Slug != nil && other.Slug == *in.Slug) || (in.Name != nil && other.Name == *in.Name) {
			return nil, fmt.Errorf("organization %d: %w", id, models.ErrConflict)
		}
	}
	if in.Name != nil {
		o.Name = *in.Name
	}
	if in.Slug != nil {
		o.Slug = *in.Slug
	}
	if in.Description != nil {
		o.Description = in.Description
	}
	db.orgs[id] = o
	return &o, nil
}

func (db *MemoryDB) DeleteOrganization(_ context.Context, id int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.orgs[id]; !ok {
		return fmt.Errorf("organization %d: %w", id, models.ErrNotFound)
	}
	delete(db.orgs, id)
	// Mirror ON DELETE SET NULL.
	for uid, u := range db.users {
		if u.OrganizationID != nil && *u.OrganizationID == id {
			u.OrganizationID = nil
			db.users[uid] = u
		}
	}
	for did, d := range db.devices {
		if d.OrganizationID != nil && *d.OrganizationID == id {
			d.OrganizationID = nil
			db.devices[did] = d
		}
	}
	return nil
}

func (db *MemoryDB) Onboard(_ context.Context, in models.OrganizationCreate, admin *models.User) (*models.Organization, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	// Validate both sides before writing anything so the pair is all-or-nothing.
	if _, err := db.findUserLocked(admin.Username); err == nil {
		return nil, fmt.Errorf("user %q: %w", admin.Username, models.ErrConflict)
	}
	org, err := db.createOrganizationLocked(in)
	if err != nil {
		return nil, err
	}
	u := *admin
	u.OrganizationID = &org.ID
	if _, err := db.createUserLocked(&u); err != nil {
		delete(db.orgs, org.ID)
		return nil, err
	}
	return org, nil
}

func (db *MemoryDB) CreateUser(_ context.Context, u *models.User) (*models.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.createUserLocked(u)
}

func (db *MemoryDB) createUserLocked(u *models.User) (*models.User, error) {
	for _, other := range db.users {
		if other.Username == u.Username {
			return nil, fmt.Errorf("user %q: %w", u.Username, models.ErrConflict)
		}
	}
	user := *u
	user.ID = db.next("users")
	db.users[user.ID] = user
	return &user, nil
}

func (db *MemoryDB) GetUser(_ context.Context, id int64) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	u, ok := db.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, models.ErrNotFound)
	}
	return &u, nil
}

func (db *MemoryDB) GetUserByLogin(_ context.Context, login string) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.findUserLocked(login)
}

func (db *MemoryDB) findUserLocked(login string) (*models.User, error) {
	var byEmail *models.User
	for _, u := range db.users {
		if u.Username == login {
			u := u
			return &u, nil
		}
		if u.Email != nil && strings.EqualFold(*u.Email, login) && byEmail == nil {
			u := u
			byEmail = &u
		}
	}
	if byEmail != nil {
		return byEmail, nil
	}
	return nil, fmt.Errorf("user %q: %w", login, models.ErrNotFound)
}

func (db *MemoryDB) ListUsers(_ context.Context, orgID *int64, skip, limit int) ([]*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]*models.User, 0, len(db.users))
	for _, u := range db.users {
		if orgID != nil && !models.SameOrganization(orgID, u.OrganizationID) {
			continue
		}
		u := u
		out = append(out, &u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, skip, limit), nil
}

func (db *MemoryDB) CreateDevice(_ context.Context, in models.DeviceCreate) (*models.Device, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, d := range db.devices {
		if d.Slug == in.Slug {
			return nil, fmt.Errorf("device %q: %w", in.Slug, models.ErrConflict)
		}
	}
	now := time.Now().UTC()
	d := models.Device{
		ID:                db.next("devices"),
		OrganizationID:    in.OrganizationID,
		Name:              in.Name,
		Slug:              in.Slug,
		Location:          in.Location,
		Description:       in.Description,
		IsActive:          true,
		HeartbeatInterval: models.DefaultHeartbeatInterval,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if in.HeartbeatInterval != nil {
		d.HeartbeatInterval = *in.HeartbeatInterval
	}
	db.devices[d.ID] = d
	return &d, nil
}

func (db *MemoryDB) ListDevices(_ context.Context, filter models.DeviceFilter) ([]*models.Device, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]*models.Device, 0, len(db.devices))
	for _, d := range db.devices {
		if filter.OrganizationID != nil && !models.SameOrganization(filter.OrganizationID, d.OrganizationID) {
			continue
		}
		if !filter.IncludeArchived && d.DeletedAt != nil {
			continue
		}
		d := d
		out = append(out, &d)
	}
	// Newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return paginate(out, filter.Skip, filter.Limit), nil
}

func (db *MemoryDB) GetDevice(_ context.Context, id int64) (*models.Device, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	d, ok := db.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", id, models.ErrNotFound)
	}
	return &d, nil
}

func (db *MemoryDB) UpdateDevice(_ context.Context, id int64, in models.DeviceUpdate) (*models.Device, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	d, ok := db.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", id, models.ErrNotFound)
	}
	if in.Slug != nil {
		for otherID, other := range db.devices {
			if otherID != id && other.Slug == *in.Slug {
				return nil, fmt.Errorf("device %q: %w", *in.Slug, models.ErrConflict)
			}
		}
		d.Slug = *in.Slug
	}
	if in.Name != nil {
		d.Name = *in.Name
	}
	if in.Location != nil {
		d.Location = in.Location
	}
	if in.Description != nil {
		d.Description = in.Description
	}
	if in.IsActive != nil {
		d.IsActive = *in.IsActive
	}
	if in.HeartbeatInterval != nil {
		d.HeartbeatInterval = *in.HeartbeatInterval
	}
	d.UpdatedAt = time.Now().UTC()
	db.devices[id] = d
	return &d, nil
}

func (db *MemoryDB) ArchiveDevice(_ context.Context, id int64, at time.Time) (*models.Device, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	d, ok := db.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", id, models.ErrNotFound)
	}
	at = at.UTC()
	d.DeletedAt = &at
	d.IsActive = false
	d.UpdatedAt = at
	db.devices[id] = d
	return &d, nil
}

func (db *MemoryDB) RestoreDevice(_ context.Context, id int64) (*models.Device, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	d, ok := db.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", id, models.ErrNotFound)
	}
	d.DeletedAt = nil
	d.IsActive = true
	d.UpdatedAt = time.Now().UTC()
	db.devices[id] = d
	return &d, nil
}

func (db *MemoryDB) TouchDevice(_ context.Context, id int64, at time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	d, ok := db.devices[id]
	if !ok {
		return fmt.Errorf("device %d: %w", id, models.ErrNotFound)
	}
	at = at.UTC()
	if d.LastSeen == nil || at.After(*d.LastSeen) {
		d.LastSeen = &at
	}
	db.devices[id] = d
	return nil
}

func (db *MemoryDB) CreateSensorType(_ context.Context, in models.SensorTypeCreate) (*models.SensorType, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, s := range db.sensorTypes {
		if s.Name == in.Name {
			return nil, fmt.Errorf("sensor type %q: %w", in.Name, models.ErrConflict)
		}
	}
	s := models.SensorType{
		ID:          db.next("sensor_types"),
		Name:        in.Name,
		Unit:        in.Unit,
		Description: in.Description,
		IsActive:    true,
	}
	db.sensorTypes[s.ID] = s
	return &s, nil
}

func (db *MemoryDB) ListSensorTypes(_ context.Context, skip, limit int) ([]*models.SensorType, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]*models.SensorType, 0, len(db.sensorTypes))
	for _, s := range db.sensorTypes {
		s := s
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, skip, limit), nil
}

func (db *MemoryDB) GetSensorType(_ context.Context, id int64) (*models.SensorType, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	s, ok := db.sensorTypes[id]
	if !ok {
		return nil, fmt.Errorf("sensor type %d: %w", id, models.ErrNotFound)
	}
	return &s, nil
}

func (db *MemoryDB) UpdateSensorType(_ context.Context, id int64, in models.SensorTypeUpdate) (*models.SensorType, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	s, ok := db.sensorTypes[id]
	if !ok {
		return nil, fmt.Errorf("sensor type %d: %w", id, models.ErrNotFound)
	}
	if in.Name != nil {
		for otherID, other := range db.sensorTypes {
			if otherID != id && other.Name == *in.Name {
				return nil, fmt.Errorf("sensor type %q: %w", *in.Name, models.ErrConflict)
			}
		}
		s.Name = *in.Name
	}
	if in.Unit != nil {
		s.Unit = *in.Unit
	}
	if in.Description != nil {
		s.Description = in.Description
	}
	if in.IsActive != nil {
		s.IsActive = *in.IsActive
	}
	db.sensorTypes[id] = s
	return &s, nil
}

func (db *MemoryDB) ReplaceDeviceSensors(_ context.Context, deviceID int64, links []models.DeviceSensorLink) (models.SensorLinkChange, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	change := models.SensorLinkChange{Status: "ok"}
	if _, ok := db.devices[deviceID]; !ok {
		return change, fmt.Errorf("device %d: %w", deviceID, models.ErrNotFound)
	}
	wanted := make(map[int64]models.DeviceSensorLink, len(links))
	for _, l := range links {
		if _, ok := db.sensorTypes[l.SensorTypeID]; !ok {
			return change, fmt.Errorf("sensor type %d: %w", l.SensorTypeID, models.ErrNotFound)
		}
		l.DeviceID = deviceID
		wanted[l.SensorTypeID] = l
	}
	for key := range db.links {
		if key.deviceID != deviceID {
			continue
		}
		if _, keep := wanted[key.sensorTypeID]; !keep {
			delete(db.links, key)
			change.Removed++
		}
	}
	for sensorID, l := range wanted {
		key := linkKey{deviceID, sensorID}
		if _, exists := db.links[key]; !exists {
			change.Added++
		}
		db.links[key] = l
	}
	return change, nil
}

func (db *MemoryDB) ListDeviceSensors(_ context.Context, deviceID int64) ([]models.DeviceSensorLink, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := []models.DeviceSensorLink{}
	for key, l := range db.links {
		if key.deviceID == deviceID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SensorTypeID < out[j].SensorTypeID })
	return out, nil
}

func (db *MemoryDB) CreateToken(_ context.Context, deviceID int64, label string) (*models.DeviceToken, error) {
	raw, err := models.GenerateToken()
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.devices[deviceID]; !ok {
		return nil, fmt.Errorf("device %d: %w", deviceID, models.ErrNotFound)
	}
	t := models.DeviceToken{
		ID:        db.next("device_tokens"),
		DeviceID:  deviceID,
		Token:     raw,
		Label:     label,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	db.tokens[t.ID] = t
	return &t, nil
}

func (db *MemoryDB) ListTokens(_ context.Context, deviceID int64) ([]*models.DeviceToken, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := []*models.DeviceToken{}
	for _, t := range db.tokens {
		if t.DeviceID == deviceID {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (db *MemoryDB) RevokeToken(_ context.Context, deviceID, tokenID int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, ok := db.tokens[tokenID]
	if !ok || t.DeviceID != deviceID {
		return fmt.Errorf("token %d: %w", tokenID, models.ErrNotFound)
	}
	t.IsActive = false
	db.tokens[tokenID] = t
	return nil
}

func (db *MemoryDB) ResolveToken(_ context.Context, raw string, at time.Time) (*models.DeviceToken, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for id, t := range db.tokens {
		if t.Token == raw && t.IsActive {
			at := at.UTC()
			t.LastUsedAt = &at
			db.tokens[id] = t
			return &t, nil
		}
	}
	return nil, fmt.Errorf("device token: %w", models.ErrNotFound)
}

func (db *MemoryDB) InsertMeasurement(_ context.Context, m *models.Measurement) (*models.Measurement, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	stored := *m
	stored.ID = db.next("measurements")
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.CreatedAt = stored.CreatedAt.UTC()
	db.measurements = append(db.measurements, stored)
	return &stored, nil
}

func (db *MemoryDB) ListMeasurements(_ context.Context, filter models.MeasurementFilter) ([]*models.Measurement, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := []*models.Measurement{}
	for i := len(db.measurements) - 1; i >= 0; i-- {
		m := db.measurements[i]
		if !db.matchLocked(m, filter.DeviceID, filter.OrganizationID) {
			continue
		}
		if filter.SensorTypeID != 0 && m.SensorTypeID != filter.SensorTypeID {
			continue
		}
		if !filter.Start.IsZero() && m.CreatedAt.Before(filter.Start) {
			continue
		}
		if !filter.AfterCursor(m.ID, m.CreatedAt) {
			continue
		}
		out = append(out, &m)
	}
	// Newest first, even when readings carried out-of-order timestamps.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := filter.NormalizedLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *MemoryDB) matchLocked(m models.Measurement, deviceID int64, orgID *int64) bool {
	if deviceID != 0 && m.DeviceID != deviceID {
		return false
	}
	if orgID != nil {
		d, ok := db.devices[m.DeviceID]
		if !ok || !models.SameOrganization(orgID, d.OrganizationID) {
			return false
		}
	}
	return true
}

func (db *MemoryDB) Analytics(_ context.Context, q models.AnalyticsQuery) ([]models.AnalyticsBucket, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if q.Bucket <= 0 {
		return nil, fmt.Errorf("bucket size must be positive: %w", models.ErrValidation)
	}
	acc := map[seriesBucket]*models.AnalyticsBucket{}
	sums := map[seriesBucket]float64{}
	for _, m := range db.measurements {
		if m.CreatedAt.Before(q.Since) || !db.matchLocked(m, q.DeviceID, q.OrganizationID) {
			continue
		}
		key := seriesBucket{m.CreatedAt.Truncate(q.Bucket), m.DeviceID, m.SensorTypeID}
		b, ok := acc[key]
		if !ok {
			b = &models.AnalyticsBucket{
				Bucket:       key.bucket,
				DeviceID:     m.DeviceID,
				SensorTypeID: m.SensorTypeID,
				Min:          m.Value,
				Max:          m.Value,
			}
			acc[key] = b
		}
		b.Count++
		sums[key] += m.Value
		if m.Value < b.Min {
			b.Min = m.Value
		}
		if m.Value > b.Max {
			b.Max = m.Value
		}
	}

	out := make([]models.AnalyticsBucket, 0, len(acc))
	for key, b := range acc {
		b.Avg = sums[key] / float64(b.Count)
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Bucket.Equal(out[j].Bucket) {
			return out[i].Bucket.Before(out[j].Bucket)
		}
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].SensorTypeID < out[j].SensorTypeID
	})
	return out, nil
}

func paginate[T any](items []T, skip, limit int) []T {
	skip, limit = pageBounds(skip, limit)
	if skip >= len(items) {
		return []T{}
	}
	items = items[skip:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
