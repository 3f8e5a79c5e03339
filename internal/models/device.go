package models

import "time"

// DefaultHeartbeatInterval is how long, in seconds, a device may stay silent
// before it is reported OFFLINE.
const DefaultHeartbeatInterval = 300

// Device statuses, ordered by precedence.
const (
	StatusArchived  = "ARCHIVED"
	StatusDisabled  = "DISABLED"
	StatusOnline    = "ONLINE"
	StatusOffline   = "OFFLINE"
	StatusNeverSeen = "NEVER_SEEN"
)

// Device is a registered IoT endpoint.
type Device struct {
	ID                int64      `json:"id"`
	OrganizationID    *int64     `json:"organization_id"`
	Name              string     `json:"name"`
	Slug              string     `json:"slug"`
	Location          *string    `json:"location"`
	Description       *string    `json:"description"`
	IsActive          bool       `json:"is_active"`
	HeartbeatInterval int        `json:"heartbeat_interval"`
	LastSeen          *time.Time `json:"last_seen"`
	DeletedAt         *time.Time `json:"deleted_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Status            string     `json:"status"`
}

// ComputeStatus derives the device state at the given instant.
func (d *Device) ComputeStatus(now time.Time) string {
	switch {
	case d.DeletedAt != nil:
		return StatusArchived
	case !d.IsActive:
		return StatusDisabled
	case d.LastSeen == nil:
		return StatusNeverSeen
	}
	interval := d.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if now.Sub(*d.LastSeen) > time.Duration(interval)*time.Second {
		return StatusOffline
	}
	return StatusOnline
}

// WithStatus fills Status and returns the device for chaining.
func (d *Device) WithStatus(now time.Time) *Device {
	d.Status = d.ComputeStatus(now)
	return d
}

// Archived reports whether the device sits in the trash.
func (d *Device) Archived() bool {
	return d.DeletedAt != nil
}

type DeviceCreate struct {
	Name              string  `json:"name"`
	Slug              string  `json:"slug"`
	Location          *string `json:"location"`
	Description       *string `json:"description"`
	HeartbeatInterval *int    `json:"heartbeat_interval"`
	OrganizationID    *int64  `json:"organization_id"`
}

// DeviceUpdate is a partial update; nil fields are left untouched.
type DeviceUpdate struct {
	Name              *string `json:"name"`
	Slug              *string `json:"slug"`
	Location          *string `json:"location"`
	Description       *string `json:"description"`
	IsActive          *bool   `json:"is_active"`
	HeartbeatInterval *int    `json:"heartbeat_interval"`
}

// DeviceFilter scopes a device listing.
type DeviceFilter struct {
	OrganizationID  *int64
	IncludeArchived bool
	Skip            int
	Limit           int
}

// DeviceStats summarises a device list for dashboard counters.
type DeviceStats struct {
	Total    int            `json:"total"`
	Active   int            `json:"active"`
	ByStatus map[string]int `json:"by_status"`
}

// Summarize counts devices by computed status. Status must already be set.
func Summarize(devices []*Device) DeviceStats {
	stats := DeviceStats{ByStatus: map[string]int{}}
	for _, d := range devices {
		stats.Total++
		if d.IsActive && !d.Archived() {
			stats.Active++
		}
		stats.ByStatus[d.Status]++
	}
	return stats
}
