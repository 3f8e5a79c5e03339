package models

import "time"

// Measurement is a stored, calibrated reading.
type Measurement struct {
	ID           int64     `json:"id"`
	DeviceID     int64     `json:"device_id"`
	SensorTypeID int64     `json:"sensor_type_id"`
	Value        float64   `json:"value"`
	RawValue     float64   `json:"raw_value"`
	CreatedAt    time.Time `json:"created_at"`
}

// MeasurementFilter narrows a measurement query. Zero values mean "any".
type MeasurementFilter struct {
	DeviceID       int64
	SensorTypeID   int64
	OrganizationID *int64
	Start          time.Time
	End            time.Time
	// BeforeID continues a newest-first listing after (End, BeforeID): readings
	// stamped exactly at End are kept only when their id is lower.
	BeforeID int64
	Limit    int
}

// AfterCursor reports whether a reading stamped at createdAt with id lies past the
// (End, BeforeID) cursor. Without a BeforeID only End bounds the listing.
func (f MeasurementFilter) AfterCursor(id int64, createdAt time.Time) bool {
	if f.End.IsZero() {
		return true
	}
	if createdAt.Equal(f.End) {
		return f.BeforeID == 0 || id < f.BeforeID
	}
	return createdAt.Before(f.End)
}

const (
	DefaultMeasurementLimit = 100
	MaxMeasurementLimit     = 1000
)

// NormalizedLimit clamps Limit into (0, MaxMeasurementLimit].
func (f MeasurementFilter) NormalizedLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultMeasurementLimit
	case f.Limit > MaxMeasurementLimit:
		return MaxMeasurementLimit
	}
	return f.Limit
}

// AnalyticsBucket aggregates readings of one sensor on one device within a time bucket.
type AnalyticsBucket struct {
	Bucket       time.Time `json:"bucket"`
	DeviceID     int64     `json:"device_id"`
	SensorTypeID int64     `json:"sensor_type_id"`
	Avg          float64   `json:"avg_value"`
	Min          float64   `json:"min_value"`
	Max          float64   `json:"max_value"`
	Count        int64     `json:"count"`
}

// AnalyticsQuery selects the readings aggregated into buckets.
type AnalyticsQuery struct {
	Since          time.Time
	Bucket         time.Duration
	DeviceID       int64
	OrganizationID *int64
}

// AnalyticsPeriods maps the dashboard period selector onto look-back windows.
var AnalyticsPeriods = map[string]time.Duration{
	"1h": time.Hour,
	"1d": 24 * time.Hour,
	"1w": 7 * 24 * time.Hour,
	"1m": 30 * 24 * time.Hour,
}

// AnalyticsBucketSizes maps bucket_size names onto bucket widths.
var AnalyticsBucketSizes = map[string]time.Duration{
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}
