package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ponytojas/go-iot-hub/internal/auth"
	"github.com/ponytojas/go-iot-hub/internal/ingest"
	"github.com/ponytojas/go-iot-hub/internal/models"
)

// DeviceTokenHeader carries a device API token on ingest requests.
const DeviceTokenHeader = "X-Device-Token"

// MeasurementCreate is the body of POST /measurements/. DeviceID is only read on the
// user path; a device token already names its device.
type MeasurementCreate struct {
	DeviceID     int64      `json:"device_id"`
	SensorTypeID int64      `json:"sensor_type_id"`
	Value        *float64   `json:"value"`
	Timestamp    *time.Time `json:"timestamp"`
}

func (s *Server) createMeasurement(w http.ResponseWriter, r *http.Request) {
	var in MeasurementCreate
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if in.SensorTypeID <= 0 || in.Value == nil {
		writeError(w, fmt.Errorf("%w: sensor_type_id and value are required", errMalformed))
		return
	}
	reading := ingest.Reading{
		SensorTypeID: in.SensorTypeID,
		Value:        *in.Value,
		Timestamp:    in.Timestamp,
		Source:       ingest.SourceHTTP,
	}

	if token := strings.TrimSpace(r.Header.Get(DeviceTokenHeader)); token != "" {
		reading.Token = token
	} else {
		u, err := auth.Resolve(r.Context(), s.issuer, s.store, auth.ExtractToken(r))
		if err != nil {
			writeError(w, err)
			return
		}
		if in.DeviceID <= 0 {
			writeError(w, fmt.Errorf("device_id is required: %w", models.ErrValidation))
			return
		}
		if _, err := s.loadDevice(r.Context(), u, in.DeviceID); err != nil {
			writeError(w, err)
			return
		}
		reading.DeviceID = in.DeviceID
	}

	m, err := s.ingestor.Ingest(r.Context(), reading)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, m)
}

// measurementFilter reads the shared query parameters of listing and export.
func measurementFilter(r *http.Request) (models.MeasurementFilter, error) {
	var f models.MeasurementFilter
	var err error
	if f.DeviceID, err = queryInt64(r, "device_id"); err != nil {
		return f, err
	}
	if f.SensorTypeID, err = queryInt64(r, "sensor_type_id"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(r, "limit", models.DefaultMeasurementLimit); err != nil {
		return f, err
	}
	if f.Start, err = queryTime(r, "start_date"); err != nil {
		return f, err
	}
	if f.End, err = queryTime(r, "end_date"); err != nil {
		return f, err
	}
	return f, nil
}

// scopeMeasurements restricts f to what u may read. Naming a foreign device is a 404.
func (s *Server) scopeMeasurements(r *http.Request, u *models.User, f *models.MeasurementFilter) error {
	if f.DeviceID != 0 {
		if _, err := s.loadDevice(r.Context(), u, f.DeviceID); err != nil {
			return err
		}
	}
	f.OrganizationID = scope(u)
	return nil
}

func (s *Server) listMeasurements(w http.ResponseWriter, r *http.Request) {
	f, err := measurementFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.scopeMeasurements(r, auth.Principal(r.Context()), &f); err != nil {
		writeError(w, err)
		return
	}
	f.Limit = f.NormalizedLimit()
	ms, err := s.store.ListMeasurements(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, ms)
}

// defaultBucket picks a bucket width that keeps each period's chart readable.
func defaultBucket(period string) string {
	switch period {
	case "1h":
		return "minute"
	case "1d":
		return "hour"
	}
	return "day"
}

func (s *Server) analytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	period := q.Get("period")
	if period == "" {
		period = "1d"
	}
	window, ok := models.AnalyticsPeriods[period]
	if !ok {
		writeError(w, fmt.Errorf("%w: period must be one of 1h, 1d, 1w, 1m", errMalformed))
		return
	}
	size := q.Get("bucket_size")
	if size == "" {
		size = defaultBucket(period)
	}
	bucket, ok := models.AnalyticsBucketSizes[size]
	if !ok {
		writeError(w, fmt.Errorf("%w: bucket_size must be one of minute, hour, day", errMalformed))
		return
	}
	deviceID, err := queryInt64(r, "device_id")
	if err != nil {
		writeError(w, err)
		return
	}

	u := auth.Principal(r.Context())
	if deviceID != 0 {
		if _, err := s.loadDevice(r.Context(), u, deviceID); err != nil {
			writeError(w, err)
			return
		}
	}
	buckets, err := s.store.Analytics(r.Context(), models.AnalyticsQuery{
		Since:          s.now().Add(-window),
		Bucket:         bucket,
		DeviceID:       deviceID,
		OrganizationID: scope(u),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if buckets == nil {
		buckets = []models.AnalyticsBucket{}
	}
	JSONResponse(w, http.StatusOK, buckets)
}

// ExportRequest selects the measurements written to an export. A zero Limit exports
// the whole matching history.
type ExportRequest struct {
	DeviceID     int64  `json:"device_id"`
	SensorTypeID int64  `json:"sensor_type_id"`
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date"`
	Limit        int    `json:"limit"`
}

func (e ExportRequest) filter() (models.MeasurementFilter, error) {
	f := models.MeasurementFilter{DeviceID: e.DeviceID, SensorTypeID: e.SensorTypeID, Limit: e.Limit}
	var err error
	if e.StartDate != "" {
		if f.Start, err = parseTime(e.StartDate); err != nil {
			return f, fmt.Errorf("%w: start_date: %v", errMalformed, err)
		}
	}
	if e.EndDate != "" {
		if f.End, err = parseTime(e.EndDate); err != nil {
			return f, fmt.Errorf("%w: end_date: %v", errMalformed, err)
		}
	}
	return f, nil
}

func (s *Server) exportMeasurements(w http.ResponseWriter, r *http.Request) {
	var in ExportRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
	}
	f, err := in.filter()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.scopeMeasurements(r, auth.Principal(r.Context()), &f); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.exporter.Export(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, res)
}
