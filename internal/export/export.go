// Package export writes measurement history as CSV objects to MinIO.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-iot-hub/config"
	"github.com/ponytojas/go-iot-hub/internal/models"
)

// ErrDisabled is returned when no object store is configured.
var ErrDisabled = errors.New("export is disabled")

var header = []string{"id", "device_id", "sensor_type_id", "value", "raw_value", "created_at"}

// Source is the slice of the store an export reads from.
type Source interface {
	ListMeasurements(ctx context.Context, filter models.MeasurementFilter) ([]*models.Measurement, error)
}

// Result describes an uploaded export.
type Result struct {
	Bucket string `json:"bucket"`
	Object string `json:"object"`
	Rows   int    `json:"rows"`
}

// Exporter uploads CSV snapshots of measurements. A nil *Exporter is disabled.
type Exporter struct {
	client *minio.Client
	bucket string
	source Source
}

// NewExporter returns nil when MinIO is disabled in cfg.
func NewExporter(cfg *config.Config, source Source) (*Exporter, error) {
	if !cfg.MinIO.Enabled {
		return nil, nil
	}
	client, err := minio.New(cfg.MinIO.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, ""),
		Secure: cfg.MinIO.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	log.Info().Str("endpoint", cfg.MinIO.Endpoint).Str("bucket", cfg.MinIO.Bucket).Msg("Measurement export enabled")
	return &Exporter{client: client, bucket: cfg.MinIO.Bucket, source: source}, nil
}

// Export collects every measurement matching filter and uploads it as one CSV object.
// filter.Limit caps the number of rows; zero means everything.
func (e *Exporter) Export(ctx context.Context, filter models.MeasurementFilter) (*Result, error) {
	if e == nil {
		return nil, ErrDisabled
	}

	var buf bytes.Buffer
	rows, err := WriteCSV(ctx, &buf, e.source, filter)
	if err != nil {
		return nil, err
	}

	if err := e.ensureBucket(ctx); err != nil {
		return nil, err
	}
	object := fmt.Sprintf("exports/%s/%s.csv", time.Now().UTC().Format("2006-01-02"), uuid.New().String())
	_, err = e.client.PutObject(ctx, e.bucket, object, bytes.NewReader(buf.Bytes()), int64(buf.Len()),
		minio.PutObjectOptions{ContentType: "text/csv"})
	if err != nil {
		return nil, fmt.Errorf("failed to upload export: %w", err)
	}

	log.Info().Str("bucket", e.bucket).Str("object", object).Int("rows", rows).Msg("Exported measurements")
	return &Result{Bucket: e.bucket, Object: object, Rows: rows}, nil
}

func (e *Exporter) ensureBucket(ctx context.Context) error {
	exists, err := e.client.BucketExists(ctx, e.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", e.bucket, err)
	}
	if exists {
		return nil
	}
	if err := e.client.MakeBucket(ctx, e.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", e.bucket, err)
	}
	return nil
}

// WriteCSV pages backwards through the source, newest first, and writes one row per
// measurement. It returns the number of rows written.
func WriteCSV(ctx context.Context, w io.Writer, source Source, filter models.MeasurementFilter) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return 0, fmt.Errorf("failed to write csv header: %w", err)
	}

	remaining := filter.Limit
	page := filter
	page.Limit = models.MaxMeasurementLimit
	rows := 0

	for {
		batch, err := source.ListMeasurements(ctx, page)
		if err != nil {
			return rows, fmt.Errorf("failed to read measurements: %w", err)
		}
		for _, m := range batch {
			if err := cw.Write(record(m)); err != nil {
				return rows, fmt.Errorf("failed to write csv row: %w", err)
			}
			rows++
			if remaining > 0 && rows >= remaining {
				cw.Flush()
				return rows, cw.Error()
			}
		}
		if len(batch) < page.Limit {
			break
		}

		// Keyset on (created_at, id) so readings sharing a timestamp span pages.
		last := batch[len(batch)-1]
		page.End = last.CreatedAt
		page.BeforeID = last.ID
	}

	cw.Flush()
	return rows, cw.Error()
}

func record(m *models.Measurement) []string {
	return []string{
		strconv.FormatInt(m.ID, 10),
		strconv.FormatInt(m.DeviceID, 10),
		strconv.FormatInt(m.SensorTypeID, 10),
		strconv.FormatFloat(m.Value, 'f', -1, 64),
		strconv.FormatFloat(m.RawValue, 'f', -1, 64),
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
