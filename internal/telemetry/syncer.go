package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-iot-hub/internal/models"
)

// Source is where the syncer reads readings from. *client.Client implements it.
type Source interface {
	ListMeasurements(ctx context.Context, f models.MeasurementFilter) ([]*models.Measurement, error)
	Stream(ctx context.Context, fn func(*models.Measurement)) error
}

// Syncer keeps a Window current from an initial fetch, a poll ticker and the live
// stream. All three feed the same window, which drops duplicates.
type Syncer struct {
	source       Source
	window       *Window
	deviceID     int64
	pollInterval time.Duration
	retryDelay   time.Duration
	sensors      int
	onUpdate     func(added int)
}

func NewSyncer(source Source, window *Window, deviceID int64, pollInterval time.Duration) *Syncer {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Syncer{
		source:       source,
		window:       window,
		deviceID:     deviceID,
		pollInterval: pollInterval,
		retryDelay:   3 * time.Second,
	}
}

// OnUpdate registers fn to be called whenever new readings entered the window.
// It must be set before Run.
func (s *Syncer) OnUpdate(fn func(added int)) {
	s.onUpdate = fn
}

// Sensors sets how many sensor types the device reports, so each fetch covers
// MaxPoints readings per series. It must be set before Run.
func (s *Syncer) Sensors(n int) {
	s.sensors = n
}

// fetchLimit asks for MaxPoints readings per known series, capped at the API maximum.
func (s *Syncer) fetchLimit() int {
	series := s.window.SeriesCount()
	if s.sensors > series {
		series = s.sensors
	}
	if series < 1 {
		series = 1
	}
	limit := s.window.MaxPoints * series
	if limit <= 0 || limit > models.MaxMeasurementLimit {
		limit = models.MaxMeasurementLimit
	}
	return limit
}

// Run syncs until ctx is cancelled and returns ctx.Err().
func (s *Syncer) Run(ctx context.Context) error {
	s.poll(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.streamLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.pollLoop(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

func (s *Syncer) merge(ms ...*models.Measurement) {
	if added := s.window.Merge(ms...); added > 0 && s.onUpdate != nil {
		s.onUpdate(added)
	}
}

func (s *Syncer) poll(ctx context.Context) {
	ms, err := s.source.ListMeasurements(ctx, models.MeasurementFilter{DeviceID: s.deviceID, Limit: s.fetchLimit()})
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Int64("device_id", s.deviceID).Msg("Failed to fetch measurements")
		}
		return
	}
	s.merge(ms...)
}

func (s *Syncer) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// streamLoop keeps a live subscription open, reconnecting after retryDelay.
func (s *Syncer) streamLoop(ctx context.Context) {
	for {
		err := s.source.Stream(ctx, func(m *models.Measurement) {
			if m.DeviceID == s.deviceID {
				s.merge(m)
			}
		})
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Dur("retry_in", s.retryDelay).Msg("Live stream interrupted")

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.retryDelay):
		}
	}
}
