// Package telemetry keeps a bounded, live-updating view of one device's readings.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/ponytojas/go-iot-hub/internal/models"
)

// Window holds the recent readings of one device, one series per sensor type.
// Each series is ordered by created_at, holds at most MaxPoints readings, and spans
// at most MaxAge back from its newest reading. Zero limits disable the bound.
type Window struct {
	MaxPoints int
	MaxAge    time.Duration

	mu     sync.RWMutex
	ids    map[int64]bool
	series map[int64][]models.Measurement
}

func NewWindow(maxPoints int, maxAge time.Duration) *Window {
	return &Window{
		MaxPoints: maxPoints,
		MaxAge:    maxAge,
		ids:       map[int64]bool{},
		series:    map[int64][]models.Measurement{},
	}
}

// Merge adds readings not yet in the window and returns how many of them survived
// the bounds. Polls and the live stream may deliver the same reading twice.
func (w *Window) Merge(ms ...*models.Measurement) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	fresh := map[int64]bool{}
	touched := map[int64]bool{}
	for _, m := range ms {
		if m == nil || w.ids[m.ID] || fresh[m.ID] {
			continue
		}
		fresh[m.ID] = true
		touched[m.SensorTypeID] = true
		w.series[m.SensorTypeID] = append(w.series[m.SensorTypeID], *m)
	}

	for sensor := range touched {
		kept := w.trim(w.series[sensor])
		w.series[sensor] = kept
		for _, m := range kept {
			w.ids[m.ID] = true
		}
	}

	added := 0
	for id := range fresh {
		if w.ids[id] {
			added++
		}
	}
	return added
}

// trim orders s and applies the bounds, forgetting the ids of dropped readings.
func (w *Window) trim(s []models.Measurement) []models.Measurement {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].ID < s[j].ID
		}
		return s[i].CreatedAt.Before(s[j].CreatedAt)
	})

	start := 0
	if w.MaxAge > 0 && len(s) > 0 {
		cutoff := s[len(s)-1].CreatedAt.Add(-w.MaxAge)
		for start < len(s) && s[start].CreatedAt.Before(cutoff) {
			start++
		}
	}
	if w.MaxPoints > 0 && len(s)-start > w.MaxPoints {
		start = len(s) - w.MaxPoints
	}
	for _, m := range s[:start] {
		delete(w.ids, m.ID)
	}
	return append([]models.Measurement(nil), s[start:]...)
}

// Series returns a copy of the readings of one sensor type, oldest first.
func (w *Window) Series(sensorTypeID int64) []models.Measurement {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]models.Measurement{}, w.series[sensorTypeID]...)
}

// Latest returns the newest reading of a sensor type.
func (w *Window) Latest(sensorTypeID int64) (models.Measurement, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := w.series[sensorTypeID]
	if len(s) == 0 {
		return models.Measurement{}, false
	}
	return s[len(s)-1], true
}

// Snapshot copies every series.
func (w *Window) Snapshot() map[int64][]models.Measurement {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[int64][]models.Measurement, len(w.series))
	for sensor, s := range w.series {
		out[sensor] = append([]models.Measurement{}, s...)
	}
	return out
}

// SeriesCount returns the number of sensor types with readings in the window.
func (w *Window) SeriesCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.series)
}

// Len returns the number of readings held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.ids)
}
