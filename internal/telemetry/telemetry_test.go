package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ponytojas/go-iot-hub/internal/models"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func reading(id, sensor int64, offset time.Duration) *models.Measurement {
	return &models.Measurement{ID: id, DeviceID: 1, SensorTypeID: sensor, Value: float64(id), CreatedAt: base.Add(offset)}
}

func TestWindow_MergeDedupesAndOrders(t *testing.T) {
	w := NewWindow(10, 0)
	if added := w.Merge(reading(2, 1, 2*time.Second), reading(1, 1, time.Second)); added != 2 {
		t.Fatalf("Expected 2 added, got %d", added)
	}
	if added := w.Merge(reading(2, 1, 2*time.Second), reading(3, 1, 3*time.Second)); added != 1 {
		t.Errorf("Expected duplicates to be ignored, got %d added", added)
	}

	s := w.Series(1)
	if len(s) != 3 {
		t.Fatalf("Expected 3 points, got %d", len(s))
	}
	for i, want := range []int64{1, 2, 3} {
		if s[i].ID != want {
			t.Errorf("Expected ascending order, position %d holds %d", i, s[i].ID)
		}
	}
	if latest, ok := w.Latest(1); !ok || latest.ID != 3 {
		t.Errorf("Expected latest 3, got %+v", latest)
	}
	if _, ok := w.Latest(99); ok {
		t.Error("Expected no latest reading for an unknown sensor")
	}
}

func TestWindow_MaxPoints(t *testing.T) {
	w := NewWindow(3, 0)
	for i := int64(1); i <= 5; i++ {
		w.Merge(reading(i, 1, time.Duration(i)*time.Second))
	}
	s := w.Series(1)
	if len(s) != 3 || s[0].ID != 3 || s[2].ID != 5 {
		t.Errorf("Expected the last 3 points, got %+v", s)
	}

	// An old point arriving late is trimmed right away and not counted.
	if added := w.Merge(reading(0, 1, 0)); added != 0 {
		t.Errorf("Expected a trimmed point not to count, got %d", added)
	}
	if w.Len() != 3 {
		t.Errorf("Expected 3 tracked ids, got %d", w.Len())
	}
}

func TestWindow_MaxAge(t *testing.T) {
	w := NewWindow(100, time.Minute)
	w.Merge(reading(1, 1, 0), reading(2, 1, 30*time.Second), reading(10, 2, 0))
	w.Merge(reading(3, 1, 90*time.Second))

	s := w.Series(1)
	if len(s) != 2 || s[0].ID != 2 {
		t.Errorf("Expected points older than a minute before the newest to go, got %+v", s)
	}
	if len(w.Series(2)) != 1 {
		t.Error("Expected other series to keep their own horizon")
	}

	snap := w.Snapshot()
	snap[1][0].Value = -1
	if w.Series(1)[0].Value == -1 {
		t.Error("Expected Snapshot to copy")
	}
}

type fakeSource struct {
	mu      sync.Mutex
	polls   int
	limits  []int
	streams int32
	page    []*models.Measurement
	live    []*models.Measurement
}

func (f *fakeSource) ListMeasurements(_ context.Context, filter models.MeasurementFilter) ([]*models.Measurement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	f.limits = append(f.limits, filter.Limit)
	return f.page, nil
}

func (f *fakeSource) Stream(ctx context.Context, fn func(*models.Measurement)) error {
	if atomic.AddInt32(&f.streams, 1) == 1 {
		return errors.New("connection refused")
	}
	for _, m := range f.live {
		fn(m)
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestSyncer_FeedsWindowFromPollAndStream(t *testing.T) {
	other := reading(20, 1, 5*time.Second)
	other.DeviceID = 2
	src := &fakeSource{
		page: []*models.Measurement{reading(1, 1, 0), reading(2, 1, time.Second)},
		live: []*models.Measurement{reading(2, 1, time.Second), reading(3, 1, 2*time.Second), other},
	}
	w := NewWindow(50, 0)
	s := NewSyncer(src, w, 1, 10*time.Millisecond)
	s.retryDelay = 10 * time.Millisecond

	var updates int32
	s.OnUpdate(func(added int) { atomic.AddInt32(&updates, int32(added)) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for w.Len() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 3 readings in the window, have %d", w.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if w.Len() != 3 {
		t.Errorf("Expected readings of other devices to be ignored, have %d", w.Len())
	}
	if atomic.LoadInt32(&updates) != 3 {
		t.Errorf("Expected 3 readings reported as added, got %d", updates)
	}
	if atomic.LoadInt32(&src.streams) < 2 {
		t.Error("Expected the stream to be retried after a failure")
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.polls < 2 {
		t.Errorf("Expected the poll ticker to fire, got %d polls", src.polls)
	}
}

func TestSyncer_FetchCoversEverySeries(t *testing.T) {
	w := NewWindow(50, 0)
	s := NewSyncer(&fakeSource{}, w, 1, time.Second)
	if got := s.fetchLimit(); got != 50 {
		t.Errorf("Expected MaxPoints for an empty window, got %d", got)
	}

	s.Sensors(3)
	if got := s.fetchLimit(); got != 150 {
		t.Errorf("Expected MaxPoints per known sensor, got %d", got)
	}

	w.Merge(reading(1, 1, 0), reading(2, 2, 0), reading(3, 3, 0), reading(4, 4, 0))
	if got := s.fetchLimit(); got != 200 {
		t.Errorf("Expected MaxPoints per series in the window, got %d", got)
	}

	s.window = NewWindow(400, 0)
	if got := s.fetchLimit(); got != models.MaxMeasurementLimit {
		t.Errorf("Expected the limit capped at %d, got %d", models.MaxMeasurementLimit, got)
	}

	src := &fakeSource{}
	s = NewSyncer(src, NewWindow(20, 0), 1, time.Second)
	s.Sensors(2)
	s.poll(context.Background())
	if len(src.limits) != 1 || src.limits[0] != 40 {
		t.Errorf("Expected the initial fetch to ask for 40 readings, got %v", src.limits)
	}
}
