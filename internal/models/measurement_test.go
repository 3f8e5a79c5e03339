package models

import (
	"testing"
	"time"
)

func TestMeasurementFilter_AfterCursor(t *testing.T) {
	end := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		filter MeasurementFilter
		id     int64
		at     time.Time
		want   bool
	}{
		{"no end", MeasurementFilter{}, 9, end.Add(time.Hour), true},
		{"end is inclusive", MeasurementFilter{End: end}, 9, end, true},
		{"after end", MeasurementFilter{End: end}, 1, end.Add(time.Millisecond), false},
		{"lower id at the cursor", MeasurementFilter{End: end, BeforeID: 5}, 4, end, true},
		{"cursor id itself", MeasurementFilter{End: end, BeforeID: 5}, 5, end, false},
		{"higher id at the cursor", MeasurementFilter{End: end, BeforeID: 5}, 6, end, false},
		{"older than the cursor", MeasurementFilter{End: end, BeforeID: 5}, 99, end.Add(-time.Second), true},
	}

	for _, tc := range cases {
		if got := tc.filter.AfterCursor(tc.id, tc.at); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}
