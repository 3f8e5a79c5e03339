package models

import (
	"strings"
	"testing"
	"time"
)

func TestDevice_ComputeStatus(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-30 * time.Second)
	stale := now.Add(-10 * time.Minute)

	cases := []struct {
		name   string
		device Device
		want   string
	}{
		{"archived wins over everything", Device{IsActive: true, DeletedAt: &recent, LastSeen: &recent}, StatusArchived},
		{"disabled", Device{IsActive: false, LastSeen: &recent}, StatusDisabled},
		{"never seen", Device{IsActive: true}, StatusNeverSeen},
		{"online", Device{IsActive: true, LastSeen: &recent, HeartbeatInterval: 60}, StatusOnline},
		{"offline", Device{IsActive: true, LastSeen: &stale, HeartbeatInterval: 60}, StatusOffline},
		{"default interval", Device{IsActive: true, LastSeen: &stale}, StatusOffline},
	}

	for _, tc := range cases {
		if got := tc.device.ComputeStatus(now); got != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestSummarize(t *testing.T) {
	now := time.Now()
	archived := now
	devices := []*Device{
		(&Device{IsActive: true}).WithStatus(now),
		(&Device{IsActive: false}).WithStatus(now),
		(&Device{IsActive: true, DeletedAt: &archived}).WithStatus(now),
	}

	stats := Summarize(devices)
	if stats.Total != 3 {
		t.Errorf("Expected total 3, got %d", stats.Total)
	}
	if stats.Active != 1 {
		t.Errorf("Expected 1 active device, got %d", stats.Active)
	}
	if stats.ByStatus[StatusArchived] != 1 || stats.ByStatus[StatusDisabled] != 1 || stats.ByStatus[StatusNeverSeen] != 1 {
		t.Errorf("Unexpected status counts: %v", stats.ByStatus)
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() failed: %v", err)
	}
	b, _ := GenerateToken()

	if !strings.HasPrefix(a, TokenPrefix) {
		t.Errorf("Expected prefix %q, got %q", TokenPrefix, a)
	}
	if len(a) != len(TokenPrefix)+43 {
		t.Errorf("Expected token length %d, got %d", len(TokenPrefix)+43, len(a))
	}
	if a == b {
		t.Error("Expected two generated tokens to differ")
	}
}

func TestMeasurementFilter_NormalizedLimit(t *testing.T) {
	if got := (MeasurementFilter{}).NormalizedLimit(); got != DefaultMeasurementLimit {
		t.Errorf("Expected default limit, got %d", got)
	}
	if got := (MeasurementFilter{Limit: 5000}).NormalizedLimit(); got != MaxMeasurementLimit {
		t.Errorf("Expected max limit, got %d", got)
	}
	if got := (MeasurementFilter{Limit: 7}).NormalizedLimit(); got != 7 {
		t.Errorf("Expected 7, got %d", got)
	}
}
