package gps

import (
	"testing"
	"time"
)

func TestFix_Trusted(t *testing.T) {
	good := Fix{Quality: GPSSPS, Satellites: 7, HDOP: 1.31}

	tests := []struct {
		name     string
		fix      Fix
		criteria Criteria
		want     bool
	}{
		{name: "default", fix: good, criteria: DefaultCriteria, want: true},
		{name: "no fix", fix: Fix{Satellites: 7, HDOP: 1}, criteria: Criteria{}, want: false},
		{name: "too few satellites", fix: Fix{Quality: GPSSPS, Satellites: 2, HDOP: 1}, criteria: DefaultCriteria, want: false},
		{name: "hdop at limit", fix: Fix{Quality: GPSSPS, Satellites: 7, HDOP: 20}, criteria: DefaultCriteria, want: false},
		{name: "hdop check disabled", fix: Fix{Quality: GPSSPS, Satellites: 7, HDOP: 99.9}, criteria: Criteria{MinSatellites: 3}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fix.Trusted(tt.criteria); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFix_Age(t *testing.T) {
	received := time.Date(2026, 3, 15, 2, 27, 45, 0, time.UTC)
	fix := Fix{Received: received}

	if got := fix.Age(received.Add(1500 * time.Millisecond)); got != 1500*time.Millisecond {
		t.Errorf("Expected 1.5s, got %s", got)
	}
	if got := fix.Age(received.Add(-time.Second)); got != -time.Second {
		t.Errorf("Expected -1s for a sample taken before the fix, got %s", got)
	}
}
