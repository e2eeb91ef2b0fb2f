package occupancy

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewOccupancyInfo(t *testing.T) {
	tests := []struct {
		name        string
		total       int
		occupied    int
		wantRate    float64
		wantPercent float64
		wantRatio   string
	}{
		{name: "two of three", total: 3, occupied: 2, wantRate: 2.0 / 3.0, wantPercent: 66.7, wantRatio: "2/3"},
		{name: "full", total: 4, occupied: 4, wantRate: 1, wantPercent: 100, wantRatio: "4/4"},
		{name: "empty lot", total: 0, occupied: 0, wantRate: 0, wantPercent: 0, wantRatio: "0/0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := NewOccupancyInfo(tt.total, tt.occupied, 0)
			if info.OccupancyRate != tt.wantRate {
				t.Errorf("OccupancyRate = %v, want %v", info.OccupancyRate, tt.wantRate)
			}
			if info.OccupancyPercent != tt.wantPercent {
				t.Errorf("OccupancyPercent = %v, want %v", info.OccupancyPercent, tt.wantPercent)
			}
			if info.OccupancyRatio != tt.wantRatio {
				t.Errorf("OccupancyRatio = %q, want %q", info.OccupancyRatio, tt.wantRatio)
			}
		})
	}
}

func TestOccupancyInfoJSONUsesPercent(t *testing.T) {
	data, err := json.Marshal(NewOccupancyInfo(4, 1, 2))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"occupancy_rate":25`) {
		t.Errorf("marshalled info = %s, want occupancy_rate as percent", data)
	}
}
