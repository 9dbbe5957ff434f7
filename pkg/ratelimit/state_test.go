package ratelimit

import "testing"

func TestSnapshot_Bounds(t *testing.T) {
	tests := []struct {
		name      string
		snapshot  Snapshot
		atFloor   bool
		atCeiling bool
		inBounds  bool
	}{
		{
			name:      "in the middle",
			snapshot:  Snapshot{Limit: 5, MinLimit: 3, MaxLimit: 10},
			atFloor:   false,
			atCeiling: false,
			inBounds:  true,
		},
		{
			name:      "at floor",
			snapshot:  Snapshot{Limit: 3, MinLimit: 3, MaxLimit: 10},
			atFloor:   true,
			atCeiling: false,
			inBounds:  true,
		},
		{
			name:      "at ceiling",
			snapshot:  Snapshot{Limit: 10, MinLimit: 3, MaxLimit: 10},
			atFloor:   false,
			atCeiling: true,
			inBounds:  true,
		},
		{
			name:      "single value range",
			snapshot:  Snapshot{Limit: 4, MinLimit: 4, MaxLimit: 4},
			atFloor:   true,
			atCeiling: true,
			inBounds:  true,
		},
		{
			name:      "below floor",
			snapshot:  Snapshot{Limit: 2, MinLimit: 3, MaxLimit: 10},
			atFloor:   true,
			atCeiling: false,
			inBounds:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.snapshot.AtFloor(); got != tt.atFloor {
				t.Errorf("AtFloor() = %v, want %v", got, tt.atFloor)
			}
			if got := tt.snapshot.AtCeiling(); got != tt.atCeiling {
				t.Errorf("AtCeiling() = %v, want %v", got, tt.atCeiling)
			}
			if got := tt.snapshot.InBounds(); got != tt.inBounds {
				t.Errorf("InBounds() = %v, want %v", got, tt.inBounds)
			}
		})
	}
}
