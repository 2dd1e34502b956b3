package services

import "testing"

func TestBatchController_Observe(t *testing.T) {
	b := NewBatchController()

	tests := []struct {
		name      string
		requested int
		returned  int
		detected  int
		want      int
	}{
		{"truncated response reveals the cap", 1000, 500, 0, 500},
		{"full response detects nothing", 1000, 1000, 0, 0},
		{"empty response detects nothing", 1000, 0, 0, 0},
		{"tiny cap is floored to the minimum", 1000, 20, 0, 50},
		{"known limit survives full batches", 500, 500, 500, 500},
		{"known limit survives empty batches", 500, 0, 500, 500},
		{"tighter truncation overrides the known limit", 500, 300, 500, 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.Observe(tt.requested, tt.returned, tt.detected)
			if got != tt.want {
				t.Errorf("Observe(%d, %d, %d) = %d, want %d",
					tt.requested, tt.returned, tt.detected, got, tt.want)
			}
		})
	}
}

func TestBatchController_NextSize(t *testing.T) {
	b := NewBatchController()

	tests := []struct {
		name       string
		detected   int
		batchIndex int
		auto       bool
		want       int
	}{
		{"first batch requests the maximum", 0, 0, false, InitialBatchSize},
		{"first auto batch requests the maximum", 0, 0, true, InitialBatchSize},
		{"detected limit caps manual batches", 500, 3, false, 500},
		{"auto continuation without detection throttles to the minimum", 0, 1, true, MinBatchSize},
		{"auto continuation uses the detected limit", 500, 2, true, 500},
		{"detection below the floor is raised", 10, 0, false, MinBatchSize},
		{"detection above the cap is clamped", 5000, 0, false, MaxBatchSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.NextSize(tt.detected, tt.batchIndex, tt.auto)
			if got != tt.want {
				t.Errorf("NextSize(%d, %d, %v) = %d, want %d",
					tt.detected, tt.batchIndex, tt.auto, got, tt.want)
			}
		})
	}
}

func TestBatchController_SizesStayInBounds(t *testing.T) {
	b := NewBatchController()

	for detected := 0; detected <= 2000; detected += 137 {
		for batchIndex := 0; batchIndex < 4; batchIndex++ {
			for _, auto := range []bool{false, true} {
				size := b.NextSize(detected, batchIndex, auto)
				if size < MinBatchSize || size > MaxBatchSize {
					t.Errorf("NextSize(%d, %d, %v) = %d escapes [%d, %d]",
						detected, batchIndex, auto, size, MinBatchSize, MaxBatchSize)
				}
			}
		}
	}
}
