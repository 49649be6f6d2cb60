package evaluator

import (
	"math"
	"testing"
)

func TestComputeReward(t *testing.T) {
	cases := []struct {
		name               string
		success            bool
		retries            int
		validationRejected bool
		want               float64
	}{
		{name: "clean success", success: true, want: 1.0},
		{name: "recovered after retry", success: true, retries: 1, want: 1.5},
		{name: "recovered after many retries", success: true, retries: 4, want: 1.5},
		{name: "clean failure", success: false, want: -1.0},
		{name: "failure after retries", success: false, retries: 3, want: -1.3},
		{name: "validation rejection", success: false, validationRejected: true, want: -1.5},
		{name: "rejection after retries", success: false, retries: 3, validationRejected: true, want: -1.8},
		{name: "clamped at the floor", success: false, retries: 10, validationRejected: true, want: -2.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := computeReward(tc.success, tc.retries, tc.validationRejected)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("computeReward(%v, %d, %v) = %v, want %v",
					tc.success, tc.retries, tc.validationRejected, got, tc.want)
			}
		})
	}
}

func TestComputeRewardBounds(t *testing.T) {
	for retries := 0; retries <= 50; retries++ {
		for _, success := range []bool{true, false} {
			for _, rejected := range []bool{true, false} {
				r := computeReward(success, retries, rejected)
				if r < rewardMin || r > rewardMax {
					t.Fatalf("reward %v out of bounds for success=%v retries=%d rejected=%v",
						r, success, retries, rejected)
				}
			}
		}
	}
}
