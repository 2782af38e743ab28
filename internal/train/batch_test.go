package train

import (
	"errors"
	"testing"

	"tunedlens/internal/model"
)

func TestPlanAccumulation(t *testing.T) {
	cases := []struct {
		name            string
		tokensPerStep   int
		tokensPerSample int
		perWorkerBatch  int
		worldSize       int
		wantGradAcc     int
		wantEffective   int
		wantAdjusted    bool
	}{
		{
			name:            "exact division",
			tokensPerStep:   1000,
			tokensPerSample: 100,
			perWorkerBatch:  2,
			worldSize:       1,
			wantGradAcc:     5,
			wantEffective:   1000,
		},
		{
			name:            "rounds accumulation up",
			tokensPerStep:   1100,
			tokensPerSample: 100,
			perWorkerBatch:  3,
			worldSize:       1,
			wantGradAcc:     4,
			wantEffective:   1200,
			wantAdjusted:    true,
		},
		{
			name:            "world size divides the work",
			tokensPerStep:   1600,
			tokensPerSample: 100,
			perWorkerBatch:  2,
			worldSize:       4,
			wantGradAcc:     2,
			wantEffective:   1600,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := PlanAccumulation(tc.tokensPerStep, tc.tokensPerSample, tc.perWorkerBatch, tc.worldSize)
			if err != nil {
				t.Fatalf("PlanAccumulation: %v", err)
			}
			if plan.GradAccSteps != tc.wantGradAcc {
				t.Fatalf("grad acc = %d, want %d", plan.GradAccSteps, tc.wantGradAcc)
			}
			if plan.EffectiveTokens != tc.wantEffective {
				t.Fatalf("effective tokens = %d, want %d", plan.EffectiveTokens, tc.wantEffective)
			}
			if plan.Adjusted != tc.wantAdjusted {
				t.Fatalf("adjusted = %t, want %t", plan.Adjusted, tc.wantAdjusted)
			}
		})
	}
}

func TestPlanAccumulationRejectsIndivisibleTokens(t *testing.T) {
	if _, err := PlanAccumulation(1000, 150, 1, 1); !errors.Is(err, model.ErrConfig) {
		t.Fatalf("PlanAccumulation error = %v, want ErrConfig", err)
	}
}

func TestPlanAccumulationRejectsNonPositiveInputs(t *testing.T) {
	cases := [][4]int{
		{0, 100, 1, 1},
		{1000, 0, 1, 1},
		{1000, 100, 0, 1},
		{1000, 100, 1, 0},
	}
	for _, c := range cases {
		if _, err := PlanAccumulation(c[0], c[1], c[2], c[3]); !errors.Is(err, model.ErrConfig) {
			t.Fatalf("PlanAccumulation(%v) error = %v, want ErrConfig", c, err)
		}
	}
}
