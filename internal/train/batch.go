package train

import (
	"fmt"

	"tunedlens/internal/model"
)

// Plan captures the batch and gradient-accumulation arithmetic for one run.
// It is resolved before any compute-heavy work begins.
type Plan struct {
	TokensPerSample int
	SamplesPerStep  int
	GradAccSteps    int

	// EffectiveTokens is the token count actually consumed per optimizer
	// step. When the requested tokens_per_step is not an exact multiple of
	// the global batch, accumulation rounds up and EffectiveTokens exceeds
	// the request; it is never less.
	EffectiveTokens int
	Adjusted        bool
}

// PlanAccumulation derives the gradient-accumulation count from the target
// tokens per optimizer step and the fixed per-worker micro-batch size.
func PlanAccumulation(tokensPerStep, tokensPerSample, perWorkerBatch, worldSize int) (Plan, error) {
	if tokensPerStep <= 0 || tokensPerSample <= 0 || perWorkerBatch <= 0 || worldSize <= 0 {
		return Plan{}, fmt.Errorf("%w: accumulation inputs must be > 0 (tokens_per_step=%d tokens_per_sample=%d per_worker_batch=%d world_size=%d)",
			model.ErrConfig, tokensPerStep, tokensPerSample, perWorkerBatch, worldSize)
	}

	samplesPerStep := tokensPerStep / tokensPerSample
	if tokensPerStep%tokensPerSample != 0 {
		return Plan{}, fmt.Errorf("%w: tokens per step (%d) must be divisible by tokens per sample (%d)",
			model.ErrConfig, tokensPerStep, tokensPerSample)
	}

	globalBatch := perWorkerBatch * worldSize
	gradAcc := samplesPerStep / globalBatch
	adjusted := false
	if samplesPerStep%globalBatch != 0 {
		gradAcc++
		adjusted = true
	}

	return Plan{
		TokensPerSample: tokensPerSample,
		SamplesPerStep:  samplesPerStep,
		GradAccSteps:    gradAcc,
		EffectiveTokens: gradAcc * globalBatch * tokensPerSample,
		Adjusted:        adjusted,
	}, nil
}
