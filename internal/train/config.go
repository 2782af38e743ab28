package train

import (
	"fmt"

	"tunedlens/internal/model"
)

// Objective selects the per-layer training loss, fixed for a run.
type Objective string

const (
	// ObjectiveCE trains against shifted next-token ids with cross entropy.
	ObjectiveCE Objective = "ce"
	// ObjectiveKL trains against the model's own final distribution with
	// forward KL divergence.
	ObjectiveKL Objective = "kl"
)

// OptimizerKind selects the parameter update rule.
type OptimizerKind string

const (
	OptimizerAdam OptimizerKind = "adam"
	OptimizerSGD  OptimizerKind = "sgd"
)

// Config is the recognized training-run configuration surface.
type Config struct {
	Objective      Objective     `json:"objective"`
	NumSteps       int           `json:"num_steps"`
	TokensPerStep  int           `json:"tokens_per_step"`
	PerWorkerBatch int           `json:"per_worker_batch"`
	Optimizer      OptimizerKind `json:"optimizer"`

	// Momentum is the SGD momentum coefficient, or beta1 for Adam.
	Momentum    float64 `json:"momentum"`
	WeightDecay float64 `json:"weight_decay"`

	// LRScale multiplies the optimizer's default learning rate.
	LRScale float64 `json:"lr_scale"`

	// WarmupSteps overrides the scheduler's warmup length. Nil selects the
	// documented empirical default: 0 for SGD, min(1000, num_steps/5) for
	// Adam.
	WarmupSteps *int `json:"warmup_steps,omitempty"`

	// TokenShift overrides the objective's default label shift (1 for ce,
	// 0 for kl).
	TokenShift *int `json:"token_shift,omitempty"`

	// ConstantBias trains only the bias terms, freezing translator weights.
	ConstantBias bool `json:"constant_bias"`

	// Lasso is the L1 sparsity coefficient, applied per layer.
	Lasso float64 `json:"lasso"`

	// Resume points at a lens artifact directory to warm-start from. Only
	// translator weights are restored; optimizer and scheduler state start
	// fresh.
	Resume string `json:"resume,omitempty"`

	// Output is the directory the trained lens is saved to.
	Output string `json:"output"`

	// ShardOptimizer partitions optimizer state across workers, each owning
	// a disjoint subset of parameters.
	ShardOptimizer bool `json:"shard_optimizer"`

	// RunName identifies the run to the metrics sink. Empty generates one.
	RunName string `json:"run_name,omitempty"`

	Seed int64 `json:"seed"`
}

func (c Config) withDefaults() Config {
	if c.Objective == "" {
		c.Objective = ObjectiveCE
	}
	if c.Optimizer == "" {
		c.Optimizer = OptimizerSGD
	}
	if c.NumSteps == 0 {
		c.NumSteps = 250
	}
	if c.TokensPerStep == 0 {
		c.TokensPerStep = 1 << 18
	}
	if c.PerWorkerBatch == 0 {
		c.PerWorkerBatch = 1
	}
	if c.Momentum == 0 {
		c.Momentum = 0.9
	}
	if c.LRScale == 0 {
		c.LRScale = 1.0
	}
	return c
}

func (c Config) validate() error {
	switch c.Objective {
	case ObjectiveCE, ObjectiveKL:
	default:
		return fmt.Errorf("%w: unknown objective %q", model.ErrConfig, c.Objective)
	}
	switch c.Optimizer {
	case OptimizerAdam, OptimizerSGD:
	default:
		return fmt.Errorf("%w: unknown optimizer %q", model.ErrConfig, c.Optimizer)
	}
	if c.NumSteps <= 0 {
		return fmt.Errorf("%w: num_steps must be > 0, got %d", model.ErrConfig, c.NumSteps)
	}
	if c.TokensPerStep <= 0 {
		return fmt.Errorf("%w: tokens_per_step must be > 0, got %d", model.ErrConfig, c.TokensPerStep)
	}
	if c.PerWorkerBatch <= 0 {
		return fmt.Errorf("%w: per_worker_batch must be > 0, got %d", model.ErrConfig, c.PerWorkerBatch)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return fmt.Errorf("%w: momentum must be in [0, 1), got %v", model.ErrConfig, c.Momentum)
	}
	if c.TokenShift != nil && *c.TokenShift < 0 {
		return fmt.Errorf("%w: token shift must be >= 0, got %d", model.ErrConfig, *c.TokenShift)
	}
	return nil
}

// shift returns the label shift for the run: the explicit override when
// supplied, otherwise 1 for ce (predict the next token) and 0 for kl (the
// reference distribution already encodes forward information).
func (c Config) shift() int {
	if c.TokenShift != nil {
		return *c.TokenShift
	}
	if c.Objective == ObjectiveKL {
		return 0
	}
	return 1
}

// warmupSteps returns the scheduler warmup length. Adam converges poorly
// without a warmup, SGD does not need one.
func (c Config) warmupSteps() int {
	if c.WarmupSteps != nil {
		return *c.WarmupSteps
	}
	if c.Optimizer == OptimizerAdam {
		warmup := c.NumSteps / 5
		if warmup > 1000 {
			warmup = 1000
		}
		return warmup
	}
	return 0
}

// baseLR returns the peak learning rate. SGD's effective step size is scaled
// up by 1/(1-momentum) inside the update rule, so the base rate is pre-scaled
// by (1-momentum) to compensate; after that the optimal scale is near unity.
func (c Config) baseLR() float64 {
	if c.Optimizer == OptimizerAdam {
		return c.LRScale * 1e-3
	}
	return c.LRScale * (1 - c.Momentum)
}
