package train

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"gonum.org/v1/gonum/mat"

	"tunedlens/internal/dataset"
	"tunedlens/internal/lens"
	"tunedlens/internal/metrics"
	"tunedlens/internal/model"
	"tunedlens/internal/stream"
)

const maxGradNorm = 1.0

// Trainer owns one lens-training run. Every data-parallel worker constructs
// its own Trainer around its own lens replica; the replicas stay identical
// because gradients are all-reduced before any worker steps.
type Trainer struct {
	cfg   Config
	lens  *lens.TunedLens
	model model.Model
	data  *dataset.Dataset
	comm  Communicator
	sink  metrics.Sink
}

// NewTrainer validates cfg and binds a run to its lens, model and data. A nil
// comm means single-worker; a nil sink disables metrics recording.
func NewTrainer(cfg Config, l *lens.TunedLens, m model.Model, d *dataset.Dataset, comm Communicator, sink metrics.Sink) (*Trainer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if comm == nil {
		comm = SingleProcess{}
	}
	return &Trainer{cfg: cfg, lens: l, model: m, data: d, comm: comm, sink: sink}, nil
}

// RunSummary reports what a finished run actually did.
type RunSummary struct {
	RunID           string             `json:"run_id"`
	Steps           int                `json:"steps"`
	GradAccSteps    int                `json:"grad_acc_steps"`
	EffectiveTokens int                `json:"effective_tokens_per_step"`
	FinalLoss       map[string]float64 `json:"final_loss"`
	OutputDir       string             `json:"output_dir,omitempty"`
}

// Run executes the training loop to completion and, on the coordinating
// worker, saves the trained lens to the configured output directory.
func (t *Trainer) Run(ctx context.Context) (RunSummary, error) {
	cfg := t.cfg
	rank, world := t.comm.Rank(), t.comm.WorldSize()
	coordinator := rank == 0

	plan, err := PlanAccumulation(cfg.TokensPerStep, t.data.TokensPerSample(), cfg.PerWorkerBatch, world)
	if err != nil {
		return RunSummary{}, err
	}
	shift := cfg.shift()
	if shift >= t.data.TokensPerSample() {
		return RunSummary{}, fmt.Errorf("%w: shift %d leaves no usable positions in samples of %d tokens",
			model.ErrConfig, shift, t.data.TokensPerSample())
	}

	if cfg.Resume != "" {
		if err := t.restore(cfg.Resume); err != nil {
			return RunSummary{}, err
		}
	}

	params, err := collectParams(t.lens, cfg.ConstantBias)
	if err != nil {
		return RunSummary{}, err
	}
	stepParams := params.flat
	sharded := cfg.ShardOptimizer && world > 1
	if sharded {
		stepParams = shardParams(params.flat, rank, world)
	}
	opt, err := newOptimizer(cfg.Optimizer, stepParams, cfg)
	if err != nil {
		return RunSummary{}, err
	}
	sched := NewSchedule(cfg.baseLR(), cfg.warmupSteps(), cfg.NumSteps)

	runID := cfg.RunName
	if runID == "" {
		runID = uuid.NewString()
	}

	shard, err := t.data.Shuffled(cfg.Seed).Shard(rank, world)
	if err != nil {
		return RunSummary{}, err
	}
	iter := shard.Iterator()

	if coordinator {
		if plan.Adjusted {
			fmt.Printf("note: rounding grad accumulation up to %d; consuming %s tokens per step (%s requested)\n",
				plan.GradAccSteps, humanize.Comma(int64(plan.EffectiveTokens)), humanize.Comma(int64(cfg.TokensPerStep)))
		}
		fmt.Printf("run=%s steps=%d workers=%d grad_acc=%d tokens_per_step=%s\n",
			runID, cfg.NumSteps, world, plan.GradAccSteps, humanize.Comma(int64(plan.EffectiveTokens)))
	}
	progress := coordinator && isatty.IsTerminal(os.Stdout.Fd())

	lastLoss := map[string]float64{}
	for step := 0; step < cfg.NumSteps; step++ {
		if err := ctx.Err(); err != nil {
			return RunSummary{}, err
		}
		lr := sched.At(step)

		sums := map[string]float64{}
		for micro := 0; micro < plan.GradAccSteps; micro++ {
			batch := iter.Next(cfg.PerWorkerBatch)
			out, err := t.model.Forward(ctx, batch)
			if err != nil {
				return RunSummary{}, err
			}
			if err := t.checkOutput(out, len(batch)); err != nil {
				return RunSummary{}, err
			}

			var klLabels *mat.Dense
			if cfg.Objective == ObjectiveKL {
				klLabels = logSoftmaxRows(out.FinalLogits)
			}

			st := stream.New(out.HiddenStates[0], out.HiddenStates[1:len(out.HiddenStates)-1])
			for i := 0; i < st.Len(); i++ {
				layer := st.Layer(i)
				loss, err := t.layerStep(layer.State, i, batch, klLabels, out.SeqLen, shift, plan.GradAccSteps, params.byLayer[i])
				if err != nil {
					return RunSummary{}, err
				}
				buf := []float64{loss}
				if err := t.comm.AllReduceSum(buf); err != nil {
					return RunSummary{}, err
				}
				sums["loss/"+layer.Name] += buf[0] / float64(world)
			}
		}

		// Average accumulated gradients across workers before any worker
		// steps; this is the hard synchronization point of each step.
		if world > 1 {
			for _, p := range params.flat {
				if err := t.comm.AllReduceSum(p.Grad); err != nil {
					return RunSummary{}, err
				}
				for i := range p.Grad {
					p.Grad[i] /= float64(world)
				}
			}
		}

		clipGradNorm(params.flat, maxGradNorm)
		opt.Step(lr)
		if sharded {
			// Each worker updated only its owned parameters; reassemble the
			// full parameter vector from the owners.
			if err := t.syncShardedParams(params.flat, stepParams); err != nil {
				return RunSummary{}, err
			}
		}
		zeroGrads(params.flat)
		t.lens.Normalize()

		for name := range sums {
			sums[name] /= float64(plan.GradAccSteps)
		}
		lastLoss = sums
		if coordinator {
			if t.sink != nil {
				values := make(map[string]float64, len(sums)+2*t.lens.NumLayers())
				for name, v := range sums {
					values[name] = v
				}
				for _, n := range t.lens.Norms() {
					name := stream.LayerName(n.Layer)
					values["weight_norm/"+name] = n.WeightNorm
					values["bias_norm/"+name] = n.BiasNorm
				}
				if err := t.sink.Record(ctx, runID, step, values); err != nil {
					return RunSummary{}, err
				}
			}
			if progress {
				fmt.Printf("step=%d/%d lr=%.3g loss=%.4f\n", step+1, cfg.NumSteps, lr, meanLoss(sums))
			}
		}
	}

	summary := RunSummary{
		RunID:           runID,
		Steps:           cfg.NumSteps,
		GradAccSteps:    plan.GradAccSteps,
		EffectiveTokens: plan.EffectiveTokens,
		FinalLoss:       lastLoss,
	}
	if coordinator && cfg.Output != "" {
		if err := t.lens.Save(cfg.Output); err != nil {
			return RunSummary{}, err
		}
		summary.OutputDir = cfg.Output
	}
	return summary, nil
}

// layerStep runs one layer's forward and backward pass for a micro-batch and
// accumulates translator gradients. The returned loss is the unscaled
// per-position mean for logging; the accumulated gradients carry the
// 1/grad_acc factor.
func (t *Trainer) layerStep(h *mat.Dense, layer int, batch [][]int, klLabels *mat.Dense, seqLen, shift, gradAcc int, lp layerParams) (float64, error) {
	transformed, err := t.lens.TransformHidden(h, layer)
	if err != nil {
		return 0, err
	}
	logits, err := t.lens.Unembed().Decode(transformed)
	if err != nil {
		return 0, err
	}

	var loss float64
	var dLogits *mat.Dense
	switch t.cfg.Objective {
	case ObjectiveKL:
		loss, dLogits, err = klLossGrad(logits, klLabels, len(batch), seqLen, shift, gradAcc)
	default:
		loss, dLogits, err = ceLossGrad(logits, batch, seqLen, shift, gradAcc)
	}
	if err != nil {
		return 0, err
	}

	dHidden, err := t.lens.Unembed().VJP(transformed, dLogits)
	if err != nil {
		return 0, err
	}

	// The translator output is h*W^T + b, so dW = dHidden^T * h and db is
	// the column sums of dHidden.
	if lp.weight != nil {
		_, d := h.Dims()
		dW := mat.NewDense(d, d, nil)
		dW.Mul(dHidden.T(), h)
		raw := dW.RawMatrix().Data
		for i := range lp.weight.Grad {
			lp.weight.Grad[i] += raw[i]
		}
	}
	if lp.bias != nil {
		rows, cols := dHidden.Dims()
		for c := 0; c < cols; c++ {
			var sum float64
			for r := 0; r < rows; r++ {
				sum += dHidden.At(r, c)
			}
			lp.bias.Grad[c] += sum
		}
	}

	if t.cfg.Lasso > 0 {
		scale := t.cfg.Lasso / float64(gradAcc)
		if lp.weight != nil {
			for i, v := range lp.weight.Data {
				lp.weight.Grad[i] += scale * sign(v)
			}
		}
		if lp.bias != nil {
			for i, v := range lp.bias.Data {
				lp.bias.Grad[i] += scale * sign(v)
			}
		}
	}
	return loss, nil
}

// checkOutput validates one forward pass against the lens geometry before any
// gradient work uses it.
func (t *Trainer) checkOutput(out model.Output, batchSize int) error {
	if t.cfg.Objective == ObjectiveKL && out.FinalLogits == nil {
		return fmt.Errorf("%w: kl objective requires final logits from the model", model.ErrConfig)
	}
	if out.Batch != batchSize {
		return fmt.Errorf("%w: model returned batch %d, want %d", model.ErrShapeMismatch, out.Batch, batchSize)
	}
	if out.SeqLen != t.data.TokensPerSample() {
		return fmt.Errorf("%w: model returned sequence length %d, want %d",
			model.ErrShapeMismatch, out.SeqLen, t.data.TokensPerSample())
	}
	want := t.lens.NumLayers() + 1
	if len(out.HiddenStates) != want {
		return fmt.Errorf("%w: model returned %d hidden states, lens expects %d (embeddings plus every layer)",
			model.ErrConfig, len(out.HiddenStates), want)
	}
	dModel := t.lens.Config().DModel
	for i, h := range out.HiddenStates {
		rows, cols := h.Dims()
		if rows != batchSize*out.SeqLen || cols != dModel {
			return fmt.Errorf("%w: hidden state %d is %dx%d, want %dx%d",
				model.ErrShapeMismatch, i, rows, cols, batchSize*out.SeqLen, dModel)
		}
	}
	return nil
}

// restore copies translator weights from a saved lens into the live one.
// Optimizer and scheduler state deliberately start fresh; a resumed run
// re-warms its own schedule.
func (t *Trainer) restore(dir string) error {
	loaded, err := lens.Load(t.lens.Unembed(), dir)
	if err != nil {
		return err
	}
	if loaded.Config().DModel != t.lens.Config().DModel || loaded.NumLayers() != t.lens.NumLayers() {
		return fmt.Errorf("%w: resume lens is d_model=%d layers=%d, run expects d_model=%d layers=%d",
			model.ErrConfig, loaded.Config().DModel, loaded.NumLayers(), t.lens.Config().DModel, t.lens.NumLayers())
	}
	for i := 0; i < t.lens.NumLayers(); i++ {
		src, err := loaded.Translator(i)
		if err != nil {
			return err
		}
		dst, err := t.lens.Translator(i)
		if err != nil {
			return err
		}
		copy(dst.Weight.RawMatrix().Data, src.Weight.RawMatrix().Data)
		switch {
		case src.Bias != nil && dst.Bias != nil:
			copy(dst.Bias.RawVector().Data, src.Bias.RawVector().Data)
		case src.Bias != nil || dst.Bias != nil:
			return fmt.Errorf("%w: resume lens bias layout does not match the run's lens", model.ErrConfig)
		}
	}
	return nil
}

// shardParams returns the subset of params owned by rank under round-robin
// assignment. Ownership is a pure function of parameter order, so every
// worker derives the same partition.
func shardParams(params []*Param, rank, worldSize int) []*Param {
	owned := make([]*Param, 0, (len(params)+worldSize-1)/worldSize)
	for i, p := range params {
		if i%worldSize == rank {
			owned = append(owned, p)
		}
	}
	return owned
}

// syncShardedParams rebroadcasts parameter values after a sharded optimizer
// step: non-owned entries are zeroed locally and the all-reduce sum
// reassembles each parameter from its single owner. Parameters are therefore
// always fully materialized on every worker outside the step itself.
func (t *Trainer) syncShardedParams(all, owned []*Param) error {
	isOwned := make(map[*Param]bool, len(owned))
	for _, p := range owned {
		isOwned[p] = true
	}
	for _, p := range all {
		if !isOwned[p] {
			for i := range p.Data {
				p.Data[i] = 0
			}
		}
		if err := t.comm.AllReduceSum(p.Data); err != nil {
			return err
		}
	}
	return nil
}

func meanLoss(values map[string]float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
