// Package tunedlens is the embedding API for training and inspecting tuned
// lenses: learned per-layer probes that decode a transformer's intermediate
// hidden states into vocabulary logits.
package tunedlens

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"tunedlens/internal/artifacts"
	"tunedlens/internal/dataset"
	"tunedlens/internal/lens"
	"tunedlens/internal/metrics"
	"tunedlens/internal/model"
	"tunedlens/internal/resolver"
	"tunedlens/internal/train"
	"tunedlens/internal/unembed"
)

const (
	defaultRunsDir  = "runs"
	defaultLensRoot = "lenses"
	defaultDBPath   = "tunedlens.db"
)

type Options struct {
	MetricsKind string
	DBPath      string
	RunsDir     string
	LensRoot    string
}

type Client struct {
	sink     metrics.Sink
	resolver *resolver.Local

	runsDir  string
	lensRoot string

	initOnce sync.Once
	initErr  error
}

type TrainRequest struct {
	// Model supplies forward passes. With Workers > 1 it is called
	// concurrently from every worker and must be safe for that.
	Model   model.Model
	Unembed *unembed.Unembed
	Lens    lens.Config
	Samples [][]int
	Train   train.Config

	// Workers is the data-parallel worker count, one goroutine each.
	Workers int
}

type TrainSummary struct {
	RunID        string
	LensDir      string
	ArtifactsDir string
	Steps        int
	FinalLoss    map[string]float64

	// Lens is the coordinating worker's trained replica.
	Lens *lens.TunedLens
}

type InspectSummary struct {
	Config lens.Config
	Layers []lens.TranslatorNorms
}

func New(opts Options) (*Client, error) {
	metricsKind := opts.MetricsKind
	if metricsKind == "" {
		metricsKind = metrics.DefaultSinkKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	lensRoot := opts.LensRoot
	if lensRoot == "" {
		lensRoot = defaultLensRoot
	}

	sink, err := metrics.NewSink(metricsKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		sink:     sink,
		resolver: resolver.NewLocal(lensRoot),
		runsDir:  runsDir,
		lensRoot: lensRoot,
	}, nil
}

func (c *Client) Close() error {
	return metrics.CloseIfSupported(c.sink)
}

func (c *Client) ensureInit(ctx context.Context) error {
	c.initOnce.Do(func() {
		c.initErr = c.sink.Init(ctx)
	})
	return c.initErr
}

// Train runs one lens-training run to completion and records its artifacts.
// Every worker trains an identical lens replica; gradients are averaged
// across workers each step, so the replicas never diverge.
func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainSummary, error) {
	if req.Model == nil {
		return TrainSummary{}, errors.New("a model is required")
	}
	if req.Unembed == nil {
		return TrainSummary{}, errors.New("a decode adapter is required")
	}
	if err := c.ensureInit(ctx); err != nil {
		return TrainSummary{}, err
	}

	workers := req.Workers
	if workers <= 0 {
		workers = 1
	}

	data, err := dataset.New(req.Samples)
	if err != nil {
		return TrainSummary{}, err
	}

	cfg := req.Train
	runID := cfg.RunName
	if runID == "" {
		runID = uuid.NewString()
		cfg.RunName = runID
	}
	if cfg.Output == "" {
		cfg.Output = filepath.Join(c.lensRoot, runID)
	}

	comms := []train.Communicator{train.SingleProcess{}}
	if workers > 1 {
		comms = train.NewGroup(workers)
	}

	lenses := make([]*lens.TunedLens, workers)
	trainers := make([]*train.Trainer, workers)
	for rank := 0; rank < workers; rank++ {
		l, err := lens.New(req.Unembed, req.Lens)
		if err != nil {
			return TrainSummary{}, err
		}
		var sink metrics.Sink
		if rank == 0 {
			sink = c.sink
		}
		t, err := train.NewTrainer(cfg, l, req.Model, data, comms[rank], sink)
		if err != nil {
			return TrainSummary{}, err
		}
		lenses[rank] = l
		trainers[rank] = t
	}

	summaries := make([]train.RunSummary, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for rank := 0; rank < workers; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			summaries[rank], errs[rank] = trainers[rank].Run(ctx)
		}(rank)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return TrainSummary{}, err
		}
	}
	summary := summaries[0]

	history, _, err := c.sink.History(ctx, summary.RunID)
	if err != nil {
		return TrainSummary{}, err
	}
	runDir, err := artifacts.WriteRunArtifacts(c.runsDir, artifacts.RunArtifacts{
		Config:      cfg,
		Summary:     summary,
		LossHistory: history,
	})
	if err != nil {
		return TrainSummary{}, err
	}
	if err := artifacts.AppendRunIndex(c.runsDir, artifacts.RunIndexEntry{
		RunID:           summary.RunID,
		Model:           req.Lens.BaseModelNameOrPath,
		Objective:       string(cfg.Objective),
		Optimizer:       string(cfg.Optimizer),
		Steps:           summary.Steps,
		EffectiveTokens: summary.EffectiveTokens,
		Workers:         workers,
		Seed:            cfg.Seed,
		FinalLoss:       meanLoss(summary.FinalLoss),
		LensDir:         summary.OutputDir,
		CreatedAtUTC:    time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return TrainSummary{}, err
	}

	return TrainSummary{
		RunID:        summary.RunID,
		LensDir:      summary.OutputDir,
		ArtifactsDir: runDir,
		Steps:        summary.Steps,
		FinalLoss:    summary.FinalLoss,
		Lens:         lenses[0],
	}, nil
}

// Load resolves a persisted lens by id and pairs it with a decode adapter.
func (c *Client) Load(u *unembed.Unembed, id string) (*lens.TunedLens, error) {
	artifact, err := c.resolver.Resolve(id)
	if err != nil {
		return nil, err
	}
	return lens.Load(u, artifact.Dir)
}

// Inspect summarizes a persisted lens without needing its model.
func (c *Client) Inspect(id string) (InspectSummary, error) {
	artifact, err := c.resolver.Resolve(id)
	if err != nil {
		return InspectSummary{}, err
	}
	cfg, layers, err := lens.Describe(artifact.Dir)
	if err != nil {
		return InspectSummary{}, err
	}
	return InspectSummary{Config: cfg, Layers: layers}, nil
}

// Runs lists recorded runs, newest first.
func (c *Client) Runs(limit int) ([]artifacts.RunIndexEntry, error) {
	entries, err := artifacts.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// LossHistory returns a recorded run's per-step losses. It prefers the live
// metrics sink and falls back to the run's artifact directory.
func (c *Client) LossHistory(ctx context.Context, runID string) ([]metrics.StepMetrics, bool, error) {
	if err := c.ensureInit(ctx); err != nil {
		return nil, false, err
	}
	history, ok, err := c.sink.History(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return history, true, nil
	}
	return artifacts.ReadLossHistory(c.runsDir, runID)
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
