package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"

	"tunedlens/internal/metrics"
	lensapi "tunedlens/pkg/tunedlens"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "inspect":
		return runInspect(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "loss":
		return runLoss(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runInspect(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	lensRoot := fs.String("lens-root", "lenses", "directory lens ids resolve under")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("inspect requires exactly one lens id")
	}

	client, err := lensapi.New(lensapi.Options{LensRoot: *lensRoot})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Inspect(fs.Arg(0))
	if err != nil {
		return err
	}

	cfg := summary.Config
	fmt.Printf("model=%s d_model=%d layers=%d bias=%t lens_type=%s\n",
		cfg.BaseModelNameOrPath, cfg.DModel, cfg.NumHiddenLayers, cfg.Bias, cfg.LensType)
	if cfg.UnembedHash != nil {
		fmt.Printf("unembed_hash=%s\n", *cfg.UnembedHash)
	}
	for _, layer := range summary.Layers {
		fmt.Printf("layer=%d weight_norm=%.6f bias_norm=%.6f\n", layer.Layer, layer.WeightNorm, layer.BiasNorm)
	}
	return nil
}

func runRuns(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	runsDir := fs.String("runs-dir", "runs", "run artifacts directory")
	limit := fs.Int("limit", 20, "maximum runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := lensapi.New(lensapi.Options{RunsDir: *runsDir})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	entries, err := client.Runs(*limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no recorded runs")
		return nil
	}
	for _, entry := range entries {
		fmt.Printf("run=%s created=%s model=%s objective=%s optimizer=%s steps=%d tokens_per_step=%s workers=%d final_loss=%.4f\n",
			entry.RunID, entry.CreatedAtUTC, entry.Model, entry.Objective, entry.Optimizer,
			entry.Steps, humanize.Comma(int64(entry.EffectiveTokens)), entry.Workers, entry.FinalLoss)
	}
	return nil
}

func runLoss(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("loss", flag.ContinueOnError)
	runsDir := fs.String("runs-dir", "runs", "run artifacts directory")
	metricsKind := fs.String("metrics", metrics.DefaultSinkKind(), "metrics backend: memory|sqlite")
	dbPath := fs.String("db-path", "tunedlens.db", "sqlite database path")
	last := fs.Int("last", 10, "steps to show from the end of the run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("loss requires exactly one run id")
	}

	client, err := lensapi.New(lensapi.Options{
		RunsDir:     *runsDir,
		MetricsKind: *metricsKind,
		DBPath:      *dbPath,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	history, ok, err := client.LossHistory(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no loss history for run %s", fs.Arg(0))
	}

	start := 0
	if *last > 0 && len(history) > *last {
		start = len(history) - *last
	}
	for _, step := range history[start:] {
		names := make([]string, 0, len(step.Values))
		for name := range step.Values {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Printf("step=%d", step.Step)
		for _, name := range names {
			fmt.Printf(" %s=%.4f", name, step.Values[name])
		}
		fmt.Println()
	}
	return nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: lensctl <inspect|runs|loss> [flags]", msg)
}
