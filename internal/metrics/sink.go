package metrics

import "context"

// StepMetrics is one optimizer step's worth of scalar metrics.
type StepMetrics struct {
	Step   int                `json:"step"`
	Values map[string]float64 `json:"values"`
}

// Sink records per-step scalar training metrics. Only the coordinating
// worker invokes a sink; implementations need not be safe for concurrent use
// by multiple runs unless documented otherwise.
type Sink interface {
	Init(ctx context.Context) error
	Record(ctx context.Context, runID string, step int, values map[string]float64) error
	History(ctx context.Context, runID string) ([]StepMetrics, bool, error)
}

// CloseIfSupported closes sinks that hold external resources.
func CloseIfSupported(sink Sink) error {
	closer, ok := sink.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
