package metrics

import (
	"context"
	"sync"
)

// MemorySink keeps metrics in process memory. Used for tests and for runs
// that only need the final history.
type MemorySink struct {
	mu      sync.RWMutex
	history map[string][]StepMetrics
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = make(map[string][]StepMetrics)
	return nil
}

func (s *MemorySink) Record(_ context.Context, runID string, step int, values map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[string]float64, len(values))
	for k, v := range values {
		copied[k] = v
	}
	s.history[runID] = append(s.history[runID], StepMetrics{Step: step, Values: copied})
	return nil
}

func (s *MemorySink) History(_ context.Context, runID string) ([]StepMetrics, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.history[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]StepMetrics, len(history))
	copy(copied, history)
	return copied, true, nil
}
