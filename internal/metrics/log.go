package metrics

import (
	"context"
	"fmt"
	"io"
	"sort"
)

// LogSink prints each recorded step as one key=value line. It keeps no
// history; History always reports not found.
type LogSink struct {
	out io.Writer
}

func NewLogSink(out io.Writer) *LogSink {
	return &LogSink{out: out}
}

func (s *LogSink) Init(_ context.Context) error {
	return nil
}

func (s *LogSink) Record(_ context.Context, runID string, step int, values map[string]float64) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	if _, err := fmt.Fprintf(s.out, "run=%s step=%d", runID, step); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := fmt.Fprintf(s.out, " %s=%.6f", name, values[name]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(s.out)
	return err
}

func (s *LogSink) History(_ context.Context, _ string) ([]StepMetrics, bool, error) {
	return nil, false, nil
}
