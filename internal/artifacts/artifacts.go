package artifacts

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"tunedlens/internal/metrics"
	"tunedlens/internal/train"
)

const runIndexFile = "run_index.json"

// RunArtifacts is everything a finished training run leaves on disk, keyed by
// the run id. The lens parameters themselves live in the lens output
// directory; artifacts cover the run's provenance and history.
type RunArtifacts struct {
	Config      train.Config          `json:"config"`
	Summary     train.RunSummary      `json:"summary"`
	LossHistory []metrics.StepMetrics `json:"loss_history,omitempty"`
}

type RunIndexEntry struct {
	RunID           string  `json:"run_id"`
	Model           string  `json:"model"`
	Objective       string  `json:"objective"`
	Optimizer       string  `json:"optimizer"`
	Steps           int     `json:"steps"`
	EffectiveTokens int     `json:"effective_tokens_per_step"`
	Workers         int     `json:"workers"`
	Seed            int64   `json:"seed"`
	FinalLoss       float64 `json:"final_loss"`
	LensDir         string  `json:"lens_dir,omitempty"`
	CreatedAtUTC    string  `json:"created_at_utc"`
}

// WriteRunArtifacts writes the run's config, summary and loss history under
// baseDir/<run_id> and returns that directory.
func WriteRunArtifacts(baseDir string, run RunArtifacts) (string, error) {
	if run.Summary.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, run.Summary.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), run.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "summary.json"), run.Summary); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "loss_history.json"), run.LossHistory); err != nil {
		return "", err
	}
	return runDir, nil
}

// AppendRunIndex records the run in baseDir's index, replacing any existing
// entry with the same run id.
func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the run index sorted newest first. A missing index
// reads as empty.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ReadRunConfig reads a recorded run's training config.
func ReadRunConfig(baseDir, runID string) (train.Config, bool, error) {
	path := filepath.Join(baseDir, runID, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return train.Config{}, false, nil
		}
		return train.Config{}, false, err
	}

	var cfg train.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return train.Config{}, false, err
	}
	return cfg, true, nil
}

// ReadRunSummary reads a recorded run's summary.
func ReadRunSummary(baseDir, runID string) (train.RunSummary, bool, error) {
	path := filepath.Join(baseDir, runID, "summary.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return train.RunSummary{}, false, nil
		}
		return train.RunSummary{}, false, err
	}

	var summary train.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return train.RunSummary{}, false, err
	}
	return summary, true, nil
}

// ReadLossHistory reads a recorded run's per-step loss history.
func ReadLossHistory(baseDir, runID string) ([]metrics.StepMetrics, bool, error) {
	path := filepath.Join(baseDir, runID, "loss_history.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var history []metrics.StepMetrics
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, false, err
	}
	return history, true, nil
}

// WriteLossSeries exports one metric of the loss history as a two-column CSV
// for plotting.
func WriteLossSeries(runDir, name string, history []metrics.StepMetrics) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("series name is required")
	}
	path := filepath.Join(runDir, "loss_series.csv")
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"step", name}); err != nil {
		return err
	}
	for _, step := range history {
		value, ok := step.Values[name]
		if !ok {
			continue
		}
		if err := writer.Write([]string{
			strconv.Itoa(step.Step),
			strconv.FormatFloat(value, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadLossSeries reads back an exported loss series.
func ReadLossSeries(baseDir, runID string) ([]float64, bool, error) {
	path := filepath.Join(baseDir, runID, "loss_series.csv")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("loss series header must have at least 2 columns")
	}

	series := make([]float64, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 2 {
			return nil, false, fmt.Errorf("loss series row must have at least 2 columns")
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
