package lens

import (
	"encoding/json"
	"fmt"
	"sort"

	"tunedlens/internal/model"
)

// LensTypeLinear is the lens kind tag written by this package.
const LensTypeLinear = "linear_tuned_lens"

// Config records the hyperparameters and provenance of a tuned lens.
type Config struct {
	BaseModelNameOrPath string  `json:"base_model_name_or_path"`
	DModel              int     `json:"d_model"`
	NumHiddenLayers     int     `json:"num_hidden_layers"`
	Bias                bool    `json:"bias"`
	BaseModelRevision   *string `json:"base_model_revision"`
	UnembedHash         *string `json:"unembed_hash"`
	LensType            string  `json:"lens_type"`
}

func (c Config) validate() error {
	if c.DModel <= 0 {
		return fmt.Errorf("%w: d_model must be > 0, got %d", model.ErrConfig, c.DModel)
	}
	if c.NumHiddenLayers <= 0 {
		return fmt.Errorf("%w: num_hidden_layers must be > 0, got %d", model.ErrConfig, c.NumHiddenLayers)
	}
	return nil
}

var knownConfigKeys = map[string]bool{
	"base_model_name_or_path": true,
	"d_model":                 true,
	"num_hidden_layers":       true,
	"bias":                    true,
	"base_model_revision":     true,
	"unembed_hash":            true,
	"lens_type":               true,
}

// DecodeConfig parses a persisted lens config. Unrecognized keys are dropped
// with a warning rather than failing the load, so configs written by newer
// versions still round-trip through older ones.
func DecodeConfig(data []byte) (Config, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("%w: %v", model.ErrConfig, err)
	}

	unrecognized := make([]string, 0)
	for key := range raw {
		if !knownConfigKeys[key] {
			unrecognized = append(unrecognized, key)
		}
	}
	sort.Strings(unrecognized)
	for _, key := range unrecognized {
		warnf("ignoring config key %q", key)
		delete(raw, key)
	}

	filtered, err := json.Marshal(raw)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", model.ErrConfig, err)
	}
	var cfg Config
	if err := json.Unmarshal(filtered, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", model.ErrConfig, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
