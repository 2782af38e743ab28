package lens

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"tunedlens/internal/model"
)

// TranslatorNorms summarizes one translator's distance from the identity
// transform.
type TranslatorNorms struct {
	Layer      int     `json:"layer"`
	WeightNorm float64 `json:"weight_norm"`
	BiasNorm   float64 `json:"bias_norm"`
}

// Describe reads a persisted lens without pairing it to a decode adapter and
// reports its config and per-translator parameter norms. Zero norms mean the
// translator is still the identity.
func Describe(dir string) (Config, []TranslatorNorms, error) {
	configData, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return Config{}, nil, err
	}
	cfg, err := DecodeConfig(configData)
	if err != nil {
		return Config{}, nil, err
	}

	paramsData, err := os.ReadFile(filepath.Join(dir, ParamsFile))
	if err != nil {
		return Config{}, nil, err
	}
	var records map[string]translatorRecord
	if err := json.Unmarshal(paramsData, &records); err != nil {
		return Config{}, nil, fmt.Errorf("%w: %v", model.ErrConfig, err)
	}

	norms := make([]TranslatorNorms, cfg.NumHiddenLayers)
	for key, rec := range records {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= cfg.NumHiddenLayers {
			return Config{}, nil, fmt.Errorf("%w: invalid translator key %q", model.ErrConfig, key)
		}
		norms[idx] = TranslatorNorms{
			Layer:      idx,
			WeightNorm: vectorNorm(rec.Weight),
			BiasNorm:   vectorNorm(rec.Bias),
		}
	}
	return cfg, norms, nil
}

// Norms reports the live lens's per-translator parameter norms.
func (l *TunedLens) Norms() []TranslatorNorms {
	norms := make([]TranslatorNorms, len(l.translators))
	for i, t := range l.translators {
		norms[i] = TranslatorNorms{
			Layer:      i,
			WeightNorm: vectorNorm(t.Weight.RawMatrix().Data),
		}
		if t.Bias != nil {
			norms[i].BiasNorm = vectorNorm(t.Bias.RawVector().Data)
		}
	}
	return norms
}

func vectorNorm(values []float64) float64 {
	var sq float64
	for _, v := range values {
		sq += v * v
	}
	return math.Sqrt(sq)
}
