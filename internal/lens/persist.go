package lens

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"tunedlens/internal/model"
	"tunedlens/internal/unembed"
)

const (
	// ParamsFile holds one weight+bias entry per non-final layer, keyed by
	// layer index.
	ParamsFile = "params.json"
	// ConfigFile holds the lens Config.
	ConfigFile = "config.json"
)

type translatorRecord struct {
	// Weight is the row-major d_model x d_model matrix.
	Weight []float64 `json:"weight"`
	Bias   []float64 `json:"bias,omitempty"`
}

// Save writes the translator parameters and config as two artifacts under
// dir, creating missing parent directories. Decode-adapter weights are never
// persisted; they are recomputed live from the paired model.
func (l *TunedLens) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	records := make(map[string]translatorRecord, len(l.translators))
	for i, t := range l.translators {
		raw := t.Weight.RawMatrix()
		rec := translatorRecord{Weight: append([]float64(nil), raw.Data...)}
		if t.Bias != nil {
			rec.Bias = append([]float64(nil), t.Bias.RawVector().Data...)
		}
		records[strconv.Itoa(i)] = rec
	}

	if err := writeJSON(filepath.Join(dir, ParamsFile), records); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, ConfigFile), l.config)
}

// Load reads a persisted lens from dir and pairs it with the supplied decode
// adapter. A fingerprint mismatch between the adapter and the persisted
// unembed hash is reported as a non-fatal warning: a stale fingerprint is
// common and should not block iteration. Structural incompatibilities between
// the config and the stored parameters are fatal.
func Load(u *unembed.Unembed, dir string) (*TunedLens, error) {
	configData, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	cfg, err := DecodeConfig(configData)
	if err != nil {
		return nil, err
	}

	if cfg.UnembedHash != nil && *cfg.UnembedHash != u.Fingerprint() {
		warnf("unembed fingerprint does not match the lens config; this lens may have been trained against a different model")
	}

	l, err := New(u, cfg)
	if err != nil {
		return nil, err
	}

	paramsData, err := os.ReadFile(filepath.Join(dir, ParamsFile))
	if err != nil {
		return nil, err
	}
	var records map[string]translatorRecord
	if err := json.Unmarshal(paramsData, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrConfig, err)
	}
	if len(records) != cfg.NumHiddenLayers {
		return nil, fmt.Errorf("%w: %d translators stored, config declares %d",
			model.ErrConfig, len(records), cfg.NumHiddenLayers)
	}

	for key, rec := range records {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= cfg.NumHiddenLayers {
			return nil, fmt.Errorf("%w: invalid translator key %q", model.ErrConfig, key)
		}
		if len(rec.Weight) != cfg.DModel*cfg.DModel {
			return nil, fmt.Errorf("%w: translator %d weight has %d values, want %d",
				model.ErrConfig, idx, len(rec.Weight), cfg.DModel*cfg.DModel)
		}
		t := l.translators[idx]
		copy(t.Weight.RawMatrix().Data, rec.Weight)
		switch {
		case cfg.Bias && len(rec.Bias) != cfg.DModel:
			return nil, fmt.Errorf("%w: translator %d bias has %d values, want %d",
				model.ErrConfig, idx, len(rec.Bias), cfg.DModel)
		case !cfg.Bias && rec.Bias != nil:
			return nil, fmt.Errorf("%w: translator %d has a bias but the config declares bias=false",
				model.ErrConfig, idx)
		case cfg.Bias:
			copy(t.Bias.RawVector().Data, rec.Bias)
		}
	}
	return l, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
