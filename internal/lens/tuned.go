package lens

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"tunedlens/internal/model"
	"tunedlens/internal/unembed"
)

// Translator is one layer's learned affine transform: a d_model x d_model
// weight matrix and a d_model bias vector. Both start at zero, so a freshly
// constructed lens computes the identity transform.
type Translator struct {
	Weight *mat.Dense
	Bias   *mat.VecDense // nil when the lens was built without bias terms
}

// TunedLens holds one translator per non-final layer (the final layer's
// hidden state already equals the decode input) and a shared, non-owning
// reference to the model's Unembed.
type TunedLens struct {
	config      Config
	unembed     *unembed.Unembed
	translators []Translator
}

// New builds a zero-initialized tuned lens for the given decode adapter and
// stamps the config with the adapter's fingerprint.
func New(u *unembed.Unembed, cfg Config) (*TunedLens, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.DModel != u.DModel() {
		return nil, fmt.Errorf("%w: lens d_model %d does not match decode width %d",
			model.ErrConfig, cfg.DModel, u.DModel())
	}
	if cfg.LensType == "" {
		cfg.LensType = LensTypeLinear
	}
	hash := u.Fingerprint()
	cfg.UnembedHash = &hash

	translators := make([]Translator, cfg.NumHiddenLayers)
	for i := range translators {
		translators[i].Weight = mat.NewDense(cfg.DModel, cfg.DModel, nil)
		if cfg.Bias {
			translators[i].Bias = mat.NewVecDense(cfg.DModel, nil)
		}
	}

	return &TunedLens{
		config:      cfg,
		unembed:     u,
		translators: translators,
	}, nil
}

func (l *TunedLens) Config() Config {
	return l.config
}

func (l *TunedLens) Unembed() *unembed.Unembed {
	return l.unembed
}

// NumLayers returns the number of layer translators in the lens.
func (l *TunedLens) NumLayers() int {
	return len(l.translators)
}

// Translator returns the translator for the given layer. The caller may
// mutate its parameters in place; the lens retains ownership.
func (l *TunedLens) Translator(layer int) (Translator, error) {
	if layer < 0 || layer >= len(l.translators) {
		return Translator{}, fmt.Errorf("%w: %d of %d", model.ErrLayerOutOfRange, layer, len(l.translators))
	}
	return l.translators[layer], nil
}

// TransformHidden applies layer's translator residually: h + h*W^T + b. The
// translator output is added to h rather than replacing it, so weight decay
// pulls translators toward the identity transform instead of the zero map.
func (l *TunedLens) TransformHidden(h *mat.Dense, layer int) (*mat.Dense, error) {
	if layer < 0 || layer >= len(l.translators) {
		return nil, fmt.Errorf("%w: %d of %d", model.ErrLayerOutOfRange, layer, len(l.translators))
	}
	rows, cols := h.Dims()
	if cols != l.config.DModel {
		return nil, fmt.Errorf("%w: hidden width %d, want %d", model.ErrShapeMismatch, cols, l.config.DModel)
	}

	t := l.translators[layer]
	out := mat.NewDense(rows, cols, nil)
	out.Mul(h, t.Weight.T())
	out.Add(out, h)
	if t.Bias != nil {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				out.Set(r, c, out.At(r, c)+t.Bias.AtVec(c))
			}
		}
	}
	return out, nil
}

func (l *TunedLens) Forward(h *mat.Dense, layer int) (*mat.Dense, error) {
	transformed, err := l.TransformHidden(h, layer)
	if err != nil {
		return nil, err
	}
	return l.unembed.Decode(transformed)
}

// Normalize canonicalizes every translator by centering its weight columns
// and its bias. Adding the same constant to every row of the weight matrix
// and to the bias only shifts all output logits uniformly, which the fixed
// decode does not distinguish; removing that degenerate direction keeps the
// optimization strictly convex and makes parameters comparable across runs.
// Idempotent. Applied once per optimizer step, never per micro-batch.
func (l *TunedLens) Normalize() {
	for i := range l.translators {
		w := l.translators[i].Weight
		rows, cols := w.Dims()
		for c := 0; c < cols; c++ {
			var mean float64
			for r := 0; r < rows; r++ {
				mean += w.At(r, c)
			}
			mean /= float64(rows)
			for r := 0; r < rows; r++ {
				w.Set(r, c, w.At(r, c)-mean)
			}
		}

		b := l.translators[i].Bias
		if b == nil {
			continue
		}
		var mean float64
		for c := 0; c < b.Len(); c++ {
			mean += b.AtVec(c)
		}
		mean /= float64(b.Len())
		for c := 0; c < b.Len(); c++ {
			b.SetVec(c, b.AtVec(c)-mean)
		}
	}
}
