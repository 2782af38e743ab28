package lens

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"tunedlens/internal/model"
	"tunedlens/internal/unembed"
)

const (
	testDModel = 4
	testVocab  = 6
	testLayers = 3
)

func newTestUnembed(t *testing.T) *unembed.Unembed {
	t.Helper()
	w := mat.NewDense(testVocab, testDModel, nil)
	for r := 0; r < testVocab; r++ {
		for c := 0; c < testDModel; c++ {
			w.Set(r, c, math.Sin(float64(r*testDModel+c+1)))
		}
	}
	gain := make([]float64, testDModel)
	offset := make([]float64, testDModel)
	for c := range gain {
		gain[c] = 1.0 + 0.05*float64(c)
		offset[c] = 0.01 * float64(c)
	}
	u, err := unembed.New(unembed.NormLayerNorm, gain, offset, w)
	if err != nil {
		t.Fatalf("unembed.New: %v", err)
	}
	return u
}

func newTestLens(t *testing.T, bias bool) *TunedLens {
	t.Helper()
	l, err := New(newTestUnembed(t), Config{
		BaseModelNameOrPath: "test/model",
		DModel:              testDModel,
		NumHiddenLayers:     testLayers,
		Bias:                bias,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func testStates(rows int) *mat.Dense {
	h := mat.NewDense(rows, testDModel, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < testDModel; c++ {
			h.Set(r, c, math.Cos(float64(r+3*c))+0.4)
		}
	}
	return h
}

// scrambleTranslators gives every translator distinct nonzero parameters.
func scrambleTranslators(t *testing.T, l *TunedLens) {
	t.Helper()
	for i := 0; i < l.NumLayers(); i++ {
		tr, err := l.Translator(i)
		if err != nil {
			t.Fatalf("Translator(%d): %v", i, err)
		}
		rows, cols := tr.Weight.Dims()
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				tr.Weight.Set(r, c, 0.1*math.Sin(float64(i+2*r+5*c+1)))
			}
		}
		if tr.Bias != nil {
			for c := 0; c < tr.Bias.Len(); c++ {
				tr.Bias.SetVec(c, 0.05*math.Cos(float64(i+c)))
			}
		}
	}
}

func TestNewLensIsIdentity(t *testing.T) {
	l := newTestLens(t, true)
	h := testStates(5)

	for i := 0; i < l.NumLayers(); i++ {
		out, err := l.TransformHidden(h, i)
		if err != nil {
			t.Fatalf("TransformHidden(%d): %v", i, err)
		}
		if !mat.EqualApprox(out, h, 1e-12) {
			t.Fatalf("fresh lens transformed layer %d away from identity", i)
		}

		logits, err := l.Forward(h, i)
		if err != nil {
			t.Fatalf("Forward(%d): %v", i, err)
		}
		direct, err := l.Unembed().Decode(h)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !mat.EqualApprox(logits, direct, 1e-12) {
			t.Fatalf("fresh lens logits differ from direct decode at layer %d", i)
		}
	}
}

func TestLayerOutOfRange(t *testing.T) {
	l := newTestLens(t, true)
	h := testStates(2)

	for _, layer := range []int{-1, testLayers, testLayers + 7} {
		if _, err := l.TransformHidden(h, layer); !errors.Is(err, model.ErrLayerOutOfRange) {
			t.Fatalf("TransformHidden(%d) error = %v, want ErrLayerOutOfRange", layer, err)
		}
		if _, err := l.Forward(h, layer); !errors.Is(err, model.ErrLayerOutOfRange) {
			t.Fatalf("Forward(%d) error = %v, want ErrLayerOutOfRange", layer, err)
		}
		if _, err := l.Translator(layer); !errors.Is(err, model.ErrLayerOutOfRange) {
			t.Fatalf("Translator(%d) error = %v, want ErrLayerOutOfRange", layer, err)
		}
	}
}

func TestNewRejectsWidthMismatch(t *testing.T) {
	_, err := New(newTestUnembed(t), Config{DModel: testDModel + 1, NumHiddenLayers: testLayers})
	if !errors.Is(err, model.ErrConfig) {
		t.Fatalf("New error = %v, want ErrConfig", err)
	}
}

func TestTransformHiddenShapeMismatch(t *testing.T) {
	l := newTestLens(t, true)
	if _, err := l.TransformHidden(mat.NewDense(2, testDModel+2, nil), 0); !errors.Is(err, model.ErrShapeMismatch) {
		t.Fatalf("TransformHidden error = %v, want ErrShapeMismatch", err)
	}
}

func TestNormalizeCentersParameters(t *testing.T) {
	l := newTestLens(t, true)
	scrambleTranslators(t, l)
	l.Normalize()

	for i := 0; i < l.NumLayers(); i++ {
		tr, err := l.Translator(i)
		if err != nil {
			t.Fatalf("Translator(%d): %v", i, err)
		}
		rows, cols := tr.Weight.Dims()
		for c := 0; c < cols; c++ {
			var mean float64
			for r := 0; r < rows; r++ {
				mean += tr.Weight.At(r, c)
			}
			mean /= float64(rows)
			if math.Abs(mean) > 1e-12 {
				t.Fatalf("layer %d weight column %d mean = %g after normalize", i, c, mean)
			}
		}
		var mean float64
		for c := 0; c < tr.Bias.Len(); c++ {
			mean += tr.Bias.AtVec(c)
		}
		mean /= float64(tr.Bias.Len())
		if math.Abs(mean) > 1e-12 {
			t.Fatalf("layer %d bias mean = %g after normalize", i, mean)
		}
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	l := newTestLens(t, true)
	scrambleTranslators(t, l)
	l.Normalize()

	before := make([]*mat.Dense, l.NumLayers())
	biases := make([]*mat.VecDense, l.NumLayers())
	for i := 0; i < l.NumLayers(); i++ {
		tr, _ := l.Translator(i)
		before[i] = mat.DenseCopyOf(tr.Weight)
		biases[i] = mat.VecDenseCopyOf(tr.Bias)
	}

	l.Normalize()
	for i := 0; i < l.NumLayers(); i++ {
		tr, _ := l.Translator(i)
		if !mat.EqualApprox(tr.Weight, before[i], 1e-14) {
			t.Fatalf("second normalize moved layer %d weights", i)
		}
		if !mat.EqualApprox(tr.Bias, biases[i], 1e-14) {
			t.Fatalf("second normalize moved layer %d bias", i)
		}
	}
}

func TestNormalizePreservesPredictions(t *testing.T) {
	// Centering shifts each transformed row uniformly; a mean-subtracting
	// final norm cancels the shift, so the decoded logits are unchanged.
	l := newTestLens(t, true)
	scrambleTranslators(t, l)
	h := testStates(5)

	before := make([]*mat.Dense, l.NumLayers())
	for i := 0; i < l.NumLayers(); i++ {
		logits, err := l.Forward(h, i)
		if err != nil {
			t.Fatalf("Forward(%d): %v", i, err)
		}
		before[i] = logits
	}

	l.Normalize()
	for i := 0; i < l.NumLayers(); i++ {
		logits, err := l.Forward(h, i)
		if err != nil {
			t.Fatalf("Forward(%d): %v", i, err)
		}
		if !mat.EqualApprox(logits, before[i], 1e-9) {
			t.Fatalf("normalize changed layer %d predictions", i)
		}
	}
}

func TestNewStampsUnembedHash(t *testing.T) {
	l := newTestLens(t, false)
	cfg := l.Config()
	if cfg.UnembedHash == nil || *cfg.UnembedHash != l.Unembed().Fingerprint() {
		t.Fatalf("config unembed hash not stamped from the adapter")
	}
	if cfg.LensType != LensTypeLinear {
		t.Fatalf("lens type = %q, want %q", cfg.LensType, LensTypeLinear)
	}
}

func TestDecodeConfigWarnsOnUnknownKeys(t *testing.T) {
	var warnings []string
	orig := warnf
	warnf = func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}
	defer func() { warnf = orig }()

	data := []byte(`{
		"base_model_name_or_path": "test/model",
		"d_model": 4,
		"num_hidden_layers": 3,
		"bias": true,
		"base_model_revision": null,
		"unembed_hash": null,
		"lens_type": "linear_tuned_lens",
		"dropout": 0.1,
		"extra_layers": 2
	}`)
	cfg, err := DecodeConfig(data)
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if cfg.DModel != 4 || cfg.NumHiddenLayers != 3 || !cfg.Bias {
		t.Fatalf("DecodeConfig dropped recognized fields: %+v", cfg)
	}
	if len(warnings) != 2 {
		t.Fatalf("got %d warnings, want one per unknown key: %v", len(warnings), warnings)
	}
}

func TestDecodeConfigRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{name: "not json", data: `{`},
		{name: "zero d_model", data: `{"d_model": 0, "num_hidden_layers": 3}`},
		{name: "zero layers", data: `{"d_model": 4, "num_hidden_layers": 0}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeConfig([]byte(tc.data)); !errors.Is(err, model.ErrConfig) {
				t.Fatalf("DecodeConfig error = %v, want ErrConfig", err)
			}
		})
	}
}
