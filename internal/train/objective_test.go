package train

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"tunedlens/internal/model"
)

func TestCELossUniformLogits(t *testing.T) {
	const (
		seqLen = 4
		vocab  = 8
		shift  = 1
	)
	batch := [][]int{{1, 2, 3, 4}, {5, 6, 7, 0}}
	logits := mat.NewDense(len(batch)*seqLen, vocab, nil)

	loss, grad, err := ceLossGrad(logits, batch, seqLen, shift, 1)
	if err != nil {
		t.Fatalf("ceLossGrad: %v", err)
	}

	// Uniform logits give loss ln(vocab) at every kept position.
	if math.Abs(loss-math.Log(vocab)) > 1e-12 {
		t.Fatalf("uniform loss = %v, want ln(%d) = %v", loss, vocab, math.Log(vocab))
	}

	// The last position of each sample reads past the end and is dropped.
	for s := range batch {
		r := s*seqLen + (seqLen - 1)
		for c := 0; c < vocab; c++ {
			if grad.At(r, c) != 0 {
				t.Fatalf("dropped position row %d has nonzero gradient", r)
			}
		}
	}

	// Softmax minus one-hot: each kept row sums to zero.
	for s := range batch {
		for pos := 0; pos < seqLen-shift; pos++ {
			r := s*seqLen + pos
			var sum float64
			for c := 0; c < vocab; c++ {
				sum += grad.At(r, c)
			}
			if math.Abs(sum) > 1e-12 {
				t.Fatalf("gradient row %d sums to %v, want 0", r, sum)
			}
			label := batch[s][pos+shift]
			if grad.At(r, label) >= 0 {
				t.Fatalf("label entry of gradient row %d is not negative", r)
			}
		}
	}
}

func TestCELossPeakedLogitsNearZero(t *testing.T) {
	const seqLen, vocab = 3, 5
	batch := [][]int{{0, 2, 4}}
	logits := mat.NewDense(seqLen, vocab, nil)
	// Put strong mass on the correct next token at each kept position.
	logits.Set(0, 2, 50)
	logits.Set(1, 4, 50)

	loss, _, err := ceLossGrad(logits, batch, seqLen, 1, 1)
	if err != nil {
		t.Fatalf("ceLossGrad: %v", err)
	}
	if loss > 1e-12 {
		t.Fatalf("confident correct predictions lose %v, want about 0", loss)
	}
}

func TestCELossGradAccScaling(t *testing.T) {
	const seqLen, vocab = 3, 5
	batch := [][]int{{0, 2, 4}}
	logits := mat.NewDense(seqLen, vocab, nil)

	loss1, grad1, err := ceLossGrad(logits, batch, seqLen, 1, 1)
	if err != nil {
		t.Fatalf("ceLossGrad: %v", err)
	}
	loss4, grad4, err := ceLossGrad(logits, batch, seqLen, 1, 4)
	if err != nil {
		t.Fatalf("ceLossGrad: %v", err)
	}

	if loss1 != loss4 {
		t.Fatalf("logging loss changed with grad accumulation: %v vs %v", loss1, loss4)
	}
	scaled := mat.NewDense(seqLen, vocab, nil)
	scaled.Scale(0.25, grad1)
	if !mat.EqualApprox(grad4, scaled, 1e-14) {
		t.Fatalf("gradient not scaled by 1/grad_acc")
	}
}

func TestCELossRejectsBadInputs(t *testing.T) {
	batch := [][]int{{0, 1, 2}}
	logits := mat.NewDense(3, 5, nil)

	if _, _, err := ceLossGrad(logits, batch, 3, 3, 1); !errors.Is(err, model.ErrConfig) {
		t.Fatalf("full-length shift error = %v, want ErrConfig", err)
	}
	if _, _, err := ceLossGrad(mat.NewDense(2, 5, nil), batch, 3, 1, 1); !errors.Is(err, model.ErrShapeMismatch) {
		t.Fatalf("row mismatch error = %v, want ErrShapeMismatch", err)
	}
	if _, _, err := ceLossGrad(logits, [][]int{{0, 9, 2}}, 3, 1, 1); !errors.Is(err, model.ErrConfig) {
		t.Fatalf("out-of-vocabulary label error = %v, want ErrConfig", err)
	}
}

func TestKLLossZeroForMatchingDistributions(t *testing.T) {
	const seqLen, vocab = 3, 5
	logits := mat.NewDense(seqLen, vocab, nil)
	for r := 0; r < seqLen; r++ {
		for c := 0; c < vocab; c++ {
			logits.Set(r, c, math.Sin(float64(r+2*c)))
		}
	}
	labels := logSoftmaxRows(logits)

	loss, grad, err := klLossGrad(logits, labels, 1, seqLen, 0, 1)
	if err != nil {
		t.Fatalf("klLossGrad: %v", err)
	}
	if math.Abs(loss) > 1e-12 {
		t.Fatalf("kl of a distribution with itself = %v, want 0", loss)
	}
	if !mat.EqualApprox(grad, mat.NewDense(seqLen, vocab, nil), 1e-12) {
		t.Fatalf("gradient of matching distributions is not zero")
	}
}

func TestKLLossPositiveForDifferentDistributions(t *testing.T) {
	const seqLen, vocab = 2, 4
	logits := mat.NewDense(seqLen, vocab, nil)
	reference := mat.NewDense(seqLen, vocab, nil)
	reference.Set(0, 1, 3)
	reference.Set(1, 2, 3)
	labels := logSoftmaxRows(reference)

	loss, grad, err := klLossGrad(logits, labels, 1, seqLen, 0, 1)
	if err != nil {
		t.Fatalf("klLossGrad: %v", err)
	}
	if loss <= 0 {
		t.Fatalf("kl between different distributions = %v, want > 0", loss)
	}
	// grad = q - p per position; rows sum to zero.
	for r := 0; r < seqLen; r++ {
		var sum float64
		for c := 0; c < vocab; c++ {
			sum += grad.At(r, c)
		}
		if math.Abs(sum) > 1e-12 {
			t.Fatalf("kl gradient row %d sums to %v, want 0", r, sum)
		}
	}
}

func TestKLLossShiftDropsTrailingPositions(t *testing.T) {
	const seqLen, vocab = 3, 4
	logits := mat.NewDense(seqLen, vocab, nil)
	labels := logSoftmaxRows(logits)

	_, grad, err := klLossGrad(logits, labels, 1, seqLen, 1, 1)
	if err != nil {
		t.Fatalf("klLossGrad: %v", err)
	}
	for c := 0; c < vocab; c++ {
		if grad.At(seqLen-1, c) != 0 {
			t.Fatalf("dropped position has nonzero kl gradient")
		}
	}
}

func TestLogSoftmaxRowsNormalizes(t *testing.T) {
	logits := mat.NewDense(2, 4, []float64{
		1, 2, 3, 4,
		100, 100, 100, 100,
	})
	out := logSoftmaxRows(logits)
	for r := 0; r < 2; r++ {
		var sum float64
		for c := 0; c < 4; c++ {
			sum += math.Exp(out.At(r, c))
		}
		if math.Abs(sum-1.0) > 1e-12 {
			t.Fatalf("row %d probabilities sum to %v", r, sum)
		}
	}
}
