package model

import (
	"context"

	"gonum.org/v1/gonum/mat"
)

// Output is the result of one frozen forward pass over a batch of samples.
// All matrices are position-major: row s*SeqLen+t holds sample s, position t.
type Output struct {
	Batch  int
	SeqLen int

	// HiddenStates is ordered: the embedding output first, then every layer's
	// output including the final layer. Each matrix is (Batch*SeqLen) x d_model.
	HiddenStates []*mat.Dense

	// FinalLogits is the model's own output distribution, (Batch*SeqLen) x
	// vocab. May be nil for models that only expose hidden states.
	FinalLogits *mat.Dense
}

// Model is a frozen inference model returning per-layer hidden states and
// final logits for a batch of fixed-length token id sequences. Weights are a
// shared, read-only resource for the lifetime of a run.
type Model interface {
	Forward(ctx context.Context, batch [][]int) (Output, error)
}
