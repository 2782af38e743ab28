package train

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"tunedlens/internal/model"
)

// Objective gradients are scaled by 1/gradAcc on top of the per-position
// mean, so gradients accumulated over gradAcc micro-batches average to one
// optimizer step's worth. The returned loss is the unscaled per-position
// mean, suitable for logging.

// ceLossGrad computes token-averaged cross entropy of lens logits against
// label ids shifted by shift positions, and the gradient of that loss with
// respect to the logits. The prediction at position t is compared to the
// label at t+shift; positions reading past the sequence end are dropped, and
// their gradient rows stay zero.
func ceLossGrad(logits *mat.Dense, batch [][]int, seqLen, shift, gradAcc int) (float64, *mat.Dense, error) {
	rows, vocab := logits.Dims()
	if rows != len(batch)*seqLen {
		return 0, nil, fmt.Errorf("%w: logits have %d rows, want %d", model.ErrShapeMismatch, rows, len(batch)*seqLen)
	}
	usable := seqLen - shift
	if usable <= 0 {
		return 0, nil, fmt.Errorf("%w: shift %d leaves no usable positions in sequences of length %d", model.ErrConfig, shift, seqLen)
	}

	kept := len(batch) * usable
	scale := 1.0 / (float64(kept) * float64(gradAcc))
	grad := mat.NewDense(rows, vocab, nil)
	var loss float64
	for s := range batch {
		for t := 0; t < usable; t++ {
			r := s*seqLen + t
			label := batch[s][t+shift]
			if label < 0 || label >= vocab {
				return 0, nil, fmt.Errorf("%w: label id %d outside vocabulary of %d", model.ErrConfig, label, vocab)
			}

			maxLogit := logits.At(r, 0)
			for c := 1; c < vocab; c++ {
				if v := logits.At(r, c); v > maxLogit {
					maxLogit = v
				}
			}
			var sumExp float64
			for c := 0; c < vocab; c++ {
				sumExp += math.Exp(logits.At(r, c) - maxLogit)
			}
			logSumExp := maxLogit + math.Log(sumExp)

			loss += logSumExp - logits.At(r, label)
			for c := 0; c < vocab; c++ {
				grad.Set(r, c, math.Exp(logits.At(r, c)-logSumExp)*scale)
			}
			grad.Set(r, label, grad.At(r, label)-scale)
		}
	}
	return loss / float64(kept), grad, nil
}

// klLossGrad computes the forward KL divergence from the lens distribution to
// the model's final distribution, mean over positions, and its gradient with
// respect to the lens logits. labels holds the log-softmax of the final
// logits; the prediction at position t is compared to the label row at
// t+shift.
func klLossGrad(logits, labels *mat.Dense, batchSize, seqLen, shift, gradAcc int) (float64, *mat.Dense, error) {
	rows, vocab := logits.Dims()
	if rows != batchSize*seqLen {
		return 0, nil, fmt.Errorf("%w: logits have %d rows, want %d", model.ErrShapeMismatch, rows, batchSize*seqLen)
	}
	if lr, lc := labels.Dims(); lr != rows || lc != vocab {
		return 0, nil, fmt.Errorf("%w: labels are %dx%d, want %dx%d", model.ErrShapeMismatch, lr, lc, rows, vocab)
	}
	usable := seqLen - shift
	if usable <= 0 {
		return 0, nil, fmt.Errorf("%w: shift %d leaves no usable positions in sequences of length %d", model.ErrConfig, shift, seqLen)
	}

	kept := batchSize * usable
	scale := 1.0 / (float64(kept) * float64(gradAcc))
	grad := mat.NewDense(rows, vocab, nil)
	var loss float64
	for s := 0; s < batchSize; s++ {
		for t := 0; t < usable; t++ {
			r := s*seqLen + t
			labelRow := s*seqLen + t + shift

			maxLogit := logits.At(r, 0)
			for c := 1; c < vocab; c++ {
				if v := logits.At(r, c); v > maxLogit {
					maxLogit = v
				}
			}
			var sumExp float64
			for c := 0; c < vocab; c++ {
				sumExp += math.Exp(logits.At(r, c) - maxLogit)
			}
			logSumExp := maxLogit + math.Log(sumExp)

			for c := 0; c < vocab; c++ {
				logP := labels.At(labelRow, c)
				p := math.Exp(logP)
				logQ := logits.At(r, c) - logSumExp
				loss += p * (logP - logQ)
				grad.Set(r, c, (math.Exp(logQ)-p)*scale)
			}
		}
	}
	return loss / float64(kept), grad, nil
}

// logSoftmaxRows returns the row-wise log-softmax of logits.
func logSoftmaxRows(logits *mat.Dense) *mat.Dense {
	rows, cols := logits.Dims()
	out := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		maxLogit := logits.At(r, 0)
		for c := 1; c < cols; c++ {
			if v := logits.At(r, c); v > maxLogit {
				maxLogit = v
			}
		}
		var sumExp float64
		for c := 0; c < cols; c++ {
			sumExp += math.Exp(logits.At(r, c) - maxLogit)
		}
		logSumExp := maxLogit + math.Log(sumExp)
		for c := 0; c < cols; c++ {
			out.Set(r, c, logits.At(r, c)-logSumExp)
		}
	}
	return out
}
