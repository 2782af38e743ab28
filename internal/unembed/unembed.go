package unembed

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"tunedlens/internal/model"
)

// NormKind selects the final normalization applied before the decode
// projection.
type NormKind string

const (
	NormNone      NormKind = "none"
	NormLayerNorm NormKind = "layernorm"
	NormRMSNorm   NormKind = "rmsnorm"
)

const normEpsilon = 1e-5

// Unembed wraps a base model's fixed final normalization and decode
// projection. It is never mutated: Decode and VJP are pure, and several lenses
// may share a single Unembed.
type Unembed struct {
	kind   NormKind
	gain   []float64
	offset []float64
	weight *mat.Dense // vocab x d_model
	dModel int
	vocab  int
}

// New validates the normalization parameters against the decode matrix and
// wraps them. The caller retains no obligation to keep gain/offset alive;
// they are copied.
func New(kind NormKind, gain, offset []float64, weight *mat.Dense) (*Unembed, error) {
	if weight == nil {
		return nil, errors.New("decode weight matrix is required")
	}
	vocab, dModel := weight.Dims()
	switch kind {
	case NormNone:
		if gain != nil || offset != nil {
			return nil, errors.New("norm parameters supplied for norm kind none")
		}
	case NormLayerNorm:
		if len(gain) != dModel || len(offset) != dModel {
			return nil, fmt.Errorf("layernorm parameters must have length %d", dModel)
		}
	case NormRMSNorm:
		if len(gain) != dModel {
			return nil, fmt.Errorf("rmsnorm gain must have length %d", dModel)
		}
		if offset != nil {
			return nil, errors.New("rmsnorm takes no offset")
		}
	default:
		return nil, fmt.Errorf("unsupported norm kind: %s", kind)
	}

	return &Unembed{
		kind:   kind,
		gain:   append([]float64(nil), gain...),
		offset: append([]float64(nil), offset...),
		weight: weight,
		dModel: dModel,
		vocab:  vocab,
	}, nil
}

func (u *Unembed) DModel() int {
	return u.dModel
}

func (u *Unembed) Vocab() int {
	return u.vocab
}

// Decode applies the final normalization, then the decode projection, to every
// row of h. Rows are positions, columns are model dimensions.
func (u *Unembed) Decode(h *mat.Dense) (*mat.Dense, error) {
	rows, cols := h.Dims()
	if cols != u.dModel {
		return nil, fmt.Errorf("%w: hidden width %d, want %d", model.ErrShapeMismatch, cols, u.dModel)
	}

	normed := u.normalize(h)
	out := mat.NewDense(rows, u.vocab, nil)
	out.Mul(normed, u.weight.T())
	return out, nil
}

// VJP backpropagates a logit gradient to a hidden-state gradient: given the
// hidden states h that were decoded and dLogits = dLoss/dDecode(h), it returns
// dLoss/dh. Rows of dLogits that are all zero yield all-zero rows in the
// result.
func (u *Unembed) VJP(h, dLogits *mat.Dense) (*mat.Dense, error) {
	rows, cols := h.Dims()
	if cols != u.dModel {
		return nil, fmt.Errorf("%w: hidden width %d, want %d", model.ErrShapeMismatch, cols, u.dModel)
	}
	gr, gc := dLogits.Dims()
	if gr != rows || gc != u.vocab {
		return nil, fmt.Errorf("%w: logit gradient is %dx%d, want %dx%d", model.ErrShapeMismatch, gr, gc, rows, u.vocab)
	}

	// dNormed = dLogits * W, then back through the normalization row by row.
	dNormed := mat.NewDense(rows, u.dModel, nil)
	dNormed.Mul(dLogits, u.weight)

	out := mat.NewDense(rows, u.dModel, nil)
	x := make([]float64, u.dModel)
	dn := make([]float64, u.dModel)
	for r := 0; r < rows; r++ {
		for c := 0; c < u.dModel; c++ {
			x[c] = h.At(r, c)
			dn[c] = dNormed.At(r, c)
		}
		u.normBackwardRow(x, dn)
		for c := 0; c < u.dModel; c++ {
			out.Set(r, c, dn[c])
		}
	}
	return out, nil
}

// Fingerprint returns a stable digest over the decode weights and final
// normalization parameters, used to detect lens/model mismatches cheaply.
func (u *Unembed) Fingerprint() string {
	hash := sha256.New()
	hash.Write([]byte(u.kind))
	writeDims(hash, u.vocab, u.dModel)
	writeFloats(hash, u.gain)
	writeFloats(hash, u.offset)
	raw := u.weight.RawMatrix()
	for r := 0; r < raw.Rows; r++ {
		writeFloats(hash, raw.Data[r*raw.Stride:r*raw.Stride+raw.Cols])
	}
	return hex.EncodeToString(hash.Sum(nil))
}

func (u *Unembed) normalize(h *mat.Dense) *mat.Dense {
	rows, _ := h.Dims()
	out := mat.NewDense(rows, u.dModel, nil)
	x := make([]float64, u.dModel)
	for r := 0; r < rows; r++ {
		for c := 0; c < u.dModel; c++ {
			x[c] = h.At(r, c)
		}
		u.normForwardRow(x)
		for c := 0; c < u.dModel; c++ {
			out.Set(r, c, x[c])
		}
	}
	return out
}

func (u *Unembed) normForwardRow(x []float64) {
	switch u.kind {
	case NormNone:
	case NormLayerNorm:
		mean, variance := rowMoments(x)
		sigma := math.Sqrt(variance + normEpsilon)
		for c := range x {
			x[c] = (x[c]-mean)/sigma*u.gain[c] + u.offset[c]
		}
	case NormRMSNorm:
		rms := rowRMS(x)
		for c := range x {
			x[c] = x[c] / rms * u.gain[c]
		}
	}
}

func (u *Unembed) normBackwardRow(x, dn []float64) {
	switch u.kind {
	case NormNone:
	case NormLayerNorm:
		mean, variance := rowMoments(x)
		sigma := math.Sqrt(variance + normEpsilon)
		n := len(x)
		var dnMean, dnDotNorm float64
		normed := make([]float64, n)
		for c := range x {
			normed[c] = (x[c] - mean) / sigma
			dn[c] *= u.gain[c]
			dnMean += dn[c]
			dnDotNorm += dn[c] * normed[c]
		}
		dnMean /= float64(n)
		dnDotNorm /= float64(n)
		for c := range x {
			dn[c] = (dn[c] - dnMean - normed[c]*dnDotNorm) / sigma
		}
	case NormRMSNorm:
		rms := rowRMS(x)
		n := len(x)
		var dot float64
		for c := range x {
			dn[c] *= u.gain[c]
			dot += dn[c] * x[c]
		}
		dot /= float64(n) * rms * rms * rms
		for c := range x {
			dn[c] = dn[c]/rms - x[c]*dot
		}
	}
}

func rowMoments(x []float64) (mean, variance float64) {
	for _, v := range x {
		mean += v
	}
	mean /= float64(len(x))
	for _, v := range x {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(x))
	return mean, variance
}

func rowRMS(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum/float64(len(x)) + normEpsilon)
}

func writeDims(hash interface{ Write([]byte) (int, error) }, dims ...int) {
	var buf [8]byte
	for _, d := range dims {
		binary.LittleEndian.PutUint64(buf[:], uint64(d))
		_, _ = hash.Write(buf[:])
	}
}

func writeFloats(hash interface{ Write([]byte) (int, error) }, values []float64) {
	var buf [8]byte
	for _, v := range values {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = hash.Write(buf[:])
	}
}
