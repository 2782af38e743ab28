package lens

import (
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"

	"tunedlens/internal/unembed"
)

// Lens maps an intermediate hidden state and its layer index to logits over
// the output vocabulary. The set of implementations is closed: LogitLens and
// TunedLens.
type Lens interface {
	// TransformHidden converts a hidden state from the given layer into the
	// final hidden state expected by the decode projection. The result has
	// the same shape as h.
	TransformHidden(h *mat.Dense, layer int) (*mat.Dense, error)

	// Forward transforms and then decodes the hidden state into logits.
	Forward(h *mat.Dense, layer int) (*mat.Dense, error)
}

// warnf reports non-fatal compatibility warnings. Tests may swap it out.
var warnf = func(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}

// LogitLens decodes the residual stream directly, with no learned transform.
type LogitLens struct {
	unembed *unembed.Unembed
}

func NewLogitLens(u *unembed.Unembed) *LogitLens {
	return &LogitLens{unembed: u}
}

// TransformHidden is the identity; the layer index is ignored.
func (l *LogitLens) TransformHidden(h *mat.Dense, _ int) (*mat.Dense, error) {
	return h, nil
}

func (l *LogitLens) Forward(h *mat.Dense, _ int) (*mat.Dense, error) {
	return l.unembed.Decode(h)
}
