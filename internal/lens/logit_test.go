package lens

import (
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestLogitLensDecodesDirectly(t *testing.T) {
	u := newTestUnembed(t)
	l := NewLogitLens(u)
	h := testStates(4)

	out, err := l.TransformHidden(h, 5)
	if err != nil {
		t.Fatalf("TransformHidden: %v", err)
	}
	if out != h {
		t.Fatalf("logit lens transform is not the identity")
	}

	logits, err := l.Forward(h, 0)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	direct, err := u.Decode(h)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !mat.EqualApprox(logits, direct, 1e-12) {
		t.Fatalf("logit lens differs from direct decode")
	}
}
