package resolver

import (
	"math"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"tunedlens/internal/lens"
	"tunedlens/internal/unembed"
)

func saveTestLens(t *testing.T, dir string) {
	t.Helper()
	const dModel, vocab = 3, 5
	w := mat.NewDense(vocab, dModel, nil)
	for r := 0; r < vocab; r++ {
		for c := 0; c < dModel; c++ {
			w.Set(r, c, math.Sin(float64(r*dModel+c+1)))
		}
	}
	u, err := unembed.New(unembed.NormNone, nil, nil, w)
	if err != nil {
		t.Fatalf("unembed.New: %v", err)
	}
	l, err := lens.New(u, lens.Config{DModel: dModel, NumHiddenLayers: 2})
	if err != nil {
		t.Fatalf("lens.New: %v", err)
	}
	if err := l.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestResolveById(t *testing.T) {
	root := t.TempDir()
	saveTestLens(t, filepath.Join(root, "pythia", "160m"))

	r := NewLocal(root)
	artifact, err := r.Resolve("pythia/160m")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if artifact.Dir != filepath.Join(root, "pythia", "160m") {
		t.Fatalf("artifact dir = %q", artifact.Dir)
	}
	if filepath.Base(artifact.ConfigPath) != lens.ConfigFile {
		t.Fatalf("config path = %q", artifact.ConfigPath)
	}
	if filepath.Base(artifact.ParamsPath) != lens.ParamsFile {
		t.Fatalf("params path = %q", artifact.ParamsPath)
	}
}

func TestResolveAbsolutePath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my-lens")
	saveTestLens(t, dir)

	r := NewLocal("unused-root")
	artifact, err := r.Resolve(dir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if artifact.Dir != dir {
		t.Fatalf("artifact dir = %q, want %q", artifact.Dir, dir)
	}
}

func TestResolveMissingArtifact(t *testing.T) {
	r := NewLocal(t.TempDir())
	if _, err := r.Resolve("missing"); err == nil {
		t.Fatalf("Resolve found a nonexistent artifact")
	}
	if _, err := r.Resolve(""); err == nil {
		t.Fatalf("Resolve accepted an empty id")
	}
}
