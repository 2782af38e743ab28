package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tunedlens/internal/lens"
)

// Artifact locates a persisted lens on local disk.
type Artifact struct {
	Dir        string
	ConfigPath string
	ParamsPath string
}

// Resolver maps a lens resource id to its on-disk artifact. Remote fetching
// is out of scope; ids resolve against a local root.
type Resolver interface {
	Resolve(id string) (Artifact, error)
}

// Local resolves resource ids under a root directory. An id is either a
// directory name under the root, or an absolute path used as-is. Model names
// with slashes (for example "EleutherAI/pythia-160m") map to nested
// directories.
type Local struct {
	root string
}

func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (r *Local) Resolve(id string) (Artifact, error) {
	if strings.TrimSpace(id) == "" {
		return Artifact{}, fmt.Errorf("resource id is required")
	}

	dir := id
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(r.root, filepath.FromSlash(id))
	}

	artifact := Artifact{
		Dir:        dir,
		ConfigPath: filepath.Join(dir, lens.ConfigFile),
		ParamsPath: filepath.Join(dir, lens.ParamsFile),
	}
	for _, path := range []string{artifact.ConfigPath, artifact.ParamsPath} {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return Artifact{}, fmt.Errorf("no lens artifact for %q: missing %s", id, filepath.Base(path))
			}
			return Artifact{}, err
		}
	}
	return artifact, nil
}
