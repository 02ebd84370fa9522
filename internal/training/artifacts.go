package training

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/features"
	"github.com/metgo/quillota/internal/ml"
	"github.com/metgo/quillota/internal/models"
)

const artifactExt = ".json.zst"

// Bundle is everything needed to rebuild a trained model for inference.
type Bundle struct {
	Name    string           `json:"name"`
	Kind    models.ModelKind `json:"kind"`
	Recipe  *features.Recipe `json:"recipe"`
	Base    []ml.Artifact    `json:"base"`
	Weights []float64        `json:"weights,omitempty"`
	Meta    *ml.Artifact     `json:"meta,omitempty"`
}

// ArtifactStore keeps zstd-compressed model bundles on disk, one file per
// model name. Files are write-once.
type ArtifactStore struct {
	dir string
}

func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &ArtifactStore{dir: dir}, nil
}

func (a *ArtifactStore) Path(name string) string {
	return filepath.Join(a.dir, name+artifactExt)
}

// Save writes the bundle and returns its path. An existing artifact with the
// same name is a StoreConflict.
func (a *ArtifactStore) Save(b *Bundle) (string, error) {
	path := a.Path(b.Name)
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode bundle %s: %w", b.Name, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return "", failure.Newf(failure.StoreConflict, "training.ArtifactStore.Save", "artifact %q already exists", b.Name)
	}
	if err != nil {
		return "", err
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return "", err
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	return path, f.Close()
}

// Load reads a bundle from path.
func (a *ArtifactStore) Load(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, failure.Newf(failure.NotFound, "training.ArtifactStore.Load", "artifact %s", path)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var b Bundle
	if err := json.NewDecoder(dec).Decode(&b); err != nil {
		return nil, failure.New(failure.Malformed, "training.ArtifactStore.Load", fmt.Errorf("decode %s: %w", path, err))
	}
	return &b, nil
}

// List returns the names of stored artifacts.
func (a *ArtifactStore) List() []string {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), artifactExt) {
			names = append(names, strings.TrimSuffix(e.Name(), artifactExt))
		}
	}
	return names
}
