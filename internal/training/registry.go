package training

import (
	"context"
	"sync"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/store"
)

// Registry loads models by name or family. Artifacts are write-once, so a
// loaded model is cached for the life of the registry.
type Registry struct {
	store     *store.Store
	artifacts *ArtifactStore

	mu    sync.Mutex
	cache map[string]*Model
}

func NewRegistry(s *store.Store, artifacts *ArtifactStore) *Registry {
	return &Registry{store: s, artifacts: artifacts, cache: map[string]*Model{}}
}

// Load resolves name as a versioned model name first and as a family's
// active model otherwise.
func (r *Registry) Load(ctx context.Context, name string) (*Model, error) {
	rec, err := r.store.GetModelRecord(ctx, name)
	if failure.KindOf(err) == failure.NotFound {
		rec, err = r.store.ActiveModel(ctx, name)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.cache[rec.Name]; ok {
		return m, nil
	}
	b, err := r.artifacts.Load(rec.ArtifactPath)
	if err != nil {
		return nil, err
	}
	m, err := newModel(*rec, b)
	if err != nil {
		return nil, failure.New(failure.Malformed, "training.Registry.Load", err)
	}
	r.cache[rec.Name] = m
	return m, nil
}
