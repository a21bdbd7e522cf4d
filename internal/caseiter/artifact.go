package caseiter

import (
	"os"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ArtifactRegistry tracks packaged model artifacts that need removing
// once every worker has moved off them. Cleanup is triggered explicitly
// by the Orchestrator at the end of a run (and, best-effort, from a
// deferred call around Execute), never relying on process-exit hooks.
type ArtifactRegistry struct {
	mu    sync.Mutex
	paths []string
	log   *zap.Logger
}

// NewArtifactRegistry builds an empty registry.
func NewArtifactRegistry(log *zap.Logger) *ArtifactRegistry {
	return &ArtifactRegistry{log: log}
}

// Track registers path for later cleanup.
func (r *ArtifactRegistry) Track(path string) {
	if path == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

// CleanupAll removes every tracked artifact, retrying each removal a
// bounded number of times (a worker may still be mid-transfer off a
// network filesystem when cleanup starts). Errors are logged, not
// returned — cleanup is best-effort and must never fail a run that
// otherwise completed.
func (r *ArtifactRegistry) CleanupAll() {
	r.mu.Lock()
	paths := r.paths
	r.paths = nil
	r.mu.Unlock()

	for _, p := range paths {
		err := backoff.Retry(func() error {
			err := os.RemoveAll(p)
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2))
		if err != nil {
			r.log.Warn("artifact cleanup failed", zap.String("path", p), zap.Error(err))
		}
	}
}
