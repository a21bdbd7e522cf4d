package caseiter

import "context"

// ResourceDescriptor enumerates what a worker needs to run the model.
type ResourceDescriptor struct {
	RequiredDistributions []string
	OrphanModules []string
	RuntimeVersion string
}

// ServerInfo describes an allocated worker.
type ServerInfo struct {
	Host string
	PID int
	Name string
	LoadedArtifact string // "" until a load_model has transferred one; dispatchLoad skips re-transferring when this already matches the driver's current artifact
}

// WorkerHandle is the out-of-process executor capability set. set/get/run are all exposed on the Scope LoadModel returns —
// the "top-level object" — not on the handle itself.
type WorkerHandle interface {
	LoadModel(ctx context.Context, artifactPath string) (Scope, error)
}

// ResourceAllocator provisions and releases WorkerHandles. Out of scope for this repo beyond the interface; a reference
// InMemoryAllocator is provided for tests/demos.
type ResourceAllocator interface {
	MaxServers(ctx context.Context, desc ResourceDescriptor) (int, error)
	Allocate(ctx context.Context, desc ResourceDescriptor) (WorkerHandle, ServerInfo, error)
	Release(handle WorkerHandle)
}

// CaseIterator is a lazy, finite, single-pass sequence of cases, using
// an explicit optional-next protocol rather than a sentinel/exception
// to signal exhaustion.
type CaseIterator interface {
	Next() (*Case, bool)
}

// Recorder is the append-only sink results are written to. Called only from the orchestrator thread.
type Recorder interface {
	Append(c *Case) error
}

// ModelTransfer moves the packaged model artifact to a worker. Wired in
// by dispatchLoad only when the worker's currently-loaded artifact
// differs from the driver's current one; load_model itself always
// still runs afterward.
type ModelTransfer interface {
	Transfer(ctx context.Context, srcPath string, dst WorkerHandle, dstPath string, binary bool) error
}

// ModelPackager produces a transferable artifact from the in-process
// model, along with the distributions/modules it depends on.
type ModelPackager interface {
	Package(name, version string) (artifactPath string, requiredDistributions []string, orphanModules []string, err error)
}
