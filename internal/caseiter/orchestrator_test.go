package caseiter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caseiter/driver/internal/config"
)

// scriptedHandle lets a test control exactly how run() behaves for a
// given worker, independent of the InMemoryAllocator's default no-op.
type scriptedHandle struct {
	runFn func(values map[string]any) error
}

func (h *scriptedHandle) LoadModel(ctx context.Context, artifactPath string) (Scope, error) {
	s := NewInMemoryScope(nil)
	s.RunFn = h.runFn
	return s, nil
}

// scriptedAllocator hands out scriptedHandles, optionally failing
// Allocate for the first N calls to exercise allocation-failure
// shrinkage of the pool.
type scriptedAllocator struct {
	capacity    int
	runFn       func(values map[string]any) error
	issued      atomic.Int32
	failFirst   int32
	allocations atomic.Int32
}

func (a *scriptedAllocator) MaxServers(ctx context.Context, desc ResourceDescriptor) (int, error) {
	return a.capacity, nil
}

func (a *scriptedAllocator) Allocate(ctx context.Context, desc ResourceDescriptor) (WorkerHandle, ServerInfo, error) {
	n := a.allocations.Add(1)
	if n <= a.failFirst {
		return nil, ServerInfo{}, fmt.Errorf("scripted allocation failure %d", n)
	}
	id := a.issued.Add(1)
	return &scriptedHandle{runFn: a.runFn}, ServerInfo{Name: fmt.Sprintf("w-%d", id)}, nil
}

func (a *scriptedAllocator) Release(handle WorkerHandle) {}

func testLogger() *zap.Logger { return zap.NewNop() }

func baseConfig(sequential bool) config.Config {
	return config.Config{
		Sequential:         sequential,
		ReloadModel:        true,
		MaxRetries:         2,
		StartupMode:        config.StartupOverlapped,
		ShutdownACKTimeout: 2 * time.Second,
	}
}

func TestExecuteSequentialEmptyIterator(t *testing.T) {
	cfg := baseConfig(true)
	rec := &fakeRecorder{}
	model := NewInMemoryScope(nil)
	orch := NewOrchestrator(cfg, nil, nil, rec, model, testLogger(), NewMetrics(prometheus.NewRegistry()))

	err := orch.Execute(context.Background(), NewSliceCaseIterator(nil), nil)
	require.NoError(t, err)
	require.Empty(t, rec.cases)
}

func TestExecuteSequentialThreeCasesNoFailures(t *testing.T) {
	cfg := baseConfig(true)
	rec := &fakeRecorder{}
	model := NewInMemoryScope(nil)
	model.RunFn = func(values map[string]any) error { return nil }

	cases := []*Case{
		NewCase([]NamedValue{{Name: "x", Value: 1.0}}, nil),
		NewCase([]NamedValue{{Name: "x", Value: 2.0}}, nil),
		NewCase([]NamedValue{{Name: "x", Value: 3.0}}, nil),
	}
	orch := NewOrchestrator(cfg, nil, nil, rec, model, testLogger(), NewMetrics(prometheus.NewRegistry()))

	err := orch.Execute(context.Background(), NewSliceCaseIterator(cases), nil)
	require.NoError(t, err)
	require.Len(t, rec.cases, 3)
}

func TestExecuteConcurrentOneModelException(t *testing.T) {
	cfg := baseConfig(false)
	cfg.MaxRetries = 0 // a model exception is never retried regardless
	rec := &fakeRecorder{}

	allocator := &scriptedAllocator{
		capacity: 2,
		runFn: func(values map[string]any) error {
			if values["x"].(float64) == 3.0 {
				return fmt.Errorf("boom")
			}
			return nil
		},
	}
	orch := NewOrchestrator(cfg, allocator, nil, rec, nil, testLogger(), NewMetrics(prometheus.NewRegistry()))

	cases := make([]*Case, 5)
	for i := range cases {
		cases[i] = NewCase([]NamedValue{{Name: "x", Value: float64(i + 1)}}, nil)
	}

	err := orch.Execute(context.Background(), NewSliceCaseIterator(cases), nil)
	require.NoError(t, err)
	require.Len(t, rec.cases, 5)

	failed := 0
	for _, c := range rec.cases {
		if c.Msg != "" {
			failed++
			require.Contains(t, c.Msg, "model exception")
		}
	}
	require.Equal(t, 1, failed)
}

func TestExecuteConcurrentServerErrorRetriedUntilBudgetExhausted(t *testing.T) {
	cfg := baseConfig(false)
	cfg.MaxRetries = 2
	rec := &fakeRecorder{}

	var mu sync.Mutex
	attempts := map[string]int{}

	allocator := &scriptedAllocator{
		capacity: 1,
		runFn: func(values map[string]any) error {
			return nil
		},
	}
	// Force every case's input-apply to fail by swapping in a
	// SetFn-failing scope via a wrapping handle.
	failingAllocator := &failingSetAllocator{inner: allocator, mu: &mu, attempts: attempts}

	orch := NewOrchestrator(cfg, failingAllocator, nil, rec, nil, testLogger(), NewMetrics(prometheus.NewRegistry()))

	c := NewCase([]NamedValue{{Name: "x", Value: 1.0}}, nil)
	err := orch.Execute(context.Background(), NewSliceCaseIterator([]*Case{c}), nil)
	require.NoError(t, err)
	require.Len(t, rec.cases, 1)
	require.Contains(t, rec.cases[0].Msg, "server error")
	require.Equal(t, cfg.MaxRetries, rec.cases[0].Retries)
}

// failingSetAllocator wraps another allocator's handles so every
// returned Scope's Set() call always fails, simulating a worker whose
// load_model succeeds but whose model rejects every input.
type failingSetAllocator struct {
	inner    ResourceAllocator
	mu       *sync.Mutex
	attempts map[string]int
}

func (a *failingSetAllocator) MaxServers(ctx context.Context, desc ResourceDescriptor) (int, error) {
	return a.inner.MaxServers(ctx, desc)
}

func (a *failingSetAllocator) Allocate(ctx context.Context, desc ResourceDescriptor) (WorkerHandle, ServerInfo, error) {
	handle, info, err := a.inner.Allocate(ctx, desc)
	if err != nil {
		return nil, info, err
	}
	return &failingSetHandle{inner: handle}, info, nil
}

func (a *failingSetAllocator) Release(handle WorkerHandle) { a.inner.Release(handle) }

type failingSetHandle struct{ inner WorkerHandle }

func (h *failingSetHandle) LoadModel(ctx context.Context, artifactPath string) (Scope, error) {
	scope, err := h.inner.LoadModel(ctx, artifactPath)
	if err != nil {
		return nil, err
	}
	if s, ok := scope.(*InMemoryScope); ok {
		s.SetFn = func(name string, value any) error { return fmt.Errorf("model rejected %s", name) }
	}
	return scope, nil
}

func TestExecuteConcurrentStopRequestedAfterFirstCompletion(t *testing.T) {
	cfg := baseConfig(false)
	rec := &fakeRecorder{}

	var completed atomic.Int32
	stopCh := make(chan struct{})

	allocator := &scriptedAllocator{
		capacity: 1,
		runFn: func(values map[string]any) error {
			if completed.Add(1) == 1 {
				close(stopCh)
			}
			return nil
		},
	}
	orch := NewOrchestrator(cfg, allocator, nil, rec, nil, testLogger(), NewMetrics(prometheus.NewRegistry()))

	cases := make([]*Case, 10)
	for i := range cases {
		cases[i] = NewCase([]NamedValue{{Name: "x", Value: float64(i)}}, nil)
	}

	err := orch.Execute(context.Background(), NewSliceCaseIterator(cases), stopCh)
	require.ErrorIs(t, err, ErrStopRequested)
	require.Less(t, len(rec.cases), 10)
}

func TestExecuteConcurrentNoCapacity(t *testing.T) {
	cfg := baseConfig(false)
	rec := &fakeRecorder{}
	allocator := &scriptedAllocator{capacity: 0}
	orch := NewOrchestrator(cfg, allocator, nil, rec, nil, testLogger(), NewMetrics(prometheus.NewRegistry()))

	err := orch.Execute(context.Background(), NewSliceCaseIterator(nil), nil)
	require.ErrorIs(t, err, ErrNoCapacity)
}
