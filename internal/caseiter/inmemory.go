package caseiter

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// InMemoryAllocator is a reference ResourceAllocator for tests/demos:
// it hands out up to Capacity in-process InMemoryWorkerHandles and
// never actually talks to a network.
type InMemoryAllocator struct {
	Capacity int
	issued atomic.Int32
}

func (a *InMemoryAllocator) MaxServers(ctx context.Context, desc ResourceDescriptor) (int, error) {
	return a.Capacity, nil
}

func (a *InMemoryAllocator) Allocate(ctx context.Context, desc ResourceDescriptor) (WorkerHandle, ServerInfo, error) {
	n := a.issued.Add(1)
	if int(n) > a.Capacity {
		a.issued.Add(-1)
		return nil, ServerInfo{}, fmt.Errorf("caseiter: in-memory allocator exhausted (capacity %d)", a.Capacity)
	}
	name := fmt.Sprintf("inproc-%d", n)
	return &InMemoryWorkerHandle{}, ServerInfo{Host: "localhost", PID: os.Getpid(), Name: name}, nil
}

func (a *InMemoryAllocator) Release(handle WorkerHandle) {
	a.issued.Add(-1)
}

// InMemoryWorkerHandle returns an InMemoryScope that just stores
// whatever was set, for exercising the dispatcher without a real
// model.
type InMemoryWorkerHandle struct{}

func (h *InMemoryWorkerHandle) LoadModel(ctx context.Context, artifactPath string) (Scope, error) {
	return NewInMemoryScope(nil), nil
}

// LocalFileTransfer is a reference ModelTransfer for demos/tests, where
// the worker pool runs in the same process and on the same filesystem
// as the orchestrator: "transferring" an artifact is just confirming
// it's still on disk where the packager left it.
type LocalFileTransfer struct{}

func (LocalFileTransfer) Transfer(ctx context.Context, srcPath string, dst WorkerHandle, dstPath string, binary bool) error {
	if srcPath == "" {
		return nil
	}
	if _, err := os.Stat(srcPath); err != nil {
		return fmt.Errorf("caseiter: transferring artifact %s: %w", srcPath, err)
	}
	return nil
}

// demoExprEvaluator is a minimal reference ExprEvaluator for names of
// the form "<name>*<factor>". The real expression language is out of
// scope for this repo (Case only holds the ExprEvaluator interface);
// this exists so internal/exprcache's memoized compile path has a
// concrete, working evaluator to compile and cache in demos/tests.
type demoExprEvaluator struct {
	name   string
	factor float64
}

func (e *demoExprEvaluator) Evaluate(scope Scope) (any, error) {
	v, err := scope.Get(e.name, nil)
	if err != nil {
		return nil, err
	}
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Errorf("caseiter: demo expr %q: underlying value is not a float64", e.name)
	}
	return f * e.factor, nil
}

func (e *demoExprEvaluator) Set(value any, scope Scope) error {
	f, ok := value.(float64)
	if !ok {
		return fmt.Errorf("caseiter: demo expr %q: value is not a float64", e.name)
	}
	return scope.Set(e.name, f/e.factor, nil)
}

var demoExprPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\*([0-9.]+)$`)

// DemoExprCompiler parses "<name>*<factor>" expressions into a
// demoExprEvaluator. It is the exprcache.Compiler a caller passes to
// exprcache.New before wiring the result into UseExprCache.
func DemoExprCompiler(expr string) (any, error) {
	m := demoExprPattern.FindStringSubmatch(expr)
	if m == nil {
		return nil, fmt.Errorf("caseiter: demo compiler cannot parse %q", expr)
	}
	factor, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return nil, err
	}
	return ExprEvaluator(&demoExprEvaluator{name: m[1], factor: factor}), nil
}

// InMemoryScope is a reference Scope: a flat map plus optional RunFn
// and SetFn hooks so tests can simulate model exceptions and set
// failures.
type InMemoryScope struct {
	mu sync.Mutex
	values map[string]any
	caseID uuid.UUID
	RunFn func(values map[string]any) error
	SetFn func(name string, value any) error
}

// NewInMemoryScope builds a scope seeded with initial, optionally nil.
func NewInMemoryScope(initial map[string]any) *InMemoryScope {
	if initial == nil {
		initial = make(map[string]any)
	}
	return &InMemoryScope{values: initial}
}

func (s *InMemoryScope) Set(name string, value any, index []any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetFn != nil {
		if err := s.SetFn(name, value); err != nil {
			return err
		}
	}
	s.values[name] = value
	return nil
}

func (s *InMemoryScope) Get(name string, index []any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	if !ok {
		return nil, fmt.Errorf("caseiter: no such variable %q", name)
	}
	return v, nil
}

func (s *InMemoryScope) Run(ctx context.Context) error {
	s.mu.Lock()
	fn := s.RunFn
	values := s.values
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(values)
}

func (s *InMemoryScope) SetCaseID(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caseID = id
}

// SliceCaseIterator adapts a pre-built []*Case into a CaseIterator.
type SliceCaseIterator struct {
	cases []*Case
	pos int
}

// NewSliceCaseIterator wraps cases for lazy one-at-a-time consumption.
func NewSliceCaseIterator(cases []*Case) *SliceCaseIterator {
	return &SliceCaseIterator{cases: cases}
}

func (it *SliceCaseIterator) Next() (*Case, bool) {
	if it.pos >= len(it.cases) {
		return nil, false
	}
	c := it.cases[it.pos]
	it.pos++
	return c, true
}
