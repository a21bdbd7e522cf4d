package caseiter

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// allocationResult bundles what gobreaker's Execute needs to return as
// a single interface{} value.
type allocationResult struct {
	handle WorkerHandle
	info ServerInfo
}

// breakerAllocator wraps a ResourceAllocator so repeated allocation
// failures (the host is out of capacity, a distribution transfer is
// broken,...) trip a circuit instead of hammering the allocator on
// every worker start.
type breakerAllocator struct {
	inner ResourceAllocator
	cb *gobreaker.CircuitBreaker
}

// NewBreakerAllocator wraps inner with a named circuit breaker.
func NewBreakerAllocator(inner ResourceAllocator, maxFailures uint32, resetTimeout time.Duration, logger *zap.Logger) ResourceAllocator {
	settings := gobreaker.Settings{
		Name: "caseiter-allocator",
		MaxRequests: 1,
		Interval: 0,
		Timeout: resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("allocator circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &breakerAllocator{
		inner: inner,
		cb: gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *breakerAllocator) MaxServers(ctx context.Context, desc ResourceDescriptor) (int, error) {
	return b.inner.MaxServers(ctx, desc)
}

func (b *breakerAllocator) Allocate(ctx context.Context, desc ResourceDescriptor) (WorkerHandle, ServerInfo, error) {
	raw, err := b.cb.Execute(func() (interface{}, error) {
		handle, info, err := b.inner.Allocate(ctx, desc)
		if err != nil {
			return nil, err
		}
		return allocationResult{handle: handle, info: info}, nil
	})
	if err != nil {
		return nil, ServerInfo{}, err
	}
	res := raw.(allocationResult)
	return res.handle, res.info, nil
}

func (b *breakerAllocator) Release(handle WorkerHandle) {
	b.inner.Release(handle)
}
