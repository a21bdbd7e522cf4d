package caseiter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/caseiter/driver/internal/config"
	"github.com/caseiter/driver/internal/monitor"
)

// Orchestrator is the top-level entry point: it owns the Dispatcher,
// starts the worker pool according to the configured startup policy,
// runs the main drain loop to completion or stop, and guarantees
// artifact cleanup on the way out.
type Orchestrator struct {
	cfg config.Config
	allocator ResourceAllocator
	packager ModelPackager
	recorder Recorder
	model Scope // non-nil only in sequential mode
	logger *zap.Logger
	metrics *Metrics
	artifacts *ArtifactRegistry
	monitor *monitor.Server
	transfer ModelTransfer

	dispatcher *Dispatcher
}

// AttachMonitor wires an optional live-state feed; every reply the
// drain loop processes also publishes a worker snapshot to it.
func (o *Orchestrator) AttachMonitor(m *monitor.Server) { o.monitor = m }

// AttachTransfer wires an optional ModelTransfer, consulted by
// dispatchLoad only when a worker's loaded artifact differs from the
// current one.
func (o *Orchestrator) AttachTransfer(t ModelTransfer) { o.transfer = t }

func (o *Orchestrator) publishSnapshot(name string) {
	if o.monitor == nil {
		return
	}
	rec, ok := o.dispatcher.workers[name]
	if !ok {
		return
	}
	o.monitor.Publish(monitor.WorkerSnapshot{
		Name: name,
		State: rec.state.String(),
		BreakerState: rec.breaker.State().String(),
		InUse: rec.inUse,
	})
}

// NewOrchestrator wires allocator, packager, recorder, and model into one
// runnable unit. allocator is wrapped in a circuit breaker per
// cfg.AllocatorBreaker*; model is required for sequential mode and
// ignored for concurrent mode.
func NewOrchestrator(cfg config.Config, allocator ResourceAllocator, packager ModelPackager, recorder Recorder, model Scope, logger *zap.Logger, metrics *Metrics) *Orchestrator {
	wrapped := allocator
	if !cfg.Sequential && allocator != nil {
		wrapped = NewBreakerAllocator(allocator, cfg.AllocatorBreakerMaxFailures, cfg.AllocatorBreakerResetTimeout, logger)
	}
	return &Orchestrator{
		cfg: cfg,
		allocator: wrapped,
		packager: packager,
		recorder: recorder,
		model: model,
		logger: logger,
		metrics: metrics,
		artifacts: NewArtifactRegistry(logger),
	}
}

// Execute runs every case in iter to completion. It
// returns ErrStopRequested if RequestStop (wired through stopCh) fired
// mid-run, ErrNoCapacity if the allocator reports zero usable workers
// up front, and nil on ordinary completion. Cleanup always runs,
// whichever way Execute returns.
func (o *Orchestrator) Execute(ctx context.Context, iter CaseIterator, stopCh <-chan struct{}) (err error) {
	defer o.artifacts.CleanupAll()

	o.dispatcher = NewDispatcher(iter, o.recorder, o.model, o.cfg.MaxRetries, o.cfg.ReloadModel, o.logger, o.metrics)
	o.dispatcher.SetTransfer(o.transfer)

	if o.cfg.Sequential {
		return o.runSequential(ctx, stopCh)
	}
	return o.runConcurrent(ctx, stopCh)
}

// runSequential drives the single in-process worker directly, with no
// goroutines or channels: server_ready's loop logic still applies, it
// just never yields to another worker.
func (o *Orchestrator) runSequential(ctx context.Context, stopCh <-chan struct{}) error {
	const name = "local"
	o.dispatcher.StartLocalWorker(name)

	for {
		select {
		case <-stopCh:
			o.dispatcher.RequestStop()
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !o.dispatcher.ServerReady(name, nil) {
			break
		}
	}
	if o.dispatcher.stopRequested.Load() {
		return ErrStopRequested
	}
	return nil
}

// runConcurrent packages the model, figures out pool size, launches
// workers per the configured startup policy, and drains replies until
// every worker reports itself no longer in use.
func (o *Orchestrator) runConcurrent(ctx context.Context, stopCh <-chan struct{}) error {
	desc := ResourceDescriptor{
		RequiredDistributions: o.cfg.RequiredDistributions,
		OrphanModules: o.cfg.OrphanModules,
		RuntimeVersion: o.cfg.RuntimeVersion,
	}

	maxServers, err := o.allocator.MaxServers(ctx, desc)
	if err != nil {
		return fmt.Errorf("caseiter: querying allocator capacity: %w", err)
	}
	if o.cfg.MaxServersHint > 0 && o.cfg.MaxServersHint < maxServers {
		maxServers = o.cfg.MaxServersHint
	}
	if maxServers <= 0 {
		return ErrNoCapacity
	}

	if o.packager != nil {
		artifactPath, requiredDists, orphans, err := o.packager.Package("model", "0")
		if err != nil {
			return fmt.Errorf("caseiter: packaging model: %w", err)
		}
		o.artifacts.Track(artifactPath)
		o.dispatcher.SetCurrentArtifact(artifactPath)
		desc.RequiredDistributions = requiredDists
		desc.OrphanModules = orphans
	}

	names := make([]string, 0, maxServers)
	for i := 0; i < maxServers; i++ {
		names = append(names, fmt.Sprintf("worker-%d", i))
	}

	var initialInUse map[string]bool
	pendingStartups := len(names)
	switch o.cfg.StartupMode {
	case config.StartupSerialized:
		initialInUse = o.startSerialized(ctx, names, desc)
		pendingStartups = 0
	default:
		o.startOverlapped(ctx, names, desc)
	}

	err = o.drain(ctx, stopCh, names, initialInUse, pendingStartups)

	o.dispatcher.Shutdown(context.Background(), names, o.cfg.ShutdownACKTimeout, o.logger)
	if werr := o.dispatcher.WaitWorkers(); werr != nil {
		o.logger.Warn("worker goroutine exited with error", zap.Error(werr))
	}

	return err
}

// startSerialized launches one worker at a time, blocking on its
// startup ack before launching the next — the platform-safe path for
// OSes where overlapping artifact file opens across worker processes is
// unsafe. The first ServerReady of every started worker is deferred
// until all workers have acked. It consumes each startup reply itself,
// so it hands drain the resulting in-use state directly rather than
// leaving acks for drain to collect.
func (o *Orchestrator) startSerialized(ctx context.Context, names []string, desc ResourceDescriptor) map[string]bool {
	inUse := make(map[string]bool, len(names))
	acks := make([]workerReply, 0, len(names))
	for _, name := range names {
		o.dispatcher.StartWorker(ctx, name, desc, o.allocator)
		acks = append(acks, <-o.dispatcher.reply)
	}
	for _, r := range acks {
		inUse[r.worker] = o.dispatcher.handleStartup(r)
		o.publishSnapshot(r.worker)
	}
	return inUse
}

// startOverlapped launches every worker back-to-back; their startup
// acks are picked up by the main drain loop like any other reply.
func (o *Orchestrator) startOverlapped(ctx context.Context, names []string, desc ResourceDescriptor) {
	for _, name := range names {
		o.dispatcher.StartWorker(ctx, name, desc, o.allocator)
	}
}

// drain is the main loop: every reply that arrives drives exactly one
// ServerReady step; the run ends once every worker has reported itself
// no longer in use.
func (o *Orchestrator) drain(ctx context.Context, stopCh <-chan struct{}, names []string, initialInUse map[string]bool, pendingStartups int) error {
	inUse := make(map[string]bool, len(names))
	for k, v := range initialInUse {
		inUse[k] = v
	}

	for pendingStartups > 0 || anyInUse(inUse) {
		select {
		case <-stopCh:
			o.dispatcher.RequestStop()
			continue
		case <-ctx.Done():
			return ctx.Err()
		case r := <-o.dispatcher.reply:
			switch r.kind {
			case replyStartup:
				pendingStartups--
				if o.dispatcher.handleStartup(r) {
					inUse[r.worker] = true
				} else {
					inUse[r.worker] = false
				}
				o.publishSnapshot(r.worker)
			case replyOp:
				inUse[r.worker] = o.dispatcher.ServerReady(r.worker, r.event)
				o.publishSnapshot(r.worker)
			case replyShutdown:
				// handled by Dispatcher.Shutdown after drain exits
			}
			o.metrics.activeWorkers.Set(float64(countInUse(inUse)))
			o.metrics.queuedCases.Set(float64(o.dispatcher.QueueDepth()))
		}
	}

	if o.dispatcher.stopRequested.Load() {
		return ErrStopRequested
	}
	return nil
}

func anyInUse(m map[string]bool) bool {
	for _, v := range m {
		if v {
			return true
		}
	}
	return false
}

func countInUse(m map[string]bool) int {
	n := 0
	for _, v := range m {
		if v {
			n++
		}
	}
	return n
}
