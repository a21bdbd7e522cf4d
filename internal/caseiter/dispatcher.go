package caseiter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caseiter/driver/internal/circuitbreaker"
)

// WorkerKind distinguishes the in-process local worker (sequential
// mode, no out-of-process server) from an out-of-process remote one.
type WorkerKind int

const (
	WorkerRemote WorkerKind = iota
	WorkerLocal
)

type pendingOp int

const (
	opNone pendingOp = iota
	opLoad
	opExecute
)

// replyEvent is what a worker's service loop reports back for one
// outstanding request.
type replyEvent struct {
	kind pendingOp
	scope Scope
	serverErr error // opLoad only: infra failure to load
	modelErr error // opExecute only: model-level exception from Run
}

type requestKind int

const (
	reqLoad requestKind = iota
	reqExecute
	reqShutdown
)

type workRequest struct {
	kind requestKind
	artifactPath string
	transferNeeded bool // reqLoad only — whether the artifact file actually changed
	scope Scope // reqExecute only — avoids the service loop reading rec fields directly
}

// replyKind distinguishes the three reply shapes a service loop can
// produce; only replyOp flows through Dispatcher.ServerReady.
type replyKind int

const (
	replyStartup replyKind = iota
	replyOp
	replyShutdown
)

type workerReply struct {
	worker string
	kind replyKind
	ok bool
	err error
	event *replyEvent
}

// workerRecord is the dispatcher-owned record for one worker. Every field is mutated only on the orchestrator
// thread, except handle/info/requests, which a worker's own service
// loop writes once under Dispatcher.mu at startup.
type workerRecord struct {
	name string
	kind WorkerKind
	handle WorkerHandle
	scope Scope
	info ServerInfo
	breaker *circuitbreaker.Manager

	requests chan workRequest
	inUse bool
	state WorkerState
	pending pendingOp
	pendingArtifact string // artifact path an in-flight opLoad is for
	current *Case
	lastErr error
	started time.Time
}

// Dispatcher owns the case queues and the per-worker FSM. It is driven entirely from a single goroutine (the
// Orchestrator's main loop); only worker startup registration crosses
// threads, guarded by mu.
type Dispatcher struct {
	mu sync.Mutex
	workers map[string]*workerRecord

	todo []*Case
	rerun []*Case
	iter CaseIterator

	reply chan workerReply

	recorder Recorder
	model Scope // sequential-mode top-level object; nil in concurrent mode
	maxRetries int
	reloadModel bool
	transfer ModelTransfer // optional; nil means the handle's LoadModel transfers on its own

	stopRequested atomic.Bool

	currentArtifact string

	logger *zap.Logger
	metrics *Metrics

	launchGroup *errgroup.Group
}

// NewDispatcher builds a Dispatcher. model is the already-loaded
// top-level object used for WorkerLocal (sequential mode); pass nil
// when every worker is remote.
func NewDispatcher(iter CaseIterator, recorder Recorder, model Scope, maxRetries int, reloadModel bool, logger *zap.Logger, metrics *Metrics) *Dispatcher {
	group := new(errgroup.Group)
	return &Dispatcher{
		workers: make(map[string]*workerRecord),
		iter: iter,
		reply: make(chan workerReply, 16),
		recorder: recorder,
		model: model,
		maxRetries: maxRetries,
		reloadModel: reloadModel,
		logger: logger,
		metrics: metrics,
		launchGroup: group,
	}
}

// WaitWorkers blocks until every launched service loop goroutine has
// returned. Call only after the drain loop has exited and shutdown
// requests have been sent, or this blocks forever.
func (d *Dispatcher) WaitWorkers() error {
	return d.launchGroup.Wait()
}

// RequestStop asks the dispatcher to stop handing out new cases; in
// flight cases still drain to completion.
func (d *Dispatcher) RequestStop() {
	d.stopRequested.Store(true)
}

// registerWorker adds a fresh record for name/kind before its service
// loop (if any) starts. Called from the orchestrator thread only, with
// mu held by the caller: already-running service loops look up
// d.workers under mu, so the map insert must not race with them.
func (d *Dispatcher) registerWorker(name string, kind WorkerKind) *workerRecord {
	rec := &workerRecord{
		name: name,
		kind: kind,
		state: WorkerEmpty,
		breaker: circuitbreaker.NewManager(circuitbreaker.ManagerConfig{
			Name: name,
			MaxFailures: 3,
			ResetTimeout: 30 * time.Second,
			Logger: d.logger,
		}),
		started: time.Now(),
	}
	if kind == WorkerLocal {
		rec.state = WorkerReady
		rec.scope = d.model
	}
	d.workers[name] = rec
	return rec
}

// Reply exposes the shared reply channel so the Orchestrator's drain
// loop can select on it.
func (d *Dispatcher) Reply() <-chan workerReply { return d.reply }

// SetCurrentArtifact records the artifact path workers should
// load_model against.
func (d *Dispatcher) SetCurrentArtifact(path string) { d.currentArtifact = path }

// SetTransfer wires an optional ModelTransfer that runs before
// load_model whenever the artifact file actually changed.
func (d *Dispatcher) SetTransfer(t ModelTransfer) { d.transfer = t }

// EnqueueRerun pushes a case that still has retry budget back onto the
// rerun queue, ahead of the lazy iterator.
func (d *Dispatcher) EnqueueRerun(c *Case) { d.rerun = append(d.rerun, c) }

// QueueDepth reports how many cases are sitting in the todo or rerun
// queues, waiting for a worker to pick them up.
func (d *Dispatcher) QueueDepth() int { return len(d.todo) + len(d.rerun) }

// nextCase applies the todo > rerun > iterator tie-break.
func (d *Dispatcher) nextCase() (c *Case, isRerun bool) {
	if len(d.todo) > 0 {
		c, d.todo = d.todo[0], d.todo[1:]
		return c, false
	}
	if len(d.rerun) > 0 {
		c, d.rerun = d.rerun[0], d.rerun[1:]
		return c, true
	}
	if c, ok := d.iter.Next(); ok {
		return c, false
	}
	return nil, false
}

// ServerReady is invoked once a worker is known to be idle: right
// after its startup ack, and again for every reply it produces. It
// runs exactly one externally-triggered FSM step to completion,
// looping internally through any states that resolve synchronously
// (setup failures, the local worker's trivial load/reload), and
// returns whether the worker is still in use.
func (d *Dispatcher) ServerReady(name string, ev *replyEvent) bool {
	rec, ok := d.workers[name]
	if !ok {
		return false
	}
	for {
		if ev != nil {
			switch rec.pending {
			case opLoad:
				rec.pending = opNone
				if ev.serverErr != nil {
					rec.state = WorkerError
					rec.lastErr = ev.serverErr
					rec.breaker.RecordFailure()
					d.metrics.workerErrors.Inc()
				} else {
					rec.state = WorkerReady
					rec.scope = ev.scope
					rec.lastErr = nil
					rec.info.LoadedArtifact = rec.pendingArtifact
					rec.breaker.RecordSuccess()
				}
				rec.pendingArtifact = ""
				ev = nil
				continue
			case opExecute:
				rec.pending = opNone
				d.completeExecute(rec, ev)
				ev = nil
				if rec.pending != opNone {
					return rec.inUse
				}
				continue
			default:
				ev = nil
			}
		}

		switch rec.state {
		case WorkerEmpty, WorkerError:
			if !rec.breaker.AllowRequest() {
				rec.inUse = false
				d.metrics.workerRetired.Inc()
				return false
			}
			if d.dispatchLoad(rec) {
				rec.inUse = true
				return true
			}
			continue
		case WorkerReady:
			if d.stopRequested.Load() {
				rec.inUse = false
				return false
			}
			c, isRerun := d.nextCase()
			if c == nil {
				rec.inUse = false
				return false
			}
			if d.runCase(c, rec, isRerun) {
				rec.inUse = true
				return true
			}
			continue
		default: // WorkerComplete: only reachable via the opExecute branch above
			rec.inUse = true
			return true
		}
	}
}

// dispatchLoad issues a load_model attempt. It reports true when the
// outcome will arrive asynchronously via the reply channel (remote
// worker), and false when it already resolved rec.state synchronously
// (local worker, whose load is always trivially successful since the
// model is already loaded in-process). load_model itself always runs —
// reload_model policy and the forced post-exception reload both need a
// fresh top-level object — but the underlying artifact file is only
// re-transferred when the worker's last-loaded artifact differs from
// the current one.
func (d *Dispatcher) dispatchLoad(rec *workerRecord) bool {
	if rec.kind == WorkerLocal {
		rec.state = WorkerReady
		rec.lastErr = nil
		rec.breaker.RecordSuccess()
		return false
	}
	rec.pending = opLoad
	rec.pendingArtifact = d.currentArtifact
	transferNeeded := rec.info.LoadedArtifact != d.currentArtifact
	rec.requests <- workRequest{kind: reqLoad, artifactPath: d.currentArtifact, transferNeeded: transferNeeded}
	return true
}

// runCase applies a case's inputs and, on success, dispatches its
// execute. Setup failures classify as ServerError: the case is
// requeued if retry budget remains, else recorded with its failure
// message. Returns true iff an execute was
// dispatched and its reply is still pending.
func (d *Dispatcher) runCase(c *Case, rec *workerRecord, isRerun bool) bool {
	if !isRerun {
		if c.MaxRetries == 0 {
			c.MaxRetries = d.maxRetries
		}
		c.Retries = 0
	}
	c.Msg = ""
	rec.current = c

	if err := c.ApplyInputs(rec.scope); err != nil {
		se := &ServerError{Worker: rec.name, Op: "setup", Err: err}
		rec.state = WorkerError
		rec.lastErr = se
		rec.current = nil
		rec.breaker.RecordFailure()
		d.metrics.workerErrors.Inc()
		if c.Retries < c.MaxRetries {
			c.Retries++
			d.EnqueueRerun(c)
		} else {
			c.Msg = se.Error()
			d.safeAppend(c)
			d.metrics.casesFailed.Inc()
		}
		return false
	}

	start := time.Now()
	if rec.kind == WorkerLocal {
		err := rec.scope.Run(context.Background())
		d.metrics.caseDuration.Observe(time.Since(start).Seconds())
		d.completeExecute(rec, &replyEvent{kind: opExecute, modelErr: err})
		return false
	}

	rec.pending = opExecute
	rec.state = WorkerComplete
	rec.requests <- workRequest{kind: reqExecute, scope: rec.scope}
	return true
}

// completeExecute collects a finished case's outcome, records it, and
// decides whether the worker reloads before becoming Ready again. A
// model exception always forces a reload even if reload_model is
// false, since the model's internal state after an unhandled exception
// is untrusted.
func (d *Dispatcher) completeExecute(rec *workerRecord, ev *replyEvent) {
	c := rec.current
	rec.current = nil

	if ev.modelErr != nil {
		me := &ModelException{Worker: rec.name, Err: ev.modelErr}
		c.Msg = me.Error()
		c.Exc = newTracedError(ev.modelErr)
		d.metrics.casesFailed.Inc()
	} else {
		if err := c.UpdateOutputs(rec.scope, ""); err != nil {
			d.logger.Warn("output read error", zap.String("worker", rec.name), zap.Error(err))
		}
		d.metrics.casesCompleted.Inc()
	}
	d.safeAppend(c)

	if d.reloadModel || ev.modelErr != nil {
		if d.dispatchLoad(rec) {
			return
		}
		return
	}
	rec.state = WorkerReady
}

func (d *Dispatcher) safeAppend(c *Case) {
	if err := d.recorder.Append(c); err != nil {
		d.logger.Warn("recorder append failed", zap.String("case", c.UUID.String()), zap.Error(err))
	}
}

// handleStartup processes a replyStartup event: on success it runs the
// worker's first ServerReady tick; on failure the worker is dropped
// from the pool entirely.
func (d *Dispatcher) handleStartup(r workerReply) bool {
	rec, ok := d.workers[r.worker]
	if !ok {
		return false
	}
	if !r.ok {
		rec.lastErr = fmt.Errorf("%w: %s: %v", ErrAllocationFailure, r.worker, r.err)
		d.logger.Warn("worker allocation failed", zap.String("worker", r.worker), zap.Error(rec.lastErr))
		rec.inUse = false
		return false
	}
	return d.ServerReady(r.worker, nil)
}
